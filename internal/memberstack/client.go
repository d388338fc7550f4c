// Package memberstack はMemberstack REST APIのクライアントを提供する。
// 会員の取得・作成・プラン追加・トークン検証はAdmin API（X-API-KEY）、
// パスワードログインは公開API（X-Public-Key）を使う。
package memberstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowsapp/flowsweb/internal/metrics"
	"github.com/flowsapp/flowsweb/internal/model"
	"github.com/flowsapp/flowsweb/internal/security"
)

const (
	defaultAdminURL = "https://admin.memberstack.com"
	defaultAuthURL  = "https://api.memberstack.com"
	defaultTimeout  = 10 * time.Second

	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

var (
	// ErrMemberNotFound は会員が存在しない場合に返される。
	ErrMemberNotFound = errors.New("memberstack: member not found")
	// ErrEmailExists はメールアドレスが既に登録されている場合に返される。
	ErrEmailExists = errors.New("memberstack: email already exists")
	// ErrUnauthorized は認証情報やトークンが拒否された場合に返される。
	ErrUnauthorized = errors.New("memberstack: unauthorized")
	// ErrMissingMemberID はレスポンスに会員IDが含まれない場合に返される。
	ErrMissingMemberID = errors.New("memberstack: response has no member id")
)

// Error はMemberstackが返したエラーレスポンスを表す。
type Error struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string // タグ除去済み
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("memberstack %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("memberstack %s: status %d", e.Operation, e.StatusCode)
}

// Is はステータスやコードを対応するセンチネルエラーに対応付ける。
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMemberNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrEmailExists:
		return e.StatusCode == http.StatusConflict || e.Code == "EMAIL_ALREADY_EXISTS"
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// Config はClientの設定。
type Config struct {
	SecretKey string
	PublicKey string
	AdminURL  string
	AuthURL   string
	Timeout   time.Duration

	// HTTPClient が nil の場合はotelhttpで計装したクライアントを使う。
	HTTPClient *http.Client
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Client はMemberstack APIのクライアント。
type Client struct {
	secretKey  string
	publicKey  string
	adminURL   string
	authURL    string
	httpClient *http.Client
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg Config) *Client {
	if cfg.AdminURL == "" {
		cfg.AdminURL = defaultAdminURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		secretKey:  cfg.SecretKey,
		publicKey:  cfg.PublicKey,
		adminURL:   strings.TrimRight(cfg.AdminURL, "/"),
		authURL:    strings.TrimRight(cfg.AuthURL, "/"),
		httpClient: cfg.HTTPClient,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// CreateMemberParams は会員作成のパラメータ。
type CreateMemberParams struct {
	Email    string
	Password string
	PlanIDs  []string
}

type planRef struct {
	PlanID string `json:"planId"`
}

type createMemberRequest struct {
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Plans    []planRef `json:"plans,omitempty"`
}

// GetMember はIDまたはメールアドレスで会員を取得する。
func (c *Client) GetMember(ctx context.Context, idOrEmail string) (*model.Member, error) {
	if idOrEmail == "" {
		return nil, ErrMemberNotFound
	}
	var m model.Member
	endpoint := c.adminURL + "/members/" + url.PathEscape(idOrEmail)
	if err := c.do(ctx, "get_member", http.MethodGet, endpoint, c.adminHeaders(), nil, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, ErrMissingMemberID
	}
	return &m, nil
}

// CreateMember は会員を作成する。PlanIDsは無料プランの付与に使う。
func (c *Client) CreateMember(ctx context.Context, params CreateMemberParams) (*model.Member, error) {
	body := createMemberRequest{Email: params.Email, Password: params.Password}
	for _, id := range params.PlanIDs {
		body.Plans = append(body.Plans, planRef{PlanID: id})
	}

	var m model.Member
	if err := c.do(ctx, "create_member", http.MethodPost, c.adminURL+"/members", c.adminHeaders(), body, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, ErrMissingMemberID
	}
	if m.Auth.Email == "" {
		m.Auth.Email = params.Email
	}
	return &m, nil
}

// loginResponse は公開APIのログインレスポンス。
// 会員IDは member.id またはトップレベルの id に入る。
type loginResponse struct {
	ID     string `json:"id"`
	Member *struct {
		ID string `json:"id"`
	} `json:"member"`
}

// LoginMember はメールアドレスとパスワードで認証し、会員IDを返す。
func (c *Client) LoginMember(ctx context.Context, email, password string) (string, error) {
	body := map[string]string{"email": email, "password": password}
	headers := map[string]string{"X-Public-Key": c.publicKey}

	var resp loginResponse
	if err := c.do(ctx, "login", http.MethodPost, c.authURL+"/auth/login", headers, body, &resp); err != nil {
		return "", err
	}
	if resp.Member != nil && resp.Member.ID != "" {
		return resp.Member.ID, nil
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	return "", ErrMissingMemberID
}

// AddFreePlan は会員に無料プランを追加する。
func (c *Client) AddFreePlan(ctx context.Context, memberID, planID string) error {
	endpoint := c.adminURL + "/members/" + url.PathEscape(memberID) + "/add-plan"
	return c.do(ctx, "add_plan", http.MethodPost, endpoint, c.adminHeaders(), planRef{PlanID: planID}, nil)
}

// verifyTokenResponse はトークン検証のレスポンス。
type verifyTokenResponse struct {
	ID  string `json:"id"`
	Sub string `json:"sub"`
}

// VerifyToken はブラウザSDKが発行した会員トークン（_ms-mid）を検証し、会員IDを返す。
func (c *Client) VerifyToken(ctx context.Context, token string) (string, error) {
	var resp verifyTokenResponse
	body := map[string]string{"token": token}
	if err := c.do(ctx, "verify_token", http.MethodPost, c.adminURL+"/members/verify-token", c.adminHeaders(), body, &resp); err != nil {
		return "", err
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	if resp.Sub != "" {
		return resp.Sub, nil
	}
	return "", ErrMissingMemberID
}

func (c *Client) adminHeaders() map[string]string {
	return map[string]string{"X-API-KEY": c.secretKey}
}

// do はリクエストを送信し、成功時はoutにデコードする。
// 2xx以外は*Errorを返す。
func (c *Client) do(ctx context.Context, op, method, endpoint string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("memberstack %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("memberstack %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordMemberstackRequest(op, 0, time.Since(start))
		c.logger.ErrorContext(ctx, "Memberstack APIの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("memberstack %s: %w", op, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordMemberstackRequest(op, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("memberstack %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseError(op, resp.StatusCode, raw)
		c.logger.WarnContext(ctx, "Memberstack APIがエラーステータスを返しました",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrapData(raw), out); err != nil {
		return fmt.Errorf("memberstack %s: decode response: %w", op, err)
	}
	return nil
}

// unwrapData は {"data": {...}} 形式のレスポンスから中身を取り出す。
// エンベロープでない場合はそのまま返す。
func unwrapData(raw []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	data, ok := envelope["data"]
	if !ok {
		return raw
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	return trimmed
}

// errorBody はMemberstackのエラーレスポンス。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseError(op string, status int, raw []byte) *Error {
	e := &Error{Operation: op, StatusCode: status}
	var body errorBody
	if err := json.Unmarshal(unwrapData(raw), &body); err == nil {
		e.Code = body.Code
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		e.Message = security.PlainText(msg)
	}
	return e
}

// ProviderMessage はerrが*Errorの場合にプロバイダーのメッセージを返す。
func ProviderMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}

// StatusCode はerrが*Errorの場合にHTTPステータスを返す。それ以外は0。
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
