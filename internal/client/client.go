// Package client はflowswebのJSON APIを呼び出すGoクライアントと、
// 会員のログイン状態を保持するStateを提供する。
// ネイティブアプリやCLIがWebと同じ会員状態を扱うために使う。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowsapp/flowsweb/internal/billing"
	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// ErrNotLoggedIn はログインが必要な操作を未ログインで呼んだ場合に返される。
var ErrNotLoggedIn = errors.New("client: not logged in")

// Config はClientの設定。
type Config struct {
	// BaseURL はサイトのオリジン（例: https://flows.example.com）。
	BaseURL string
	// Token はハンドオフトークン。設定した場合は Authorization: Bearer で送る。
	Token   string
	Timeout time.Duration

	// HTTPClient が nil の場合はCookieJar付きのクライアントを生成する。
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client はflowsweb APIのクライアント。
// セッションCookieとCSRFトークンはCookieJarで保持する。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu    sync.Mutex
	token string
	csrf  string
}

// AuthResult はログイン・新規登録の結果。
type AuthResult struct {
	Member *model.Member
	Token  string
}

// NewClient はClientを生成する。
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    base,
		httpClient: cfg.HTTPClient,
		dialer:     cfg.Dialer,
		logger:     cfg.Logger,
		token:      cfg.Token,
	}, nil
}

// Token は現在のハンドオフトークンを返す。
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken はハンドオフトークンを差し替える。
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type authBody struct {
	Success bool          `json:"success"`
	Member  *model.Member `json:"member"`
	Token   string        `json:"token"`
	Message string        `json:"message"`
}

// Login はメールアドレスとパスワードでログインし、トークンを保持する。
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.credentials(ctx, "/api/auth/login", email, password)
}

// Signup は会員を新規登録し、トークンを保持する。
func (c *Client) Signup(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.credentials(ctx, "/api/auth/signup", email, password)
}

func (c *Client) credentials(ctx context.Context, path, email, password string) (*AuthResult, error) {
	var out authBody
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, path, body, &out, false); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &AuthResult{Member: out.Member, Token: out.Token}, nil
}

// Me はトークン（なければセッションCookie）で現在の会員を取得する。
func (c *Client) Me(ctx context.Context) (*model.Member, error) {
	var out authBody
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Member, nil
}

// Sync はハンドオフトークンをWebセッションに交換する。
// 成功するとセッションCookieがCookieJarに入る。
func (c *Client) Sync(ctx context.Context, token string) error {
	var out authBody
	if err := c.do(ctx, http.MethodPost, "/api/auth/sync", map[string]string{"token": token}, &out, false); err != nil {
		return err
	}
	c.SetToken(token)
	return nil
}

// Session はセッションCookieから現在の会員を取得する。未ログインの場合はnil。
func (c *Client) Session(ctx context.Context) (*model.Member, error) {
	var out struct {
		Member *model.Member `json:"member"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Member, nil
}

// Logout はセッションを破棄し、保持しているトークンを消す。
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, true); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// Plans はプラン一覧と各プランの契約状態を取得する。
func (c *Client) Plans(ctx context.Context) ([]billing.PlanStatus, error) {
	var out struct {
		Plans []billing.PlanStatus `json:"plans"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/billing/plans", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Plans, nil
}

type urlBody struct {
	URL string `json:"url"`
}

// Checkout は有料プランのCheckout SessionのURLを取得する。
func (c *Client) Checkout(ctx context.Context, priceID string) (string, error) {
	var out urlBody
	if err := c.do(ctx, http.MethodPost, "/api/billing/checkout", map[string]string{"priceId": priceID}, &out, true); err != nil {
		return "", err
	}
	return out.URL, nil
}

// AddFreePlan は無料プランを付与し、更新後の会員を返す。
func (c *Client) AddFreePlan(ctx context.Context, planID string) (*model.Member, error) {
	var out authBody
	if err := c.do(ctx, http.MethodPost, "/api/billing/free-plan", map[string]string{"planId": planID}, &out, true); err != nil {
		return nil, err
	}
	return out.Member, nil
}

// BillingPortal は請求管理ポータルのURLを取得する。
func (c *Client) BillingPortal(ctx context.Context, returnURL string) (string, error) {
	var out urlBody
	if err := c.do(ctx, http.MethodPost, "/api/billing/portal", map[string]string{"returnUrl": returnURL}, &out, true); err != nil {
		return "", err
	}
	return out.URL, nil
}

// SubscribeAuth は認証状態の変更を購読する。
// 返されたチャネルは接続が切れるかctxがキャンセルされると閉じられる。
func (c *Client) SubscribeAuth(ctx context.Context) (<-chan model.AuthChange, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/auth"
	if token := c.Token(); token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}

	header := http.Header{}
	if jar := c.httpClient.Jar; jar != nil {
		for _, ck := range jar.Cookies(c.baseURL) {
			header.Add("Cookie", ck.String())
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeError(resp); apiErr != nil {
				return nil, apiErr
			}
		}
		return nil, fmt.Errorf("failed to subscribe auth changes: %w", err)
	}

	changes := make(chan model.AuthChange, 8)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(changes)
		defer close(done)
		defer conn.Close()
		for {
			var change model.AuthChange
			if err := conn.ReadJSON(&change); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("auth stream closed", slog.String("error", err.Error()))
				}
				return
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, nil
}

// do はリクエストを送信し、成功時はoutにデコードする。
// needsCSRFの場合はCSRFトークンを取得してヘッダーに付ける。
func (c *Client) do(ctx context.Context, method, path string, in, out any, needsCSRF bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if needsCSRF {
		csrf, err := c.csrfToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("X-CSRF-Token", csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if apiErr := decodeError(resp); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// csrfToken はCSRFトークンを取得してキャッシュする。
// トークンはCookieJarにも保存され、送信時にCookieと照合される。
func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.csrf
	c.mu.Unlock()
	if cached != "" && c.jarHas(middleware.CSRFCookieName) {
		return cached, nil
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/csrf-token", nil, &out, false); err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}

	c.mu.Lock()
	c.csrf = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

func (c *Client) jarHas(name string) bool {
	if c.httpClient.Jar == nil {
		return false
	}
	for _, ck := range c.httpClient.Jar.Cookies(c.baseURL) {
		if ck.Name == name {
			return true
		}
	}
	return false
}

// errorBody はAPIの統一エラーフォーマット。
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// decodeError はエラーレスポンスを*model.APIErrorに変換する。
// JSONでない場合はnilを返す。
func decodeError(resp *http.Response) *model.APIError {
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil || body.Code == "" {
		return nil
	}
	return &model.APIError{
		Code:       body.Code,
		Message:    body.Error,
		Category:   body.Category,
		Action:     body.Action,
		HTTPStatus: resp.StatusCode,
	}
}
