// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowsapp/flowsweb/internal/auth"
	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
)

const (
	oauthStateCookie    = "oauth_state"
	oauthRedirectCookie = "oauth_redirect"
	oauthCookieMaxAge   = 600
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	Login(ctx context.Context, email, password string) (*auth.AuthResult, error)
	Signup(ctx context.Context, email, password string) (*auth.AuthResult, error)
	MemberFromToken(ctx context.Context, token string) (*model.Member, error)
	SyncSession(ctx context.Context, token string) (*model.Session, *model.Member, error)
	StartWebSession(ctx context.Context, memberID string, source model.SessionSource) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GoogleEnabled() bool
	GoogleLoginURL(state string) (string, error)
	HandleGoogleCallback(ctx context.Context, code string) (*auth.AuthResult, error)
}

// RedirectValidator はネイティブアプリへのリダイレクト先を検証する。
type RedirectValidator interface {
	Validate(raw string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL           string
	CookieDomain      string
	CookieSecure      bool
	SessionMaxAge     int // Webログインのセッション Cookie の有効期間（秒）
	SyncSessionMaxAge int // トークン同期のセッション Cookie の有効期間（秒）
	AppCallbackURL    string
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthService
	redirects RedirectValidator
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, redirects RedirectValidator, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		redirects: redirects,
		config:    config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type authResponse struct {
	Success bool          `json:"success"`
	Member  *model.Member `json:"member,omitempty"`
	Token   string        `json:"token,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Login はメールアドレスとパスワードでログインし、会員とハンドオフトークンを返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.credentials(w, r, h.service.Login)
}

// Signup は会員を新規登録し、会員とハンドオフトークンを返す。
// POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	h.credentials(w, r, h.service.Signup)
}

func (h *AuthHandler) credentials(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*auth.AuthResult, error)) {
	var req credentialsRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	result, err := fn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Success: true,
		Member:  result.Member.Summary(),
		Token:   result.Token,
	})
}

// Me はトークンまたはセッションCookieから現在の会員を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		member, err := h.service.MemberFromToken(r.Context(), token)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Success: true, Member: member.Summary()})
		return
	}

	if member := middleware.MemberFromContext(r.Context()); member != nil {
		writeJSON(w, http.StatusOK, authResponse{Success: true, Member: member.Summary()})
		return
	}

	writeAPIError(w, model.NewNoTokenError())
}

// Sync はハンドオフトークンをWebセッションに交換し、セッションCookieを設定する。
// POST /api/auth/sync
func (h *AuthHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	session, _, err := h.service.SyncSession(r.Context(), req.Token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SyncSessionMaxAge)
	writeJSON(w, http.StatusOK, authResponse{Success: true, Message: "Session synced successfully"})
}

// Session は現在のログイン状態を返す。未ログインの場合はmemberをnullで返す。
// GET /api/auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"member": middleware.MemberFromContext(r.Context()).Summary(),
	})
}

// Logout はセッションを破棄しCookieをクリアする。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.endSession(w, r)
	writeJSON(w, http.StatusOK, authResponse{Success: true})
}

// endSession はセッションを破棄する。失敗してもCookieはクリアする。
func (h *AuthHandler) endSession(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromContext(r.Context()); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}
	h.clearCookie(w, middleware.SessionCookieName, h.config.CookieDomain)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google?redirect=flows://auth/callback
// redirectを指定した場合、完了後にハンドオフトークン付きでアプリへ戻す。
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.GoogleEnabled() {
		http.NotFound(w, r)
		return
	}

	redirect := r.URL.Query().Get("redirect")
	if redirect != "" {
		if err := h.redirects.Validate(redirect); err != nil {
			slog.Warn("rejected google login redirect", slog.String("error", err.Error()))
			http.Error(w, "invalid redirect", http.StatusBadRequest)
			return
		}
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	loginURL, err := h.service.GoogleLoginURL(state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.setShortCookie(w, oauthStateCookie, state)
	if redirect != "" {
		h.setShortCookie(w, oauthRedirectCookie, redirect)
	} else {
		h.clearCookie(w, oauthRedirectCookie, "")
	}

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}
	h.clearCookie(w, oauthStateCookie, "")

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. 認証処理
	result, err := h.service.HandleGoogleCallback(r.Context(), code)
	if err != nil {
		if errors.Is(err, auth.ErrGoogleDisabled) {
			http.NotFound(w, r)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	session, err := h.service.StartWebSession(r.Context(), result.Member.ID, model.SessionSourceGoogle)
	if err != nil {
		slog.Error("failed to start session", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)

	// 5. アプリからの開始であればトークン付きでアプリへ、それ以外はアカウントページへ
	if c, err := r.Cookie(oauthRedirectCookie); err == nil && c.Value != "" {
		h.clearCookie(w, oauthRedirectCookie, "")
		if err := h.redirects.Validate(c.Value); err == nil {
			target := appendQuery(c.Value, url.Values{
				"token":    {result.Token},
				"memberId": {result.Member.ID},
			})
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
	}

	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   oauthCookieMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// appendQuery はURLにクエリパラメータを追加する。
// カスタムスキームのURLでも既存のクエリを保持する。
func appendQuery(raw string, params url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
