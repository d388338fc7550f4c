package handler

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowsapp/flowsweb/internal/auth"
	"github.com/flowsapp/flowsweb/internal/billing"
	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
	"github.com/flowsapp/flowsweb/internal/releases"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var templateFuncs = template.FuncMap{
	// safeHTML はサニタイズ済みのリリースノートをそのまま出力する。
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
}

// pages はページ名ごとにレイアウトと結合済みのテンプレート。
var pages = mustParsePages("home", "login", "account", "account_billing", "success", "cancel", "changelog")

func mustParsePages(names ...string) map[string]*template.Template {
	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		out[name] = template.Must(template.New(name).Funcs(templateFuncs).ParseFS(templateFS,
			"templates/layout.html", "templates/"+name+".html"))
	}
	return out
}

// StaticHandler は埋め込みの静的ファイルを配信する。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// ReleaseSource は変更履歴とダウンロード先を提供する。
type ReleaseSource interface {
	Releases() []releases.Release
	Latest() (releases.Release, bool)
}

// PageConfig はページハンドラーの設定。
type PageConfig struct {
	BaseURL        string
	AppCallbackURL string
}

// PageHandler はサーバーで描画するページのハンドラー。
type PageHandler struct {
	auth     *AuthHandler
	billing  BillingService
	releases ReleaseSource
	config   PageConfig
}

// NewPageHandler はPageHandlerを生成する。
// ログインとセッションCookieの扱いはAuthHandlerと共有する。
func NewPageHandler(authHandler *AuthHandler, billingService BillingService, releaseSource ReleaseSource, config PageConfig) *PageHandler {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.AppCallbackURL == "" {
		config.AppCallbackURL = "flows://auth/callback"
	}
	return &PageHandler{
		auth:     authHandler,
		billing:  billingService,
		releases: releaseSource,
		config:   config,
	}
}

type pageData struct {
	Title     string
	Member    *model.Member
	CSRFToken string
	Error     string
	Data      any
}

type homeData struct {
	Features []feature
	Plans    []billing.PlanStatus
	Reviews  []review
}

type loginData struct {
	Signup    bool
	Action    string
	Email     string
	Next      string
	Redirect  string
	Mode      string
	GoogleURL string
	SwitchURL string
}

type accountData struct {
	ActivePlans []billing.PlanStatus
}

type changelogData struct {
	Releases []releases.Release
}

// render はテンプレートをバッファに描画してから書き込む。
func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	tmpl, ok := pages[name]
	if !ok {
		slog.Error("unknown page template", slog.String("page", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if data.Member == nil {
		data.Member = middleware.MemberFromContext(r.Context())
	}
	data.CSRFToken = middleware.CSRFTokenFromContext(r)

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// errorMessage はエラーを画面表示用のメッセージとステータスに変換する。
func errorMessage(err error) (int, string) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return statusForAPIError(apiErr), apiErr.Message
	}
	slog.Error("page action failed", slog.String("error", err.Error()))
	return http.StatusInternalServerError, "Something went wrong. Please try again."
}

// Home はトップページ（ヒーロー、機能、料金、レビュー）を描画する。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.renderHome(w, r, http.StatusOK, "")
}

func (h *PageHandler) renderHome(w http.ResponseWriter, r *http.Request, status int, errMsg string) {
	h.render(w, r, status, "home", pageData{
		Error: errMsg,
		Data: homeData{
			Features: homeFeatures,
			Plans:    h.billing.Plans(middleware.MemberFromContext(r.Context())),
			Reviews:  homeReviews,
		},
	})
}

// LoginPage はログインフォームを描画する。
// GET /login
func (h *PageHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.credentialsPage(w, r, false)
}

// SignupPage は新規登録フォームを描画する。
// GET /signup
func (h *PageHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	h.credentialsPage(w, r, true)
}

func (h *PageHandler) credentialsPage(w http.ResponseWriter, r *http.Request, signup bool) {
	next := h.safeNext(r.URL.Query().Get("next"))
	if middleware.MemberFromContext(r.Context()) != nil {
		http.Redirect(w, r, orDefault(next, "/account"), http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "login", pageData{
		Title: pageTitle(signup),
		Data:  h.webLoginData(signup, next, ""),
	})
}

// LoginSubmit はログインフォームを処理し、Webセッションを開始する。
// POST /login
func (h *PageHandler) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	h.credentialsSubmit(w, r, false)
}

// SignupSubmit は新規登録フォームを処理し、Webセッションを開始する。
// POST /signup
func (h *PageHandler) SignupSubmit(w http.ResponseWriter, r *http.Request) {
	h.credentialsSubmit(w, r, true)
}

func (h *PageHandler) credentialsSubmit(w http.ResponseWriter, r *http.Request, signup bool) {
	email := r.PostFormValue("email")
	next := h.safeNext(r.PostFormValue("next"))

	result, err := h.authenticate(r.Context(), signup, email, r.PostFormValue("password"))
	if err != nil {
		status, msg := errorMessage(err)
		h.render(w, r, status, "login", pageData{
			Title: pageTitle(signup),
			Error: msg,
			Data:  h.webLoginData(signup, next, email),
		})
		return
	}

	source := model.SessionSourceLogin
	if signup {
		source = model.SessionSourceSignup
	}
	session, err := h.auth.service.StartWebSession(r.Context(), result.Member.ID, source)
	if err != nil {
		status, msg := errorMessage(err)
		h.render(w, r, status, "login", pageData{
			Title: pageTitle(signup),
			Error: msg,
			Data:  h.webLoginData(signup, next, email),
		})
		return
	}
	h.auth.setSessionCookie(w, session.ID, h.auth.config.SessionMaxAge)

	http.Redirect(w, r, orDefault(next, "/account"), http.StatusSeeOther)
}

func (h *PageHandler) authenticate(ctx context.Context, signup bool, email, password string) (*auth.AuthResult, error) {
	if signup {
		return h.auth.service.Signup(ctx, email, password)
	}
	return h.auth.service.Login(ctx, email, password)
}

func (h *PageHandler) webLoginData(signup bool, next, email string) loginData {
	data := loginData{Signup: signup, Action: "/login", SwitchURL: "/signup", Email: email, Next: next}
	if signup {
		data.Action, data.SwitchURL = "/signup", "/login"
	}
	if next != "" {
		data.SwitchURL += "?next=" + url.QueryEscape(next)
	}
	if h.auth.service.GoogleEnabled() {
		data.GoogleURL = "/auth/google"
	}
	return data
}

// LogoutSubmit はWebセッションを破棄してトップページへ戻す。
// POST /logout
func (h *PageHandler) LogoutSubmit(w http.ResponseWriter, r *http.Request) {
	h.auth.endSession(w, r)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// CheckoutSubmit は料金表からのプラン購入を開始し、Stripe Checkoutへ遷移させる。
// POST /checkout
func (h *PageHandler) CheckoutSubmit(w http.ResponseWriter, r *http.Request) {
	member := middleware.MemberFromContext(r.Context())
	if member == nil {
		http.Redirect(w, r, "/login?next="+url.QueryEscape("/#pricing"), http.StatusSeeOther)
		return
	}

	checkoutURL, err := h.billing.PurchasePlan(r.Context(), member, r.PostFormValue("priceId"), "")
	if err != nil {
		status, msg := errorMessage(err)
		h.renderHome(w, r, status, msg)
		return
	}
	http.Redirect(w, r, checkoutURL, http.StatusSeeOther)
}

// FreePlanSubmit は無料プランを付与してアカウントページへ戻す。
// POST /account/free-plan
func (h *PageHandler) FreePlanSubmit(w http.ResponseWriter, r *http.Request) {
	member := middleware.MemberFromContext(r.Context())
	if member == nil {
		http.Redirect(w, r, "/login?next="+url.QueryEscape("/#pricing"), http.StatusSeeOther)
		return
	}

	if _, err := h.billing.AddFreePlan(r.Context(), member, r.PostFormValue("planId")); err != nil {
		status, msg := errorMessage(err)
		h.renderHome(w, r, status, msg)
		return
	}
	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

// Account はアカウントページを描画する。
// GET /account
func (h *PageHandler) Account(w http.ResponseWriter, r *http.Request) {
	member, ok := h.requireMember(w, r)
	if !ok {
		return
	}

	var active []billing.PlanStatus
	for _, p := range h.billing.Plans(member) {
		if p.Active {
			active = append(active, p)
		}
	}
	h.render(w, r, http.StatusOK, "account", pageData{
		Title: "Account",
		Data:  accountData{ActivePlans: active},
	})
}

// AccountBilling は請求管理ページを描画する。
// GET /account-billing
func (h *PageHandler) AccountBilling(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireMember(w, r); !ok {
		return
	}
	h.render(w, r, http.StatusOK, "account_billing", pageData{Title: "Billing"})
}

// AccountBillingSubmit はStripeの請求管理ポータルへ遷移させる。
// POST /account-billing
func (h *PageHandler) AccountBillingSubmit(w http.ResponseWriter, r *http.Request) {
	member, ok := h.requireMember(w, r)
	if !ok {
		return
	}

	portalURL, err := h.billing.LaunchBillingPortal(r.Context(), member, h.config.BaseURL+"/account")
	if err != nil {
		status, msg := errorMessage(err)
		h.render(w, r, status, "account_billing", pageData{Title: "Billing", Error: msg})
		return
	}
	http.Redirect(w, r, portalURL, http.StatusSeeOther)
}

// Success はCheckout完了後のページを描画する。
// GET /success
func (h *PageHandler) Success(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "success", pageData{Title: "Welcome"})
}

// Cancel はCheckoutキャンセル後のページを描画する。
// GET /cancel
func (h *PageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "cancel", pageData{Title: "Payment Cancelled"})
}

// AppLoginPage はネイティブアプリ向けのログインフォームを描画する。
// GET /auth/app-login?redirect=flows://auth/callback&mode=signup
func (h *PageHandler) AppLoginPage(w http.ResponseWriter, r *http.Request) {
	redirect, ok := h.appRedirect(w, r.URL.Query().Get("redirect"))
	if !ok {
		return
	}
	signup := r.URL.Query().Get("mode") == "signup"
	h.render(w, r, http.StatusOK, "login", pageData{
		Title: pageTitle(signup),
		Data:  h.appLoginData(signup, redirect, ""),
	})
}

// AppLoginSubmit はネイティブアプリ向けのログイン・新規登録を処理し、
// ハンドオフトークンを付けてアプリのURLへリダイレクトする。
// POST /auth/app-login
func (h *PageHandler) AppLoginSubmit(w http.ResponseWriter, r *http.Request) {
	redirect, ok := h.appRedirect(w, r.PostFormValue("redirect"))
	if !ok {
		return
	}
	signup := r.PostFormValue("mode") == "signup"
	email := r.PostFormValue("email")

	result, err := h.authenticate(r.Context(), signup, email, r.PostFormValue("password"))
	if err != nil {
		status, msg := errorMessage(err)
		h.render(w, r, status, "login", pageData{
			Title: pageTitle(signup),
			Error: msg,
			Data:  h.appLoginData(signup, redirect, email),
		})
		return
	}

	http.Redirect(w, r, appendQuery(redirect, url.Values{"token": {result.Token}}), http.StatusSeeOther)
}

// appRedirect はアプリへのリダイレクト先を検証する。空の場合は既定のコールバックURL。
func (h *PageHandler) appRedirect(w http.ResponseWriter, raw string) (string, bool) {
	if raw == "" {
		return h.config.AppCallbackURL, true
	}
	if err := h.auth.redirects.Validate(raw); err != nil {
		slog.Warn("rejected app login redirect", slog.String("error", err.Error()))
		http.Error(w, "invalid redirect", http.StatusBadRequest)
		return "", false
	}
	return raw, true
}

func (h *PageHandler) appLoginData(signup bool, redirect, email string) loginData {
	data := loginData{Signup: signup, Action: "/auth/app-login", Redirect: redirect, Email: email}
	q := url.Values{"redirect": {redirect}}
	if signup {
		data.Mode = "signup"
	} else {
		q.Set("mode", "signup")
	}
	data.SwitchURL = "/auth/app-login?" + q.Encode()
	if h.auth.service.GoogleEnabled() {
		data.GoogleURL = "/auth/google?" + url.Values{"redirect": {redirect}}.Encode()
	}
	return data
}

// Changelog はリリース一覧を描画する。
// GET /changelog
func (h *PageHandler) Changelog(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "changelog", pageData{
		Title: "Changelog",
		Data:  changelogData{Releases: h.releases.Releases()},
	})
}

// Download は最新リリースのダウンロードURLへリダイレクトする。
// GET /download
func (h *PageHandler) Download(w http.ResponseWriter, r *http.Request) {
	latest, ok := h.releases.Latest()
	if !ok {
		http.Error(w, "no download available yet", http.StatusNotFound)
		return
	}
	http.Redirect(w, r, latest.DownloadURL, http.StatusFound)
}

// requireMember は未ログインの場合にログインページへリダイレクトする。
func (h *PageHandler) requireMember(w http.ResponseWriter, r *http.Request) (*model.Member, bool) {
	member := middleware.MemberFromContext(r.Context())
	if member == nil {
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
		return nil, false
	}
	return member, true
}

// safeNext はログイン後の遷移先としてサイト内の相対パスのみ受け付ける。
func (h *PageHandler) safeNext(raw string) string {
	if !strings.HasPrefix(raw, "/") {
		return ""
	}
	if err := h.auth.redirects.Validate(raw); err != nil {
		return ""
	}
	return raw
}

func pageTitle(signup bool) string {
	if signup {
		return "Create Account"
	}
	return "Sign In"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
