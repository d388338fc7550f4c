package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsapp/flowsweb/internal/metrics"
	"github.com/flowsapp/flowsweb/internal/middleware"
)

// CSRFExemptPaths はCSRFトークン検証を行わないパス。
// ネイティブアプリからのJSON APIとStripe Webhookが対象。
var CSRFExemptPaths = []string{
	"/api/auth/login",
	"/api/auth/signup",
	"/api/auth/sync",
	"/api/webhooks/",
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	MemberResolver    middleware.MemberResolver
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	HSTS              bool
	Logger            *slog.Logger

	// ハンドラー
	Auth    *AuthHandler
	Billing *BillingHandler
	Events  *EventsHandler
	Pages   *PageHandler
	Health  *HealthHandler

	// Gatherer が nil の場合 /metrics は公開しない
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → SecurityHeaders → Recovery → CORS → Session → Logging → CSRF
//
// 認証系のPOSTには認証用のレート制限、/api/* には一般APIのレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSessionMiddleware(deps.MemberResolver))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authLimit := passThrough
	apiLimit := passThrough
	if deps.RateLimiter != nil {
		authLimit = deps.RateLimiter.AuthMiddleware()
		apiLimit = deps.RateLimiter.APIMiddleware()
	}

	// --- 運用 ---
	if deps.Health != nil {
		r.Get("/health", deps.Health.ServeHTTP)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/static/*", StaticHandler())

	// --- ページ ---
	if p := deps.Pages; p != nil {
		r.Get("/", p.Home)
		r.Get("/login", p.LoginPage)
		r.Get("/signup", p.SignupPage)
		r.With(authLimit).Post("/login", p.LoginSubmit)
		r.With(authLimit).Post("/signup", p.SignupSubmit)
		r.Post("/logout", p.LogoutSubmit)

		r.Post("/checkout", p.CheckoutSubmit)
		r.Get("/account", p.Account)
		r.Post("/account/free-plan", p.FreePlanSubmit)
		r.Get("/account-billing", p.AccountBilling)
		r.Post("/account-billing", p.AccountBillingSubmit)
		r.Get("/success", p.Success)
		r.Get("/cancel", p.Cancel)

		r.Get("/auth/app-login", p.AppLoginPage)
		r.With(authLimit).Post("/auth/app-login", p.AppLoginSubmit)

		r.Get("/changelog", p.Changelog)
		r.Get("/download", p.Download)
	}

	if a := deps.Auth; a != nil {
		r.Get("/auth/google", a.GoogleLogin)
		r.Get("/auth/google/callback", a.GoogleCallback)
	}

	if deps.Events != nil {
		r.Get("/ws/auth", deps.Events.AuthStream)
	}

	// --- JSON API ---
	r.Route("/api", func(r chi.Router) {
		// Webhookはレート制限の対象外
		if b := deps.Billing; b != nil {
			r.Post("/webhooks/stripe", b.StripeWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(apiLimit)

			r.Handle("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

			if a := deps.Auth; a != nil {
				r.Route("/auth", func(r chi.Router) {
					r.With(authLimit).Post("/login", a.Login)
					r.With(authLimit).Post("/signup", a.Signup)
					r.With(authLimit).Post("/sync", a.Sync)
					r.Get("/me", a.Me)
					r.Get("/session", a.Session)
					r.Post("/logout", a.Logout)
				})
			}

			if b := deps.Billing; b != nil {
				r.Route("/billing", func(r chi.Router) {
					r.Get("/plans", b.Plans)
					r.Post("/checkout", b.Checkout)
					r.Post("/free-plan", b.FreePlan)
					r.Post("/portal", b.Portal)
				})
			}
		})
	})

	return r
}

func passThrough(next http.Handler) http.Handler {
	return next
}
