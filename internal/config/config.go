package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Memberstack
	MemberstackSecretKey string        `env:"MEMBERSTACK_SECRET_KEY,required,notEmpty"`
	MemberstackPublicKey string        `env:"MEMBERSTACK_PUBLIC_KEY,required,notEmpty"`
	MemberstackAdminURL  string        `env:"MEMBERSTACK_ADMIN_URL" envDefault:"https://admin.memberstack.com"`
	MemberstackAuthURL   string        `env:"MEMBERSTACK_AUTH_URL" envDefault:"https://api.memberstack.com"`
	MemberstackTimeout   time.Duration `env:"MEMBERSTACK_TIMEOUT" envDefault:"10s"`

	// Stripe
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// Google OAuth（未設定の場合はGoogleログインを無効化する）
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// Session
	SessionMaxAge     int           `env:"SESSION_MAX_AGE" envDefault:"86400"`
	SyncSessionMaxAge int           `env:"SYNC_SESSION_MAX_AGE" envDefault:"604800"`
	HandoffMaxAge     time.Duration `env:"HANDOFF_TOKEN_MAX_AGE" envDefault:"0s"`

	// Native app handoff
	AppCallbackURL         string   `env:"APP_CALLBACK_URL" envDefault:"flows://auth/callback"`
	AllowedRedirectSchemes []string `env:"ALLOWED_REDIRECT_SCHEMES" envSeparator:"," envDefault:"flows"`

	// Plans
	PlansFile string `env:"PLANS_FILE"`

	// Releases
	AppcastURL      string        `env:"APPCAST_URL"`
	AppcastInterval time.Duration `env:"APPCAST_REFRESH_INTERVAL" envDefault:"30m"`
	AppcastTimeout  time.Duration `env:"APPCAST_TIMEOUT" envDefault:"10s"`
	AppcastMaxSize  int64         `env:"APPCAST_MAX_SIZE" envDefault:"2097152"`

	// Rate Limit（req/min/IP）
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"20"`
	RateLimitAPI  int `env:"RATE_LIMIT_API" envDefault:"120"`

	// Cleanup
	CleanupInterval      time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	WebhookRetentionDays int           `env:"WEBHOOK_RETENTION_DAYS" envDefault:"90"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"flowsweb"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`

	// Cookie
	CookieSecure bool   `env:"-"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if cfg.SessionMaxAge <= 0 {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be positive: %d", cfg.SessionMaxAge)
	}
	if cfg.SyncSessionMaxAge <= 0 {
		return nil, fmt.Errorf("SYNC_SESSION_MAX_AGE must be positive: %d", cfg.SyncSessionMaxAge)
	}

	return cfg, nil
}

// GoogleEnabled はGoogleログインに必要な設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}
