package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowsapp/flowsweb/internal/auth"
	"github.com/flowsapp/flowsweb/internal/authevents"
	"github.com/flowsapp/flowsweb/internal/billing"
	"github.com/flowsapp/flowsweb/internal/catalog"
	"github.com/flowsapp/flowsweb/internal/client"
	"github.com/flowsapp/flowsweb/internal/config"
	"github.com/flowsapp/flowsweb/internal/database"
	"github.com/flowsapp/flowsweb/internal/handler"
	"github.com/flowsapp/flowsweb/internal/logger"
	"github.com/flowsapp/flowsweb/internal/memberstack"
	"github.com/flowsapp/flowsweb/internal/metrics"
	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/releases"
	"github.com/flowsapp/flowsweb/internal/repository"
	"github.com/flowsapp/flowsweb/internal/security"
	"github.com/flowsapp/flowsweb/internal/tracing"
	"github.com/flowsapp/flowsweb/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck と whoami はサーバー設定を必要としないため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandWhoami:
		logger.SetupDefault(os.Stderr)
		return runWhoami(w, os.Getenv("FLOWS_BASE_URL"), os.Getenv("FLOWS_TOKEN"))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. トレーシング
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	purchaseRepo := repository.NewPostgresPurchaseRepo(db)
	webhookRepo := repository.NewPostgresWebhookEventRepo(db)

	// 5. 外部サービスとプランカタログ
	members := memberstack.NewClient(memberstack.Config{
		SecretKey: cfg.MemberstackSecretKey,
		PublicKey: cfg.MemberstackPublicKey,
		AdminURL:  cfg.MemberstackAdminURL,
		AuthURL:   cfg.MemberstackAuthURL,
		Timeout:   cfg.MemberstackTimeout,
		Metrics:   collector,
	})

	plans, err := catalog.Load(cfg.PlansFile, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}
	if err := plans.Watch(); err != nil {
		slog.Warn("plan catalog watch failed", slog.String("error", err.Error()))
	}

	hub := authevents.NewHub(slog.Default())
	go hub.Run(ctx)

	// 6. ドメインサービスの初期化
	var oauthProvider auth.OAuthProvider
	if cfg.GoogleEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	authService := auth.NewService(members, oauthProvider, sessionRepo, plans, hub, collector, auth.ServiceConfig{
		SessionMaxAge:     cfg.SessionMaxAge,
		SyncSessionMaxAge: cfg.SyncSessionMaxAge,
		HandoffMaxAge:     cfg.HandoffMaxAge,
	})

	gateway := billing.NewStripeGateway(billing.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		HTTPClient: &http.Client{
			Timeout:   80 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	billingService := billing.NewService(gateway, members, plans, purchaseRepo, webhookRepo, hub, collector, billing.ServiceConfig{
		BaseURL: cfg.BaseURL,
	})

	// 7. appcast（SSRF対策済みクライアントで取得する）
	releaseService := releases.NewService(
		security.NewSSRFGuard().NewSafeClient(cfg.AppcastTimeout),
		security.NewContentSanitizer(),
		collector,
		releases.Config{
			URL:         cfg.AppcastURL,
			Interval:    cfg.AppcastInterval,
			MaxBodySize: cfg.AppcastMaxSize,
		},
		slog.Default(),
	)
	go releaseService.Run(ctx)

	// 8. ハンドラーとルーターの構築
	authHandler := handler.NewAuthHandler(authService, security.NewRedirectValidator(cfg.AllowedRedirectSchemes, cfg.BaseURL), handler.AuthHandlerConfig{
		BaseURL:           cfg.BaseURL,
		CookieDomain:      cfg.CookieDomain,
		CookieSecure:      cfg.CookieSecure,
		SessionMaxAge:     cfg.SessionMaxAge,
		SyncSessionMaxAge: cfg.SyncSessionMaxAge,
		AppCallbackURL:    cfg.AppCallbackURL,
	})

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitAPI))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		MemberResolver: authService,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			ExemptPaths:  handler.CSRFExemptPaths,
		},
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,

		Auth:    authHandler,
		Billing: handler.NewBillingHandler(billingService),
		Events:  handler.NewEventsHandler(hub, authService, cfg.BaseURL),
		Pages: handler.NewPageHandler(authHandler, billingService, releaseService, handler.PageConfig{
			BaseURL:        cfg.BaseURL,
			AppCallbackURL: cfg.AppCallbackURL,
		}),
		Health:   handler.NewHealthHandler(db),
		Gatherer: registry,
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelhttp.NewHandler(router, "flowsweb"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと古いWebhook処理履歴を定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.WebhookRetentionDays = cfg.WebhookRetentionDays

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("webhook_retention_days", cfg.WebhookRetentionDays),
	)

	// ctxがキャンセルされるまでブロックする
	cleanupJob.Schedule(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// runWhoami はハンドオフトークンでサイトにログインし、会員とプランの状態を表示する。
// デスクトップアプリと同じ経路（/api/auth/sync → /api/auth/session）を辿る。
func runWhoami(w io.Writer, baseURL, token string) error {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if token == "" {
		return errors.New("FLOWS_TOKEN is required")
	}

	c, err := client.NewClient(client.Config{BaseURL: baseURL})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Sync(ctx, token); err != nil {
		return fmt.Errorf("failed to sync session: %w", err)
	}

	state := client.NewState(c)
	state.Bootstrap(ctx)
	member := state.Member()
	if member == nil {
		return client.ErrNotLoggedIn
	}

	plans, err := c.Plans(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}

	fmt.Fprintf(w, "member: %s <%s>\n", member.ID, member.Auth.Email)
	for _, p := range plans {
		mark := " "
		if p.Active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-10s %s\n", mark, p.DisplayPrice, p.Name)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
