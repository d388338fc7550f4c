package billing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// CheckoutRequest はCheckout Session作成のパラメータ。
type CheckoutRequest struct {
	StripePriceID     string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	CustomerID        string // 空の場合はCustomerEmailを使う
	CustomerEmail     string
	TrialDays         int
	Metadata          map[string]string
}

// Gateway は決済プロバイダーのインターフェース。
type Gateway interface {
	// CreateCheckoutSession はサブスクリプションのCheckout Sessionを作成し、リダイレクト先URLを返す。
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	// CreatePortalSession はカスタマーポータルのセッションを作成し、URLを返す。
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	// ConstructEvent はWebhookの署名を検証してイベントを返す。
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// StripeConfig はStripeGatewayの設定。
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string

	// テスト用にオーバーライド可能なAPIのURL
	APIURL     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// StripeGateway はstripe-goによるGatewayの実装。
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway はStripeGatewayを生成する。
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:    cfg.HTTPClient,
		LeveledLogger: &leveledLogger{logger: cfg.Logger},
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

// CreateCheckoutSession はStripe Checkout Sessionを作成する。
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.StripePriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ClientReferenceID),
	}
	params.Context = ctx

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	subData := &stripe.CheckoutSessionSubscriptionDataParams{}
	if req.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	if len(req.Metadata) > 0 {
		subData.Metadata = make(map[string]string, len(req.Metadata))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		subData.Metadata[k] = v
	}
	params.SubscriptionData = subData

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	if session.URL == "" {
		return "", fmt.Errorf("checkout session %s has no url", session.ID)
	}
	return session.URL, nil
}

// CreatePortalSession はカスタマーポータルのセッションを作成する。
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	session, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}
	return session.URL, nil
}

// ConstructEvent はStripe-Signatureヘッダーを検証してイベントを返す。
// ダッシュボードで固定されたAPIバージョンとの差異は許容する。
func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if g.webhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("webhook secret is not configured")
	}
	return webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

// leveledLogger はstripe-goのログをslogに流す。
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

// webhookTimestamp はイベントの作成時刻を返す。
func webhookTimestamp(event stripe.Event) time.Time {
	return time.Unix(event.Created, 0).UTC()
}

var (
	_ Gateway                       = (*StripeGateway)(nil)
	_ stripe.LeveledLoggerInterface = (*leveledLogger)(nil)
)
