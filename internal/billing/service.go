// Package billing はプランの購入、無料プランの付与、カスタマーポータル、
// Stripe Webhookの処理を提供する。
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/flowsapp/flowsweb/internal/authevents"
	"github.com/flowsapp/flowsweb/internal/catalog"
	"github.com/flowsapp/flowsweb/internal/metrics"
	"github.com/flowsapp/flowsweb/internal/model"
	"github.com/flowsapp/flowsweb/internal/repository"
)

// CheckoutSource はCheckoutメタデータのsourceに入れる値。
const CheckoutSource = "pricing_page"

// MemberService は会員の参照とプラン付与を行う外部プロバイダーのインターフェース。
type MemberService interface {
	GetMember(ctx context.Context, idOrEmail string) (*model.Member, error)
	AddFreePlan(ctx context.Context, memberID, planID string) error
}

// PlanCatalog はプランカタログのインターフェース。
type PlanCatalog interface {
	Plans() []catalog.Plan
	ByPriceID(priceID string) (catalog.Plan, bool)
	ByStripePriceID(stripePriceID string) (catalog.Plan, bool)
	FreeByPlanID(planID string) (catalog.Plan, bool)
}

// ServiceConfig は課金サービスの設定。
type ServiceConfig struct {
	BaseURL string // success/cancel/returnのURLの基点
}

// PlanStatus は会員から見たプランの状態。
type PlanStatus struct {
	catalog.Plan
	DisplayPrice string `json:"displayPrice"`
	Active       bool   `json:"active"`
}

// Service は課金に関するビジネスロジックを提供する。
type Service struct {
	gateway   Gateway
	members   MemberService
	catalog   PlanCatalog
	purchases repository.PurchaseRepository
	webhooks  repository.WebhookEventRepository
	events    authevents.Publisher
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	gateway Gateway,
	members MemberService,
	plans PlanCatalog,
	purchases repository.PurchaseRepository,
	webhooks repository.WebhookEventRepository,
	events authevents.Publisher,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Service{
		gateway:   gateway,
		members:   members,
		catalog:   plans,
		purchases: purchases,
		webhooks:  webhooks,
		events:    events,
		metrics:   collector,
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Plans はカタログの全プランを、会員が有効に契約しているかどうかと共に返す。
func (s *Service) Plans(member *model.Member) []PlanStatus {
	plans := s.catalog.Plans()
	out := make([]PlanStatus, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanStatus{Plan: p, DisplayPrice: p.DisplayPrice(), Active: planActive(member, p)})
	}
	return out
}

func planActive(member *model.Member, p catalog.Plan) bool {
	if !p.IsFree() {
		return member.HasPlan(p.PriceID)
	}
	for _, pc := range member.ActivePlans() {
		if pc.PlanID == p.PlanID {
			return true
		}
	}
	return false
}

// HasPlan は会員が指定価格IDの有効なプランを持つかどうかを返す。
func (s *Service) HasPlan(member *model.Member, priceID string) bool {
	return member.HasPlan(priceID)
}

// PurchasePlan は有料プランのCheckout Sessionを作成し、リダイレクト先URLを返す。
// originが空の場合は設定のBaseURLを使う。
func (s *Service) PurchasePlan(ctx context.Context, member *model.Member, priceID, origin string) (string, error) {
	if member == nil {
		return "", model.NewLoginRequiredError()
	}
	plan, ok := s.catalog.ByPriceID(priceID)
	if !ok || plan.IsFree() {
		s.metrics.RecordCheckout("rejected")
		return "", model.NewUnknownPriceError(priceID)
	}
	if member.HasPlan(priceID) {
		s.metrics.RecordCheckout("rejected")
		return "", model.NewAlreadySubscribedError()
	}

	base := strings.TrimRight(origin, "/")
	if base == "" {
		base = s.config.BaseURL
	}

	req := CheckoutRequest{
		StripePriceID:     plan.StripePriceID,
		SuccessURL:        base + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         base + "/cancel",
		ClientReferenceID: member.ID,
		CustomerID:        member.StripeCustomerID,
		CustomerEmail:     member.Auth.Email,
		TrialDays:         plan.TrialDays,
		Metadata: map[string]string{
			"source":    CheckoutSource,
			"timestamp": s.now().UTC().Format(time.RFC3339),
			"memberId":  member.ID,
			"msPriceId": plan.PriceID,
		},
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		s.metrics.RecordCheckout("error")
		s.logger.Error("Checkout Sessionの作成に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("price_id", priceID),
			slog.String("error", err.Error()),
		)
		return "", model.NewProviderError("Failed to start checkout")
	}

	s.metrics.RecordCheckout("created")
	s.logger.Info("Checkout Sessionを作成しました",
		slog.String("member_id", member.ID),
		slog.String("plan", plan.Key),
	)
	return url, nil
}

// AddFreePlan は会員に無料プランを付与し、更新後の会員を返す。
func (s *Service) AddFreePlan(ctx context.Context, member *model.Member, planID string) (*model.Member, error) {
	if member == nil {
		return nil, model.NewLoginRequiredError()
	}
	if _, ok := s.catalog.FreeByPlanID(planID); !ok {
		return nil, model.NewUnknownPlanError(planID)
	}

	if err := s.members.AddFreePlan(ctx, member.ID, planID); err != nil {
		s.logger.Error("無料プランの付与に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("plan_id", planID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("Failed to add plan")
	}

	updated, err := s.members.GetMember(ctx, member.ID)
	if err != nil {
		s.logger.Warn("プラン付与後の会員取得に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("error", err.Error()),
		)
		updated = member
	}

	s.publishPlanChanged(updated.ID, updated)
	return updated, nil
}

// LaunchBillingPortal はカスタマーポータルのURLを返す。
// returnURLがサイト外を指す場合はアカウントの課金ページに戻す。
func (s *Service) LaunchBillingPortal(ctx context.Context, member *model.Member, returnURL string) (string, error) {
	if member == nil {
		return "", model.NewLoginRequiredError()
	}
	if !member.HasPlanConnections() {
		return "", model.NewNoSubscriptionsError()
	}

	customerID := member.StripeCustomerID
	if customerID == "" {
		id, err := s.customerFromPurchases(ctx, member.ID)
		if err != nil {
			return "", err
		}
		customerID = id
	}
	if customerID == "" {
		return "", model.NewNoSubscriptionsError()
	}

	if returnURL == "" || !strings.HasPrefix(returnURL, s.config.BaseURL+"/") {
		returnURL = s.config.BaseURL + "/account-billing"
	}

	url, err := s.gateway.CreatePortalSession(ctx, customerID, returnURL)
	if err != nil {
		s.logger.Error("カスタマーポータルの作成に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("error", err.Error()),
		)
		return "", model.NewProviderError("Failed to open billing portal")
	}
	return url, nil
}

// customerFromPurchases はWebhookで記録した購入からStripe顧客IDを探す。
func (s *Service) customerFromPurchases(ctx context.Context, memberID string) (string, error) {
	purchases, err := s.purchases.ListByMemberID(ctx, memberID)
	if err != nil {
		return "", fmt.Errorf("failed to list purchases: %w", err)
	}
	for _, p := range purchases {
		if p.StripeCustomerID != "" {
			return p.StripeCustomerID, nil
		}
	}
	return "", nil
}

// HandleWebhook はStripe Webhookを検証して処理する。
// 同じイベントIDの再配信は1度だけ処理する。
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.gateway.ConstructEvent(payload, signature)
	if err != nil {
		s.logger.Warn("Webhookの検証に失敗しました", slog.String("error", err.Error()))
		return model.NewInvalidWebhookError("signature verification failed")
	}

	eventType := string(event.Type)
	first, err := s.webhooks.MarkProcessed(ctx, event.ID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !first {
		s.logger.Info("処理済みのWebhookイベントを無視しました",
			slog.String("event_id", event.ID),
			slog.String("type", eventType),
		)
		return nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		if ferr := s.webhooks.Forget(ctx, event.ID); ferr != nil {
			s.logger.Error("Webhookイベント記録の取り消しに失敗しました",
				slog.String("event_id", event.ID),
				slog.String("error", ferr.Error()),
			)
		}
		return err
	}

	s.metrics.RecordWebhookEvent(eventType)
	s.logger.Info("Webhookイベントを処理しました",
		slog.String("event_id", event.ID),
		slog.String("type", eventType),
		slog.Time("created", webhookTimestamp(event)),
	)
	return nil
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return model.NewInvalidWebhookError("missing event data")
	}
	switch string(event.Type) {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return s.handleSubscriptionChanged(ctx, event)
	default:
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return model.NewInvalidWebhookError("malformed checkout session")
	}

	memberID := cs.ClientReferenceID
	if memberID == "" {
		memberID = cs.Metadata["memberId"]
	}
	if memberID == "" {
		s.logger.Warn("会員IDのないCheckout Sessionを無視しました", slog.String("session_id", cs.ID))
		return nil
	}

	purchase := &model.Purchase{
		MemberID:        memberID,
		StripeSessionID: cs.ID,
		PriceID:         cs.Metadata["msPriceId"],
		Status:          string(cs.Status),
	}
	if cs.Customer != nil {
		purchase.StripeCustomerID = cs.Customer.ID
	}
	if purchase.Status == "" {
		purchase.Status = "complete"
	}

	if err := s.purchases.Upsert(ctx, purchase); err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}

	s.publishPlanChanged(memberID, s.refreshMember(ctx, memberID))
	return nil
}

func (s *Service) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return model.NewInvalidWebhookError("malformed subscription")
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil
	}

	memberID, err := s.purchases.UpdateStatusByCustomerID(ctx, sub.Customer.ID, string(sub.Status))
	if err != nil {
		return fmt.Errorf("failed to update purchase status: %w", err)
	}
	if memberID == "" {
		memberID = sub.Metadata["memberId"]
	}
	if memberID == "" {
		s.logger.Info("会員に紐づかないサブスクリプションを無視しました", slog.String("customer_id", sub.Customer.ID))
		return nil
	}

	planKey := ""
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if p, ok := s.catalog.ByStripePriceID(item.Price.ID); ok {
				planKey = p.Key
				break
			}
		}
	}
	s.logger.Info("サブスクリプションが更新されました",
		slog.String("member_id", memberID),
		slog.String("status", string(sub.Status)),
		slog.String("plan", planKey),
	)

	s.publishPlanChanged(memberID, s.refreshMember(ctx, memberID))
	return nil
}

// refreshMember は最新の会員を取得する。失敗した場合はnilを返す。
func (s *Service) refreshMember(ctx context.Context, memberID string) *model.Member {
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		s.logger.Warn("Webhook処理中の会員取得に失敗しました",
			slog.String("member_id", memberID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return member
}

func (s *Service) publishPlanChanged(memberID string, member *model.Member) {
	if s.events == nil {
		return
	}
	s.events.Publish(model.AuthChange{
		Type:     model.AuthChangePlanChanged,
		MemberID: memberID,
		Member:   member.Summary(),
	})
}

// IsInvalidWebhook はerrがWebhookの検証・デコードエラーかどうかを返す。
func IsInvalidWebhook(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidWebhook
}
