package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/flowsapp/flowsweb/internal/billing"
	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
)

// maxWebhookBodySize はStripe Webhookのリクエストボディ上限（64KB）。
const maxWebhookBodySize = 65536

// BillingService は課金ハンドラーが必要とするサービスインターフェース。
type BillingService interface {
	Plans(member *model.Member) []billing.PlanStatus
	PurchasePlan(ctx context.Context, member *model.Member, priceID, origin string) (string, error)
	AddFreePlan(ctx context.Context, member *model.Member, planID string) (*model.Member, error)
	LaunchBillingPortal(ctx context.Context, member *model.Member, returnURL string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// BillingHandler は課金関連のHTTPハンドラー。
type BillingHandler struct {
	service BillingService
}

// NewBillingHandler はBillingHandlerを生成する。
func NewBillingHandler(service BillingService) *BillingHandler {
	return &BillingHandler{service: service}
}

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

type freePlanRequest struct {
	PlanID string `json:"planId"`
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

// Plans はプラン一覧と、ログイン中であれば各プランの契約状態を返す。
// GET /api/billing/plans
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": h.service.Plans(middleware.MemberFromContext(r.Context())),
	})
}

// Checkout は有料プランのCheckout Sessionを作成し、遷移先URLを返す。
// POST /api/billing/checkout
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	url, err := h.service.PurchasePlan(r.Context(), middleware.MemberFromContext(r.Context()), req.PriceID, "")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// FreePlan は無料プランを会員に付与する。
// POST /api/billing/free-plan
func (h *BillingHandler) FreePlan(w http.ResponseWriter, r *http.Request) {
	var req freePlanRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	member, err := h.service.AddFreePlan(r.Context(), middleware.MemberFromContext(r.Context()), req.PlanID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"member":  member.Summary(),
	})
}

// Portal はStripeの請求管理ポータルのURLを返す。
// POST /api/billing/portal
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	url, err := h.service.LaunchBillingPortal(r.Context(), middleware.MemberFromContext(r.Context()), req.ReturnURL)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// StripeWebhook はStripeからのWebhookを受信する。
// POST /api/webhooks/stripe
// 検証エラーは400、処理中のエラーは500を返しStripeに再送させる。
func (h *BillingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeAPIError(w, model.NewInvalidWebhookError("unreadable body"))
		return
	}

	if err := h.service.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if billing.IsInvalidWebhook(err) {
			handleServiceError(w, r, err)
			return
		}
		slog.Error("failed to process webhook", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
