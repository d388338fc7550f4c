// Package repository はデータ永続化のインターフェースを定義する。
// 会員そのものはMemberstackが所有するため、ここではWebセッションと
// Stripe由来の購入記録・Webhook処理履歴のみを扱う。
package repository

import (
	"context"

	"github.com/flowsapp/flowsweb/internal/model"
)

// SessionRepository はWebセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByMemberID は指定会員の全セッションを削除する。
	DeleteByMemberID(ctx context.Context, memberID string) error
}

// PurchaseRepository はCheckout完了記録の永続化インターフェース。
type PurchaseRepository interface {
	// Upsert はstripe_session_idをキーに購入記録を作成または更新する。
	Upsert(ctx context.Context, purchase *model.Purchase) error
	// ListByMemberID は会員の購入記録を新しい順に返す。
	ListByMemberID(ctx context.Context, memberID string) ([]*model.Purchase, error)
	// UpdateStatusByCustomerID はStripe顧客IDに紐づく購入記録のステータスを更新し、
	// 該当する会員IDを返す。該当がない場合は空文字列を返す。
	UpdateStatusByCustomerID(ctx context.Context, customerID, status string) (string, error)
}

// WebhookEventRepository はWebhookイベントの処理履歴の永続化インターフェース。
type WebhookEventRepository interface {
	// MarkProcessed はイベントを処理済みとして記録する。
	// 初回の記録であればtrue、既に記録済みであればfalseを返す。
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	// Forget は処理に失敗したイベントの記録を取り消し、再配信で再処理できるようにする。
	Forget(ctx context.Context, eventID string) error
}
