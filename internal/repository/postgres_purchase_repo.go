package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowsapp/flowsweb/internal/model"
)

// PostgresPurchaseRepo はPostgreSQLを使用した購入記録リポジトリ。
type PostgresPurchaseRepo struct {
	db *sql.DB
}

// NewPostgresPurchaseRepo はPostgresPurchaseRepoを生成する。
func NewPostgresPurchaseRepo(db *sql.DB) *PostgresPurchaseRepo {
	return &PostgresPurchaseRepo{db: db}
}

// Upsert はstripe_session_idをキーに購入記録を作成または更新する。
// IDとCreatedAtが未設定の場合はここで採番する。
func (r *PostgresPurchaseRepo) Upsert(ctx context.Context, p *model.Purchase) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO purchases (id, member_id, stripe_session_id, stripe_customer_id, price_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (stripe_session_id) DO UPDATE SET
		   stripe_customer_id = EXCLUDED.stripe_customer_id,
		   price_id = EXCLUDED.price_id,
		   status = EXCLUDED.status,
		   updated_at = now()
		 RETURNING id, created_at`,
		p.ID, p.MemberID, p.StripeSessionID, p.StripeCustomerID, p.PriceID, p.Status, p.CreatedAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert purchase: %w", err)
	}
	return nil
}

// ListByMemberID は会員の購入記録を新しい順に返す。
func (r *PostgresPurchaseRepo) ListByMemberID(ctx context.Context, memberID string) ([]*model.Purchase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, member_id, stripe_session_id, stripe_customer_id, price_id, status, created_at
		 FROM purchases
		 WHERE member_id = $1
		 ORDER BY created_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*model.Purchase
	for rows.Next() {
		p := &model.Purchase{}
		if err := rows.Scan(&p.ID, &p.MemberID, &p.StripeSessionID, &p.StripeCustomerID, &p.PriceID, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return purchases, nil
}

// UpdateStatusByCustomerID はStripe顧客IDに紐づく購入記録のステータスを更新する。
func (r *PostgresPurchaseRepo) UpdateStatusByCustomerID(ctx context.Context, customerID, status string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	var memberID string
	err := r.db.QueryRowContext(ctx,
		`WITH updated AS (
		   UPDATE purchases SET status = $2, updated_at = now()
		   WHERE stripe_customer_id = $1
		   RETURNING member_id, created_at
		 )
		 SELECT member_id FROM updated ORDER BY created_at DESC LIMIT 1`,
		customerID, status,
	).Scan(&memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to update purchase status: %w", err)
	}
	return memberID, nil
}

var _ PurchaseRepository = (*PostgresPurchaseRepo)(nil)
