package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhook処理履歴リポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// MarkProcessed はイベントIDを記録する。ON CONFLICT DO NOTHINGで重複配信を判定する。
func (r *PostgresWebhookEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, type) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// Forget はイベントIDの記録を削除する。
func (r *PostgresWebhookEventRepo) Forget(ctx context.Context, eventID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}

var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
