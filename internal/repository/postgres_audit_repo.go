package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newtifi/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査イベントリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Create は監査イベントを保存する。
// account_idは存在しない場合（未登録メールでのログイン拒否など）NULLで保存する。
func (r *PostgresAuditRepo) Create(ctx context.Context, e *model.AuditEvent) error {
	var accountID sql.NullString
	if e.AccountID != "" {
		accountID = sql.NullString{String: e.AccountID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, account_id, email, method, actor_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Kind), accountID, e.Email, string(e.Method), e.ActorID, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
