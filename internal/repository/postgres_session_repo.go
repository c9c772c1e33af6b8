package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/newtifi/internal/model"
)

// expiredSessionBatch は期限切れセッションを1回のDELETEで削除する最大件数。
// 大量の失効時に長時間のロックを避ける。
const expiredSessionBatch = 1000

const (
	insertSessionSQL = `INSERT INTO sessions (id, account_id, issued_at, expires_at) VALUES ($1, $2, $3, $4)`
	selectSessionSQL = `SELECT id, account_id, issued_at, expires_at FROM sessions WHERE id = $1 AND expires_at > now()`
	purgeSessionsSQL = `DELETE FROM sessions WHERE id IN (
		SELECT id FROM sessions WHERE expires_at <= now() LIMIT $1
	)`
)

// PostgresSessionRepo はsessionsテーブルに保存するSessionRepository。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	if _, err := r.db.ExecContext(ctx, insertSessionSQL, s.ID, s.AccountID, s.IssuedAt, s.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は有効期限内のセッションを返す。存在しないか期限切れであればnil, nil。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.QueryRowContext(ctx, selectSessionSQL, id).Scan(&s.ID, &s.AccountID, &s.IssuedAt, &s.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &s, nil
}

func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.exec(ctx, "delete session", `DELETE FROM sessions WHERE id = $1`, id)
}

func (r *PostgresSessionRepo) DeleteByAccountID(ctx context.Context, accountID string) error {
	return r.exec(ctx, "delete account sessions", `DELETE FROM sessions WHERE account_id = $1`, accountID)
}

// DeleteExpired は期限切れセッションをexpiredSessionBatch件ずつ削除し、合計件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		res, err := r.db.ExecContext(ctx, purgeSessionsSQL, expiredSessionBatch)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count deleted sessions: %w", err)
		}
		total += n
		if n < expiredSessionBatch {
			return total, nil
		}
	}
}

func (r *PostgresSessionRepo) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
