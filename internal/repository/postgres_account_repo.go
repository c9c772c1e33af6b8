package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/newtifi/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const accountColumns = `id, email, display_name, avatar_url, role, is_suspended, suspended_reason, created_at, updated_at`

const methodColumns = `id, account_id, method, provider_subject_id, password_hash, is_primary, last_login_at, created_at, updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントストア。
// email単位の直列化にはトランザクションスコープのアドバイザリロックを使用する。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	return findAccount(ctx, r.db, `WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	return findAccount(ctx, r.db, `WHERE email = $1`, email)
}

// List はアカウント一覧を作成日時の昇順で返す。
func (r *PostgresAccountRepo) List(ctx context.Context, limit, offset int) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a := &model.Account{}
		if err := scanAccount(rows, a); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// ListMethods はアカウントの認証手段を返す。
func (r *PostgresAccountRepo) ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error) {
	return listMethods(ctx, r.db, accountID)
}

// WithinEmailLock はemailのアドバイザリロックを取得したトランザクション内でfnを実行する。
// ロックはコミットまたはロールバックで解放される。
func (r *PostgresAccountRepo) WithinEmailLock(ctx context.Context, email string, fn func(ctx context.Context, tx AccountTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockEmail(ctx, tx, email); err != nil {
		return err
	}

	if err := fn(ctx, &postgresAccountTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithinAccountLock はアカウント行をFOR UPDATEでロックし、
// さらにemailのアドバイザリロックを取得した上でfnを実行する。
func (r *PostgresAccountRepo) WithinAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var email string
	err = tx.QueryRowContext(ctx,
		`SELECT email FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&email)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to lock account: %w", err)
	default:
		if err := lockEmail(ctx, tx, email); err != nil {
			return err
		}
	}

	if err := fn(ctx, &postgresAccountTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// postgresAccountTx はAccountTxのPostgreSQL実装。
type postgresAccountTx struct {
	tx *sql.Tx
}

func (t *postgresAccountTx) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return findAccount(ctx, t.tx, `WHERE email = $1`, email)
}

func (t *postgresAccountTx) FindAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return findAccount(ctx, t.tx, `WHERE id = $1`, id)
}

func (t *postgresAccountTx) ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error) {
	return listMethods(ctx, t.tx, accountID)
}

func (t *postgresAccountTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Email, a.DisplayName, a.AvatarURL, string(a.Role),
		a.IsSuspended, a.SuspendedReason, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts
		 SET display_name = $2, avatar_url = $3, role = $4,
		     is_suspended = $5, suspended_reason = $6, updated_at = $7
		 WHERE id = $1`,
		a.ID, a.DisplayName, a.AvatarURL, string(a.Role),
		a.IsSuspended, a.SuspendedReason, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) CreateMethod(ctx context.Context, m *model.LinkedMethod) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO linked_methods (`+methodColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.AccountID, string(m.Method), m.ProviderSubjectID, m.PasswordHash,
		m.IsPrimary, m.LastLoginAt, m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateMethod
	}
	if err != nil {
		return fmt.Errorf("failed to insert linked method: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) UpdateMethod(ctx context.Context, m *model.LinkedMethod) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE linked_methods
		 SET provider_subject_id = $2, password_hash = $3, is_primary = $4,
		     last_login_at = $5, updated_at = $6
		 WHERE id = $1`,
		m.ID, m.ProviderSubjectID, m.PasswordHash, m.IsPrimary, m.LastLoginAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update linked method: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) DeleteMethod(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM linked_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete linked method: %w", err)
	}
	return nil
}

// lockEmail はemailに対するトランザクションスコープのアドバイザリロックを取得する。
func lockEmail(ctx context.Context, tx *sql.Tx, email string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, email); err != nil {
		return fmt.Errorf("failed to acquire email lock: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s rowScanner, a *model.Account) error {
	var role string
	if err := s.Scan(&a.ID, &a.Email, &a.DisplayName, &a.AvatarURL, &role,
		&a.IsSuspended, &a.SuspendedReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	a.Role = model.Role(role)
	return nil
}

func findAccount(ctx context.Context, q queryer, where string, arg interface{}) (*model.Account, error) {
	a := &model.Account{}
	err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where, arg), a)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

func listMethods(ctx context.Context, q queryer, accountID string) ([]*model.LinkedMethod, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+methodColumns+` FROM linked_methods
		 WHERE account_id = $1
		 ORDER BY is_primary DESC, created_at ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked methods: %w", err)
	}
	defer rows.Close()

	var methods []*model.LinkedMethod
	for rows.Next() {
		m := &model.LinkedMethod{}
		var method string
		if err := rows.Scan(&m.ID, &m.AccountID, &method, &m.ProviderSubjectID, &m.PasswordHash,
			&m.IsPrimary, &m.LastLoginAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan linked method: %w", err)
		}
		m.Method = model.Method(method)
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate linked methods: %w", err)
	}
	return methods, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// compile-time interface check
var _ AccountStore = (*PostgresAccountRepo)(nil)
