// Package user は管理者向けのアカウント管理を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/linking"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// AccountAdmin はロール変更と停止の書き込みインターフェース。linking.Engineが満たす。
type AccountAdmin interface {
	SetRole(ctx context.Context, actor *model.Account, accountID string, role model.Role) (*model.Account, error)
	SetSuspended(ctx context.Context, actor *model.Account, accountID string, suspended bool, reason string) (*model.Account, error)
}

// SessionRevoker はアカウントの全セッションを削除するインターフェース。
type SessionRevoker interface {
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// AccountDetail はアカウントと紐付く認証手段。
type AccountDetail struct {
	Account *model.Account
	Methods []*model.LinkedMethod
}

// Service はアカウント管理のサービス層。
// 書き込みはAccountAdmin（連携エンジン）に委譲し、このパッケージはアカウントを直接書き換えない。
type Service struct {
	accounts repository.AccountReader
	admin    AccountAdmin
	sessions SessionRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accounts repository.AccountReader, admin AccountAdmin, sessions SessionRevoker) *Service {
	return &Service{
		accounts: accounts,
		admin:    admin,
		sessions: sessions,
	}
}

// List はアカウント一覧を返す。limitが0以下の場合は50件、上限は200件。
func (s *Service) List(ctx context.Context, limit, offset int) ([]*model.Account, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	accounts, err := s.accounts.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Get はアカウントと認証手段を返す。
func (s *Service) Get(ctx context.Context, accountID string) (*AccountDetail, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, linking.ErrAccountNotFound
	}

	methods, err := s.accounts.ListMethods(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list methods: %w", err)
	}
	return &AccountDetail{Account: account, Methods: methods}, nil
}

// SetRole はアカウントのロールを変更する。
func (s *Service) SetRole(ctx context.Context, actor *model.Account, accountID string, role model.Role) (*model.Account, error) {
	return s.admin.SetRole(ctx, actor, accountID, role)
}

// SetSuspended はアカウントの停止状態を変更する。
// 停止した場合はそのアカウントの全セッションを削除する。
func (s *Service) SetSuspended(ctx context.Context, actor *model.Account, accountID string, suspended bool, reason string) (*model.Account, error) {
	account, err := s.admin.SetSuspended(ctx, actor, accountID, suspended, reason)
	if err != nil {
		return nil, err
	}

	if suspended && s.sessions != nil {
		if err := s.sessions.DeleteByAccountID(ctx, accountID); err != nil {
			return nil, fmt.Errorf("failed to revoke sessions: %w", err)
		}
		slog.Info("sessions revoked for suspended account",
			slog.String("account_id", accountID),
		)
	}
	return account, nil
}

// SetRoleByEmail はメールアドレスで指定したアカウントのロールを変更する。CLIから使用する。
func (s *Service) SetRoleByEmail(ctx context.Context, actor *model.Account, email string, role model.Role) (*model.Account, error) {
	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.SetRole(ctx, actor, account.ID, role)
}

// SetSuspendedByEmail はメールアドレスで指定したアカウントの停止状態を変更する。CLIから使用する。
func (s *Service) SetSuspendedByEmail(ctx context.Context, actor *model.Account, email string, suspended bool, reason string) (*model.Account, error) {
	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.SetSuspended(ctx, actor, account.ID, suspended, reason)
}

func (s *Service) findByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := s.accounts.FindByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, linking.ErrAccountNotFound
	}
	return account, nil
}
