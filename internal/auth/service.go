// Package auth はOAuth認証フロー、パスワード認証、セッション発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/repository"
	"github.com/hitoshi/newtifi/internal/session"
)

// ErrProviderDisabled は未設定のOAuthプロバイダーが指定された場合に返る。
var ErrProviderDisabled = errors.New("auth: provider not enabled")

// AccountResolver はClaimをアカウントに解決するインターフェース。linking.Engineが満たす。
type AccountResolver interface {
	Resolve(ctx context.Context, claim *identity.Claim) (*model.Account, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// LoginResult はログイン成功時の結果。
// Tokenはセッションに紐付く署名付きアサーションで、Cookieを使わないクライアント向け。
type LoginResult struct {
	Account *model.Account
	Session *model.Session
	Token   string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers   map[model.Method]OAuthProvider
	accounts    AccountResolver
	sessionRepo repository.SessionRepository
	tokens      *session.Tokens
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。providersには有効なプロバイダーのみを渡す。
func NewService(
	providers []OAuthProvider,
	accounts AccountResolver,
	sessionRepo repository.SessionRepository,
	tokens *session.Tokens,
	config ServiceConfig,
) *Service {
	m := make(map[model.Method]OAuthProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Service{
		providers:   m,
		accounts:    accounts,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		config:      config,
		now:         time.Now,
	}
}

// Provider は指定の認証手段に対応するOAuthプロバイダーを返す。
func (s *Service) Provider(method model.Method) (OAuthProvider, error) {
	p, ok := s.providers[method]
	if !ok {
		return nil, ErrProviderDisabled
	}
	return p, nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(method model.Method, state string) (string, error) {
	p, err := s.Provider(method)
	if err != nil {
		return "", err
	}
	return p.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録のメールアドレスであればアカウントが作成され、既存アカウントであれば認証手段が追加される。
func (s *Service) HandleCallback(ctx context.Context, method model.Method, code string) (*LoginResult, error) {
	p, err := s.Provider(method)
	if err != nil {
		return nil, err
	}

	// 1. 認可コードをトークンに交換し、Claimを取得
	claim, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. アカウントに解決
	return s.login(ctx, claim)
}

// LoginWithPassword はメールアドレスとパスワードでログインする。アカウントは作成しない。
// 未登録のメールアドレスとパスワード誤りはどちらもlinking.ErrInvalidCredentialsとなる。
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	return s.login(ctx, identity.FromPassword(email, password, false))
}

// Register はパスワードを登録してログインする。
// 未登録のメールアドレスであればアカウントを作成し、既存アカウントであればパスワード手段を追加する。
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*LoginResult, error) {
	claim := identity.FromPassword(email, password, true).WithDisplayName(displayName)
	return s.login(ctx, claim)
}

func (s *Service) login(ctx context.Context, claim *identity.Claim) (*LoginResult, error) {
	account, err := s.accounts.Resolve(ctx, claim)
	if err != nil {
		return nil, err
	}

	sess, err := s.createSession(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, err := s.tokens.Issue(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("account logged in",
		slog.String("account_id", account.ID),
		slog.String("method", string(claim.Method)),
	)
	return &LoginResult{Account: account, Session: sess, Token: token}, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("account logged out")
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, accountID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	sess := &model.Session{
		ID:        sessionID,
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
	}

	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return sess, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
