// Package session はリクエストから現在のアカウントを解決する。
//
// セッションCookieを優先し、なければAuthorizationヘッダーのBearerアサーションを使用する。
// ロールはCookieやアサーションからは読み取らず、毎回アカウントを再取得して判定する。
package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
)

// Source は認証情報の取得元。
type Source string

const (
	SourceNone   Source = ""
	SourceCookie Source = "cookie"
	SourceBearer Source = "bearer"
)

// Result はセッション解決の結果。Accountがnilであれば匿名。
// 停止中のアカウントは匿名として扱い、Suspendedで区別する。
type Result struct {
	Account         *model.Account
	SessionID       string
	Suspended       bool
	SuspendedReason string
	Source          Source
}

// Authenticated は認証済みかどうかを返す。
func (r Result) Authenticated() bool {
	return r.Account != nil
}

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// AccountFinder はアカウントの検索に必要なインターフェース。
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// Resolver はリクエストをアカウントに解決する。
type Resolver struct {
	sessions SessionFinder
	accounts AccountFinder
	tokens   *Tokens
	now      func() time.Time
}

// NewResolver はResolverを生成する。tokensがnilの場合はBearerアサーションを受け付けない。
func NewResolver(sessions SessionFinder, accounts AccountFinder, tokens *Tokens) *Resolver {
	return &Resolver{
		sessions: sessions,
		accounts: accounts,
		tokens:   tokens,
		now:      time.Now,
	}
}

// Resolve はリクエストの認証情報からアカウントを解決する。
// 解決できない場合は匿名（ゼロ値）を返し、エラーは返さない。
func (r *Resolver) Resolve(req *http.Request) Result {
	ctx := req.Context()

	// 1. セッションCookie
	if c, err := req.Cookie(middleware.SessionCookieName); err == nil && c.Value != "" {
		if res, ok := r.fromSession(ctx, c.Value, "", SourceCookie); ok {
			return res
		}
	}

	// 2. Bearerアサーション
	raw, ok := bearerToken(req)
	if !ok || r.tokens == nil {
		return Result{}
	}
	claims, err := r.tokens.Parse(raw)
	if err != nil {
		slog.Debug("bearer token rejected", slog.String("error", err.Error()))
		return Result{}
	}
	res, _ := r.fromSession(ctx, claims.SessionID, claims.Subject, SourceBearer)
	return res
}

// fromSession はセッションIDからアカウントを解決する。
// wantAccountが空でなければ、セッションの所有者と一致する場合のみ有効とする。
func (r *Resolver) fromSession(ctx context.Context, sessionID, wantAccount string, source Source) (Result, bool) {
	s, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		slog.Error("failed to find session", slog.String("error", err.Error()))
		return Result{}, false
	}
	if s == nil || s.Expired(r.now()) {
		return Result{}, false
	}
	if wantAccount != "" && s.AccountID != wantAccount {
		slog.Warn("token subject does not match session owner",
			slog.String("session_account_id", s.AccountID),
		)
		return Result{}, false
	}

	account, err := r.accounts.FindByID(ctx, s.AccountID)
	if err != nil {
		slog.Error("failed to find account for session",
			slog.String("account_id", s.AccountID),
			slog.String("error", err.Error()),
		)
		return Result{}, false
	}
	if account == nil {
		return Result{}, false
	}
	if account.IsSuspended {
		return Result{Suspended: true, SuspendedReason: account.SuspendedReason, Source: source}, true
	}
	return Result{Account: account, SessionID: s.ID, Source: source}, true
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
