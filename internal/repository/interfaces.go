// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/hitoshi/newtifi/internal/model"
)

var (
	// ErrDuplicateEmail は同一メールアドレスのアカウントが既に存在する場合に返る。
	// 同時初回ログインの競合で発生し、呼び出し側は1回だけ再試行できる。
	ErrDuplicateEmail = errors.New("repository: duplicate account email")

	// ErrDuplicateMethod は同一アカウントに同じ認証手段が既に存在する場合に返る。
	ErrDuplicateMethod = errors.New("repository: duplicate linked method")
)

// AccountReader はアカウントの読み取り専用インターフェース。
// セッション解決や管理画面の一覧表示で使用する。
type AccountReader interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// List はアカウント一覧を作成日時の昇順で返す。
	List(ctx context.Context, limit, offset int) ([]*model.Account, error)

	// ListMethods はアカウントの認証手段をプライマリ優先、作成日時の昇順で返す。
	ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error)
}

// AccountTx はロック済みトランザクション内で使用する操作。
// fnがエラーを返した場合、AccountTx経由の書き込みはすべて破棄される。
type AccountTx interface {
	FindAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	FindAccountByID(ctx context.Context, id string) (*model.Account, error)
	ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error)

	// CreateAccount はアカウントを作成する。emailが重複する場合はErrDuplicateEmailを返す。
	CreateAccount(ctx context.Context, account *model.Account) error
	UpdateAccount(ctx context.Context, account *model.Account) error

	// CreateMethod は認証手段を作成する。(AccountID, Method)が重複する場合はErrDuplicateMethodを返す。
	CreateMethod(ctx context.Context, method *model.LinkedMethod) error
	UpdateMethod(ctx context.Context, method *model.LinkedMethod) error
	DeleteMethod(ctx context.Context, id string) error
}

// AccountStore はAccountとLinkedMethodの永続化インターフェース。
// 書き込みはWithin*Lockのトランザクション経由でのみ行う。
type AccountStore interface {
	AccountReader

	// WithinEmailLock はemail単位で直列化されたトランザクション内でfnを実行する。
	// 同一emailに対する並行呼び出しは、先行するトランザクションのコミット後に実行される。
	WithinEmailLock(ctx context.Context, email string, fn func(ctx context.Context, tx AccountTx) error) error

	// WithinAccountLock はアカウント単位で直列化されたトランザクション内でfnを実行する。
	// アカウントが存在しない場合もfnは呼ばれ、FindAccountByIDはnilを返す。
	WithinAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByAccountID は指定アカウントの全セッションを削除する。
	DeleteByAccountID(ctx context.Context, accountID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	// TTLで自動失効するストアは0を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuditRepository は監査イベントの永続化インターフェース。
type AuditRepository interface {
	Create(ctx context.Context, event *model.AuditEvent) error
}

// SortMethods は認証手段をプライマリ優先、作成日時の昇順に並べ替える。
func SortMethods(methods []*model.LinkedMethod) {
	sort.SliceStable(methods, func(i, j int) bool {
		if methods[i].IsPrimary != methods[j].IsPrimary {
			return methods[i].IsPrimary
		}
		return methods[i].CreatedAt.Before(methods[j].CreatedAt)
	})
}
