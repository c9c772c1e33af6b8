package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/newtifi/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// MemorySessionRepo はgo-cacheを使用したプロセス内セッションリポジトリ。
// 各エントリはセッションの有効期限をTTLとして保持し、期限切れで自動的に失効する。
type MemorySessionRepo struct {
	c *gocache.Cache

	// アカウント単位の一括削除用インデックス
	mu        sync.Mutex
	byAccount map[string]map[string]struct{}
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
// cleanupIntervalごとに期限切れエントリを削除する。
func NewMemorySessionRepo(cleanupInterval time.Duration) *MemorySessionRepo {
	r := &MemorySessionRepo{
		c:         gocache.New(gocache.NoExpiration, cleanupInterval),
		byAccount: make(map[string]map[string]struct{}),
	}
	r.c.OnEvicted(func(id string, v interface{}) {
		if s, ok := v.(*model.Session); ok {
			r.unindex(s.AccountID, id)
		}
	})
	return r
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	s := *session
	r.c.Set(session.ID, &s, ttl)

	r.mu.Lock()
	ids, ok := r.byAccount[session.AccountID]
	if !ok {
		ids = make(map[string]struct{})
		r.byAccount[session.AccountID] = ids
	}
	ids[session.ID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	v, ok := r.c.Get(id)
	if !ok {
		return nil, nil
	}
	s, ok := v.(*model.Session)
	if !ok || s.Expired(time.Now()) {
		return nil, nil
	}
	out := *s
	return &out, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.c.Delete(id)
	return nil
}

// DeleteByAccountID は指定アカウントの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByAccountID(_ context.Context, accountID string) error {
	r.mu.Lock()
	ids := r.byAccount[accountID]
	delete(r.byAccount, accountID)
	r.mu.Unlock()

	for id := range ids {
		r.c.Delete(id)
	}
	return nil
}

// DeleteExpired は期限切れエントリを即時に削除する。件数は取得できないため0を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.c.DeleteExpired()
	return 0, nil
}

func (r *MemorySessionRepo) unindex(accountID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.byAccount[accountID]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.byAccount, accountID)
	}
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionRepo)(nil)
