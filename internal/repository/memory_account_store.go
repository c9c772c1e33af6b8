package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/newtifi/internal/model"
)

// MemoryAccountStore はプロセス内メモリを使用したアカウントストア。
// 開発環境（STORE_DRIVER=memory）とテストで使用する。
// email単位のロックで直列化し、トランザクション内の書き込みはfn成功時にのみ反映する。
type MemoryAccountStore struct {
	locks *keyedMutex

	mu       sync.RWMutex
	accounts map[string]*model.Account      // id -> account
	byEmail  map[string]string              // email -> id
	methods  map[string]*model.LinkedMethod // id -> method
}

// NewMemoryAccountStore はMemoryAccountStoreを生成する。
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		locks:    newKeyedMutex(),
		accounts: make(map[string]*model.Account),
		byEmail:  make(map[string]string),
		methods:  make(map[string]*model.LinkedMethod),
	}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (s *MemoryAccountStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id].Clone(), nil
}

// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (s *MemoryAccountStore) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, nil
	}
	return s.accounts[id].Clone(), nil
}

// List はアカウント一覧を作成日時の昇順で返す。
func (s *MemoryAccountStore) List(_ context.Context, limit, offset int) ([]*model.Account, error) {
	s.mu.RLock()
	all := make([]*model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		all = append(all, a.Clone())
	}
	s.mu.RUnlock()

	sortAccounts(all)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ListMethods はアカウントの認証手段を返す。
func (s *MemoryAccountStore) ListMethods(_ context.Context, accountID string) ([]*model.LinkedMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.methodsOf(accountID, nil), nil
}

// AccountCount は保持しているアカウント数を返す。テスト用。
func (s *MemoryAccountStore) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// WithinEmailLock はemail単位のロックを取得した上でfnを実行する。
func (s *MemoryAccountStore) WithinEmailLock(ctx context.Context, email string, fn func(ctx context.Context, tx AccountTx) error) error {
	unlock := s.locks.Lock(email)
	defer unlock()
	return s.run(ctx, fn)
}

// WithinAccountLock はアカウントのemailに対するロックを取得した上でfnを実行する。
func (s *MemoryAccountStore) WithinAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error {
	key := "id:" + accountID
	s.mu.RLock()
	if a, ok := s.accounts[accountID]; ok {
		key = a.Email
	}
	s.mu.RUnlock()

	unlock := s.locks.Lock(key)
	defer unlock()
	return s.run(ctx, fn)
}

func (s *MemoryAccountStore) run(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error {
	tx := &memoryAccountTx{
		store:    s,
		accounts: make(map[string]*model.Account),
		created:  make(map[string]bool),
		methods:  make(map[string]*model.LinkedMethod),
		deleted:  make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit はトランザクションの書き込みを一括で反映する。
// 一意制約に違反する場合は何も反映しない。
func (s *MemoryAccountStore) commit(tx *memoryAccountTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.created {
		if _, exists := s.byEmail[tx.accounts[id].Email]; exists {
			return ErrDuplicateEmail
		}
	}

	for id, a := range tx.accounts {
		s.accounts[id] = a.Clone()
		s.byEmail[a.Email] = id
	}
	for id := range tx.deleted {
		delete(s.methods, id)
	}
	for id, m := range tx.methods {
		s.methods[id] = m.Clone()
	}
	return nil
}

// methodsOf はアカウントの認証手段をトランザクションの差分を重ねて返す。
// 呼び出し側でs.muを保持していること。
func (s *MemoryAccountStore) methodsOf(accountID string, tx *memoryAccountTx) []*model.LinkedMethod {
	var out []*model.LinkedMethod
	for id, m := range s.methods {
		if m.AccountID != accountID {
			continue
		}
		if tx != nil {
			if tx.deleted[id] {
				continue
			}
			if _, staged := tx.methods[id]; staged {
				continue
			}
		}
		out = append(out, m.Clone())
	}
	if tx != nil {
		for _, m := range tx.methods {
			if m.AccountID == accountID {
				out = append(out, m.Clone())
			}
		}
	}
	SortMethods(out)
	return out
}

// memoryAccountTx はAccountTxのメモリ実装。書き込みは差分として保持する。
type memoryAccountTx struct {
	store    *MemoryAccountStore
	accounts map[string]*model.Account      // 作成または更新されたアカウント
	created  map[string]bool                // 作成されたアカウントID
	methods  map[string]*model.LinkedMethod // 作成または更新された認証手段
	deleted  map[string]bool                // 削除された認証手段ID
}

func (t *memoryAccountTx) FindAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	for _, a := range t.accounts {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.byEmail[email]
	if !ok {
		return nil, nil
	}
	return t.store.accounts[id].Clone(), nil
}

func (t *memoryAccountTx) FindAccountByID(_ context.Context, id string) (*model.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.accounts[id].Clone(), nil
}

func (t *memoryAccountTx) ListMethods(_ context.Context, accountID string) ([]*model.LinkedMethod, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.methodsOf(accountID, t), nil
}

func (t *memoryAccountTx) CreateAccount(ctx context.Context, a *model.Account) error {
	existing, err := t.FindAccountByEmail(ctx, a.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicateEmail
	}
	t.accounts[a.ID] = a.Clone()
	t.created[a.ID] = true
	return nil
}

func (t *memoryAccountTx) UpdateAccount(_ context.Context, a *model.Account) error {
	t.accounts[a.ID] = a.Clone()
	return nil
}

func (t *memoryAccountTx) CreateMethod(ctx context.Context, m *model.LinkedMethod) error {
	methods, err := t.ListMethods(ctx, m.AccountID)
	if err != nil {
		return err
	}
	for _, existing := range methods {
		if existing.Method == m.Method {
			return ErrDuplicateMethod
		}
	}
	t.methods[m.ID] = m.Clone()
	return nil
}

func (t *memoryAccountTx) UpdateMethod(_ context.Context, m *model.LinkedMethod) error {
	t.methods[m.ID] = m.Clone()
	return nil
}

func (t *memoryAccountTx) DeleteMethod(_ context.Context, id string) error {
	delete(t.methods, id)
	t.deleted[id] = true
	return nil
}

func sortAccounts(accounts []*model.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}

// keyedMutex はキー単位の排他ロック。未使用のキーは解放時に削除する。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock はキーのロックを取得し、解放関数を返す。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// compile-time interface check
var _ AccountStore = (*MemoryAccountStore)(nil)
