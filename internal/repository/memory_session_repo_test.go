package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/newtifi/internal/model"
)

func TestMemorySessionRepo_CreateFindDelete(t *testing.T) {
	r := NewMemorySessionRepo(time.Minute)
	ctx := context.Background()
	now := time.Now()

	s := &model.Session{ID: "s-1", AccountID: "acc-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := r.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.FindByID(ctx, "s-1")
	if err != nil || got == nil {
		t.Fatalf("FindByID = %v, %v", got, err)
	}
	if got.AccountID != "acc-1" {
		t.Errorf("AccountID = %q, want acc-1", got.AccountID)
	}

	_ = r.DeleteByID(ctx, "s-1")
	if got, _ := r.FindByID(ctx, "s-1"); got != nil {
		t.Errorf("FindByID after delete = %+v, want nil", got)
	}
}

func TestMemorySessionRepo_ExpiredIsNotFound(t *testing.T) {
	r := NewMemorySessionRepo(time.Minute)
	ctx := context.Background()
	now := time.Now()

	_ = r.Create(ctx, &model.Session{ID: "s-1", AccountID: "acc-1", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	if got, _ := r.FindByID(ctx, "s-1"); got != nil {
		t.Errorf("FindByID = %+v, want nil for expired session", got)
	}
}

func TestMemorySessionRepo_DeleteByAccountID(t *testing.T) {
	r := NewMemorySessionRepo(time.Minute)
	ctx := context.Background()
	now := time.Now()

	for _, s := range []*model.Session{
		{ID: "s-1", AccountID: "acc-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "s-2", AccountID: "acc-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "s-3", AccountID: "acc-2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		_ = r.Create(ctx, s)
	}

	if err := r.DeleteByAccountID(ctx, "acc-1"); err != nil {
		t.Fatalf("DeleteByAccountID: %v", err)
	}
	for _, id := range []string{"s-1", "s-2"} {
		if got, _ := r.FindByID(ctx, id); got != nil {
			t.Errorf("session %s still present", id)
		}
	}
	if got, _ := r.FindByID(ctx, "s-3"); got == nil {
		t.Error("session s-3 of another account was deleted")
	}
}

func TestRedisSessionRepo_ImplementsInterfaceFromMemoryTests(t *testing.T) {
	var _ SessionRepository = (*RedisSessionRepo)(nil)
}

func TestRedisSessionRepo_KeysFromMemoryTests(t *testing.T) {
	r := NewRedisSessionRepo(nil, "newtifi")
	if got := r.sessionKey("abc"); got != "newtifi:session:abc" {
		t.Errorf("sessionKey = %q", got)
	}
	if got := r.accountKey("acc-1"); got != "newtifi:account_sessions:acc-1" {
		t.Errorf("accountKey = %q", got)
	}
}
