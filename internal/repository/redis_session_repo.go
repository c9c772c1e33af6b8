package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/newtifi/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// セッションはTTL付きのJSON値として保存し、アカウントごとのセッションIDをSetで管理する。
type RedisSessionRepo struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client *redis.Client, prefix string) *RedisSessionRepo {
	return &RedisSessionRepo{client: client, prefix: prefix}
}

type redisSession struct {
	AccountID string    `json:"account_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RedisSessionRepo) sessionKey(id string) string {
	return r.prefix + ":session:" + id
}

func (r *RedisSessionRepo) accountKey(accountID string) string {
	return r.prefix + ":account_sessions:" + accountID
}

// Create はセッションを作成する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(redisSession{
		AccountID: session.AccountID,
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(session.ID), val, ttl)
	pipe.SAdd(ctx, r.accountKey(session.AccountID), session.ID)
	pipe.ExpireGT(ctx, r.accountKey(session.AccountID), ttl)
	pipe.ExpireNX(ctx, r.accountKey(session.AccountID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	val, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal(val, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	session := &model.Session{
		ID:        id,
		AccountID: rs.AccountID,
		IssuedAt:  rs.IssuedAt,
		ExpiresAt: rs.ExpiresAt,
	}
	if session.Expired(time.Now()) {
		return nil, nil
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByAccountID は指定アカウントの全セッションを削除する。
func (r *RedisSessionRepo) DeleteByAccountID(ctx context.Context, accountID string) error {
	ids, err := r.client.SMembers(ctx, r.accountKey(accountID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list account sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.sessionKey(id))
	}
	keys = append(keys, r.accountKey(accountID))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete account sessions: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのTTLで失効するため何もしない。
func (r *RedisSessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
