package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PoolConfig はコネクションプールと起動時の接続確認の設定。
type PoolConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// ConnectAttempts は起動時のPing試行回数。1未満は1として扱う。
	ConnectAttempts int
	RetryInterval   time.Duration
}

// DefaultPoolConfig はmaxOpen以外を既定値にしたPoolConfigを返す。
func DefaultPoolConfig(maxOpen int) PoolConfig {
	return PoolConfig{
		MaxOpenConns:    maxOpen,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectAttempts: 5,
		RetryInterval:   time.Second,
	}
}

// Open はPostgreSQLの接続プールを開く。接続は確立しない。
func Open(databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxOpenConns / 2)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// Connect は接続プールを開き、データベースが応答するまでPingを繰り返す。
// コンテナの同時起動でPostgreSQLの準備が遅れる場合に備える。
func Connect(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := Open(databaseURL, pool)
	if err != nil {
		return nil, err
	}
	if err := waitForDB(ctx, db, pool); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func waitForDB(ctx context.Context, db *sql.DB, pool PoolConfig) error {
	attempts := max(pool.ConnectAttempts, 1)

	var err error
	for i := 1; i <= attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		slog.Warn("database not ready, retrying",
			slog.Int("attempt", i),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to database: %w", ctx.Err())
		case <-time.After(pool.RetryInterval):
		}
	}
	return fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, err)
}
