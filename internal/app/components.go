package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newtifi/internal/audit"
	"github.com/hitoshi/newtifi/internal/config"
	"github.com/hitoshi/newtifi/internal/database"
	"github.com/hitoshi/newtifi/internal/linking"
	"github.com/hitoshi/newtifi/internal/metrics"
	"github.com/hitoshi/newtifi/internal/notify"
	"github.com/hitoshi/newtifi/internal/permission"
	"github.com/hitoshi/newtifi/internal/repository"
	"github.com/hitoshi/newtifi/internal/security"
	"github.com/hitoshi/newtifi/internal/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix はRedisに保存するキーの接頭辞。
const redisKeyPrefix = "newtifi"

// components はserve、worker、accountの各コマンドが共有する依存関係。
type components struct {
	db       *sql.DB // STORE_DRIVER=memoryの場合はnil
	accounts repository.AccountStore
	sessions repository.SessionRepository
	gate     *permission.Gate
	engine   *linking.Engine
	users    *user.Service
	registry *prometheus.Registry
	metrics  *metrics.Collector

	closers []func() error
}

// Close は開いた接続を逆順に閉じる。
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// openStores はアカウントストアとセッションストアを設定に従って開く。
func openStores(ctx context.Context, cfg *config.Config, c *components) error {
	// 1. アカウントストア
	switch cfg.StoreDriver {
	case "postgres":
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig(cfg.DBMaxOpenConns))
		if err != nil {
			return err
		}
		c.closers = append(c.closers, db.Close)
		slog.Info("database connection established", slog.Int("max_open_conns", cfg.DBMaxOpenConns))
		c.db = db
		c.accounts = repository.NewPostgresAccountRepo(db)
	default:
		slog.Warn("using in-memory account store; accounts are lost on restart")
		c.accounts = repository.NewMemoryAccountStore()
	}

	// 2. セッションストア
	switch cfg.SessionStore {
	case "postgres":
		c.sessions = repository.NewPostgresSessionRepo(c.db)
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		c.closers = append(c.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established")
		c.sessions = repository.NewRedisSessionRepo(client, redisKeyPrefix)
	default:
		c.sessions = repository.NewMemorySessionRepo(cfg.SessionCleanupInterval)
	}
	return nil
}

// buildComponents はストア、監査、通知、連携エンジン、管理サービスを組み立てる。
// 失敗した場合もそれまでに開いた接続は閉じる。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}
	if err := openStores(ctx, cfg, c); err != nil {
		c.Close()
		return nil, err
	}

	// メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 監査（PostgreSQLへの永続化と任意のAMQP配信）
	var auditRepo repository.AuditRepository
	if c.db != nil {
		auditRepo = repository.NewPostgresAuditRepo(c.db)
	}
	var publisher audit.Publisher
	if cfg.AMQPURL != "" {
		p, err := audit.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, p.Close)
		publisher = p
		slog.Info("audit events are published to amqp", slog.String("queue", cfg.AMQPQueue))
	}

	// 認証手段追加の通知
	var notifier notify.Notifier = notify.Nop{}
	if cfg.SMTPHost != "" {
		notifier = notify.NewMailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			TLSMode:  cfg.SMTPTLSMode,
			BaseURL:  cfg.BaseURL,
		})
	}

	c.gate = permission.NewGate()
	engine, err := linking.NewEngine(linking.Deps{
		Store:    c.accounts,
		Hasher:   security.NewArgon2Hasher(security.DefaultArgon2Params),
		Gate:     c.gate,
		Recorder: audit.NewService(auditRepo, publisher),
		Notifier: notifier,
		Metrics:  c.metrics,
	}, linking.Config{
		AdminAllowList: linking.NewAllowList(cfg.AdminAllowList),
		AttachPolicy:   linking.AttachPolicy(cfg.AttachPolicy),
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create linking engine: %w", err)
	}
	c.engine = engine
	c.users = user.NewService(c.accounts, engine, c.sessions)

	return c, nil
}
