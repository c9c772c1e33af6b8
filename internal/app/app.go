// Package app はコマンドの解析、依存関係のワイヤリング、サーバーとワーカーの起動を行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/newtifi/internal/auth"
	"github.com/hitoshi/newtifi/internal/config"
	"github.com/hitoshi/newtifi/internal/database"
	"github.com/hitoshi/newtifi/internal/handler"
	"github.com/hitoshi/newtifi/internal/logger"
	"github.com/hitoshi/newtifi/internal/metrics"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/session"
	"github.com/hitoshi/newtifi/internal/worker/cleanup"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// .envファイルを読み込み、JSON構造化ログをセットアップしてからConfigを読み込む。
// wはログの出力先。
func Init(w io.Writer, envFile string) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数が優先）
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMでキャンセルされるコンテキストでコマンドを実行する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxがキャンセルされるまでコマンドを実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと期限切れセッションの削除ジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストアとドメインサービス
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	tokens, err := session.NewTokens(cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	// 2. OAuthプロバイダー（資格情報が設定されたもののみ有効）
	var providers []auth.OAuthProvider
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogleOAuthProvider(auth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}))
	}
	if cfg.LinkedInEnabled() {
		providers = append(providers, auth.NewLinkedInOAuthProvider(auth.ProviderConfig{
			ClientID:     cfg.LinkedInClientID,
			ClientSecret: cfg.LinkedInClientSecret,
			RedirectURL:  cfg.LinkedInRedirectURL,
		}))
	}
	for _, p := range providers {
		slog.Info("oauth provider enabled", slog.String("method", string(p.Name())))
	}

	authService := auth.NewService(providers, c.engine, c.sessions, tokens,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 3. レート制限（configはreq/min単位のためreq/secに変換する）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitAPI > 0 {
		rateLimiterCfg.APIRate = rate.Limit(float64(cfg.RateLimitAPI) / 60.0)
		rateLimiterCfg.APIBurst = cfg.RateLimitAPI
	}
	if cfg.RateLimitLogin > 0 {
		rateLimiterCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rateLimiterCfg.LoginBurst = cfg.RateLimitLogin
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		MetricsHandler:     metrics.Handler(c.registry),
		Metrics:            c.metrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure:   cfg.CookieSecure,
			CookieDomain:   cfg.CookieDomain,
			TrustedOrigins: cfg.CORSAllowedOrigins,
		},
		RateLimiter: rateLimiter,
		HSTS:        cfg.HSTS,
		TrustProxy:  cfg.TrustProxy,

		Resolver: session.NewResolver(c.sessions, c.accounts, tokens),
		Gate:     c.gate,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		LinkingService: c.engine,
		AdminService:   c.users,
	}
	if c.db != nil {
		deps.HealthChecker = c.db
	}

	router := handler.NewRouter(deps)

	// 5. 期限切れセッションの削除
	jobCtx, cancelJob := context.WithCancel(ctx)
	jobDone := make(chan struct{})
	go func() {
		defer close(jobDone)
		cleanup.NewCleanupJob(c.sessions, c.metrics, slog.Default()).Start(jobCtx, cfg.SessionCleanupInterval)
	}()
	defer func() {
		cancelJob()
		<-jobDone
	}()

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         net.JoinHostPort("", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("API server starting",
		slog.String("addr", server.Addr),
		slog.String("base_url", cfg.BaseURL),
	)
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除ジョブをctxがキャンセルされるまで実行する。
// APIサーバーを複数台で動かす場合に削除を1プロセスに集約するために使用する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c := &components{}
	if err := openStores(ctx, cfg, c); err != nil {
		c.Close()
		return err
	}
	defer c.Close()

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	cleanup.NewCleanupJob(c.sessions, nil, slog.Default()).Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// rollbackが0なら未適用のマイグレーションをすべて適用し、正ならその件数だけ戻す。
func runMigrate(cfg *config.Config, rollback int) error {
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
	}

	log := slog.With(slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)))
	if rollback > 0 {
		log.Info("rolling back database migrations", slog.Int("steps", rollback))
		if err := database.RollbackMigrations(cfg.DatabaseURL, rollback); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	} else {
		log.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	st, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("database migrations completed",
		slog.Uint64("version", uint64(st.Version)),
		slog.Bool("dirty", st.Dirty),
	)
	return nil
}

// runMigrateVersion は適用済みのスキーマバージョンをwに出力する。
func runMigrateVersion(w io.Writer, cfg *config.Config) error {
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
	}
	st, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if !st.Applied {
		fmt.Fprintln(w, "no migrations applied")
		return nil
	}
	fmt.Fprintf(w, "version=%d dirty=%t\n", st.Version, st.Dirty)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
