package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/newtifi/internal/metrics"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/permission"
	"github.com/hitoshi/newtifi/internal/session"
)

// HealthChecker はヘルスチェック対象のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 横断的関心事
	Logger             *slog.Logger
	HealthChecker      HealthChecker            // nilの場合は常に正常
	MetricsHandler     http.Handler             // nilの場合は/metricsを公開しない
	Metrics            metrics.MetricsCollector // nilの場合はステータスコードを記録しない
	CORSAllowedOrigins []string
	CSRFConfig         middleware.CSRFConfig
	RateLimiter        *middleware.RateLimiter
	HSTS               bool
	TrustProxy         bool // X-Forwarded-ForからクライアントIPを取得する

	// セッション・権限
	Resolver *session.Resolver
	Gate     *permission.Gate

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// アカウント
	LinkingService LinkingServiceInterface
	AdminService   AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → (RealIP) → Recovery → SecurityHeaders → Logging → Metrics → CORS → Session → CSRF
//
// セッションは全ルートで解決し、認証と権限はルートごとにRequireAuthとpermission.Requireで判定する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(metrics.Middleware(deps.Metrics))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	r.Use(session.Middleware(deps.Resolver))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	accountHandler := NewAccountHandler(deps.LinkingService, deps.Gate)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.Route("/auth", func(r chi.Router) {
		// ログイン系はクライアントIP単位でレート制限する
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Get("/{provider}/login", authHandler.Login)
			r.Get("/{provider}/callback", authHandler.Callback)
			r.Post("/password/login", authHandler.PasswordLogin)
			r.Post("/password/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: RequireAuth → RateLimit(API)
	r.Group(func(r chi.Router) {
		r.Use(session.RequireAuth)
		r.Use(deps.RateLimiter.APIMiddleware())

		r.Route("/api/account", func(r chi.Router) {
			r.Get("/methods", accountHandler.ListMethods)
			r.Delete("/methods/{method}", accountHandler.Unlink)
			r.Put("/methods/{method}/primary", accountHandler.SetPrimary)
			r.Get("/routes", accountHandler.Routes)
		})

		r.Route("/api/admin/accounts", func(r chi.Router) {
			r.With(permission.Require(deps.Gate, permission.ResourceUsers, permission.ActionRead)).Get("/", adminHandler.List)
			r.With(permission.Require(deps.Gate, permission.ResourceUsers, permission.ActionRead)).Get("/{id}", adminHandler.Get)
			r.With(permission.Require(deps.Gate, permission.ResourceUsers, permission.ActionUpdate)).Put("/{id}/role", adminHandler.SetRole)
			r.With(permission.Require(deps.Gate, permission.ResourceUsers, permission.ActionUpdate)).Put("/{id}/suspension", adminHandler.SetSuspension)
		})
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
