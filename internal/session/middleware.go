package session

import (
	"context"
	"net/http"

	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
)

type contextKey struct{}

// ContextWithResult はコンテキストに解決結果を注入する。
// 認証済みであればアカウントIDもmiddleware.ContextWithAccountIDで注入する。
func ContextWithResult(ctx context.Context, res Result) context.Context {
	if res.Account != nil {
		ctx = middleware.ContextWithAccountID(ctx, res.Account.ID)
		middleware.RecordAuthSource(ctx, string(res.Source))
	}
	return context.WithValue(ctx, contextKey{}, res)
}

// FromContext はコンテキストから解決結果を取得する。未設定の場合は匿名を返す。
func FromContext(ctx context.Context) Result {
	res, _ := ctx.Value(contextKey{}).(Result)
	return res
}

// Middleware はすべてのリクエストでセッションを解決し、結果をコンテキストに注入するミドルウェアを返す。
// 匿名のリクエストも拒否しない。
func Middleware(resolver *Resolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := resolver.Resolve(r)
			next.ServeHTTP(w, r.WithContext(ContextWithResult(r.Context(), res)))
		})
	}
}

// RequireAuth は匿名のリクエストに401 Unauthorizedを返すミドルウェア。
// Middlewareの後に配置する。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).Authenticated() {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}
