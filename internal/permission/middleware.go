package permission

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/session"
)

// Require はresourceに対するactionの権限を要求するミドルウェアを返す。
// session.Middlewareの後に配置する。匿名には401、権限不足には403を返す。
func Require(gate *Gate, resource, action string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := session.FromContext(r.Context())
			if gate.CanAccess(res.Account, resource, action) {
				next.ServeHTTP(w, r)
				return
			}

			if !res.Authenticated() {
				middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			slog.Warn("permission denied",
				slog.String("account_id", res.Account.ID),
				slog.String("role", string(res.Account.Role)),
				slog.String("resource", resource),
				slog.String("action", action),
			)
			middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		})
	}
}
