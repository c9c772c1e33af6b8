package middleware

import (
	"net/http"
	"strings"

	"github.com/hitoshi/newtifi/internal/model"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-CSRF-Token"
	corsMaxAge       = "600"
)

// NewCORSMiddleware は許可されたオリジンからのクロスオリジンリクエストのみ受け付けるミドルウェアを返す。
// セッションCookieを送信させるため、ワイルドカードではなくリクエストのOriginをそのまま返す。
// 許可されていないオリジンにはCORSヘッダーを付けず、プリフライトは403とする。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			allowed[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !allowed[normalizeOrigin(origin)] {
				if preflight {
					WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
						Code:     "CORS_ORIGIN_DENIED",
						Message:  "Cross-origin requests from this origin are not allowed.",
						Category: "auth",
						Action:   "Use the NewTIFI website to sign in.",
					})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// normalizeOrigin は比較用にオリジンを小文字化し、末尾のスラッシュを除く。
func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
}
