package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/newtifi/internal/model"
)

const (
	// csrfCookieName はダブルサブミット用トークンのCookie名。JavaScriptから読めるようHttpOnlyにしない。
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"

	csrfCookieMaxAge = 24 * 60 * 60
	csrfTokenBytes   = 32
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string

	// TrustedOrigins が空でなければ、状態変更リクエストのOriginヘッダーがこの一覧に含まれることも確認する。
	// Originヘッダーのないリクエストはトークン照合のみで判定する。
	TrustedOrigins []string
}

// csrfGuard はダブルサブミットCookie方式でCSRFを検証する。
type csrfGuard struct {
	config  CSRFConfig
	origins map[string]struct{}
}

func newCSRFGuard(config CSRFConfig) *csrfGuard {
	g := &csrfGuard{config: config, origins: make(map[string]struct{}, len(config.TrustedOrigins))}
	for _, o := range config.TrustedOrigins {
		if o = normalizeOrigin(o); o != "" {
			g.origins[o] = struct{}{}
		}
	}
	return g
}

// NewCSRFMiddleware はCSRF検証ミドルウェアを返す。
//
// GET, HEAD, OPTIONSは検証せず、トークンCookieがなければ発行する。
// それ以外のメソッドはCookieとX-CSRF-Tokenヘッダーの一致を要求する。
// セッションCookieを持たずBearerトークンで認証するリクエストは検証しない。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	g := newCSRFGuard(config)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case isSafeMethod(r.Method):
				if _, err := r.Cookie(csrfCookieName); err != nil {
					g.issue(w)
				}
			case isBearerOnly(r):
			default:
				if reason := g.check(r); reason != "" {
					rejectCSRF(w, r, reason)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はGET /api/csrf-tokenのハンドラーを返す。
// 既存のトークンCookieがあればその値を、なければ新しく発行した値を{"token": ...}で返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	g := newCSRFGuard(config)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie(csrfCookieName); err == nil {
			token = c.Value
		}
		if token == "" {
			token = g.issue(w)
			if token == "" {
				WriteInternalServerError(w)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
}

// check は状態変更リクエストを検証し、拒否する場合はその理由を返す。
func (g *csrfGuard) check(r *http.Request) string {
	if len(g.origins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if _, ok := g.origins[normalizeOrigin(origin)]; !ok {
				return "untrusted origin"
			}
		}
	}

	c, err := r.Cookie(csrfCookieName)
	if err != nil || c.Value == "" {
		return "missing cookie token"
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing header token"
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) != 1 {
		return "token mismatch"
	}
	return ""
}

// issue は新しいトークンを生成してCookieに設定し、その値を返す。生成に失敗した場合は空文字列。
func (g *csrfGuard) issue(w http.ResponseWriter) string {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}
	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.config.CookieDomain,
		MaxAge:   csrfCookieMaxAge,
		Secure:   g.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

func rejectCSRF(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("CSRF validation failed",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
		Code:     "CSRF_VALIDATION_FAILED",
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	})
}

// isBearerOnly はセッションCookieを持たずAuthorizationヘッダーで認証するリクエストかを返す。
func isBearerOnly(r *http.Request) bool {
	if _, err := r.Cookie(SessionCookieName); err == nil {
		return false
	}
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
