// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/newtifi/internal/auth"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStatePath   = "/auth"
	oauthStateMaxAge = 10 * 60
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(method model.Method, state string) (string, error)
	HandleCallback(ctx context.Context, method model.Method, code string) (*auth.LoginResult, error)
	LoginWithPassword(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Register(ctx context.Context, email, password, displayName string) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type passwordLoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=256"`
	DisplayName string `json:"displayName" validate:"max=100"`
}

// loginResponse はパスワードログインのレスポンス。
// tokenはCookieを使わないクライアント向けの署名付きアサーション。
type loginResponse struct {
	Account accountResponse `json:"account"`
	Token   string          `json:"token"`
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	method, ok := h.oauthMethod(w, r)
	if !ok {
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GetLoginURL(method, state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setCookie(w, oauthStateCookie, state, oauthStatePath, oauthStateMaxAge)
	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	method, ok := h.oauthMethod(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()

	// 1. stateはLoginで発行したCookieと一致し、1回限り有効
	stateOK := validState(r, q.Get("state"))
	h.setCookie(w, oauthStateCookie, "", oauthStatePath, -1)
	if !stateOK {
		slog.Warn("oauth state mismatch", slog.String("provider", string(method)))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("state", "does not match"))
		return
	}

	// プロバイダー側で拒否された（ユーザーが同意をキャンセルした等）
	if e := q.Get("error"); e != "" {
		slog.Info("oauth authorization denied",
			slog.String("provider", string(method)),
			slog.String("reason", e),
		)
		http.Redirect(w, r, h.loginPageURL("OAUTH_DENIED"), http.StatusTemporaryRedirect)
		return
	}

	// 2. 認可コードの取得
	code := q.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("code", "is required"))
		return
	}

	// 3. 認証処理
	result, err := h.service.HandleCallback(r.Context(), method, code)
	if err != nil {
		// ブラウザのフローのため、エラーコードを付けてログイン画面に戻す
		errCode := model.ErrCodeInternal
		if _, apiErr := mapServiceError(err); apiErr != nil {
			errCode = apiErr.Code
		} else {
			slog.Error("oauth callback failed",
				slog.String("provider", string(method)),
				slog.String("error", err.Error()),
			)
		}
		http.Redirect(w, r, h.loginPageURL(errCode), http.StatusTemporaryRedirect)
		return
	}

	// 4. セッションCookieを設定
	h.setSessionCookie(w, result.Session.ID)

	// 5. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// PasswordLogin はメールアドレスとパスワードでログインする。アカウントは作成しない。
// POST /auth/password/login
func (h *AuthHandler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, result.Session.ID)
	writeJSON(w, http.StatusOK, loginResponse{Account: toAccountResponse(result.Account), Token: result.Token})
}

// Register はパスワードを登録してログインする。
// POST /auth/password/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, result.Session.ID)
	writeJSON(w, http.StatusOK, loginResponse{Account: toAccountResponse(result.Account), Token: result.Token})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := session.FromContext(r.Context()).SessionID
	if sessionID == "" {
		if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
			sessionID = cookie.Value
		}
	}

	if sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.setCookie(w, middleware.SessionCookieName, "", "/", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインアカウント情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	if res.Suspended {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAccountSuspendedError(res.SuspendedReason))
		return
	}
	if !res.Authenticated() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(res.Account))
}

// oauthMethod はURLのproviderをOAuthの認証手段に変換する。未知の場合は404を書き込む。
func (h *AuthHandler) oauthMethod(w http.ResponseWriter, r *http.Request) (model.Method, bool) {
	provider := chi.URLParam(r, "provider")
	method := model.Method(strings.ToLower(provider))
	if !method.IsOAuth() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProviderDisabledError(provider))
		return "", false
	}
	return method, true
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	h.setCookie(w, middleware.SessionCookieName, sessionID, "/", h.config.SessionMaxAge)
}

// setCookie はHttpOnlyかつSameSite=LaxのCookieを設定する。maxAgeが負の場合は削除する。
func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value, path string, maxAge int) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	// stateはコールバックのホストでのみ使う
	if name != oauthStateCookie {
		c.Domain = h.config.CookieDomain
	}
	http.SetCookie(w, c)
}

func validState(r *http.Request, state string) bool {
	c, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) == 1
}

func (h *AuthHandler) loginPageURL(errCode string) string {
	return strings.TrimSuffix(h.config.BaseURL, "/") + "/login?error=" + url.QueryEscape(errCode)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)
