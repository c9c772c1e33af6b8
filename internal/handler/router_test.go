package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newtifi/internal/auth"
	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/linking"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/permission"
	"github.com/hitoshi/newtifi/internal/repository"
	"github.com/hitoshi/newtifi/internal/security"
	"github.com/hitoshi/newtifi/internal/session"
	"github.com/hitoshi/newtifi/internal/user"
)

const testCSRFToken = "test-csrf-token"

// fakeProvider は認可コードをメールアドレスのローカル部として扱うOAuthプロバイダー。
type fakeProvider struct {
	method model.Method
}

func (p *fakeProvider) Name() model.Method { return p.method }

func (p *fakeProvider) GetLoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (*identity.Claim, error) {
	if code == "unverified" {
		return nil, identity.ErrUnverifiedEmail
	}
	return &identity.Claim{
		Method:            p.method,
		Email:             code + "@example.com",
		ProviderSubjectID: string(p.method) + "-" + code,
	}, nil
}

type fakeHealthChecker struct {
	err error
}

func (f *fakeHealthChecker) PingContext(context.Context) error { return f.err }

type testEnv struct {
	router   http.Handler
	sessions *repository.MemorySessionRepo
}

// newTestEnv はメモリストアを使用した完全なルーターを構築する。
func newTestEnv(t *testing.T, limits middleware.RateLimiterConfig) *testEnv {
	t.Helper()

	store := repository.NewMemoryAccountStore()
	gate := permission.NewGate()
	engine, err := linking.NewEngine(linking.Deps{
		Store:  store,
		Hasher: security.NewArgon2Hasher(security.Argon2Params{Memory: 64, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}),
		Gate:   gate,
	}, linking.Config{AdminAllowList: linking.NewAllowList([]string{"root@example.com"})})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sessions := repository.NewMemorySessionRepo(time.Minute)
	tokens, err := session.NewTokens("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	rl := middleware.NewRateLimiter(limits)
	t.Cleanup(rl.Stop)

	providers := []auth.OAuthProvider{&fakeProvider{method: model.MethodGoogle}}
	deps := &RouterDeps{
		HealthChecker: &fakeHealthChecker{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		RateLimiter:        rl,
		Resolver:           session.NewResolver(sessions, store, tokens),
		Gate:               gate,
		AuthService:        auth.NewService(providers, engine, sessions, tokens, auth.ServiceConfig{SessionMaxAge: 3600}),
		AuthConfig:         AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 3600},
		LinkingService:     engine,
		AdminService:       user.NewService(store, engine, sessions),
	}
	return &testEnv{router: NewRouter(deps), sessions: sessions}
}

func generousLimits() middleware.RateLimiterConfig {
	cfg := middleware.DefaultRateLimiterConfig()
	cfg.LoginRate = 100
	cfg.LoginBurst = 100
	return cfg
}

type reqOpt func(*http.Request)

func withSessionCookie(id string) reqOpt {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: id})
	}
}

func withCSRF() reqOpt {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
		r.Header.Set("X-CSRF-Token", testCSRFToken)
	}
}

func withBearer(token string) reqOpt {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func (e *testEnv) do(method, path, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type loggedIn struct {
	accountID string
	sessionID string
	token     string
}

// register はパスワードで登録し、セッションIDとトークンを返す。
func (e *testEnv) register(t *testing.T, email string) loggedIn {
	t.Helper()
	w := e.do(http.MethodPost, "/auth/password/register",
		`{"email":"`+email+`","password":"password123"}`, withCSRF())
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: status = %d: %s", email, w.Code, w.Body.String())
	}
	var body struct {
		Account accountResponse `json:"account"`
		Token   string          `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sc := findCookie(w.Result(), middleware.SessionCookieName)
	if sc == nil {
		t.Fatal("session cookie should be set")
	}
	return loggedIn{accountID: body.Account.ID, sessionID: sc.Value, token: body.Token}
}

// googleLogin はGoogleのコールバックを経由してログインし、セッションIDを返す。
// fakeProviderはcodeをメールのローカル部として扱う。
func (e *testEnv) googleLogin(t *testing.T, code string) loggedIn {
	t.Helper()
	w := e.do(http.MethodGet, "/auth/google/callback?code="+code+"&state=s", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s"})
	})
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("google callback %s: status = %d", code, w.Code)
	}
	sc := findCookie(w.Result(), middleware.SessionCookieName)
	if sc == nil {
		t.Fatal("session cookie should be set")
	}
	w = e.do(http.MethodGet, "/auth/me", "", withSessionCookie(sc.Value))
	var me accountResponse
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return loggedIn{accountID: me.ID, sessionID: sc.Value}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeError(t, w.Body).Code
}

// --- テスト ---

func TestNewRouter_PasswordFlow(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	alice := env.register(t, "alice@example.com")

	// Cookieで解決
	w := env.do(http.MethodGet, "/auth/me", "", withSessionCookie(alice.sessionID))
	if w.Code != http.StatusOK {
		t.Fatalf("me(cookie): status = %d", w.Code)
	}
	var me accountResponse
	json.NewDecoder(w.Body).Decode(&me)
	if me.Email != "alice@example.com" || me.Role != "member" {
		t.Errorf("me = %+v", me)
	}

	// Bearerで解決
	if w := env.do(http.MethodGet, "/auth/me", "", withBearer(alice.token)); w.Code != http.StatusOK {
		t.Errorf("me(bearer): status = %d", w.Code)
	}

	// CSRFトークンなしのPOSTは拒否される
	w = env.do(http.MethodPost, "/auth/password/login", `{"email":"alice@example.com","password":"password123"}`)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "CSRF_VALIDATION_FAILED" {
		t.Errorf("login without CSRF: status = %d", w.Code)
	}

	// パスワードログインは同じアカウントに解決される
	w = env.do(http.MethodPost, "/auth/password/login", `{"email":"Alice@Example.com","password":"password123"}`, withCSRF())
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d: %s", w.Code, w.Body.String())
	}
	var login struct {
		Account accountResponse `json:"account"`
	}
	json.NewDecoder(w.Body).Decode(&login)
	if login.Account.ID != alice.accountID {
		t.Errorf("login resolved to %q, want %q", login.Account.ID, alice.accountID)
	}

	// 認証手段の一覧
	w = env.do(http.MethodGet, "/api/account/methods", "", withSessionCookie(alice.sessionID))
	if w.Code != http.StatusOK {
		t.Fatalf("methods: status = %d", w.Code)
	}
	var methods struct {
		Methods []methodResponse `json:"methods"`
	}
	json.NewDecoder(w.Body).Decode(&methods)
	if len(methods.Methods) != 1 || methods.Methods[0].Method != "password" || !methods.Methods[0].IsPrimary {
		t.Errorf("methods = %+v", methods.Methods)
	}

	// memberは管理APIにアクセスできない
	if w := env.do(http.MethodGet, "/api/admin/accounts", "", withSessionCookie(alice.sessionID)); w.Code != http.StatusForbidden {
		t.Errorf("admin list as member: status = %d, want 403", w.Code)
	}

	// ログアウト後はCookieもBearerも無効
	if w := env.do(http.MethodPost, "/auth/logout", "", withSessionCookie(alice.sessionID), withCSRF()); w.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/auth/me", "", withSessionCookie(alice.sessionID)); w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout(cookie): status = %d, want 401", w.Code)
	}
	if w := env.do(http.MethodGet, "/auth/me", "", withBearer(alice.token)); w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout(bearer): status = %d, want 401", w.Code)
	}
}

func TestNewRouter_IdenticalCredentialErrors(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	env.register(t, "alice@example.com")

	unknown := env.do(http.MethodPost, "/auth/password/login", `{"email":"nobody@example.com","password":"password123"}`, withCSRF())
	wrong := env.do(http.MethodPost, "/auth/password/login", `{"email":"alice@example.com","password":"wrong-password"}`, withCSRF())

	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d / %d, want 401", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", unknown.Body.String(), wrong.Body.String())
	}
}

func TestNewRouter_OAuthFlow_ConvergesWithPassword(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	alice := env.register(t, "alice@example.com")

	w := env.do(http.MethodGet, "/auth/google/login", "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("login: status = %d", w.Code)
	}
	state := findCookie(w.Result(), oauthStateCookie)
	if state == nil {
		t.Fatal("oauth_state cookie should be set")
	}

	w = env.do(http.MethodGet, "/auth/google/callback?code=alice&state="+state.Value, "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: state.Value})
	})
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("callback: status = %d", w.Code)
	}
	sc := findCookie(w.Result(), middleware.SessionCookieName)
	if sc == nil {
		t.Fatal("session cookie should be set")
	}

	w = env.do(http.MethodGet, "/auth/me", "", withSessionCookie(sc.Value))
	var me accountResponse
	json.NewDecoder(w.Body).Decode(&me)
	if me.ID != alice.accountID {
		t.Errorf("google login resolved to %q, want %q", me.ID, alice.accountID)
	}

	w = env.do(http.MethodGet, "/api/account/methods", "", withSessionCookie(sc.Value))
	var methods struct {
		Methods []methodResponse `json:"methods"`
	}
	json.NewDecoder(w.Body).Decode(&methods)
	if len(methods.Methods) != 2 || methods.Methods[0].Method != "password" {
		t.Errorf("methods = %+v, want password primary then google", methods.Methods)
	}

	// 非プライマリのgoogleは解除できるが、プライマリのpasswordは解除できない
	if w := env.do(http.MethodDelete, "/api/account/methods/password", "", withSessionCookie(sc.Value), withCSRF()); w.Code != http.StatusConflict {
		t.Errorf("unlink primary: status = %d, want 409", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/account/methods/google", "", withSessionCookie(sc.Value), withCSRF()); w.Code != http.StatusNoContent {
		t.Errorf("unlink google: status = %d, want 204", w.Code)
	}
}

func TestNewRouter_OAuthUnverifiedEmail_RedirectsWithError(t *testing.T) {
	env := newTestEnv(t, generousLimits())

	w := env.do(http.MethodGet, "/auth/google/callback?code=unverified&state=s", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s"})
	})
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasSuffix(loc, "error="+model.ErrCodeUnverifiedEmail) {
		t.Errorf("Location = %q", loc)
	}
}

func TestNewRouter_DisabledProvider(t *testing.T) {
	env := newTestEnv(t, generousLimits())

	if w := env.do(http.MethodGet, "/auth/linkedin/login", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_AdminSuspendsMember(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	root := env.googleLogin(t, "root")
	bob := env.register(t, "bob@example.com")

	// allow-listのメールアドレスはIdPで検証されて作成されるとadminとなる
	w := env.do(http.MethodGet, "/api/admin/accounts", "", withSessionCookie(root.sessionID))
	if w.Code != http.StatusOK {
		t.Fatalf("admin list: status = %d", w.Code)
	}
	var list struct {
		Accounts []adminAccountResponse `json:"accounts"`
	}
	json.NewDecoder(w.Body).Decode(&list)
	if len(list.Accounts) != 2 {
		t.Errorf("accounts = %d, want 2", len(list.Accounts))
	}

	// ロール変更
	w = env.do(http.MethodPut, "/api/admin/accounts/"+bob.accountID+"/role", `{"role":"contributor"}`,
		withSessionCookie(root.sessionID), withCSRF())
	if w.Code != http.StatusOK {
		t.Fatalf("set role: status = %d: %s", w.Code, w.Body.String())
	}
	w = env.do(http.MethodGet, "/auth/me", "", withSessionCookie(bob.sessionID))
	var me accountResponse
	json.NewDecoder(w.Body).Decode(&me)
	if me.Role != "contributor" {
		t.Errorf("role after change = %q, want contributor (re-read per request)", me.Role)
	}

	// 停止するとセッションは失効し、ログインもできない
	w = env.do(http.MethodPut, "/api/admin/accounts/"+bob.accountID+"/suspension", `{"suspended":true,"reason":"spam"}`,
		withSessionCookie(root.sessionID), withCSRF())
	if w.Code != http.StatusOK {
		t.Fatalf("suspend: status = %d: %s", w.Code, w.Body.String())
	}
	if s, _ := env.sessions.FindByID(context.Background(), bob.sessionID); s != nil {
		t.Error("suspended account's session should be revoked")
	}
	if w := env.do(http.MethodGet, "/auth/me", "", withBearer(bob.token)); w.Code != http.StatusUnauthorized {
		t.Errorf("me after suspension: status = %d, want 401", w.Code)
	}

	w = env.do(http.MethodPost, "/auth/password/login", `{"email":"bob@example.com","password":"password123"}`, withCSRF())
	if w.Code != http.StatusForbidden || errorCode(t, w) != model.ErrCodeAccountSuspended {
		t.Errorf("login while suspended: status = %d", w.Code)
	}

	// 誤ったパスワードでは停止中であることを明かさない
	w = env.do(http.MethodPost, "/auth/password/login", `{"email":"bob@example.com","password":"wrong-password"}`, withCSRF())
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != model.ErrCodeInvalidCredentials {
		t.Errorf("wrong password while suspended: status = %d", w.Code)
	}

	// admin自身は停止できない
	w = env.do(http.MethodPut, "/api/admin/accounts/"+root.accountID+"/suspension", `{"suspended":true}`,
		withSessionCookie(root.sessionID), withCSRF())
	if w.Code != http.StatusForbidden {
		t.Errorf("self-suspension: status = %d, want 403", w.Code)
	}
}

func TestNewRouter_PasswordRegisterIgnoresAdminAllowList(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	root := env.register(t, "root@example.com")

	w := env.do(http.MethodGet, "/auth/me", "", withSessionCookie(root.sessionID))
	var me accountResponse
	json.NewDecoder(w.Body).Decode(&me)
	if me.Role != "member" {
		t.Errorf("role = %q, want member", me.Role)
	}
	if w := env.do(http.MethodGet, "/api/admin/accounts", "", withSessionCookie(root.sessionID)); w.Code != http.StatusForbidden {
		t.Errorf("admin list: status = %d, want 403", w.Code)
	}

	// 後からGoogleで連携しても昇格しない
	google := env.googleLogin(t, "root")
	if google.accountID != root.accountID {
		t.Fatalf("google login resolved to %q, want %q", google.accountID, root.accountID)
	}
	if w := env.do(http.MethodGet, "/api/admin/accounts", "", withSessionCookie(google.sessionID)); w.Code != http.StatusForbidden {
		t.Errorf("admin list after google attach: status = %d, want 403", w.Code)
	}
}

func TestNewRouter_BearerClientSkipsCSRF(t *testing.T) {
	env := newTestEnv(t, generousLimits())
	env.register(t, "alice@example.com")
	w := env.do(http.MethodPost, "/auth/password/login", `{"email":"alice@example.com","password":"password123"}`, withCSRF())
	var login struct {
		Token string `json:"token"`
	}
	json.NewDecoder(w.Body).Decode(&login)

	w = env.do(http.MethodDelete, "/api/account/methods/google", "", withBearer(login.Token))
	if w.Code != http.StatusNotFound || errorCode(t, w) != model.ErrCodeMethodNotLinked {
		t.Errorf("bearer DELETE: status = %d, want 404 METHOD_NOT_LINKED", w.Code)
	}
}

func TestNewRouter_ProtectedRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t, generousLimits())

	for _, path := range []string{
		"/api/account/methods",
		"/api/account/routes",
		"/api/admin/accounts",
		"/api/admin/accounts/some-id",
	} {
		w := env.do(http.MethodGet, path, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: status = %d, want 401", path, w.Code)
		}
	}
	if w := env.do(http.MethodGet, "/auth/me", "", withBearer("forged.token.value")); w.Code != http.StatusUnauthorized {
		t.Errorf("forged bearer: status = %d, want 401", w.Code)
	}
}

func TestNewRouter_LoginRateLimit(t *testing.T) {
	limits := middleware.DefaultRateLimiterConfig()
	limits.LoginBurst = 2
	env := newTestEnv(t, limits)

	var last int
	for i := 0; i < 3; i++ {
		w := env.do(http.MethodPost, "/auth/password/login", `{"email":"x@example.com","password":"password123"}`, withCSRF())
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third attempt: status = %d, want 429", last)
	}
}

func TestNewRouter_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, generousLimits())

	w := env.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health: status = %d body = %s", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: status = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/csrf-token", ""); w.Code != http.StatusOK {
		t.Errorf("csrf-token: status = %d", w.Code)
	}
}

func TestHealthHandler_Unavailable(t *testing.T) {
	h := healthHandler(&fakeHealthChecker{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
