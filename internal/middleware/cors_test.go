package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	mw := NewCORSMiddleware([]string{"https://newtifi.example.com", " http://localhost:3000/ "})

	tests := []struct {
		name         string
		method       string
		origin       string
		preflight    bool
		wantStatus   int
		wantNext     bool
		wantACAO     string
		wantMethods  bool
		wantVaryOrig bool
	}{
		{"同一オリジン（Originなし）", http.MethodGet, "", false, http.StatusOK, true, "", false, false},
		{"許可オリジンのGET", http.MethodGet, "https://newtifi.example.com", false, http.StatusOK, true, "https://newtifi.example.com", false, true},
		{"末尾スラッシュ付きで設定したオリジン", http.MethodPost, "http://localhost:3000", false, http.StatusOK, true, "http://localhost:3000", false, true},
		{"許可オリジンのプリフライト", http.MethodOptions, "https://newtifi.example.com", true, http.StatusNoContent, false, "https://newtifi.example.com", true, true},
		{"未許可オリジンのGETはヘッダーなしで通過", http.MethodGet, "https://evil.example.com", false, http.StatusOK, true, "", false, true},
		{"未許可オリジンのプリフライトは403", http.MethodOptions, "https://evil.example.com", true, http.StatusForbidden, false, "", false, true},
		{"プリフライトでないOPTIONSは通過", http.MethodOptions, "https://newtifi.example.com", false, http.StatusOK, true, "https://newtifi.example.com", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/auth/me", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != tt.wantNext {
				t.Errorf("next called = %v, want %v", called, tt.wantNext)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantACAO {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantACAO)
			}
			if tt.wantACAO != "" && w.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("Access-Control-Allow-Credentials should be true for allowed origins")
			}
			if got := w.Header().Get("Access-Control-Allow-Methods") != ""; got != tt.wantMethods {
				t.Errorf("Access-Control-Allow-Methods present = %v, want %v", got, tt.wantMethods)
			}
			if got := w.Header().Get("Vary") == "Origin"; got != tt.wantVaryOrig {
				t.Errorf("Vary: Origin present = %v, want %v", got, tt.wantVaryOrig)
			}
		})
	}
}

func TestCORSMiddleware_PreflightAllowsAuthHeaders(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://newtifi.example.com"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/account/methods/google", nil)
	req.Header.Set("Origin", "https://newtifi.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	want := "Content-Type, Authorization, X-CSRF-Token"
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != want {
		t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, want)
	}
}
