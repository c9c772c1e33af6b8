package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// TestRunContext_ServeWithMemoryStore_ShutsDownOnCancel はメモリストアで起動したサーバーが
// コンテキストのキャンセルでグレースフルに停止することを検証する。
func TestRunContext_ServeWithMemoryStore_ShutsDownOnCancel(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- RunContext(ctx, &buf, []string{"serve"}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after context cancellation")
	}
}

// TestRunContext_DefaultCommandIsServe はサブコマンドなしでserveとして起動することを検証する。
func TestRunContext_DefaultCommandIsServe(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := RunContext(ctx, &buf, []string{}); err != nil {
		t.Fatalf("default command returned error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("API server starting")) {
		t.Errorf("expected server start log, got: %s", buf.String())
	}
}

func TestRunContext_WorkerWithMemoryStore_StopsOnCancel(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	if err := RunContext(ctx, &buf, []string{"worker"}); err != nil {
		t.Fatalf("worker returned error: %v", err)
	}
}

func TestRunContext_MigrateRequiresPostgres(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)

	for _, args := range [][]string{{"migrate"}, {"migrate", "--rollback", "1"}, {"migrate", "version"}} {
		var buf bytes.Buffer
		if err := RunContext(context.Background(), &buf, args); err == nil {
			t.Errorf("%v with memory store should return error", args)
		}
	}
}

func TestRunContext_MigrateRejectsNegativeRollback(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)

	var buf bytes.Buffer
	err := RunContext(context.Background(), &buf, []string{"migrate", "--rollback=-1"})
	if err == nil || !strings.Contains(err.Error(), "--rollback") {
		t.Fatalf("err = %v, want --rollback error", err)
	}
}

func TestRunContext_WithMissingEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	restoreDefaultLogger(t)
	t.Setenv("BASE_URL", "")

	var buf bytes.Buffer
	if err := RunContext(context.Background(), &buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatalf("failed to parse server URL: %v", err)
			}
			err = runHealthcheck(u.Port())
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
