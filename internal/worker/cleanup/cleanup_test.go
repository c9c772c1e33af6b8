package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type mockPurger struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (m *mockPurger) DeleteExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.deleted, m.err
}

type mockRecorder struct {
	purged []int64
}

func (m *mockRecorder) RecordSessionsPurged(count int64) {
	m.purged = append(m.purged, count)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// lastLogEntry は最後に出力されたJSONログを返す。
func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestCleanupJob_Run_RecordsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{deleted: 5}
	rec := &mockRecorder{}
	job := NewCleanupJob(purger, rec, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if purger.calls.Load() != 1 {
		t.Errorf("DeleteExpired の呼び出し回数 = %d, want 1", purger.calls.Load())
	}
	if len(rec.purged) != 1 || rec.purged[0] != 5 {
		t.Errorf("記録された削除件数 = %v, want [5]", rec.purged)
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(5) {
		t.Errorf("deleted_count = %v, want 5", entry["deleted_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が含まれていない")
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, nil, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run がエラーを返した: %v", i+1, err)
		}
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(0) {
		t.Errorf("deleted_count = %v, want 0", entry["deleted_count"])
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	storeErr := errors.New("connection refused")
	rec := &mockRecorder{}
	job := NewCleanupJob(&mockPurger{err: storeErr}, rec, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, storeErr) {
		t.Fatalf("Run のエラー = %v, want %v をラップしたエラー", err, storeErr)
	}
	if len(rec.purged) != 0 {
		t.Error("失敗時に削除件数を記録してはならない")
	}

	entry := lastLogEntry(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if entry["error"] != "connection refused" {
		t.Errorf("error = %v, want connection refused", entry["error"])
	}
}

func TestCleanupJob_Run_RespectsContext(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{deleted: 1}, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル済みコンテキストでの Run のエラー = %v, want context.Canceled", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := NewCleanupJob(purger, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for purger.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("起動直後に Run が実行されていない")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
}

func TestCleanupJob_Start_RepeatsOnTicker(t *testing.T) {
	purger := &mockPurger{}
	job := NewCleanupJob(purger, nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go job.Start(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for purger.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("ティッカーで繰り返し実行されていない: calls = %d", purger.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
