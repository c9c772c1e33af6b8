// Package audit はアカウント連携に関する判断を監査イベントとして記録する。
// 記録はベストエフォートで、失敗してもログインなどの本処理は中断しない。
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/repository"
)

// Recorder は監査イベントの記録インターフェース。
type Recorder interface {
	Record(ctx context.Context, event *model.AuditEvent)
}

// Publisher は監査イベントを外部へ配信するインターフェース。
type Publisher interface {
	Publish(ctx context.Context, event *model.AuditEvent) error
}

// Service は監査イベントをslog、永続化ストア、任意のPublisherへ送るRecorder。
type Service struct {
	repo      repository.AuditRepository
	publisher Publisher
	now       func() time.Time
}

// NewService はServiceを生成する。repoとpublisherはnilでもよい。
func NewService(repo repository.AuditRepository, publisher Publisher) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

// Record は監査イベントを記録する。IDと作成日時が未設定の場合は補完する。
func (s *Service) Record(ctx context.Context, event *model.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}

	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("event_id", event.ID),
	}
	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", string(event.Method)))
	}
	if event.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", event.ActorID))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}
	slog.Info("audit event", attrs...)

	if s.repo != nil {
		if err := s.repo.Create(ctx, event); err != nil {
			slog.Error("failed to persist audit event",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			slog.Warn("failed to publish audit event",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Discard は何も記録しないRecorder。
type Discard struct{}

// Record は何もしない。
func (Discard) Record(context.Context, *model.AuditEvent) {}

// compile-time interface check
var (
	_ Recorder = (*Service)(nil)
	_ Recorder = Discard{}
)
