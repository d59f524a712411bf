package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/flourmill/flourmill/internal/jobs"
)

// KeyPruner drops idempotency keys older than a cutoff.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob prunes the idempotency key table.
type IdempotencyCleanupJob struct {
	Store   KeyPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes idempotency cleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 72
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	retention := time.Duration(payload.RetentionHours) * time.Hour
	pruned, err := j.Store.Cleanup(ctx, retention)
	if j.Logger != nil {
		if err != nil {
			j.Logger.Error("idempotency cleanup", slog.Duration("retention", retention), slog.Any("error", err))
		} else if pruned > 0 {
			j.Logger.Info("idempotency cleanup", slog.Int64("pruned", pruned))
		}
	}
	return tracker.End(err)
}
