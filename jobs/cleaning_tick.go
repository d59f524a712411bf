package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/flourmill/flourmill/internal/jobs"
	"github.com/flourmill/flourmill/internal/platform/lock"
	"github.com/flourmill/flourmill/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Ticker emits the cleaning reminders due at now.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (int, error)
}

// CleaningTickJob runs one cleaning tick under a redis lock so overlapping
// schedulers never emit concurrently.
type CleaningTickJob struct {
	Ticker  Ticker
	Locker  *lock.Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCleaningTickJob wires dependencies for the tick handler. locker may be
// nil when a single worker runs.
func NewCleaningTickJob(ticker Ticker, locker *lock.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleaningTickJob {
	return &CleaningTickJob{
		Ticker:  ticker,
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes cleaning tick tasks.
func (j *CleaningTickJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ticker == nil {
		return errors.New("cleaning tick: handler not configured")
	}
	var payload CleaningTickPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskCleaningTick)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if j.Locker != nil {
		lease, ok, err := j.Locker.TryAcquire(ctx, shared.CleaningTickLockKey)
		if err != nil {
			logger.Error("cleaning tick lock", slog.Any("error", err))
			return err
		}
		if !ok {
			logger.Debug("cleaning tick skipped, previous tick still running")
			return nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("cleaning tick unlock", slog.Any("error", err))
			}
		}()
	}

	now := j.now()
	if payload.At != nil {
		now = payload.At.UTC()
	}
	emitted, err := j.Ticker.Tick(ctx, now)
	if err != nil {
		logger.Error("cleaning tick", slog.Int("emitted", emitted), slog.Any("error", err))
		return err
	}
	if emitted > 0 {
		logger.Info("cleaning tick", slog.Int("emitted", emitted), slog.Time("at", now))
	}
	return nil
}

func (j *CleaningTickJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CleaningTickJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CleaningTickJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
