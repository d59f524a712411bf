package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCleaningTick emits due cleaning reminders.
	TaskCleaningTick = "cleaning:tick"
	// TaskIdempotencyCleanup prunes processed request keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// CleaningTickPayload is empty on scheduled ticks. At pins the tick time for
// manual replays.
type CleaningTickPayload struct {
	At *time.Time `json:"at,omitempty"`
}

// NewCleaningTickTask builds a cleaning tick. A tick that misses its slot is
// worthless once the next one fires, so it is never retried.
func NewCleaningTickTask() (*asynq.Task, error) {
	body, err := json.Marshal(CleaningTickPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleaningTick, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0), asynq.Timeout(50*time.Second)), nil
}

// IdempotencyCleanupPayload holds the retention window.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds a cleanup task keeping keys younger than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
