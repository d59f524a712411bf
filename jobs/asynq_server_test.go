package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerRejectsCronWithoutHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewCleaningTickTask()
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Cron:      []CronRegistration{{Spec: "@every 1m", Task: task}},
	})
	require.ErrorContains(t, err, "without a handler")

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Handlers: []TaskHandler{{Type: TaskCleaningTick, Handler: func(context.Context, *asynq.Task) error {
			return nil
		}}},
		Cron: []CronRegistration{{Spec: "@every 1m", Task: task}},
	})
	require.NoError(t, err)
	require.NotNil(t, w.scheduler)
}

func TestNewWorkerRejectsBadSpec(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewCleaningTickTask()
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Handlers:  []TaskHandler{{Type: TaskCleaningTick, Handler: func(context.Context, *asynq.Task) error { return nil }}},
		Cron:      []CronRegistration{{Spec: "every so often", Task: task}},
	})
	require.Error(t, err)
}

func TestRedisConnOptAcceptsAddrOrURL(t *testing.T) {
	opt, err := RedisConnOpt("localhost:6379")
	require.NoError(t, err)
	require.Equal(t, asynq.RedisClientOpt{Addr: "localhost:6379"}, opt)

	opt, err = RedisConnOpt("redis://:secret@cache.internal:6380/2")
	require.NoError(t, err)
	client, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	require.Equal(t, "cache.internal:6380", client.Addr)
	require.Equal(t, "secret", client.Password)
	require.Equal(t, 2, client.DB)

	_, err = RedisConnOpt("ftp://cache.internal")
	require.Error(t, err)
}
