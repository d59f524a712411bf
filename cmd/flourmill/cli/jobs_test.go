package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/jobs"
)

func TestTaskForKnownJobs(t *testing.T) {
	task, err := TaskFor(JobCleaningTick, 0)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskCleaningTick, task.Type())

	task, err = TaskFor(JobIdempotencyCleanup, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())
	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 24, payload.RetentionHours)
}

func TestTaskForUnknownJob(t *testing.T) {
	_, err := TaskFor("grind-everything", 0)
	require.ErrorContains(t, err, "unsupported job")
}

func TestRunRejectsBadArgs(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, Run(context.Background(), &JobsCLI{}, nil, &out))
	require.Error(t, Run(context.Background(), &JobsCLI{}, []string{"trigger"}, &out))
	require.ErrorContains(t, Run(context.Background(), &JobsCLI{}, []string{"purge"}, &out), "unknown command")
	require.ErrorContains(t, Run(context.Background(), &JobsCLI{}, []string{"trigger", JobCleaningTick}, &out), "client not configured")
	require.ErrorContains(t, Run(context.Background(), &JobsCLI{}, []string{"stats"}, &out), "inspector not configured")
	require.Empty(t, out.String())
}
