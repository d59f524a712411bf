package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/shared"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{TTL: time.Minute, Wait: 120 * time.Millisecond, Interval: 10 * time.Millisecond}), mr
}

func TestAcquireRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, mr.Exists("k"))

	require.NoError(t, lease.Release(ctx))
	require.False(t, mr.Exists("k"))
}

func TestAcquireTimesOutWithBusy(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, shared.ErrBusy)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReleaseKeepsForeignLease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, mr.Set("k", "someone-else"))

	require.NoError(t, lease.Release(ctx))
	v, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestTryAcquire(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	lease, ok, err := locker.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lease.Release(ctx))
}
