// Package lock provides short-lived exclusive locks backed by redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flourmill/flourmill/internal/shared"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Options tunes lock behaviour.
type Options struct {
	TTL      time.Duration
	Wait     time.Duration
	Interval time.Duration
}

// Locker hands out leases on redis keys.
type Locker struct {
	client redis.UniversalClient
	opts   Options
}

// Lease is a held lock.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// New constructs a Locker. Zero options default to a 30s TTL and a 2s wait.
func New(client redis.UniversalClient, opts Options) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}
	return &Locker{client: client, opts: opts}
}

// Acquire blocks up to the configured wait and returns shared.ErrBusy if the key stays held.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock: locker not initialised")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held", shared.ErrBusy, key)
		}
		timer := time.NewTimer(l.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire makes a single attempt and reports whether the lease was obtained.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lease, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock: locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Release drops the lease if it is still owned.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	return releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err()
}
