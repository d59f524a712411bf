package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxIdempotencyKey = 128
	pruneBatch        = 5000
)

// ErrIdempotencyConflict indicates the key was already used for a command.
var ErrIdempotencyConflict = fmt.Errorf("%w: idempotent request already processed", ErrConflict)

// IdempotencyStore remembers client retry keys of replay-safe commands
// (weigh-in, transfer, dispatch).
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return "", fmt.Errorf("%w: idempotency key required", ErrValidation)
	case len(key) > maxIdempotencyKey:
		return "", fmt.Errorf("%w: idempotency key longer than %d bytes", ErrValidation, maxIdempotencyKey)
	}
	return key, nil
}

// CheckAndInsert claims key for module. A key already claimed by any module
// returns ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`,
		key, module, s.now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: key %q", ErrIdempotencyConflict, key)
	}
	return err
}

// Delete releases a key after the guarded command failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

// Cleanup prunes keys older than olderThan in bounded batches and reports how
// many were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-olderThan)
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key IN (
	SELECT key FROM idempotency_keys WHERE created_at < $1 LIMIT $2)`, cutoff, pruneBatch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < pruneBatch {
			return total, nil
		}
	}
}
