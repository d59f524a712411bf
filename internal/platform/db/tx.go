package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/shared"
)

// DefaultLockTimeout bounds how long a transaction waits on row locks.
const DefaultLockTimeout = 2 * time.Second

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return run(ctx, pool, pgx.RepeatableRead, 0, fn)
}

// WithLockTimeout runs fn in a read-committed transaction with SET LOCAL
// lock_timeout applied first. Writers serialise on FOR UPDATE row locks, so a
// waiter re-reads the committed row instead of failing serialisation. A zero
// timeout leaves the server default in place.
func WithLockTimeout(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, fn func(pgx.Tx) error) error {
	return run(ctx, pool, pgx.ReadCommitted, timeout, fn)
}

func run(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, timeout time.Duration, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return MapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return MapError(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// MapError translates postgres error codes into shared error kinds.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if shared.Kind(err) != nil {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03":
		return fmt.Errorf("%w: lock wait exceeded", shared.ErrBusy)
	case "23505":
		return fmt.Errorf("%w: %s", shared.ErrConflict, pgErr.ConstraintName)
	case "23503":
		return fmt.Errorf("%w: referenced by or referencing %s", shared.ErrConflict, pgErr.ConstraintName)
	case "23514":
		return fmt.Errorf("%w: %s", shared.ErrInvariantViolation, pgErr.ConstraintName)
	case "40001", "40P01":
		return fmt.Errorf("%w: concurrent update, retry", shared.ErrConflict)
	}
	return err
}
