package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/platform/db"
)

const locationColumns = `
	l.id, l.kind, l.name, l.capacity_kg, l.stock_kg, l.reserved_kg,
	l.godown_type_id, COALESCE(g.name, ''), COALESCE(l.cleaning_class, ''), l.status, l.updated_at
	FROM locations l
	LEFT JOIN godown_types g ON g.id = l.godown_type_id`

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds row lock waits
// inside WithTx; zero falls back to db.DefaultLockTimeout.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = db.DefaultLockTimeout
	}
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepo implements TxRepository on a pgx transaction. Other modules embed it
// so their writes share the ledger transaction.
type TxRepo struct {
	Tx pgx.Tx
}

// NewTxRepository wraps tx.
func NewTxRepository(tx pgx.Tx) *TxRepo {
	return &TxRepo{Tx: tx}
}

// WithTx runs fn in a transaction bounded by the ledger lock timeout.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockTimeout(ctx, r.pool, r.lockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (Location, error) {
	var loc Location
	var kind, class, status string
	err := row.Scan(&loc.ID, &kind, &loc.Name, &loc.CapacityKg, &loc.StockKg, &loc.ReservedKg,
		&loc.GodownTypeID, &loc.GodownType, &class, &status, &loc.UpdatedAt)
	if err != nil {
		return Location{}, err
	}
	loc.Kind = Kind(kind)
	loc.CleaningClass = CleaningClass(class)
	loc.Status = Status(status)
	return loc, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetLocation loads a location by id.
func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	loc, err := scanLocation(r.pool.QueryRow(ctx, `SELECT`+locationColumns+` WHERE l.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, fmt.Errorf("%w %d", ErrLocationNotFound, id)
		}
		return Location{}, err
	}
	return loc, nil
}

// ListLocations returns locations ordered by id. An empty kind lists all.
func (r *Repository) ListLocations(ctx context.Context, kind Kind) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+locationColumns+`
		WHERE ($1 = '' OR l.kind = $1)
		ORDER BY l.id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// CreateLocation inserts a location with zero stock.
func (r *Repository) CreateLocation(ctx context.Context, loc Location) (Location, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO locations (kind, name, capacity_kg, godown_type_id, cleaning_class, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, updated_at`,
		string(loc.Kind), loc.Name, loc.CapacityKg, loc.GodownTypeID, nullable(string(loc.CleaningClass)), string(loc.Status),
	).Scan(&loc.ID, &loc.UpdatedAt)
	if err != nil {
		return Location{}, db.MapError(err)
	}
	return r.GetLocation(ctx, loc.ID)
}

// Summary aggregates capacity and stock by kind.
func (r *Repository) Summary(ctx context.Context) ([]KindSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT kind, COUNT(*), COALESCE(SUM(capacity_kg), 0), COALESCE(SUM(stock_kg), 0), COALESCE(SUM(reserved_kg), 0)
		FROM locations
		GROUP BY kind
		ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KindSummary
	for rows.Next() {
		var s KindSummary
		var kind string
		if err := rows.Scan(&kind, &s.Count, &s.CapacityKg, &s.StockKg, &s.ReservedKg); err != nil {
			return nil, err
		}
		s.Kind = Kind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

const movementColumns = `id, ref, leg, source_id, dest_id, quantity_kg, operator, evidence_ref, notes, ref_module, ref_id, created_at`

func scanMovement(row rowScanner) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.Ref, &m.Leg, &m.SourceID, &m.DestID, &m.Qty, &m.Operator,
		&m.EvidenceRef, &m.Notes, &m.RefModule, &m.RefID, &m.CreatedAt)
	return m, err
}

// GetMovement loads one journal row.
func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, fmt.Errorf("%w %d", ErrMovementNotFound, id)
		}
		return Movement{}, err
	}
	return m, nil
}

// ListMovements lists the movement journal newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM transfers
		WHERE ($1::bigint = 0 OR source_id = $1 OR dest_id = $1)
		  AND ($2 = '' OR leg = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, filter.LocationID, filter.Leg, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListCorrections returns the correction history of a location, newest first.
func (r *Repository) ListCorrections(ctx context.Context, locationID int64) ([]Correction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, location_id, old_kg, new_kg, reason, actor, created_at
		FROM stock_corrections
		WHERE location_id = $1
		ORDER BY created_at DESC, id DESC`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.LocationID, &c.OldKg, &c.NewKg, &c.Reason, &c.Actor, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LockLocations locks the rows FOR UPDATE in ascending id order.
func (r *TxRepo) LockLocations(ctx context.Context, ids []int64) (map[int64]Location, error) {
	rows, err := r.Tx.Query(ctx, `SELECT`+locationColumns+`
		WHERE l.id = ANY($1)
		ORDER BY l.id
		FOR UPDATE OF l`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Location, len(ids))
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out[loc.ID] = loc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w %d", ErrLocationNotFound, id)
		}
	}
	return out, nil
}

// InsertLocation registers a location inside the transaction, for modules
// whose own rows reference the new location.
func (r *TxRepo) InsertLocation(ctx context.Context, loc Location) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO locations (kind, name, capacity_kg, godown_type_id, cleaning_class, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(loc.Kind), loc.Name, loc.CapacityKg, loc.GodownTypeID, nullable(string(loc.CleaningClass)), string(loc.Status), loc.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *TxRepo) SaveLocation(ctx context.Context, loc Location) error {
	_, err := r.Tx.Exec(ctx, `
		UPDATE locations
		SET stock_kg = $2, reserved_kg = $3, status = $4, updated_at = $5
		WHERE id = $1`, loc.ID, loc.StockKg, loc.ReservedKg, string(loc.Status), loc.UpdatedAt)
	return err
}

func (r *TxRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO transfers (ref, leg, source_id, dest_id, quantity_kg, operator, evidence_ref, notes, ref_module, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		m.Ref, m.Leg, m.SourceID, m.DestID, m.Qty, m.Operator, m.EvidenceRef, m.Notes, m.RefModule, m.RefID, m.CreatedAt,
	).Scan(&id)
	return id, err
}

func (r *TxRepo) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.Tx.Exec(ctx, `
		INSERT INTO stock_reservations (id, location_id, quantity_kg, owner, created_at)
		VALUES ($1, $2, $3, $4, $5)`, res.ID, res.LocationID, res.Qty, res.Owner, res.CreatedAt)
	return err
}

func (r *TxRepo) ReservationsByOwner(ctx context.Context, owner string) ([]Reservation, error) {
	rows, err := r.Tx.Query(ctx, `
		SELECT id, location_id, quantity_kg, owner, created_at
		FROM stock_reservations
		WHERE owner = $1
		ORDER BY location_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.LocationID, &res.Qty, &res.Owner, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *TxRepo) DeleteReservation(ctx context.Context, id uuid.UUID) error {
	_, err := r.Tx.Exec(ctx, `DELETE FROM stock_reservations WHERE id = $1`, id)
	return err
}

func (r *TxRepo) InsertCorrection(ctx context.Context, c Correction) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO stock_corrections (location_id, old_kg, new_kg, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, c.LocationID, c.OldKg, c.NewKg, c.Reason, c.Actor, c.CreatedAt).Scan(&id)
	return id, err
}
