package cleaning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/platform/db"
)

const processColumns = `
	id, order_id, job_id, bin_id, class, duration_h, quantity_kg, start_ts, end_ts, actual_end_ts,
	status, machine_name, operator, moisture_before, moisture_after, target_moisture, water_added_l, waste_kg
	FROM cleaning_processes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (Process, error) {
	var p Process
	var class, status string
	err := row.Scan(&p.ID, &p.OrderID, &p.JobID, &p.BinID, &class, &p.DurationH, &p.QuantityKg,
		&p.StartTS, &p.EndTS, &p.ActualEndTS, &status, &p.MachineName, &p.Operator,
		&p.MoistureBefore, &p.MoistureAfter, &p.TargetMoisture, &p.WaterAddedL, &p.WasteKg)
	if err != nil {
		return Process{}, err
	}
	p.Class = ledger.CleaningClass(class)
	p.Status = Status(status)
	return p, nil
}

func collectProcesses(rows pgx.Rows) ([]Process, error) {
	defer rows.Close()
	var out []Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PgRepository reads cleaning processes and events from PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// WithTx runs fn in a transaction bounded by the default lock timeout.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockTimeout(ctx, r.pool, db.DefaultLockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetProcess loads a process by id.
func (r *PgRepository) GetProcess(ctx context.Context, id int64) (Process, error) {
	p, err := scanProcess(r.pool.QueryRow(ctx, `SELECT`+processColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Process{}, fmt.Errorf("%w %d", ErrProcessNotFound, id)
	}
	return p, err
}

// DueEvents returns unemitted events of running processes due at or before now.
func (r *PgRepository) DueEvents(ctx context.Context, now time.Time, limit int) ([]DueEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.process_id, e.mark, e.due_at, p.order_id, p.bin_id, p.class, p.end_ts
		FROM cleaning_events e
		JOIN cleaning_processes p ON p.id = e.process_id
		WHERE e.emitted_at IS NULL AND e.due_at <= $1 AND p.status = 'running'
		ORDER BY e.due_at, e.id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DueEvent
	for rows.Next() {
		var ev DueEvent
		var mark, class string
		if err := rows.Scan(&ev.ID, &ev.ProcessID, &mark, &ev.DueAt, &ev.OrderID, &ev.BinID, &class, &ev.EndTS); err != nil {
			return nil, err
		}
		ev.Mark = Mark(mark)
		ev.Class = ledger.CleaningClass(class)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ProcessesForOrder lists the processes of a production order in start order.
func (r *PgRepository) ProcessesForOrder(ctx context.Context, orderID int64) ([]Process, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+processColumns+` WHERE order_id = $1 ORDER BY start_ts, id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectProcesses(rows)
}

// MarkEmitted stamps an event that is still pending.
func (r *PgRepository) MarkEmitted(ctx context.Context, eventID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE cleaning_events SET emitted_at = $2 WHERE id = $1 AND emitted_at IS NULL`, eventID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Overdue lists running processes whose end time has passed.
func (r *PgRepository) Overdue(ctx context.Context, now time.Time) ([]Process, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+processColumns+` WHERE status = 'running' AND end_ts < $1 ORDER BY end_ts`, now)
	if err != nil {
		return nil, err
	}
	return collectProcesses(rows)
}

// Events lists the events of a process.
func (r *PgRepository) Events(ctx context.Context, processID int64) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, process_id, mark, due_at, emitted_at
		FROM cleaning_events WHERE process_id = $1
		ORDER BY due_at, id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var mark string
		if err := rows.Scan(&ev.ID, &ev.ProcessID, &mark, &ev.DueAt, &ev.EmittedAt); err != nil {
			return nil, err
		}
		ev.Mark = Mark(mark)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TxRepo implements TxRepository on a pgx transaction.
type TxRepo struct {
	Tx pgx.Tx
}

// NewTxRepository wraps tx.
func NewTxRepository(tx pgx.Tx) *TxRepo {
	return &TxRepo{Tx: tx}
}

// InsertProcess stores a new process.
func (r *TxRepo) InsertProcess(ctx context.Context, p Process) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO cleaning_processes (order_id, job_id, bin_id, class, duration_h, quantity_kg, start_ts, end_ts,
			status, machine_name, operator, moisture_before, target_moisture, water_added_l, waste_kg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		p.OrderID, p.JobID, p.BinID, string(p.Class), p.DurationH, p.QuantityKg, p.StartTS, p.EndTS,
		string(p.Status), p.MachineName, p.Operator, p.MoistureBefore, p.TargetMoisture, p.WaterAddedL, p.WasteKg,
	).Scan(&id)
	return id, err
}

// LockProcess loads a process FOR UPDATE.
func (r *TxRepo) LockProcess(ctx context.Context, id int64) (Process, error) {
	p, err := scanProcess(r.Tx.QueryRow(ctx, `SELECT`+processColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Process{}, fmt.Errorf("%w %d", ErrProcessNotFound, id)
	}
	return p, err
}

// RunningProcessForBin returns the running process on a bin, if any.
func (r *TxRepo) RunningProcessForBin(ctx context.Context, binID int64) (Process, bool, error) {
	p, err := scanProcess(r.Tx.QueryRow(ctx, `SELECT`+processColumns+` WHERE bin_id = $1 AND status = 'running'`, binID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Process{}, false, nil
	}
	if err != nil {
		return Process{}, false, err
	}
	return p, true, nil
}

// LatestProcess returns the newest process of class for an order.
func (r *TxRepo) LatestProcess(ctx context.Context, orderID int64, class ledger.CleaningClass) (Process, bool, error) {
	p, err := scanProcess(r.Tx.QueryRow(ctx, `SELECT`+processColumns+`
		WHERE order_id = $1 AND class = $2
		ORDER BY start_ts DESC, id DESC LIMIT 1`, orderID, string(class)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Process{}, false, nil
	}
	if err != nil {
		return Process{}, false, err
	}
	return p, true, nil
}

// UpdateProcess writes status and completion readings.
func (r *TxRepo) UpdateProcess(ctx context.Context, p Process) error {
	_, err := r.Tx.Exec(ctx, `
		UPDATE cleaning_processes
		SET status = $2, actual_end_ts = $3, moisture_after = $4, water_added_l = $5, waste_kg = $6
		WHERE id = $1`,
		p.ID, string(p.Status), p.ActualEndTS, p.MoistureAfter, p.WaterAddedL, p.WasteKg)
	return err
}

// InsertEvents stores scheduled events with a batch.
func (r *TxRepo) InsertEvents(ctx context.Context, events []Event) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`INSERT INTO cleaning_events (process_id, mark, due_at) VALUES ($1, $2, $3)
			ON CONFLICT (process_id, mark) DO NOTHING`, ev.ProcessID, string(ev.Mark), ev.DueAt)
	}
	return r.Tx.SendBatch(ctx, batch).Close()
}

// DeletePendingEvents removes events not yet emitted.
func (r *TxRepo) DeletePendingEvents(ctx context.Context, processID int64) (int, error) {
	tag, err := r.Tx.Exec(ctx, `DELETE FROM cleaning_events WHERE process_id = $1 AND emitted_at IS NULL`, processID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
