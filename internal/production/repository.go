package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/platform/db"
)

const orderColumns = `
	id, order_number, customer_id, product_id, quantity_kg, priority, status, requires_24h, requires_12h,
	target_completion, cancel_reason, created_by, created_at, updated_at
	FROM production_orders`

const jobColumns = `
	id, order_id, stage, status, bin_id, operator, started_at, completed_at
	FROM production_jobs`

const grindingColumns = `
	id, order_id, job_id, cleaning_process_id, input_kg, main_kg, bran_kg, main_percentage, bran_percentage,
	target, tolerance, bran_alert, b1_scale_operator, b1_scale_weight_kg, status, started_at, completed_at
	FROM grinding_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var priority, status string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.ProductID, &o.QuantityKg, &priority, &status,
		&o.Requires24h, &o.Requires12h, &o.TargetCompletion, &o.CancelReason, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Priority = Priority(priority)
	o.Status = OrderStatus(status)
	return o, nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var stage, status string
	if err := row.Scan(&j.ID, &j.OrderID, &stage, &status, &j.BinID, &j.Operator, &j.StartedAt, &j.CompletedAt); err != nil {
		return Job{}, err
	}
	j.Stage = Stage(stage)
	j.Status = JobStatus(status)
	return j, nil
}

func scanGrinding(row rowScanner) (GrindingSession, error) {
	var g GrindingSession
	var status string
	err := row.Scan(&g.ID, &g.OrderID, &g.JobID, &g.CleaningProcessID, &g.InputKg, &g.MainKg, &g.BranKg,
		&g.MainPercentage, &g.BranPercentage, &g.Target, &g.Tolerance, &g.BranAlert, &g.B1ScaleOperator,
		&g.B1ScaleWeightKg, &status, &g.StartedAt, &g.CompletedAt)
	if err != nil {
		return GrindingSession{}, err
	}
	g.Status = JobStatus(status)
	return g, nil
}

func loadPlan(ctx context.Context, q querier, orderID int64, forUpdate bool) (Plan, bool, error) {
	sql := `SELECT id, order_id, locked, locked_at, planned_by, updated_at FROM production_plans WHERE order_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var p Plan
	err := q.QueryRow(ctx, sql, orderID).Scan(&p.ID, &p.OrderID, &p.Locked, &p.LockedAt, &p.PlannedBy, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, false, nil
	}
	if err != nil {
		return Plan{}, false, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, bin_id, percentage, computed_kg
		FROM production_plan_items WHERE plan_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return Plan{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var it PlanItem
		if err := rows.Scan(&it.ID, &it.BinID, &it.Percentage, &it.ComputedKg); err != nil {
			return Plan{}, false, err
		}
		p.Items = append(p.Items, it)
	}
	return p, true, rows.Err()
}

// PgRepository persists production orders in PostgreSQL.
type PgRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	processes   *cleaning.PgRepository
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PgRepository {
	if lockTimeout <= 0 {
		lockTimeout = db.DefaultLockTimeout
	}
	return &PgRepository{pool: pool, lockTimeout: lockTimeout, processes: cleaning.NewRepository(pool)}
}

// WithTx runs fn in a ledger bounded transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockTimeout(ctx, r.pool, r.lockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			TxRepo:   ledger.NewTxRepository(tx),
			cleaning: cleaning.NewTxRepository(tx),
			tx:       tx,
		})
	})
}

// GetOrder loads one order.
func (r *PgRepository) GetOrder(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT`+orderColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	return o, err
}

// ListOrders returns orders newest first, optionally of one status.
func (r *PgRepository) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+orderColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountByStatus counts orders per status.
func (r *PgRepository) CountByStatus(ctx context.Context) (map[OrderStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM production_orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[OrderStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[OrderStatus(status)] = n
	}
	return out, rows.Err()
}

// GetPlan loads the plan of an order.
func (r *PgRepository) GetPlan(ctx context.Context, orderID int64) (Plan, error) {
	p, ok, err := loadPlan(ctx, r.pool, orderID, false)
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		return Plan{}, fmt.Errorf("%w: order %d", ErrPlanNotFound, orderID)
	}
	return p, nil
}

// Jobs lists the stage runs of an order.
func (r *PgRepository) Jobs(ctx context.Context, orderID int64) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+jobColumns+` WHERE order_id = $1 ORDER BY started_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Processes lists the cleaning processes of an order.
func (r *PgRepository) Processes(ctx context.Context, orderID int64) ([]cleaning.Process, error) {
	return r.processes.ProcessesForOrder(ctx, orderID)
}

// GrindingSessions lists the grinding runs of an order.
func (r *PgRepository) GrindingSessions(ctx context.Context, orderID int64) ([]GrindingSession, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+grindingColumns+` WHERE order_id = $1 ORDER BY started_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GrindingSession
	for rows.Next() {
		g, err := scanGrinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Packaging lists the bagging runs of an order.
func (r *PgRepository) Packaging(ctx context.Context, orderID int64) ([]PackagingRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, product_id, storage_area_id, bag_weight_kg, bag_count, total_kg, operator, packed_at
		FROM packaging_records WHERE order_id = $1 ORDER BY packed_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PackagingRecord
	for rows.Next() {
		var p PackagingRecord
		if err := rows.Scan(&p.ID, &p.OrderID, &p.ProductID, &p.StorageAreaID, &p.BagWeightKg, &p.BagCount,
			&p.TotalKg, &p.Operator, &p.PackedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// txRepo shares one pgx transaction between ledger, cleaning and production rows.
type txRepo struct {
	*ledger.TxRepo
	cleaning *cleaning.TxRepo
	tx       pgx.Tx
}

func (r *txRepo) InsertProcess(ctx context.Context, p cleaning.Process) (int64, error) {
	return r.cleaning.InsertProcess(ctx, p)
}

func (r *txRepo) LockProcess(ctx context.Context, id int64) (cleaning.Process, error) {
	return r.cleaning.LockProcess(ctx, id)
}

func (r *txRepo) RunningProcessForBin(ctx context.Context, binID int64) (cleaning.Process, bool, error) {
	return r.cleaning.RunningProcessForBin(ctx, binID)
}

func (r *txRepo) UpdateProcess(ctx context.Context, p cleaning.Process) error {
	return r.cleaning.UpdateProcess(ctx, p)
}

func (r *txRepo) InsertEvents(ctx context.Context, events []cleaning.Event) error {
	return r.cleaning.InsertEvents(ctx, events)
}

func (r *txRepo) DeletePendingEvents(ctx context.Context, processID int64) (int, error) {
	return r.cleaning.DeletePendingEvents(ctx, processID)
}

func (r *txRepo) LatestProcess(ctx context.Context, orderID int64, class ledger.CleaningClass) (cleaning.Process, bool, error) {
	return r.cleaning.LatestProcess(ctx, orderID, class)
}

func (r *txRepo) InsertOrder(ctx context.Context, o Order) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO production_orders (order_number, customer_id, product_id, quantity_kg, priority, status,
			requires_24h, requires_12h, target_completion, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		o.OrderNumber, o.CustomerID, o.ProductID, o.QuantityKg, string(o.Priority), string(o.Status),
		o.Requires24h, o.Requires12h, o.TargetCompletion, o.CreatedBy, o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) LockOrder(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(r.tx.QueryRow(ctx, `SELECT`+orderColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	return o, err
}

func (r *txRepo) UpdateOrder(ctx context.Context, o Order) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE production_orders SET status = $2, cancel_reason = $3, updated_at = $4 WHERE id = $1`,
		o.ID, string(o.Status), o.CancelReason, o.UpdatedAt)
	return err
}

func (r *txRepo) LockPlan(ctx context.Context, orderID int64) (Plan, bool, error) {
	return loadPlan(ctx, r.tx, orderID, true)
}

// SavePlan upserts the plan row and replaces its items.
func (r *txRepo) SavePlan(ctx context.Context, p Plan) (Plan, error) {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO production_plans (order_id, locked, locked_at, planned_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE
		SET locked = EXCLUDED.locked, locked_at = EXCLUDED.locked_at,
			planned_by = EXCLUDED.planned_by, updated_at = EXCLUDED.updated_at
		RETURNING id`,
		p.OrderID, p.Locked, p.LockedAt, p.PlannedBy, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return Plan{}, err
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM production_plan_items WHERE plan_id = $1`, p.ID); err != nil {
		return Plan{}, err
	}
	for i, it := range p.Items {
		if err := r.tx.QueryRow(ctx, `
			INSERT INTO production_plan_items (plan_id, bin_id, percentage, computed_kg)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			p.ID, it.BinID, it.Percentage, it.ComputedKg,
		).Scan(&p.Items[i].ID); err != nil {
			return Plan{}, err
		}
	}
	return p, nil
}

func (r *txRepo) InsertJob(ctx context.Context, j Job) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO production_jobs (order_id, stage, status, bin_id, operator, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		j.OrderID, string(j.Stage), string(j.Status), j.BinID, j.Operator, j.StartedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateJob(ctx context.Context, j Job) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_jobs SET status = $2, completed_at = $3 WHERE id = $1`,
		j.ID, string(j.Status), j.CompletedAt)
	return err
}

func (r *txRepo) oneJob(ctx context.Context, where string, args ...any) (Job, bool, error) {
	j, err := scanJob(r.tx.QueryRow(ctx, `SELECT`+jobColumns+` WHERE `+where+` ORDER BY id DESC LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (r *txRepo) RunningJob(ctx context.Context, stage Stage) (Job, bool, error) {
	return r.oneJob(ctx, `stage = $1 AND status = 'running'`, string(stage))
}

func (r *txRepo) RunningJobForOrder(ctx context.Context, orderID int64) (Job, bool, error) {
	return r.oneJob(ctx, `order_id = $1 AND status = 'running'`, orderID)
}

func (r *txRepo) InsertGrinding(ctx context.Context, g GrindingSession) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO grinding_sessions (order_id, job_id, cleaning_process_id, input_kg, target, tolerance, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		g.OrderID, g.JobID, g.CleaningProcessID, g.InputKg, g.Target, g.Tolerance, string(g.Status), g.StartedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) LatestGrinding(ctx context.Context, orderID int64) (GrindingSession, bool, error) {
	g, err := scanGrinding(r.tx.QueryRow(ctx, `SELECT`+grindingColumns+`
		WHERE order_id = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return GrindingSession{}, false, nil
	}
	if err != nil {
		return GrindingSession{}, false, err
	}
	return g, true, nil
}

func (r *txRepo) UpdateGrinding(ctx context.Context, g GrindingSession) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE grinding_sessions
		SET main_kg = $2, bran_kg = $3, main_percentage = $4, bran_percentage = $5, bran_alert = $6,
			b1_scale_operator = $7, b1_scale_weight_kg = $8, status = $9, completed_at = $10
		WHERE id = $1`,
		g.ID, g.MainKg, g.BranKg, g.MainPercentage, g.BranPercentage, g.BranAlert,
		g.B1ScaleOperator, g.B1ScaleWeightKg, string(g.Status), g.CompletedAt)
	return err
}

func (r *txRepo) InsertPackaging(ctx context.Context, p PackagingRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO packaging_records (order_id, product_id, storage_area_id, bag_weight_kg, bag_count, total_kg, operator, packed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		p.OrderID, p.ProductID, p.StorageAreaID, p.BagWeightKg, p.BagCount, p.TotalKg, p.Operator, p.PackedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) InsertFinishedGoods(ctx context.Context, fg FinishedGoods) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO finished_goods (packaging_record_id, product_id, storage_area_id, quantity_kg, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		fg.PackagingRecordID, fg.ProductID, fg.StorageAreaID, fg.QuantityKg, fg.CreatedAt,
	).Scan(&id)
	return id, err
}
