package dispatch

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

const salesColumns = `
	id, order_number, customer_id, salesman, order_date, delivery_date, total_qty, delivered_qty, pending_qty,
	status, updated_at
	FROM sales_orders`

const dispatchColumns = `
	id, dispatch_number, sales_order_id, vehicle_id, storage_area_id, quantity_kg, status, returned, operator,
	dispatched_at, delivered_at, delivered_by, delivery_proof_ref
	FROM dispatches`

const vehicleQuery = `
	SELECT v.location_id, v.vehicle_number, v.driver_name, v.driver_phone, v.state, v.city,
		l.capacity_kg, l.stock_kg, l.status
	FROM dispatch_vehicles v
	JOIN locations l ON l.id = v.location_id`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanSalesOrder(row rowScanner) (SalesOrder, error) {
	var o SalesOrder
	var status string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.Salesman, &o.OrderDate, &o.DeliveryDate,
		&o.TotalQty, &o.DeliveredQty, &o.PendingQty, &status, &o.UpdatedAt)
	if err != nil {
		return SalesOrder{}, err
	}
	o.Status = SalesStatus(status)
	return o, nil
}

func scanDispatch(row rowScanner) (Dispatch, error) {
	var d Dispatch
	var status string
	err := row.Scan(&d.ID, &d.DispatchNumber, &d.SalesOrderID, &d.VehicleID, &d.StorageAreaID, &d.QuantityKg,
		&status, &d.Returned, &d.Operator, &d.DispatchedAt, &d.DeliveredAt, &d.DeliveredBy, &d.DeliveryProofRef)
	if err != nil {
		return Dispatch{}, err
	}
	d.Status = DispatchStatus(status)
	return d, nil
}

func scanVehicle(row rowScanner) (Vehicle, error) {
	var v Vehicle
	var status string
	err := row.Scan(&v.LocationID, &v.VehicleNumber, &v.DriverName, &v.DriverPhone, &v.State, &v.City,
		&v.CapacityKg, &v.LoadKg, &status)
	if err != nil {
		return Vehicle{}, err
	}
	v.Status = ledger.Status(status)
	return v, nil
}

func loadSalesOrder(ctx context.Context, q querier, id int64, forUpdate bool) (SalesOrder, error) {
	sql := `SELECT` + salesColumns + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanSalesOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return SalesOrder{}, fmt.Errorf("%w %d", ErrSalesOrderNotFound, id)
	}
	if err != nil {
		return SalesOrder{}, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, sales_order_id, product_id, quantity, delivered_qty, pending_qty, status
		FROM sales_order_items WHERE sales_order_id = $1 ORDER BY id`, id)
	if err != nil {
		return SalesOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it SalesItem
		var status string
		if err := rows.Scan(&it.ID, &it.SalesOrderID, &it.ProductID, &it.Quantity, &it.DeliveredQty, &it.PendingQty, &status); err != nil {
			return SalesOrder{}, err
		}
		it.Status = SalesStatus(status)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func loadDispatch(ctx context.Context, q querier, id int64, forUpdate bool) (Dispatch, error) {
	sql := `SELECT` + dispatchColumns + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	d, err := scanDispatch(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispatch{}, fmt.Errorf("%w %d", ErrDispatchNotFound, id)
	}
	if err != nil {
		return Dispatch{}, err
	}
	if d.Items, err = loadDispatchItems(ctx, q, d.ID); err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

func loadDispatchItems(ctx context.Context, q querier, dispatchID int64) ([]DispatchItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, dispatch_id, product_id, quantity_kg, bag_count
		FROM dispatch_items WHERE dispatch_id = $1 ORDER BY id`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DispatchItem
	for rows.Next() {
		var it DispatchItem
		if err := rows.Scan(&it.ID, &it.DispatchID, &it.ProductID, &it.QuantityKg, &it.BagCount); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PgRepository persists sales orders, vehicles and dispatches in PostgreSQL.
type PgRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PgRepository {
	if lockTimeout <= 0 {
		lockTimeout = db.DefaultLockTimeout
	}
	return &PgRepository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn in a ledger bounded transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockTimeout(ctx, r.pool, r.lockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepo: ledger.NewTxRepository(tx)})
	})
}

// GetSalesOrder loads an order with its lines.
func (r *PgRepository) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return loadSalesOrder(ctx, r.pool, id, false)
}

// ListSalesOrders returns order headers newest first.
func (r *PgRepository) ListSalesOrders(ctx context.Context, status SalesStatus) ([]SalesOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+salesColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY order_date DESC, id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SalesOrder
	for rows.Next() {
		o, err := scanSalesOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetVehicle loads a vehicle with the load and status of its location.
func (r *PgRepository) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	v, err := scanVehicle(r.pool.QueryRow(ctx, vehicleQuery+` WHERE v.location_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vehicle{}, fmt.Errorf("%w %d", ErrVehicleNotFound, id)
	}
	return v, err
}

// ListVehicles returns every dispatch vehicle by plate.
func (r *PgRepository) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	rows, err := r.pool.Query(ctx, vehicleQuery+` ORDER BY v.vehicle_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetDispatch loads a dispatch with its items.
func (r *PgRepository) GetDispatch(ctx context.Context, id int64) (Dispatch, error) {
	return loadDispatch(ctx, r.pool, id, false)
}

// ListDispatches returns dispatch headers newest first.
func (r *PgRepository) ListDispatches(ctx context.Context, salesOrderID int64) ([]Dispatch, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+dispatchColumns+`
		WHERE ($1 = 0 OR sales_order_id = $1)
		ORDER BY dispatched_at DESC, id DESC`, salesOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type txRepo struct {
	*ledger.TxRepo
}

func (r *txRepo) InsertVehicle(ctx context.Context, v Vehicle) error {
	_, err := r.Tx.Exec(ctx, `
		INSERT INTO dispatch_vehicles (location_id, vehicle_number, driver_name, driver_phone, state, city)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.LocationID, v.VehicleNumber, v.DriverName, v.DriverPhone, v.State, v.City)
	return err
}

func (r *txRepo) InsertSalesOrder(ctx context.Context, o SalesOrder) (SalesOrder, error) {
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO sales_orders (order_number, customer_id, salesman, order_date, delivery_date, total_qty,
			delivered_qty, pending_qty, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		o.OrderNumber, o.CustomerID, o.Salesman, o.OrderDate, o.DeliveryDate, o.TotalQty,
		o.DeliveredQty, o.PendingQty, string(o.Status), o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return SalesOrder{}, err
	}
	for i := range o.Items {
		it := &o.Items[i]
		it.SalesOrderID = o.ID
		err := r.Tx.QueryRow(ctx, `
			INSERT INTO sales_order_items (sales_order_id, product_id, quantity, delivered_qty, pending_qty, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			it.SalesOrderID, it.ProductID, it.Quantity, it.DeliveredQty, it.PendingQty, string(it.Status),
		).Scan(&it.ID)
		if err != nil {
			return SalesOrder{}, err
		}
	}
	return o, nil
}

func (r *txRepo) LockSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return loadSalesOrder(ctx, r.Tx, id, true)
}

func (r *txRepo) UpdateSalesOrder(ctx context.Context, o SalesOrder) error {
	_, err := r.Tx.Exec(ctx, `
		UPDATE sales_orders SET delivered_qty = $2, pending_qty = $3, status = $4, updated_at = $5
		WHERE id = $1`, o.ID, o.DeliveredQty, o.PendingQty, string(o.Status), o.UpdatedAt)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`UPDATE sales_order_items SET delivered_qty = $2, pending_qty = $3, status = $4 WHERE id = $1`,
			it.ID, it.DeliveredQty, it.PendingQty, string(it.Status))
	}
	return r.Tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) InsertDispatch(ctx context.Context, d Dispatch) (Dispatch, error) {
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO dispatches (dispatch_number, sales_order_id, vehicle_id, storage_area_id, quantity_kg, status,
			returned, operator, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		d.DispatchNumber, d.SalesOrderID, d.VehicleID, d.StorageAreaID, d.QuantityKg, string(d.Status),
		d.Returned, d.Operator, d.DispatchedAt,
	).Scan(&d.ID)
	if err != nil {
		return Dispatch{}, err
	}
	for i := range d.Items {
		it := &d.Items[i]
		it.DispatchID = d.ID
		err := r.Tx.QueryRow(ctx, `
			INSERT INTO dispatch_items (dispatch_id, product_id, quantity_kg, bag_count)
			VALUES ($1, $2, $3, $4)
			RETURNING id`, it.DispatchID, it.ProductID, it.QuantityKg, it.BagCount,
		).Scan(&it.ID)
		if err != nil {
			return Dispatch{}, err
		}
	}
	return d, nil
}

func (r *txRepo) LockDispatch(ctx context.Context, id int64) (Dispatch, error) {
	return loadDispatch(ctx, r.Tx, id, true)
}

func (r *txRepo) LockOpenDispatch(ctx context.Context, vehicleID int64) (Dispatch, bool, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		SELECT id FROM dispatches
		WHERE vehicle_id = $1 AND status <> $2 AND NOT returned
		ORDER BY dispatched_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, vehicleID, string(DispatchCancelled)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispatch{}, false, nil
	}
	if err != nil {
		return Dispatch{}, false, err
	}
	d, err := loadDispatch(ctx, r.Tx, id, false)
	if err != nil {
		return Dispatch{}, false, err
	}
	return d, true, nil
}

func (r *txRepo) UpdateDispatch(ctx context.Context, d Dispatch) error {
	_, err := r.Tx.Exec(ctx, `
		UPDATE dispatches
		SET status = $2, returned = $3, delivered_at = $4, delivered_by = $5, delivery_proof_ref = $6
		WHERE id = $1`,
		d.ID, string(d.Status), d.Returned, d.DeliveredAt, d.DeliveredBy, d.DeliveryProofRef)
	return err
}
