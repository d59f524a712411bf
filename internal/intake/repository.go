package intake

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

const vehicleColumns = `
	id, vehicle_number, supplier_id, driver_name, driver_phone, arrival_time, bill_ref, status,
	quality_category, owner_approved, reject_reason, gross_kg, tare_kg, net_kg, godown_id, unloaded_at, updated_at
	FROM vehicles`

const qualityColumns = `
	id, vehicle_id, sample_bags_tested, total_bags, category_assigned, moisture_content, grain, flour,
	lab_instructor, tested_by, notes, sample_ref, approved, test_time
	FROM quality_tests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (Vehicle, error) {
	var v Vehicle
	var status string
	err := row.Scan(&v.ID, &v.VehicleNumber, &v.SupplierID, &v.DriverName, &v.DriverPhone, &v.ArrivalTime,
		&v.BillRef, &status, &v.QualityCategory, &v.OwnerApproved, &v.RejectReason, &v.GrossKg, &v.TareKg,
		&v.NetKg, &v.GodownID, &v.UnloadedAt, &v.UpdatedAt)
	if err != nil {
		return Vehicle{}, err
	}
	v.Status = Status(status)
	return v, nil
}

func scanQualityTest(row rowScanner) (QualityTest, error) {
	var qt QualityTest
	err := row.Scan(&qt.ID, &qt.VehicleID, &qt.SampleBagsTested, &qt.TotalBags, &qt.CategoryAssigned,
		&qt.MoistureContent, &qt.Grain, &qt.Flour, &qt.LabInstructor, &qt.TestedBy, &qt.Notes, &qt.SampleRef,
		&qt.Approved, &qt.TestTime)
	return qt, err
}

// PgRepository persists vehicles and lab results in PostgreSQL.
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

// GetVehicle loads one vehicle.
func (r *PgRepository) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	v, err := scanVehicle(r.pool.QueryRow(ctx, `SELECT`+vehicleColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vehicle{}, fmt.Errorf("%w %d", ErrVehicleNotFound, id)
	}
	return v, err
}

// ListVehicles returns vehicles by arrival, optionally filtered by status.
func (r *PgRepository) ListVehicles(ctx context.Context, status Status) ([]Vehicle, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+vehicleColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY arrival_time, id`, string(status))
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

// QualityTests lists lab results of a vehicle in test order.
func (r *PgRepository) QualityTests(ctx context.Context, vehicleID int64) ([]QualityTest, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+qualityColumns+` WHERE vehicle_id = $1 ORDER BY test_time, id`, vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QualityTest
	for rows.Next() {
		qt, err := scanQualityTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qt)
	}
	return out, rows.Err()
}

type txRepo struct {
	*ledger.TxRepo
}

func (r *txRepo) InsertVehicle(ctx context.Context, v Vehicle) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO vehicles (vehicle_number, supplier_id, driver_name, driver_phone, arrival_time, bill_ref, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		v.VehicleNumber, v.SupplierID, v.DriverName, v.DriverPhone, v.ArrivalTime, v.BillRef, string(v.Status), v.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) LockVehicle(ctx context.Context, id int64) (Vehicle, error) {
	v, err := scanVehicle(r.Tx.QueryRow(ctx, `SELECT`+vehicleColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vehicle{}, fmt.Errorf("%w %d", ErrVehicleNotFound, id)
	}
	return v, err
}

func (r *txRepo) UpdateVehicle(ctx context.Context, v Vehicle) error {
	_, err := r.Tx.Exec(ctx, `
		UPDATE vehicles
		SET status = $2, quality_category = $3, owner_approved = $4, reject_reason = $5,
			gross_kg = $6, tare_kg = $7, net_kg = $8, godown_id = $9, unloaded_at = $10, updated_at = $11
		WHERE id = $1`,
		v.ID, string(v.Status), v.QualityCategory, v.OwnerApproved, v.RejectReason,
		v.GrossKg, v.TareKg, v.NetKg, v.GodownID, v.UnloadedAt, v.UpdatedAt)
	return err
}

func (r *txRepo) InsertQualityTest(ctx context.Context, qt QualityTest) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO quality_tests (vehicle_id, sample_bags_tested, total_bags, category_assigned, moisture_content,
			grain, flour, lab_instructor, tested_by, notes, sample_ref, approved, test_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		qt.VehicleID, qt.SampleBagsTested, qt.TotalBags, qt.CategoryAssigned, qt.MoistureContent,
		qt.Grain, qt.Flour, qt.LabInstructor, qt.TestedBy, qt.Notes, qt.SampleRef, qt.Approved, qt.TestTime,
	).Scan(&id)
	return id, err
}

func (r *txRepo) LatestQualityTest(ctx context.Context, vehicleID int64) (QualityTest, bool, error) {
	qt, err := scanQualityTest(r.Tx.QueryRow(ctx, `SELECT`+qualityColumns+` WHERE vehicle_id = $1 ORDER BY test_time DESC, id DESC LIMIT 1`, vehicleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return QualityTest{}, false, nil
	}
	if err != nil {
		return QualityTest{}, false, err
	}
	return qt, true, nil
}
