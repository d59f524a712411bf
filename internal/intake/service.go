package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
	"github.com/flourmill/flourmill/internal/transfer"
)

// TxRepository combines vehicle writes with the ledger rows the unload moves.
type TxRepository interface {
	ledger.TxRepository
	InsertVehicle(ctx context.Context, v Vehicle) (int64, error)
	LockVehicle(ctx context.Context, id int64) (Vehicle, error)
	UpdateVehicle(ctx context.Context, v Vehicle) error
	InsertQualityTest(ctx context.Context, qt QualityTest) (int64, error)
	LatestQualityTest(ctx context.Context, vehicleID int64) (QualityTest, bool, error)
}

// Repository is the storage port of the intake pipeline.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetVehicle(ctx context.Context, id int64) (Vehicle, error)
	ListVehicles(ctx context.Context, status Status) ([]Vehicle, error)
	QualityTests(ctx context.Context, vehicleID int64) ([]QualityTest, error)
}

// SupplierLookup resolves suppliers from the master registry.
type SupplierLookup interface {
	GetSupplier(ctx context.Context, id int64) (masterdata.Supplier, error)
}

// IdempotencyPort guards retried weigh-ins.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort records completed intake steps.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort keeps the lab and owner sign-off trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	Trail(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

const approvalModule = "intake"

// Service orchestrates inbound vehicles.
type Service struct {
	repo      Repository
	suppliers SupplierLookup
	idem      IdempotencyPort
	audit     AuditPort
	approvals ApprovalPort
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithApprovals records lab and owner decisions in the approval log.
func WithApprovals(approvals ApprovalPort) Option {
	return func(s *Service) { s.approvals = approvals }
}

// NewService constructs the intake service. idem and audit may be nil.
func NewService(repo Repository, suppliers SupplierLookup, idem IdempotencyPort, audit AuditPort, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, suppliers: suppliers, idem: idem, audit: audit, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// NormalizePlate upper-cases a registration number and drops spaces and dashes.
func NormalizePlate(plate string) string {
	plate = strings.ToUpper(strings.Join(strings.Fields(plate), ""))
	return strings.ReplaceAll(plate, "-", "")
}

// RegisterArrival creates a pending vehicle.
func (s *Service) RegisterArrival(ctx context.Context, in RegisterInput) (Vehicle, error) {
	in.VehicleNumber = NormalizePlate(in.VehicleNumber)
	if err := shared.ValidateStruct(in); err != nil {
		return Vehicle{}, err
	}
	if s.suppliers != nil {
		if _, err := s.suppliers.GetSupplier(ctx, in.SupplierID); err != nil {
			return Vehicle{}, err
		}
	}
	now := s.clock()
	v := Vehicle{
		VehicleNumber: in.VehicleNumber,
		SupplierID:    in.SupplierID,
		DriverName:    strings.TrimSpace(in.DriverName),
		DriverPhone:   strings.TrimSpace(in.DriverPhone),
		ArrivalTime:   now,
		BillRef:       in.BillRef,
		Status:        StatusPending,
		UpdatedAt:     now,
	}
	if in.ArrivalTime != nil {
		v.ArrivalTime = in.ArrivalTime.UTC().Truncate(time.Second)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertVehicle(ctx, v)
		v.ID = id
		return err
	})
	if err != nil {
		return Vehicle{}, err
	}
	s.record(ctx, "intake:register", v, map[string]any{"vehicle_number": v.VehicleNumber, "bill_ref": v.BillRef})
	return v, nil
}

// RecordQualityTest stores a lab result for a pending vehicle. A passing test
// moves the vehicle to quality_check with the assigned category; a failing
// test rejects it.
func (s *Service) RecordQualityTest(ctx context.Context, vehicleID int64, in QualityTestInput) (QualityTest, error) {
	in.CategoryAssigned = masterdata.CategoryName(in.CategoryAssigned)
	if err := shared.ValidateStruct(in); err != nil {
		return QualityTest{}, err
	}
	var (
		veh Vehicle
		out QualityTest
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.LockVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		next := StatusRejected
		if in.Approved {
			next = StatusQualityCheck
		}
		if v.Status != StatusPending || !CanTransition(v.Status, next) {
			return fmt.Errorf("%w: vehicle %d is %s", ErrInvalidTransition, v.ID, v.Status)
		}
		out = QualityTest{
			VehicleID:        v.ID,
			SampleBagsTested: in.SampleBagsTested,
			TotalBags:        in.TotalBags,
			CategoryAssigned: in.CategoryAssigned,
			MoistureContent:  in.MoistureContent,
			Grain:            in.Grain,
			Flour:            in.Flour,
			LabInstructor:    in.LabInstructor,
			TestedBy:         firstNonEmpty(in.TestedBy, shared.OperatorFromContext(ctx)),
			Notes:            in.Notes,
			SampleRef:        in.SampleRef,
			Approved:         in.Approved,
			TestTime:         s.clock(),
		}
		if out.ID, err = tx.InsertQualityTest(ctx, out); err != nil {
			return err
		}
		v.Status = next
		if in.Approved {
			v.QualityCategory = in.CategoryAssigned
		} else {
			v.RejectReason = "quality test failed"
		}
		v.UpdatedAt = out.TestTime
		veh = v
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		return QualityTest{}, err
	}
	action := shared.ApprovalSubmit
	if !out.Approved {
		action = shared.ApprovalReject
	}
	s.approval(ctx, veh.ID, action, out.Notes)
	s.record(ctx, "intake:quality_test", veh, map[string]any{"approved": out.Approved, "category": out.CategoryAssigned})
	return out, nil
}

// Approve records the owner's sign-off on a vehicle with a passing test.
func (s *Service) Approve(ctx context.Context, vehicleID int64) (Vehicle, error) {
	var out Vehicle
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.LockVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if !CanTransition(v.Status, StatusApproved) {
			return fmt.Errorf("%w: vehicle %d is %s", ErrInvalidTransition, v.ID, v.Status)
		}
		test, ok, err := tx.LatestQualityTest(ctx, v.ID)
		if err != nil {
			return err
		}
		if !ok || !test.Approved {
			return fmt.Errorf("%w: vehicle %d", ErrNoApprovedTest, v.ID)
		}
		v.Status = StatusApproved
		v.OwnerApproved = true
		v.UpdatedAt = s.clock()
		out = v
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		return Vehicle{}, err
	}
	s.approval(ctx, out.ID, shared.ApprovalApprove, "")
	s.record(ctx, "intake:approve", out, nil)
	return out, nil
}

// Reject turns away a vehicle that has not been approved yet.
func (s *Service) Reject(ctx context.Context, vehicleID int64, in RejectInput) (Vehicle, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := shared.ValidateStruct(in); err != nil {
		return Vehicle{}, err
	}
	var out Vehicle
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.LockVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if !CanTransition(v.Status, StatusRejected) {
			return fmt.Errorf("%w: vehicle %d is %s", ErrInvalidTransition, v.ID, v.Status)
		}
		v.Status = StatusRejected
		v.RejectReason = in.Reason
		v.UpdatedAt = s.clock()
		out = v
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		return Vehicle{}, err
	}
	s.approval(ctx, out.ID, shared.ApprovalReject, in.Reason)
	s.record(ctx, "intake:reject", out, map[string]any{"reason": in.Reason})
	return out, nil
}

// WeighIn captures weighbridge readings and unloads the net mass into a godown
// of the lot's category in the same transaction.
func (s *Service) WeighIn(ctx context.Context, vehicleID int64, in WeighInInput, idempotencyKey string) (Vehicle, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Vehicle{}, err
	}
	gross, tare := ledger.Round(in.GrossKg), ledger.Round(in.TareKg)
	if gross.IsNegative() || tare.IsNegative() {
		return Vehicle{}, fmt.Errorf("%w: weights must not be negative", shared.ErrValidation)
	}
	net := gross.Sub(tare)
	if !net.IsPositive() {
		return Vehicle{}, fmt.Errorf("%w: gross %s, tare %s", ErrNonPositiveNet, gross, tare)
	}
	if idempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idempotencyKey, "intake"); err != nil {
			return Vehicle{}, err
		}
	}
	var (
		out Vehicle
		tr  transfer.Transfer
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.LockVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if v.Weighed() {
			return fmt.Errorf("%w: vehicle %d", ErrAlreadyWeighed, v.ID)
		}
		if !CanTransition(v.Status, StatusUnloaded) {
			return fmt.Errorf("%w: vehicle %d is %s", ErrInvalidTransition, v.ID, v.Status)
		}
		moved, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg:         transfer.LegIntakeUnload,
			DestID:      in.GodownID,
			Qty:         net,
			EvidenceRef: in.EvidenceRef,
			Notes:       "unload " + v.VehicleNumber,
			Category:    v.QualityCategory,
			RefModule:   "intake",
			RefID:       v.ID,
		})
		if err != nil {
			return err
		}
		tr = moved[0]
		now := s.clock()
		godown := in.GodownID
		v.GrossKg, v.TareKg, v.NetKg = &gross, &tare, &tr.Qty
		v.GodownID = &godown
		v.UnloadedAt = &now
		v.Status = StatusUnloaded
		v.UpdatedAt = now
		out = v
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		if idempotencyKey != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, idempotencyKey)
		}
		return Vehicle{}, err
	}
	s.logger.Info("vehicle unloaded",
		slog.Int64("vehicle_id", out.ID),
		slog.String("vehicle_number", out.VehicleNumber),
		slog.Int64("godown_id", in.GodownID),
		slog.String("net_kg", out.NetKg.String()),
		slog.Int64("transfer_id", tr.ID))
	s.record(ctx, "intake:weigh_in", out, map[string]any{
		"gross_kg": gross.String(), "tare_kg": tare.String(), "net_kg": out.NetKg.String(),
		"godown_id": in.GodownID, "transfer_id": tr.ID,
	})
	return out, nil
}

// Get returns one vehicle.
func (s *Service) Get(ctx context.Context, id int64) (Vehicle, error) {
	return s.repo.GetVehicle(ctx, id)
}

// List returns vehicles, optionally narrowed to one status.
func (s *Service) List(ctx context.Context, status Status) ([]Vehicle, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	return s.repo.ListVehicles(ctx, status)
}

// AwaitingUnload lists approved vehicles still on the weighbridge queue.
func (s *Service) AwaitingUnload(ctx context.Context) ([]Vehicle, error) {
	return s.repo.ListVehicles(ctx, StatusApproved)
}

// QualityTests lists the lab results of a vehicle, newest last.
func (s *Service) QualityTests(ctx context.Context, vehicleID int64) ([]QualityTest, error) {
	if _, err := s.repo.GetVehicle(ctx, vehicleID); err != nil {
		return nil, err
	}
	return s.repo.QualityTests(ctx, vehicleID)
}

// ApprovalTrail lists the lab and owner sign-offs of a vehicle.
func (s *Service) ApprovalTrail(ctx context.Context, vehicleID int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetVehicle(ctx, vehicleID); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.Trail(ctx, approvalModule, shared.RefUUID("vehicle", vehicleID))
}

func (s *Service) record(ctx context.Context, action string, v Vehicle, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(v.Status)
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.OperatorFromContext(ctx),
		Action:   action,
		Entity:   "vehicle",
		EntityID: shared.EntityRef(v.ID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit intake", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) approval(ctx context.Context, vehicleID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module: approvalModule,
		RefID:  shared.RefUUID("vehicle", vehicleID),
		Actor:  shared.OperatorFromContext(ctx),
		Action: action,
		Note:   note,
		At:     s.clock(),
	}); err != nil {
		s.logger.Warn("approval log", slog.Int64("vehicle_id", vehicleID), slog.Any("error", err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
