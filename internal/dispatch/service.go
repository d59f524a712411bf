package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/intake"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
	"github.com/flourmill/flourmill/internal/transfer"
)

// TxRepository combines sales and dispatch rows with the ledger rows a
// dispatch moves.
type TxRepository interface {
	ledger.TxRepository
	InsertLocation(ctx context.Context, loc ledger.Location) (int64, error)
	InsertVehicle(ctx context.Context, v Vehicle) error
	InsertSalesOrder(ctx context.Context, o SalesOrder) (SalesOrder, error)
	LockSalesOrder(ctx context.Context, id int64) (SalesOrder, error)
	UpdateSalesOrder(ctx context.Context, o SalesOrder) error
	InsertDispatch(ctx context.Context, d Dispatch) (Dispatch, error)
	LockDispatch(ctx context.Context, id int64) (Dispatch, error)
	// LockOpenDispatch returns the newest dispatch of the vehicle that is
	// neither cancelled nor returned.
	LockOpenDispatch(ctx context.Context, vehicleID int64) (Dispatch, bool, error)
	UpdateDispatch(ctx context.Context, d Dispatch) error
}

// Repository is the storage port of the dispatch pipeline.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error)
	ListSalesOrders(ctx context.Context, status SalesStatus) ([]SalesOrder, error)
	GetVehicle(ctx context.Context, id int64) (Vehicle, error)
	ListVehicles(ctx context.Context) ([]Vehicle, error)
	GetDispatch(ctx context.Context, id int64) (Dispatch, error)
	ListDispatches(ctx context.Context, salesOrderID int64) ([]Dispatch, error)
}

// Registry resolves customers and products.
type Registry interface {
	GetCustomer(ctx context.Context, id int64) (masterdata.Customer, error)
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
}

// IdempotencyPort guards retried dispatches.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort records dispatch events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const refModule = "dispatch"

// Service runs sales orders and outbound trips.
type Service struct {
	repo     Repository
	registry Registry
	idem     IdempotencyPort
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs Service. registry, idem and audit may be nil.
func NewService(repo Repository, registry Registry, idem IdempotencyPort, audit AuditPort, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, registry: registry, idem: idem, audit: audit, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// CreateSalesOrder registers a pending order. The total is the sum of its lines.
func (s *Service) CreateSalesOrder(ctx context.Context, in CreateSalesOrderInput) (SalesOrder, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return SalesOrder{}, err
	}
	if s.registry != nil {
		if _, err := s.registry.GetCustomer(ctx, in.CustomerID); err != nil {
			return SalesOrder{}, err
		}
	}
	now := s.clock()
	o := SalesOrder{
		OrderNumber:  fmt.Sprintf("SO-%d", s.now().UnixNano()),
		CustomerID:   in.CustomerID,
		Salesman:     strings.TrimSpace(in.Salesman),
		OrderDate:    now,
		DeliveryDate: in.DeliveryDate,
		TotalQty:     decimal.Zero,
		DeliveredQty: decimal.Zero,
		Status:       SalesPending,
		UpdatedAt:    now,
	}
	if in.OrderDate != nil {
		o.OrderDate = in.OrderDate.UTC().Truncate(time.Second)
	}
	seen := map[int64]bool{}
	for _, it := range in.Items {
		if seen[it.ProductID] {
			return SalesOrder{}, fmt.Errorf("%w: product %d listed twice", shared.ErrValidation, it.ProductID)
		}
		seen[it.ProductID] = true
		qty := ledger.Round(it.Quantity)
		if !qty.IsPositive() {
			return SalesOrder{}, ledger.ErrInvalidQuantity
		}
		if s.registry != nil {
			if _, err := s.registry.GetProduct(ctx, it.ProductID); err != nil {
				return SalesOrder{}, err
			}
		}
		o.Items = append(o.Items, SalesItem{
			ProductID:    it.ProductID,
			Quantity:     qty,
			DeliveredQty: decimal.Zero,
			PendingQty:   qty,
			Status:       SalesPending,
		})
		o.TotalQty = o.TotalQty.Add(qty)
	}
	o.PendingQty = o.TotalQty
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		o, err = tx.InsertSalesOrder(ctx, o)
		return err
	})
	if err != nil {
		return SalesOrder{}, err
	}
	s.record(ctx, "sales_order:create", "sales_order", o.ID, map[string]any{"total_qty": o.TotalQty.String(), "customer_id": o.CustomerID})
	return o, nil
}

// CreateVehicle registers an outbound truck as an available dispatch_vehicle
// location.
func (s *Service) CreateVehicle(ctx context.Context, in CreateVehicleInput) (Vehicle, error) {
	in.VehicleNumber = intake.NormalizePlate(in.VehicleNumber)
	if err := shared.ValidateStruct(in); err != nil {
		return Vehicle{}, err
	}
	v := Vehicle{
		VehicleNumber: in.VehicleNumber,
		DriverName:    strings.TrimSpace(in.DriverName),
		DriverPhone:   strings.TrimSpace(in.DriverPhone),
		State:         strings.TrimSpace(in.State),
		City:          strings.TrimSpace(in.City),
		CapacityKg:    ledger.Round(in.CapacityKg),
		LoadKg:        decimal.Zero,
		Status:        ledger.StatusAvailable,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLocation(ctx, ledger.Location{
			Kind:       ledger.KindDispatchVehicle,
			Name:       v.VehicleNumber,
			CapacityKg: v.CapacityKg,
			StockKg:    decimal.Zero,
			ReservedKg: decimal.Zero,
			Status:     v.Status,
			UpdatedAt:  s.clock(),
		})
		if err != nil {
			return err
		}
		v.LocationID = id
		return tx.InsertVehicle(ctx, v)
	})
	if err != nil {
		return Vehicle{}, err
	}
	s.record(ctx, "dispatch_vehicle:create", "dispatch_vehicle", v.LocationID, map[string]any{"vehicle_number": v.VehicleNumber})
	return v, nil
}

// SetVehicleBlocked takes an idle vehicle out of service or puts it back.
func (s *Service) SetVehicleBlocked(ctx context.Context, vehicleID int64, blocked bool) (Vehicle, error) {
	from, to := ledger.StatusAvailable, ledger.StatusBlocked
	if !blocked {
		from, to = to, from
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		loc, err := lockVehicle(ctx, tx, vehicleID)
		if err != nil {
			return err
		}
		if loc.Status != from {
			return fmt.Errorf("%w: vehicle %s is %s", ErrVehicleState, loc.Name, loc.Status)
		}
		_, err = ledger.SetStatusTx(ctx, tx, vehicleID, to)
		return err
	})
	if err != nil {
		return Vehicle{}, err
	}
	s.record(ctx, "dispatch_vehicle:status", "dispatch_vehicle", vehicleID, map[string]any{"status": string(to)})
	return s.repo.GetVehicle(ctx, vehicleID)
}

// CreateDispatch loads finished goods from a storage area onto an available
// vehicle against a sales order. Order and line accounting commit together
// with the ledger movement.
func (s *Service) CreateDispatch(ctx context.Context, in CreateDispatchInput, idempotencyKey string) (Dispatch, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Dispatch{}, err
	}
	items := make([]DispatchItem, 0, len(in.Items))
	qty := decimal.Zero
	seen := map[int64]bool{}
	for _, it := range in.Items {
		if seen[it.ProductID] {
			return Dispatch{}, fmt.Errorf("%w: product %d listed twice", shared.ErrValidation, it.ProductID)
		}
		seen[it.ProductID] = true
		q := ledger.Round(it.QuantityKg)
		if !q.IsPositive() {
			return Dispatch{}, ledger.ErrInvalidQuantity
		}
		items = append(items, DispatchItem{ProductID: it.ProductID, QuantityKg: q, BagCount: it.BagCount})
		qty = qty.Add(q)
	}
	if idempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idempotencyKey, refModule); err != nil {
			return Dispatch{}, err
		}
	}
	var (
		out   Dispatch
		order SalesOrder
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockSalesOrder(ctx, in.SalesOrderID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := o.deliver(it.ProductID, it.QuantityKg); err != nil {
				return err
			}
		}
		veh, err := lockVehicle(ctx, tx, in.VehicleID, in.StorageAreaID)
		if err != nil {
			return err
		}
		if veh.Status != ledger.StatusAvailable {
			return fmt.Errorf("%w: vehicle %s is %s", ErrVehicleState, veh.Name, veh.Status)
		}
		now := s.clock()
		d := Dispatch{
			DispatchNumber: fmt.Sprintf("DSP-%d", s.now().UnixNano()),
			SalesOrderID:   o.ID,
			VehicleID:      in.VehicleID,
			StorageAreaID:  in.StorageAreaID,
			QuantityKg:     qty,
			Status:         DispatchDispatched,
			Operator:       shared.OperatorFromContext(ctx),
			DispatchedAt:   now,
			Items:          items,
		}
		if d, err = tx.InsertDispatch(ctx, d); err != nil {
			return err
		}
		if _, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg:         transfer.LegStorageToDispatch,
			SourceID:    in.StorageAreaID,
			DestID:      in.VehicleID,
			Qty:         qty,
			EvidenceRef: in.EvidenceRef,
			Notes:       d.DispatchNumber + " " + o.OrderNumber,
			RefModule:   refModule,
			RefID:       d.ID,
		}); err != nil {
			return err
		}
		if _, err := ledger.SetStatusTx(ctx, tx, in.VehicleID, ledger.StatusDispatched); err != nil {
			return err
		}
		o.UpdatedAt = now
		if err := tx.UpdateSalesOrder(ctx, o); err != nil {
			return err
		}
		out, order = d, o
		return nil
	})
	if err != nil {
		if idempotencyKey != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, idempotencyKey)
		}
		return Dispatch{}, err
	}
	s.logger.Info("dispatch created",
		slog.Int64("dispatch_id", out.ID),
		slog.String("dispatch_number", out.DispatchNumber),
		slog.String("sales_order", order.OrderNumber),
		slog.String("quantity_kg", out.QuantityKg.String()),
		slog.String("order_status", string(order.Status)))
	s.record(ctx, "dispatch:create", "dispatch", out.ID, map[string]any{
		"sales_order_id": out.SalesOrderID, "vehicle_id": out.VehicleID, "quantity_kg": out.QuantityKg.String(),
		"delivered_qty": order.DeliveredQty.String(), "order_status": string(order.Status),
	})
	return out, nil
}

// MarkDelivered closes a trip at the customer. The load leaves the mill, so
// the vehicle is drained without a destination.
func (s *Service) MarkDelivered(ctx context.Context, dispatchID int64, in DeliverInput) (Dispatch, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Dispatch{}, err
	}
	var out Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.LockDispatch(ctx, dispatchID)
		if err != nil {
			return err
		}
		if d.Status != DispatchDispatched || d.Returned {
			return fmt.Errorf("%w: dispatch %s is %s", ErrDispatchState, d.DispatchNumber, describe(d))
		}
		if _, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg:         transfer.LegDispatchDelivered,
			SourceID:    d.VehicleID,
			Qty:         d.QuantityKg,
			EvidenceRef: in.DeliveryProofRef,
			Notes:       "delivered " + d.DispatchNumber,
			RefModule:   refModule,
			RefID:       d.ID,
		}); err != nil {
			return err
		}
		if _, err := ledger.SetStatusTx(ctx, tx, d.VehicleID, ledger.StatusDelivered); err != nil {
			return err
		}
		now := s.clock()
		d.Status = DispatchDelivered
		d.DeliveredAt = &now
		d.DeliveredBy = firstNonEmpty(strings.TrimSpace(in.DeliveredBy), shared.OperatorFromContext(ctx))
		d.DeliveryProofRef = in.DeliveryProofRef
		out = d
		return tx.UpdateDispatch(ctx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.record(ctx, "dispatch:deliver", "dispatch", out.ID, map[string]any{"delivered_by": out.DeliveredBy, "proof": out.DeliveryProofRef})
	return out, nil
}

// MarkReturned brings a vehicle back to the yard. A load still on board goes
// back to the storage area it came from.
func (s *Service) MarkReturned(ctx context.Context, vehicleID int64) (Vehicle, error) {
	var returned *Dispatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, open, err := tx.LockOpenDispatch(ctx, vehicleID)
		if err != nil {
			return err
		}
		var storage []int64
		if open {
			storage = append(storage, d.StorageAreaID)
		}
		veh, err := lockVehicle(ctx, tx, vehicleID, storage...)
		if err != nil {
			return err
		}
		if veh.Status != ledger.StatusDispatched && veh.Status != ledger.StatusDelivered {
			return fmt.Errorf("%w: vehicle %s is %s", ErrVehicleState, veh.Name, veh.Status)
		}
		if veh.StockKg.IsPositive() {
			if !open {
				return fmt.Errorf("%w: vehicle %s carries %s kg with no open dispatch", shared.ErrInvariantViolation, veh.Name, veh.StockKg)
			}
			if _, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
				Leg:       transfer.LegDispatchReturn,
				SourceID:  vehicleID,
				DestID:    d.StorageAreaID,
				Qty:       veh.StockKg,
				Notes:     "returned " + d.DispatchNumber,
				RefModule: refModule,
				RefID:     d.ID,
			}); err != nil {
				return err
			}
		}
		if _, err := ledger.SetStatusTx(ctx, tx, vehicleID, ledger.StatusAvailable); err != nil {
			return err
		}
		if !open {
			return nil
		}
		d.Returned = true
		returned = &d
		return tx.UpdateDispatch(ctx, d)
	})
	if err != nil {
		return Vehicle{}, err
	}
	meta := map[string]any{}
	if returned != nil {
		meta["dispatch_id"] = returned.ID
		meta["dispatch_status"] = string(returned.Status)
	}
	s.record(ctx, "dispatch_vehicle:return", "dispatch_vehicle", vehicleID, meta)
	return s.repo.GetVehicle(ctx, vehicleID)
}

// CancelDispatch voids a trip whose load came back and takes its quantity off
// the sales order again. A completed order, or a completed line the trip
// delivered on, stays completed and the cancel is refused.
func (s *Service) CancelDispatch(ctx context.Context, dispatchID int64) (Dispatch, error) {
	var (
		out   Dispatch
		order SalesOrder
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.LockDispatch(ctx, dispatchID)
		if err != nil {
			return err
		}
		if d.Status != DispatchDispatched || !d.Returned {
			return fmt.Errorf("%w: dispatch %s is %s", ErrDispatchState, d.DispatchNumber, describe(d))
		}
		o, err := tx.LockSalesOrder(ctx, d.SalesOrderID)
		if err != nil {
			return err
		}
		if err := o.reopenable(d); err != nil {
			return err
		}
		for _, it := range d.Items {
			if err := o.deliver(it.ProductID, it.QuantityKg.Neg()); err != nil {
				return err
			}
		}
		o.UpdatedAt = s.clock()
		if err := tx.UpdateSalesOrder(ctx, o); err != nil {
			return err
		}
		d.Status = DispatchCancelled
		out, order = d, o
		return tx.UpdateDispatch(ctx, d)
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.record(ctx, "dispatch:cancel", "dispatch", out.ID, map[string]any{
		"sales_order_id": order.ID, "delivered_qty": order.DeliveredQty.String(), "order_status": string(order.Status),
	})
	return out, nil
}

// GetSalesOrder returns an order with its lines.
func (s *Service) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return s.repo.GetSalesOrder(ctx, id)
}

// ListSalesOrders returns orders, optionally narrowed to one status.
func (s *Service) ListSalesOrders(ctx context.Context, status SalesStatus) ([]SalesOrder, error) {
	switch status {
	case "", SalesPending, SalesPartial, SalesCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	return s.repo.ListSalesOrders(ctx, status)
}

// GetVehicle returns one dispatch vehicle with its current load.
func (s *Service) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	return s.repo.GetVehicle(ctx, id)
}

// ListVehicles returns every dispatch vehicle.
func (s *Service) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	return s.repo.ListVehicles(ctx)
}

// GetDispatch returns a dispatch with its items.
func (s *Service) GetDispatch(ctx context.Context, id int64) (Dispatch, error) {
	return s.repo.GetDispatch(ctx, id)
}

// ListDispatches returns dispatches newest first; salesOrderID 0 lists all.
func (s *Service) ListDispatches(ctx context.Context, salesOrderID int64) ([]Dispatch, error) {
	return s.repo.ListDispatches(ctx, salesOrderID)
}

// lockVehicle locks the vehicle location together with any other locations
// the caller is about to move mass through, in one ascending pass.
func lockVehicle(ctx context.Context, tx TxRepository, id int64, with ...int64) (ledger.Location, error) {
	locs, err := tx.LockLocations(ctx, ledger.SortedIDs(append(with, id)...))
	if err != nil {
		return ledger.Location{}, err
	}
	loc, ok := locs[id]
	if !ok || loc.Kind != ledger.KindDispatchVehicle {
		return ledger.Location{}, fmt.Errorf("%w %d", ErrVehicleNotFound, id)
	}
	return loc, nil
}

func describe(d Dispatch) string {
	if d.Returned {
		return string(d.Status) + " and returned"
	}
	return string(d.Status)
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.OperatorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: shared.EntityRef(id),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit dispatch", slog.String("action", action), slog.Any("error", err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
