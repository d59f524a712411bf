package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
)

// TxRepository is the unit of work of a production command: order rows,
// cleaning processes and ledger rows commit together.
type TxRepository interface {
	ledger.TxRepository
	cleaning.TxRepository
	InsertOrder(ctx context.Context, o Order) (int64, error)
	LockOrder(ctx context.Context, id int64) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	LockPlan(ctx context.Context, orderID int64) (Plan, bool, error)
	SavePlan(ctx context.Context, p Plan) (Plan, error)
	InsertJob(ctx context.Context, j Job) (int64, error)
	UpdateJob(ctx context.Context, j Job) error
	RunningJob(ctx context.Context, stage Stage) (Job, bool, error)
	RunningJobForOrder(ctx context.Context, orderID int64) (Job, bool, error)
	LatestProcess(ctx context.Context, orderID int64, class ledger.CleaningClass) (cleaning.Process, bool, error)
	InsertGrinding(ctx context.Context, g GrindingSession) (int64, error)
	LatestGrinding(ctx context.Context, orderID int64) (GrindingSession, bool, error)
	UpdateGrinding(ctx context.Context, g GrindingSession) error
	InsertPackaging(ctx context.Context, p PackagingRecord) (int64, error)
	InsertFinishedGoods(ctx context.Context, fg FinishedGoods) (int64, error)
}

// Repository is the storage port of the coordinator.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, status OrderStatus) ([]Order, error)
	CountByStatus(ctx context.Context) (map[OrderStatus]int, error)
	GetPlan(ctx context.Context, orderID int64) (Plan, error)
	Jobs(ctx context.Context, orderID int64) ([]Job, error)
	Processes(ctx context.Context, orderID int64) ([]cleaning.Process, error)
	GrindingSessions(ctx context.Context, orderID int64) ([]GrindingSession, error)
	Packaging(ctx context.Context, orderID int64) ([]PackagingRecord, error)
}

// Registry resolves products and customers.
type Registry interface {
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
	GetCustomer(ctx context.Context, id int64) (masterdata.Customer, error)
}

// AuditPort records production commands.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config holds the grinding yield band.
type Config struct {
	MainTarget decimal.Decimal
	Tolerance  decimal.Decimal
}

// DefaultConfig returns a 76% main-product target with one point of tolerance.
func DefaultConfig() Config {
	return Config{MainTarget: decimal.RequireFromString("0.76"), Tolerance: decimal.RequireFromString("0.01")}
}

// Service coordinates production orders.
type Service struct {
	repo     Repository
	registry Registry
	audit    AuditPort
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConfig overrides the grinding yield band.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// NewService constructs Service. registry and audit may be nil.
func NewService(repo Repository, registry Registry, audit AuditPort, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, registry: registry, audit: audit, cfg: DefaultConfig(), logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

var percentTolerance = decimal.RequireFromString("0.01")

// CreateOrder registers a pending order.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Order{}, err
	}
	qty := ledger.Round(in.QuantityKg)
	if !qty.IsPositive() {
		return Order{}, ledger.ErrInvalidQuantity
	}
	if s.registry != nil {
		if _, err := s.registry.GetProduct(ctx, in.ProductID); err != nil {
			return Order{}, err
		}
		if in.CustomerID != nil {
			if _, err := s.registry.GetCustomer(ctx, *in.CustomerID); err != nil {
				return Order{}, err
			}
		}
	}
	o := Order{
		OrderNumber:      fmt.Sprintf("PO-%d", s.now().UnixNano()),
		CustomerID:       in.CustomerID,
		ProductID:        in.ProductID,
		QuantityKg:       qty,
		Priority:         in.Priority,
		Status:           OrderPending,
		Requires24h:      in.Requires24h == nil || *in.Requires24h,
		Requires12h:      in.Requires12h == nil || *in.Requires12h,
		TargetCompletion: in.TargetCompletion,
		CreatedBy:        shared.OperatorFromContext(ctx),
		CreatedAt:        s.clock(),
	}
	o.UpdatedAt = o.CreatedAt
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	if !o.Requires24h && !o.Requires12h {
		return Order{}, fmt.Errorf("%w: an order needs at least one cleaning stage", shared.ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertOrder(ctx, o)
		o.ID = id
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, "production:order_create", o, map[string]any{"quantity_kg": o.QuantityKg.String(), "product_id": o.ProductID})
	return o, nil
}

// ComputeItems fills computed_kg for each item. The last item takes the
// rounding residue so the items always total qty.
func ComputeItems(qty decimal.Decimal, items []PlanItem) []PlanItem {
	out := append([]PlanItem(nil), items...)
	sum := decimal.Zero
	for i := range out {
		if i == len(out)-1 {
			out[i].ComputedKg = ledger.Round(qty.Sub(sum))
			break
		}
		out[i].ComputedKg = ledger.Share(qty, out[i].Percentage)
		sum = sum.Add(out[i].ComputedKg)
	}
	return out
}

// PercentageTotal sums the item percentages.
func PercentageTotal(items []PlanItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Percentage)
	}
	return total
}

// UpsertPlan replaces the items of an unlocked plan.
func (s *Service) UpsertPlan(ctx context.Context, orderID int64, in PlanInput) (Plan, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Plan{}, err
	}
	seen := map[int64]bool{}
	items := make([]PlanItem, 0, len(in.Items))
	ids := make([]int64, 0, len(in.Items))
	for _, it := range in.Items {
		if seen[it.BinID] {
			return Plan{}, fmt.Errorf("%w: bin %d listed twice", shared.ErrValidation, it.BinID)
		}
		seen[it.BinID] = true
		items = append(items, PlanItem{BinID: it.BinID, Percentage: it.Percentage.Round(3)})
		ids = append(ids, it.BinID)
	}
	var out Plan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != OrderPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		bins, err := tx.LockLocations(ctx, ledger.SortedIDs(ids...))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if bins[id].Kind != ledger.KindPrecleaningBin {
				return fmt.Errorf("%w: plan bin %s is %s", shared.ErrInvariantViolation, bins[id].Name, bins[id].Kind)
			}
		}
		plan, ok, err := tx.LockPlan(ctx, orderID)
		if err != nil {
			return err
		}
		if ok && plan.Locked {
			return ErrPlanLocked
		}
		plan.OrderID = orderID
		plan.PlannedBy = shared.OperatorFromContext(ctx)
		plan.Items = ComputeItems(o.QuantityKg, items)
		plan.UpdatedAt = s.clock()
		out, err = tx.SavePlan(ctx, plan)
		return err
	})
	if err != nil {
		return Plan{}, err
	}
	s.record(ctx, "production:plan_upsert", Order{ID: orderID}, map[string]any{"items": len(out.Items)})
	return out, nil
}

// LockPlan validates the plan, reserves each bin's share and moves the order
// to planned.
func (s *Service) LockPlan(ctx context.Context, orderID int64) (Plan, error) {
	var out Plan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != OrderPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		plan, ok, err := tx.LockPlan(ctx, orderID)
		if err != nil {
			return err
		}
		if !ok || len(plan.Items) == 0 {
			return fmt.Errorf("%w: order %s", ErrPlanNotFound, o.OrderNumber)
		}
		if plan.Locked {
			return ErrPlanLocked
		}
		total := PercentageTotal(plan.Items)
		if total.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(percentTolerance) {
			return fmt.Errorf("%w: got %s", ErrPercentageSum, total)
		}
		plan.Items = ComputeItems(o.QuantityKg, plan.Items)
		reqs := make([]ledger.Delta, 0, len(plan.Items))
		for _, it := range plan.Items {
			reqs = append(reqs, ledger.Delta{LocationID: it.BinID, Qty: it.ComputedKg})
		}
		if _, err := ledger.ReserveTx(ctx, tx, plan.Owner(), reqs...); err != nil {
			return err
		}
		now := s.clock()
		plan.Locked = true
		plan.LockedAt = &now
		plan.UpdatedAt = now
		if out, err = tx.SavePlan(ctx, plan); err != nil {
			return err
		}
		o.Status = OrderPlanned
		o.UpdatedAt = now
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return Plan{}, err
	}
	s.record(ctx, "production:plan_lock", Order{ID: orderID, Status: OrderPlanned}, nil)
	return out, nil
}

// UnlockPlan releases the plan reservations and returns the order to pending.
func (s *Service) UnlockPlan(ctx context.Context, orderID int64) (Plan, error) {
	var out Plan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != OrderPlanned {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		if _, busy, err := tx.RunningJobForOrder(ctx, orderID); err != nil {
			return err
		} else if busy {
			return fmt.Errorf("%w: order %s has a running job", ErrStageBusy, o.OrderNumber)
		}
		plan, ok, err := tx.LockPlan(ctx, orderID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order %s", ErrPlanNotFound, o.OrderNumber)
		}
		if _, err := ledger.ReleaseOwnerTx(ctx, tx, plan.Owner()); err != nil {
			return err
		}
		now := s.clock()
		plan.Locked = false
		plan.LockedAt = nil
		plan.UpdatedAt = now
		if out, err = tx.SavePlan(ctx, plan); err != nil {
			return err
		}
		o.Status = OrderPending
		o.UpdatedAt = now
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return Plan{}, err
	}
	s.record(ctx, "production:plan_unlock", Order{ID: orderID, Status: OrderPending}, nil)
	return out, nil
}

// Complete closes a packed order.
func (s *Service) Complete(ctx context.Context, orderID int64) (Order, error) {
	return s.transition(ctx, orderID, "production:order_complete", func(o *Order, _ TxRepository) error {
		if o.Status != OrderPacked {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		o.Status = OrderCompleted
		return nil
	})
}

// Reject turns down a pending order.
func (s *Service) Reject(ctx context.Context, orderID int64, in CancelInput) (Order, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Order{}, err
	}
	return s.transition(ctx, orderID, "production:order_reject", func(o *Order, _ TxRepository) error {
		if o.Status != OrderPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		o.Status = OrderRejected
		o.CancelReason = in.Reason
		return nil
	})
}

// Cancel stops an order that has not reached grinding. Plan reservations are
// released and running jobs are cancelled. A cleaning process still running is
// cancelled with its pending reminders and the bin the order holds is set
// empty; its mass stays there until drained by a cleaning_to_precleaning
// transfer.
func (s *Service) Cancel(ctx context.Context, orderID int64, in CancelInput) (Order, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Order{}, err
	}
	return s.transition(ctx, orderID, "production:order_cancel", func(o *Order, tx TxRepository) error {
		var held ledger.CleaningClass
		switch o.Status {
		case OrderPending, OrderPlanned:
		case OrderCleaning24h:
			held = ledger.Class24h
		case OrderCleaning12h:
			held = ledger.Class12h
		default:
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		now := s.clock()

		var ids []int64
		plan, hasPlan, err := tx.LockPlan(ctx, o.ID)
		if err != nil {
			return err
		}
		if hasPlan {
			for _, it := range plan.Items {
				ids = append(ids, it.BinID)
			}
		}
		var proc cleaning.Process
		var hasProc bool
		if held != "" {
			if proc, hasProc, err = tx.LatestProcess(ctx, o.ID, held); err != nil {
				return err
			}
			if hasProc {
				ids = append(ids, proc.BinID)
			}
		}
		if len(ids) > 0 {
			if _, err := tx.LockLocations(ctx, ledger.SortedIDs(ids...)); err != nil {
				return err
			}
		}

		if hasPlan {
			if _, err := ledger.ReleaseOwnerTx(ctx, tx, plan.Owner()); err != nil {
				return err
			}
		}
		if job, running, err := tx.RunningJobForOrder(ctx, o.ID); err != nil {
			return err
		} else if running {
			job.Status = JobCancelled
			job.CompletedAt = &now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
		}
		if hasProc {
			if err := s.releaseBin(ctx, tx, proc, now); err != nil {
				return err
			}
		}
		o.Status = OrderCancelled
		o.CancelReason = in.Reason
		return nil
	})
}

func (s *Service) releaseBin(ctx context.Context, tx TxRepository, p cleaning.Process, now time.Time) error {
	if p.Status == cleaning.StatusRunning {
		if _, err := cleaning.CancelTx(ctx, tx, p.ID, now); err != nil {
			return err
		}
	}
	_, err := ledger.SetStatusTx(ctx, tx, p.BinID, ledger.StatusEmpty)
	return err
}

func (s *Service) transition(ctx context.Context, orderID int64, action string, fn func(*Order, TxRepository) error) (Order, error) {
	var out Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(&o, tx); err != nil {
			return err
		}
		o.UpdatedAt = s.clock()
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, action, out, map[string]any{"reason": out.CancelReason})
	return out, nil
}

// GetOrder loads an order with its plan, jobs and outputs.
func (s *Service) GetOrder(ctx context.Context, id int64) (OrderView, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	view := OrderView{Order: o}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		plan, err := s.repo.GetPlan(gctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil
			}
			return err
		}
		view.Plan = &plan
		return nil
	})
	g.Go(func() (err error) {
		view.Jobs, err = s.repo.Jobs(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		view.Processes, err = s.repo.Processes(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		view.Grinding, err = s.repo.GrindingSessions(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		view.Packaging, err = s.repo.Packaging(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return OrderView{}, err
	}
	return view, nil
}

// ListOrders returns orders, optionally of one status.
func (s *Service) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	return s.repo.ListOrders(ctx, status)
}

// StageCount is one row of the orders-by-stage view.
type StageCount struct {
	Status OrderStatus `json:"status"`
	Count  int         `json:"count"`
}

var flow = []OrderStatus{
	OrderPending, OrderPlanned, OrderCleaning24h, OrderCleaning12h, OrderGrinding,
	OrderPacked, OrderCompleted, OrderRejected, OrderCancelled,
}

// OrdersByStage counts orders per status in flow order.
func (s *Service) OrdersByStage(ctx context.Context) ([]StageCount, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StageCount, 0, len(flow))
	for _, st := range flow {
		out = append(out, StageCount{Status: st, Count: counts[st]})
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, action string, o Order, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if o.Status != "" {
		meta["status"] = string(o.Status)
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.OperatorFromContext(ctx),
		Action:   action,
		Entity:   "production_order",
		EntityID: shared.EntityRef(o.ID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit production", slog.String("action", action), slog.Any("error", err))
	}
}
