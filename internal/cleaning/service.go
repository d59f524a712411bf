package cleaning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

// TxRepository holds the process writes that commit with a production stage.
type TxRepository interface {
	InsertProcess(ctx context.Context, p Process) (int64, error)
	LockProcess(ctx context.Context, id int64) (Process, error)
	RunningProcessForBin(ctx context.Context, binID int64) (Process, bool, error)
	UpdateProcess(ctx context.Context, p Process) error
	InsertEvents(ctx context.Context, events []Event) error
	DeletePendingEvents(ctx context.Context, processID int64) (int, error)
}

// Repository is the storage port of the timer service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProcess(ctx context.Context, id int64) (Process, error)
	DueEvents(ctx context.Context, now time.Time, limit int) ([]DueEvent, error)
	// MarkEmitted sets emitted_at only when it is still unset and reports
	// whether this call set it.
	MarkEmitted(ctx context.Context, eventID int64, at time.Time) (bool, error)
	Overdue(ctx context.Context, now time.Time) ([]Process, error)
	Events(ctx context.Context, processID int64) ([]Event, error)
}

// EventCounter counts emitted reminder events.
type EventCounter interface {
	AddCleaningEvent(mark string)
}

const tickBatch = 500

// Service raises the reminder events of running processes.
type Service struct {
	repo    Repository
	metrics EventCounter
	logger  *slog.Logger
}

// NewService constructs the timer service. metrics may be nil.
func NewService(repo Repository, metrics EventCounter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, metrics: metrics, logger: logger}
}

// Tick emits every event of a running process that is due at now and has not
// been emitted yet, oldest first. Missed marks are emitted together on the
// next tick. Completion is never triggered here.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	emitted := 0
	for {
		due, err := s.repo.DueEvents(ctx, now, tickBatch)
		if err != nil {
			return emitted, fmt.Errorf("cleaning: load due events: %w", err)
		}
		progressed := 0
		for _, ev := range due {
			ok, err := s.repo.MarkEmitted(ctx, ev.ID, now)
			if err != nil {
				return emitted, fmt.Errorf("cleaning: mark event %d: %w", ev.ID, err)
			}
			if !ok {
				continue
			}
			progressed++
			s.emit(ev, now)
		}
		emitted += progressed
		if len(due) < tickBatch || progressed == 0 {
			return emitted, nil
		}
	}
}

func (s *Service) emit(ev DueEvent, now time.Time) {
	level := slog.LevelInfo
	if ev.Mark == MarkOverdue5m || ev.Mark == MarkOverdue10m || ev.Mark == MarkOverdue30m {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "cleaning reminder",
		slog.Int64("process_id", ev.ProcessID),
		slog.Int64("order_id", ev.OrderID),
		slog.Int64("bin_id", ev.BinID),
		slog.String("class", string(ev.Class)),
		slog.String("mark", string(ev.Mark)),
		slog.Time("due_at", ev.DueAt),
		slog.Time("end_ts", ev.EndTS),
		slog.Duration("lag", now.Sub(ev.DueAt)))
	if s.metrics != nil {
		s.metrics.AddCleaningEvent(string(ev.Mark))
	}
}

// ClearFuture drops the events of a process that have not been emitted.
func (s *Service) ClearFuture(ctx context.Context, processID int64) (int, error) {
	var n int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockProcess(ctx, processID); err != nil {
			return err
		}
		var err error
		n, err = tx.DeletePendingEvents(ctx, processID)
		return err
	})
	return n, err
}

// Get returns one process.
func (s *Service) Get(ctx context.Context, id int64) (Process, error) {
	return s.repo.GetProcess(ctx, id)
}

// Overdue lists running processes past their end time.
func (s *Service) Overdue(ctx context.Context, now time.Time) ([]Process, error) {
	return s.repo.Overdue(ctx, now.UTC())
}

// Events lists the events of a process in due order.
func (s *Service) Events(ctx context.Context, processID int64) ([]Event, error) {
	if _, err := s.repo.GetProcess(ctx, processID); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, processID)
}

// StartTx opens a running process on an idle bin and schedules its events.
func StartTx(ctx context.Context, tx TxRepository, in StartInput) (Process, error) {
	d := in.Class.Duration()
	if d == 0 {
		return Process{}, fmt.Errorf("%w: cleaning class %q", shared.ErrValidation, in.Class)
	}
	if in.Class != ledger.Class12h {
		in.TargetMoisture = nil
	}
	if _, busy, err := tx.RunningProcessForBin(ctx, in.BinID); err != nil {
		return Process{}, err
	} else if busy {
		return Process{}, fmt.Errorf("%w: bin %d", ErrBinBusy, in.BinID)
	}
	start := in.StartTS.UTC().Truncate(time.Second)
	p := Process{
		OrderID:        in.OrderID,
		JobID:          in.JobID,
		BinID:          in.BinID,
		Class:          in.Class,
		DurationH:      int(d / time.Hour),
		QuantityKg:     ledger.Round(in.QuantityKg),
		StartTS:        start,
		EndTS:          start.Add(d),
		Status:         StatusRunning,
		MachineName:    in.MachineName,
		Operator:       in.Operator,
		MoistureBefore: in.MoistureBefore,
		TargetMoisture: in.TargetMoisture,
		WaterAddedL:    decimal.Zero,
		WasteKg:        decimal.Zero,
	}
	id, err := tx.InsertProcess(ctx, p)
	if err != nil {
		return Process{}, err
	}
	p.ID = id
	if err := tx.InsertEvents(ctx, Schedule(p)); err != nil {
		return Process{}, err
	}
	return p, nil
}

// CompleteTx ends a running process once its interval has elapsed.
func CompleteTx(ctx context.Context, tx TxRepository, id int64, now time.Time, in CompleteInput) (Process, error) {
	p, err := tx.LockProcess(ctx, id)
	if err != nil {
		return Process{}, err
	}
	if p.Status != StatusRunning {
		return Process{}, fmt.Errorf("%w: process %d is %s", ErrNotRunning, id, p.Status)
	}
	now = now.UTC().Truncate(time.Second)
	if now.Before(p.EndTS) {
		return Process{}, fmt.Errorf("%w: process %d ends at %s", ErrTooEarly, id, p.EndTS.Format(time.RFC3339))
	}
	if in.WaterAddedL.IsNegative() || in.WasteKg.IsNegative() {
		return Process{}, fmt.Errorf("%w: water and waste must not be negative", shared.ErrValidation)
	}
	if p.Class != ledger.Class12h && !in.WaterAddedL.IsZero() {
		return Process{}, ErrWaterOn24h
	}
	p.Status = StatusCompleted
	p.ActualEndTS = &now
	p.MoistureAfter = in.MoistureAfter
	p.WaterAddedL = in.WaterAddedL
	p.WasteKg = ledger.Round(in.WasteKg)
	if err := tx.UpdateProcess(ctx, p); err != nil {
		return Process{}, err
	}
	if _, err := tx.DeletePendingEvents(ctx, id); err != nil {
		return Process{}, err
	}
	return p, nil
}

// CancelTx stops a running process and drops its pending events.
func CancelTx(ctx context.Context, tx TxRepository, id int64, now time.Time) (Process, error) {
	p, err := tx.LockProcess(ctx, id)
	if err != nil {
		return Process{}, err
	}
	if p.Status != StatusRunning {
		return Process{}, fmt.Errorf("%w: process %d is %s", ErrNotRunning, id, p.Status)
	}
	now = now.UTC().Truncate(time.Second)
	p.Status = StatusCancelled
	p.ActualEndTS = &now
	if err := tx.UpdateProcess(ctx, p); err != nil {
		return Process{}, err
	}
	if _, err := tx.DeletePendingEvents(ctx, id); err != nil {
		return Process{}, err
	}
	return p, nil
}
