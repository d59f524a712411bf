package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

// IdempotencyPort guards retried requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort records completed transfers.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine is the only writer that moves mass between two locations.
type Engine struct {
	repo   ledger.RepositoryPort
	idem   IdempotencyPort
	audit  AuditPort
	logger *slog.Logger
}

// NewEngine constructs the transfer engine. idem and audit may be nil.
func NewEngine(repo ledger.RepositoryPort, idem IdempotencyPort, audit AuditPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, idem: idem, audit: audit, logger: logger}
}

// Execute runs one transfer in its own transaction. A non-empty idempotency
// key rejects replays with shared.ErrConflict.
func (e *Engine) Execute(ctx context.Context, in ExecuteInput, idempotencyKey string) (Transfer, error) {
	if idempotencyKey != "" && e.idem != nil {
		if err := e.idem.CheckAndInsert(ctx, idempotencyKey, "transfer"); err != nil {
			return Transfer{}, err
		}
	}
	var out []Transfer
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		var err error
		out, err = ExecuteTx(ctx, tx, in)
		return err
	})
	if err != nil {
		if idempotencyKey != "" && e.idem != nil {
			_ = e.idem.Delete(ctx, idempotencyKey)
		}
		return Transfer{}, err
	}
	t := out[0]
	e.logger.Info("transfer executed",
		slog.String("leg", t.Leg),
		slog.Int64("id", t.ID),
		slog.String("quantity_kg", t.Qty.String()),
		slog.String("operator", t.Operator))
	if e.audit != nil {
		_ = e.audit.Record(ctx, shared.AuditLog{
			Actor:    t.Operator,
			Action:   "transfer:execute",
			Entity:   "transfer",
			EntityID: shared.EntityRef(t.ID),
			Meta:     map[string]any{"leg": t.Leg, "quantity_kg": t.Qty.String(), "ref": t.Ref.String()},
		})
	}
	return t, nil
}

// Get returns one transfer.
func (e *Engine) Get(ctx context.Context, id int64) (Transfer, error) {
	return e.repo.GetMovement(ctx, id)
}

// List returns transfers newest first.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	if filter.Leg != "" && !filter.Leg.Known() {
		return nil, fmt.Errorf("%w %q", ErrUnknownLeg, filter.Leg)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return e.repo.ListMovements(ctx, ledger.MovementFilter{
		LocationID: filter.LocationID,
		Leg:        string(filter.Leg),
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

// ExecuteTx applies a batch of transfers inside the caller's transaction.
// Leg rules are checked against the rows as they stood before the batch, the
// deltas of every input land in one ledger apply, and each input is journalled
// with its own ref. Callers in intake, production and dispatch use it so their
// entity updates commit together with the mass they move.
func ExecuteTx(ctx context.Context, tx ledger.TxRepository, ins ...ExecuteInput) ([]Transfer, error) {
	if len(ins) == 0 {
		return nil, ledger.ErrNoDeltas
	}
	ins = append([]ExecuteInput(nil), ins...)
	ids := make([]int64, 0, 2*len(ins))
	for i := range ins {
		in := &ins[i]
		r, ok := rules[in.Leg]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownLeg, in.Leg)
		}
		in.Qty = ledger.Round(in.Qty)
		if !in.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidQuantity, in.Leg)
		}
		if err := endpoints(r, *in); err != nil {
			return nil, err
		}
		if in.SourceID != 0 && in.SourceID == in.DestID {
			return nil, fmt.Errorf("%w: source and destination are the same location", shared.ErrValidation)
		}
		if in.Operator == "" {
			in.Operator = shared.OperatorFromContext(ctx)
		}
		if in.SourceID != 0 {
			ids = append(ids, in.SourceID)
		}
		if in.DestID != 0 {
			ids = append(ids, in.DestID)
		}
	}

	before, err := tx.LockLocations(ctx, ledger.SortedIDs(ids...))
	if err != nil {
		return nil, err
	}
	deltas := make([]ledger.Delta, 0, len(ids))
	for _, in := range ins {
		r := rules[in.Leg]
		src, dst := before[in.SourceID], before[in.DestID]
		if in.SourceID != 0 && src.Kind != r.source {
			return nil, fmt.Errorf("%w: %s source %s is %s, needs %s", ErrKindMismatch, in.Leg, src.Name, src.Kind, r.source)
		}
		if in.DestID != 0 && dst.Kind != r.dest {
			return nil, fmt.Errorf("%w: %s destination %s is %s, needs %s", ErrKindMismatch, in.Leg, dst.Name, dst.Kind, r.dest)
		}
		if r.check != nil {
			if err := r.check(src, dst, in); err != nil {
				return nil, err
			}
		}
		if in.SourceID != 0 {
			deltas = append(deltas, ledger.Delta{LocationID: in.SourceID, Qty: in.Qty.Neg()})
		}
		if in.DestID != 0 {
			deltas = append(deltas, ledger.Delta{LocationID: in.DestID, Qty: in.Qty})
		}
	}

	after, err := ledger.ApplyTx(ctx, tx, deltas)
	if err != nil {
		return nil, err
	}
	if err := advanceStatuses(ctx, tx, after, ins); err != nil {
		return nil, err
	}

	out := make([]Transfer, 0, len(ins))
	for _, in := range ins {
		m := ledger.Movement{
			Ref:         uuid.New(),
			Leg:         string(in.Leg),
			Qty:         in.Qty,
			Operator:    in.Operator,
			EvidenceRef: in.EvidenceRef,
			Notes:       in.Notes,
			RefModule:   in.RefModule,
		}
		if in.SourceID != 0 {
			m.SourceID = ptr(in.SourceID)
		}
		if in.DestID != 0 {
			m.DestID = ptr(in.DestID)
		}
		if in.RefID != 0 {
			m.RefID = ptr(in.RefID)
		}
		recorded, err := ledger.RecordTx(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, recorded)
	}
	return out, nil
}

func endpoints(r rule, in ExecuteInput) error {
	switch {
	case r.source == "" && in.SourceID != 0:
		return fmt.Errorf("%w: %s takes no source location", shared.ErrValidation, in.Leg)
	case r.source != "" && in.SourceID == 0:
		return fmt.Errorf("%w: %s needs a source location", shared.ErrValidation, in.Leg)
	case r.dest == "" && in.DestID != 0:
		return fmt.Errorf("%w: %s takes no destination location", shared.ErrValidation, in.Leg)
	case r.dest != "" && in.DestID == 0:
		return fmt.Errorf("%w: %s needs a destination location", shared.ErrValidation, in.Leg)
	}
	return nil
}

// advanceStatuses moves cleaning bins along their fill cycle: a filled bin is
// filling and a drained bin is empty again.
func advanceStatuses(ctx context.Context, tx ledger.TxRepository, locs map[int64]ledger.Location, ins []ExecuteInput) error {
	changed := map[int64]ledger.Status{}
	for _, in := range ins {
		switch in.Leg {
		case LegPrecleaningToCleaning, LegCleaningToCleaning:
			changed[in.DestID] = ledger.StatusFilling
		}
		switch in.Leg {
		case LegCleaningToCleaning, LegCleaningToGrinding:
			if locs[in.SourceID].StockKg.Equal(decimal.Zero) {
				changed[in.SourceID] = ledger.StatusEmpty
			}
		}
	}
	for _, id := range ledger.SortedIDs(keys(changed)...) {
		loc := locs[id]
		loc.Status = changed[id]
		if err := tx.SaveLocation(ctx, loc); err != nil {
			return err
		}
	}
	return nil
}

func keys(m map[int64]ledger.Status) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func ptr(v int64) *int64 { return &v }
