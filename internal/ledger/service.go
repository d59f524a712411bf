package ledger

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/flourmill/flourmill/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLocation(ctx context.Context, id int64) (Location, error)
	ListLocations(ctx context.Context, kind Kind) ([]Location, error)
	CreateLocation(ctx context.Context, loc Location) (Location, error)
	Summary(ctx context.Context) ([]KindSummary, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	ListCorrections(ctx context.Context, locationID int64) ([]Correction, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the single source of truth for on-hand mass.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	group singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Get returns capacity and stock of a location.
func (s *Service) Get(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w %d", ErrLocationNotFound, id)
	}
	return s.repo.GetLocation(ctx, id)
}

// List returns locations, optionally filtered by kind.
func (s *Service) List(ctx context.Context, kind Kind) ([]Location, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown location kind %q", shared.ErrValidation, kind)
	}
	return s.repo.ListLocations(ctx, kind)
}

// Create registers a new empty location.
func (s *Service) Create(ctx context.Context, input NewLocationInput) (Location, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Location{}, err
	}
	loc := Location{
		Kind:       input.Kind,
		Name:       input.Name,
		CapacityKg: Round(input.CapacityKg),
		Status:     InitialStatus(input.Kind),
	}
	switch input.Kind {
	case KindGodown:
		if *input.GodownTypeID <= 0 {
			return Location{}, fmt.Errorf("%w: godown_type_id must be positive", shared.ErrValidation)
		}
		loc.GodownTypeID = input.GodownTypeID
	case KindCleaningBin:
		if input.CleaningClass != Class24h && input.CleaningClass != Class12h {
			return Location{}, fmt.Errorf("%w: cleaning_class must be 24h or 12h", shared.ErrValidation)
		}
		loc.CleaningClass = input.CleaningClass
	}
	created, err := s.repo.CreateLocation(ctx, loc)
	if err != nil {
		return Location{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    shared.OperatorFromContext(ctx),
		Action:   "ledger:location_create",
		Entity:   "location",
		EntityID: shared.EntityRef(created.ID),
		Meta:     map[string]any{"kind": created.Kind, "name": created.Name, "capacity_kg": created.CapacityKg.String()},
	})
	return created, nil
}

// Reserve holds qty on a location for owner and returns the reservation handle.
func (s *Service) Reserve(ctx context.Context, locationID int64, qty Delta, owner string) (Reservation, error) {
	qty.LocationID = locationID
	var res []Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = ReserveTx(ctx, tx, owner, qty)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	return res[0], nil
}

// Release drops all reservations held by owner.
func (s *Service) Release(ctx context.Context, owner string) ([]Reservation, error) {
	var released []Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		released, err = ReleaseOwnerTx(ctx, tx, owner)
		return err
	})
	return released, err
}

// Apply applies the delta set atomically.
func (s *Service) Apply(ctx context.Context, deltas []Delta) (map[int64]Location, error) {
	var out map[int64]Location
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = ApplyTx(ctx, tx, deltas)
		return err
	})
	return out, err
}

// Correct overwrites the stock of a location. It is the only way to change a
// stock figure without a movement and is always audited.
func (s *Service) Correct(ctx context.Context, input CorrectionInput) (Correction, error) {
	if input.Actor == "" {
		input.Actor = shared.OperatorFromContext(ctx)
	}
	if err := shared.ValidateStruct(input); err != nil {
		return Correction{}, err
	}
	newKg := Round(input.NewKg)
	var corr Correction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		loc, err := LockOne(ctx, tx, input.LocationID)
		if err != nil {
			return err
		}
		if newKg.GreaterThan(loc.CapacityKg) {
			return fmt.Errorf("%w: %s capacity %s kg", ErrCapacityExceeded, loc.Name, loc.CapacityKg)
		}
		if newKg.LessThan(loc.ReservedKg) {
			return fmt.Errorf("%w: %s has %s kg reserved", ErrReservedStock, loc.Name, loc.ReservedKg)
		}
		corr = Correction{
			LocationID: loc.ID,
			OldKg:      loc.StockKg,
			NewKg:      newKg,
			Reason:     input.Reason,
			Actor:      input.Actor,
			CreatedAt:  now(),
		}
		loc.StockKg = newKg
		loc.UpdatedAt = corr.CreatedAt
		if err := tx.SaveLocation(ctx, loc); err != nil {
			return err
		}
		id, err := tx.InsertCorrection(ctx, corr)
		if err != nil {
			return err
		}
		corr.ID = id
		return nil
	})
	if err != nil {
		return Correction{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    corr.Actor,
		Action:   "ledger:stock_correct",
		Entity:   "location",
		EntityID: shared.EntityRef(corr.LocationID),
		Meta: map[string]any{
			"old_kg": corr.OldKg.String(),
			"new_kg": corr.NewKg.String(),
			"reason": corr.Reason,
		},
	})
	return corr, nil
}

// Summary aggregates stock per location kind. Concurrent callers share one query.
func (s *Service) Summary(ctx context.Context) ([]KindSummary, error) {
	ch := s.group.DoChan("summary", func() (interface{}, error) {
		return s.repo.Summary(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]KindSummary), nil
	}
}

// Movements lists journalled movements.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListMovements(ctx, filter)
}

// Movement loads one journalled movement.
func (s *Service) Movement(ctx context.Context, id int64) (Movement, error) {
	return s.repo.GetMovement(ctx, id)
}

// Corrections lists the correction history of a location.
func (s *Service) Corrections(ctx context.Context, locationID int64) ([]Correction, error) {
	return s.repo.ListCorrections(ctx, locationID)
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, log)
}
