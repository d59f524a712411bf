// Package ledgertest provides an in-memory ledger store for package tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

type state struct {
	locations    map[int64]ledger.Location
	reservations map[uuid.UUID]ledger.Reservation
	movements    []ledger.Movement
	corrections  []ledger.Correction
	nextLoc      int64
	nextMove     int64
	nextCorr     int64
}

func (s *state) clone() *state {
	out := &state{
		locations:    make(map[int64]ledger.Location, len(s.locations)),
		reservations: make(map[uuid.UUID]ledger.Reservation, len(s.reservations)),
		movements:    append([]ledger.Movement(nil), s.movements...),
		corrections:  append([]ledger.Correction(nil), s.corrections...),
		nextLoc:      s.nextLoc,
		nextMove:     s.nextMove,
		nextCorr:     s.nextCorr,
	}
	for k, v := range s.locations {
		out.locations[k] = v
	}
	for k, v := range s.reservations {
		out.reservations[k] = v
	}
	return out
}

// Store is a mutex guarded ledger. Writes run on a copy that replaces the
// committed state only when the callback succeeds, so failed commands leave
// no trace.
type Store struct {
	mu        sync.Mutex
	committed *state
	lockCalls [][]int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{committed: &state{
		locations:    map[int64]ledger.Location{},
		reservations: map[uuid.UUID]ledger.Reservation{},
	}}
}

// Tx is a single uncommitted unit of work on the store.
type Tx struct {
	store *Store
	st    *state
}

// Update runs fn on a working copy and commits it when fn returns nil and the
// row bounds still hold.
func (s *Store) Update(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{store: s, st: s.committed.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	for _, loc := range tx.st.locations {
		if loc.StockKg.IsNegative() || loc.StockKg.GreaterThan(loc.CapacityKg) ||
			loc.ReservedKg.IsNegative() || loc.ReservedKg.GreaterThan(loc.StockKg) {
			return fmt.Errorf("%w: locations_stock_bounds on %d", shared.ErrInvariantViolation, loc.ID)
		}
	}
	s.committed = tx.st
	return nil
}

// View runs fn against the committed state.
func (s *Store) View(fn func(*Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{store: s, st: s.committed})
}

// AddLocation seeds a location and returns it with its id.
func (s *Store) AddLocation(loc ledger.Location) ledger.Location {
	_ = s.Update(func(tx *Tx) error {
		tx.st.nextLoc++
		loc.ID = tx.st.nextLoc
		if loc.Status == "" {
			loc.Status = ledger.InitialStatus(loc.Kind)
		}
		loc.StockKg = ledger.Round(loc.StockKg)
		loc.CapacityKg = ledger.Round(loc.CapacityKg)
		tx.st.locations[loc.ID] = loc
		return nil
	})
	return loc
}

// Location returns the committed row, zero when missing.
func (s *Store) Location(id int64) ledger.Location {
	var out ledger.Location
	s.View(func(tx *Tx) { out = tx.st.locations[id] })
	return out
}

// Movements returns the committed movement journal.
func (s *Store) Movements() []ledger.Movement {
	var out []ledger.Movement
	s.View(func(tx *Tx) { out = append(out, tx.st.movements...) })
	return out
}

// Reservations returns committed reservations ordered by location.
func (s *Store) Reservations() []ledger.Reservation {
	var out []ledger.Reservation
	s.View(func(tx *Tx) {
		for _, r := range tx.st.reservations {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out
}

// LockCalls returns the id sets passed to LockLocations, in call order.
func (s *Store) LockCalls() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.lockCalls...)
}

// WithTx implements ledger.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return s.Update(func(tx *Tx) error { return fn(ctx, tx) })
}

func (s *Store) GetLocation(_ context.Context, id int64) (ledger.Location, error) {
	loc := s.Location(id)
	if loc.ID == 0 {
		return ledger.Location{}, fmt.Errorf("%w %d", ledger.ErrLocationNotFound, id)
	}
	return loc, nil
}

func (s *Store) ListLocations(_ context.Context, kind ledger.Kind) ([]ledger.Location, error) {
	var out []ledger.Location
	s.View(func(tx *Tx) {
		for _, loc := range tx.st.locations {
			if kind == "" || loc.Kind == kind {
				out = append(out, loc)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateLocation(_ context.Context, loc ledger.Location) (ledger.Location, error) {
	var dup bool
	s.View(func(tx *Tx) {
		for _, existing := range tx.st.locations {
			if existing.Kind == loc.Kind && existing.Name == loc.Name {
				dup = true
			}
		}
	})
	if dup {
		return ledger.Location{}, fmt.Errorf("%w: locations_kind_name_key", shared.ErrConflict)
	}
	loc.UpdatedAt = time.Now().UTC()
	return s.AddLocation(loc), nil
}

func (s *Store) Summary(ctx context.Context) ([]ledger.KindSummary, error) {
	locs, _ := s.ListLocations(ctx, "")
	byKind := map[ledger.Kind]*ledger.KindSummary{}
	var kinds []ledger.Kind
	for _, loc := range locs {
		sum, ok := byKind[loc.Kind]
		if !ok {
			sum = &ledger.KindSummary{Kind: loc.Kind}
			byKind[loc.Kind] = sum
			kinds = append(kinds, loc.Kind)
		}
		sum.Count++
		sum.CapacityKg = sum.CapacityKg.Add(loc.CapacityKg)
		sum.StockKg = sum.StockKg.Add(loc.StockKg)
		sum.ReservedKg = sum.ReservedKg.Add(loc.ReservedKg)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	out := make([]ledger.KindSummary, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, *byKind[k])
	}
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	all := s.Movements()
	var out []ledger.Movement
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if filter.Leg != "" && m.Leg != filter.Leg {
			continue
		}
		if filter.LocationID != 0 && !touches(m, filter.LocationID) {
			continue
		}
		out = append(out, m)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetMovement(_ context.Context, id int64) (ledger.Movement, error) {
	for _, m := range s.Movements() {
		if m.ID == id {
			return m, nil
		}
	}
	return ledger.Movement{}, fmt.Errorf("%w %d", ledger.ErrMovementNotFound, id)
}

func touches(m ledger.Movement, id int64) bool {
	return (m.SourceID != nil && *m.SourceID == id) || (m.DestID != nil && *m.DestID == id)
}

func (s *Store) ListCorrections(_ context.Context, locationID int64) ([]ledger.Correction, error) {
	var out []ledger.Correction
	s.View(func(tx *Tx) {
		for i := len(tx.st.corrections) - 1; i >= 0; i-- {
			if tx.st.corrections[i].LocationID == locationID {
				out = append(out, tx.st.corrections[i])
			}
		}
	})
	return out, nil
}

// LockLocations requires ascending ids, matching the row lock order of the
// postgres repository.
func (t *Tx) LockLocations(_ context.Context, ids []int64) (map[int64]ledger.Location, error) {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return nil, fmt.Errorf("ledgertest: lock order violated: %v", ids)
		}
	}
	t.store.lockCalls = append(t.store.lockCalls, append([]int64(nil), ids...))
	out := make(map[int64]ledger.Location, len(ids))
	for _, id := range ids {
		loc, ok := t.st.locations[id]
		if !ok {
			return nil, fmt.Errorf("%w %d", ledger.ErrLocationNotFound, id)
		}
		out[id] = loc
	}
	return out, nil
}

// InsertLocation adds a location inside the unit of work.
func (t *Tx) InsertLocation(_ context.Context, loc ledger.Location) (int64, error) {
	for _, other := range t.st.locations {
		if other.Kind == loc.Kind && other.Name == loc.Name {
			return 0, fmt.Errorf("%w: locations_kind_name_key", shared.ErrConflict)
		}
	}
	t.st.nextLoc++
	loc.ID = t.st.nextLoc
	t.st.locations[loc.ID] = loc
	return loc.ID, nil
}

func (t *Tx) SaveLocation(_ context.Context, loc ledger.Location) error {
	if _, ok := t.st.locations[loc.ID]; !ok {
		return fmt.Errorf("%w %d", ledger.ErrLocationNotFound, loc.ID)
	}
	t.st.locations[loc.ID] = loc
	return nil
}

func (t *Tx) InsertMovement(_ context.Context, m ledger.Movement) (int64, error) {
	if !m.Qty.GreaterThan(decimal.Zero) {
		return 0, fmt.Errorf("%w: transfers_quantity_kg_check", shared.ErrInvariantViolation)
	}
	t.st.nextMove++
	m.ID = t.st.nextMove
	t.st.movements = append(t.st.movements, m)
	return m.ID, nil
}

func (t *Tx) InsertReservation(_ context.Context, r ledger.Reservation) error {
	t.st.reservations[r.ID] = r
	return nil
}

func (t *Tx) ReservationsByOwner(_ context.Context, owner string) ([]ledger.Reservation, error) {
	var out []ledger.Reservation
	for _, r := range t.st.reservations {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (t *Tx) DeleteReservation(_ context.Context, id uuid.UUID) error {
	delete(t.st.reservations, id)
	return nil
}

func (t *Tx) InsertCorrection(_ context.Context, c ledger.Correction) (int64, error) {
	t.st.nextCorr++
	c.ID = t.st.nextCorr
	t.st.corrections = append(t.st.corrections, c)
	return c.ID, nil
}
