package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/shared"
)

// TxRepository exposes the row operations ledger changes are built from.
// LockLocations must lock rows in ascending id order and fail with
// ErrLocationNotFound when any id is unknown.
type TxRepository interface {
	LockLocations(ctx context.Context, ids []int64) (map[int64]Location, error)
	SaveLocation(ctx context.Context, loc Location) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertReservation(ctx context.Context, r Reservation) error
	ReservationsByOwner(ctx context.Context, owner string) ([]Reservation, error)
	DeleteReservation(ctx context.Context, id uuid.UUID) error
	InsertCorrection(ctx context.Context, c Correction) (int64, error)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// SortedIDs returns the distinct ids in ascending order, the order every
// writer must lock locations in.
func SortedIDs(ids ...int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LockOne locks a single location.
func LockOne(ctx context.Context, tx TxRepository, id int64) (Location, error) {
	locs, err := tx.LockLocations(ctx, []int64{id})
	if err != nil {
		return Location{}, err
	}
	loc, ok := locs[id]
	if !ok {
		return Location{}, fmt.Errorf("%w %d", ErrLocationNotFound, id)
	}
	return loc, nil
}

// ApplyTx applies signed deltas inside tx. Deltas on the same location are
// netted first; every resulting stock is checked before anything is written so
// either all deltas land or none do.
func ApplyTx(ctx context.Context, tx TxRepository, deltas []Delta) (map[int64]Location, error) {
	if len(deltas) == 0 {
		return nil, ErrNoDeltas
	}
	net := make(map[int64]decimal.Decimal, len(deltas))
	ids := make([]int64, 0, len(deltas))
	for _, d := range deltas {
		if d.LocationID <= 0 {
			return nil, fmt.Errorf("%w: location id required", shared.ErrValidation)
		}
		net[d.LocationID] = net[d.LocationID].Add(Round(d.Qty))
		ids = append(ids, d.LocationID)
	}
	ids = SortedIDs(ids...)
	locs, err := tx.LockLocations(ctx, ids)
	if err != nil {
		return nil, err
	}
	next := make(map[int64]decimal.Decimal, len(ids))
	for _, id := range ids {
		loc, ok := locs[id]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrLocationNotFound, id)
		}
		v := Round(loc.StockKg.Add(net[id]))
		switch {
		case v.IsNegative():
			return nil, fmt.Errorf("%w: %s holds %s kg, delta %s kg", ErrNegativeStock, loc.Name, loc.StockKg, net[id])
		case v.LessThan(loc.ReservedKg):
			return nil, fmt.Errorf("%w: %s has %s kg reserved, delta %s kg", ErrReservedStock, loc.Name, loc.ReservedKg, net[id])
		case v.GreaterThan(loc.CapacityKg):
			return nil, fmt.Errorf("%w: %s capacity %s kg, would hold %s kg", ErrCapacityExceeded, loc.Name, loc.CapacityKg, v)
		}
		next[id] = v
	}
	ts := now()
	for _, id := range ids {
		loc := locs[id]
		loc.StockKg = next[id]
		loc.UpdatedAt = ts
		if err := tx.SaveLocation(ctx, loc); err != nil {
			return nil, err
		}
		locs[id] = loc
	}
	return locs, nil
}

// ReserveTx holds stock for owner on every requested location. All locations
// are checked before any reservation is written.
func ReserveTx(ctx context.Context, tx TxRepository, owner string, reqs ...Delta) ([]Reservation, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: reservation owner required", shared.ErrValidation)
	}
	if len(reqs) == 0 {
		return nil, ErrNoDeltas
	}
	want := make(map[int64]decimal.Decimal, len(reqs))
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		qty := Round(r.Qty)
		if !qty.IsPositive() {
			return nil, ErrInvalidQuantity
		}
		want[r.LocationID] = want[r.LocationID].Add(qty)
		ids = append(ids, r.LocationID)
	}
	ids = SortedIDs(ids...)
	locs, err := tx.LockLocations(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		loc, ok := locs[id]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrLocationNotFound, id)
		}
		if loc.AvailableKg().LessThan(want[id]) {
			return nil, fmt.Errorf("%w: %s has %s kg available, %s kg requested", ErrInsufficientAvailable, loc.Name, loc.AvailableKg(), want[id])
		}
	}
	ts := now()
	out := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		loc := locs[id]
		loc.ReservedKg = Round(loc.ReservedKg.Add(want[id]))
		loc.UpdatedAt = ts
		if err := tx.SaveLocation(ctx, loc); err != nil {
			return nil, err
		}
		res := Reservation{ID: uuid.New(), LocationID: id, Qty: want[id], Owner: owner, CreatedAt: ts}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// ReleaseOwnerTx drops every reservation held by owner and returns them.
func ReleaseOwnerTx(ctx context.Context, tx TxRepository, owner string) ([]Reservation, error) {
	held, err := tx.ReservationsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(held))
	for _, r := range held {
		ids = append(ids, r.LocationID)
	}
	locs, err := tx.LockLocations(ctx, SortedIDs(ids...))
	if err != nil {
		return nil, err
	}
	ts := now()
	for _, r := range held {
		loc := locs[r.LocationID]
		loc.ReservedKg = Round(loc.ReservedKg.Sub(r.Qty))
		if loc.ReservedKg.IsNegative() {
			loc.ReservedKg = decimal.Zero
		}
		loc.UpdatedAt = ts
		if err := tx.SaveLocation(ctx, loc); err != nil {
			return nil, err
		}
		locs[r.LocationID] = loc
		if err := tx.DeleteReservation(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return held, nil
}

// SetStatusTx updates the lifecycle tag of a cleaning bin or dispatch vehicle.
func SetStatusTx(ctx context.Context, tx TxRepository, id int64, status Status) (Location, error) {
	loc, err := LockOne(ctx, tx, id)
	if err != nil {
		return Location{}, err
	}
	loc.Status = status
	loc.UpdatedAt = now()
	if err := tx.SaveLocation(ctx, loc); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// RecordTx journals a movement, filling ref and timestamp when absent.
func RecordTx(ctx context.Context, tx TxRepository, m Movement) (Movement, error) {
	if m.Ref == uuid.Nil {
		m.Ref = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.Qty = Round(m.Qty)
	id, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}
	m.ID = id
	return m, nil
}
