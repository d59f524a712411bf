package transfer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
)

// Leg types a movement along the mill flow.
type Leg string

const (
	LegIntakeUnload          Leg = "intake_unload"
	LegGodownToPrecleaning   Leg = "godown_to_precleaning"
	LegPrecleaningToCleaning Leg = "precleaning_to_cleaning"
	LegCleaningToCleaning    Leg = "cleaning_to_cleaning"
	LegCleaningToPrecleaning Leg = "cleaning_to_precleaning"
	LegCleaningToGrinding    Leg = "cleaning_to_grinding"
	LegPackagingToStorage    Leg = "packaging_to_storage"
	LegStorageToDispatch     Leg = "storage_to_dispatch"
	LegDispatchReturn        Leg = "dispatch_return"
	LegDispatchDelivered     Leg = "dispatch_delivered"
)

// Transfer is a journalled movement.
type Transfer = ledger.Movement

// ExecuteInput describes one movement. SourceID or DestID is zero on legs that
// start at a vehicle or process or end in one.
type ExecuteInput struct {
	Leg         Leg             `json:"leg"`
	SourceID    int64           `json:"source_id,omitempty"`
	DestID      int64           `json:"dest_id,omitempty"`
	Qty         decimal.Decimal `json:"quantity_kg"`
	Operator    string          `json:"operator,omitempty"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Notes       string          `json:"notes,omitempty"`

	// Category is the assigned quality category of an intake lot.
	Category  string `json:"-"`
	RefModule string `json:"-"`
	RefID     int64  `json:"-"`
}

// ListFilter narrows transfer listings.
type ListFilter struct {
	Leg        Leg
	LocationID int64
	Limit      int
	Offset     int
}

type rule struct {
	source ledger.Kind
	dest   ledger.Kind
	// check runs against the rows as locked before any delta of the batch.
	check func(src, dst ledger.Location, in ExecuteInput) error
}

var rules = map[Leg]rule{
	LegIntakeUnload: {
		dest:  ledger.KindGodown,
		check: checkCategory,
	},
	LegGodownToPrecleaning: {
		source: ledger.KindGodown,
		dest:   ledger.KindPrecleaningBin,
	},
	LegPrecleaningToCleaning: {
		source: ledger.KindPrecleaningBin,
		dest:   ledger.KindCleaningBin,
		check: func(_, dst ledger.Location, _ ExecuteInput) error {
			return requireDrained(dst)
		},
	},
	LegCleaningToCleaning: {
		source: ledger.KindCleaningBin,
		dest:   ledger.KindCleaningBin,
		check: func(src, dst ledger.Location, _ ExecuteInput) error {
			if src.CleaningClass != ledger.Class24h || dst.CleaningClass != ledger.Class12h {
				return fmt.Errorf("%w: cleaning_to_cleaning moves a 24h bin into a 12h bin", shared.ErrInvariantViolation)
			}
			if err := requireStatus(src, ledger.StatusCompleted); err != nil {
				return err
			}
			return requireDrained(dst)
		},
	},
	// Drains mass left in a bin released by a cancelled order.
	LegCleaningToPrecleaning: {
		source: ledger.KindCleaningBin,
		dest:   ledger.KindPrecleaningBin,
		check: func(src, _ ledger.Location, _ ExecuteInput) error {
			return requireStatus(src, ledger.StatusEmpty)
		},
	},
	LegCleaningToGrinding: {
		source: ledger.KindCleaningBin,
		check: func(src, _ ledger.Location, _ ExecuteInput) error {
			return requireStatus(src, ledger.StatusCompleted)
		},
	},
	LegPackagingToStorage: {
		dest: ledger.KindStorageArea,
	},
	LegStorageToDispatch: {
		source: ledger.KindStorageArea,
		dest:   ledger.KindDispatchVehicle,
		check: func(_, dst ledger.Location, _ ExecuteInput) error {
			return requireStatus(dst, ledger.StatusAvailable)
		},
	},
	LegDispatchReturn: {
		source: ledger.KindDispatchVehicle,
		dest:   ledger.KindStorageArea,
	},
	LegDispatchDelivered: {
		source: ledger.KindDispatchVehicle,
		check: func(src, _ ledger.Location, _ ExecuteInput) error {
			return requireStatus(src, ledger.StatusDispatched)
		},
	},
}

// Known reports whether leg has a rule.
func (l Leg) Known() bool {
	_, ok := rules[l]
	return ok
}

// Manual reports whether operators may issue the leg directly. The remaining
// legs are issued by the intake, production and dispatch pipelines.
func (l Leg) Manual() bool {
	switch l {
	case LegGodownToPrecleaning, LegPrecleaningToCleaning, LegCleaningToPrecleaning:
		return true
	}
	return false
}

func checkCategory(_, dst ledger.Location, in ExecuteInput) error {
	if !masterdata.SameCategory(dst.GodownType, in.Category) {
		return fmt.Errorf("%w: godown %s holds %q, lot is %q", ErrCategoryMismatch, dst.Name, dst.GodownType, in.Category)
	}
	return nil
}

func requireStatus(loc ledger.Location, want ledger.Status) error {
	if loc.Status != want {
		return fmt.Errorf("%w: %s is %s, needs %s", ErrLocationState, loc.Name, loc.Status, want)
	}
	return nil
}

// requireDrained accepts an empty cleaning bin that holds no leftover mass.
func requireDrained(loc ledger.Location) error {
	if err := requireStatus(loc, ledger.StatusEmpty); err != nil {
		return err
	}
	if !loc.StockKg.IsZero() {
		return fmt.Errorf("%w: %s still holds %s kg", ErrBinNotDrained, loc.Name, loc.StockKg)
	}
	return nil
}

var (
	// ErrUnknownLeg is returned for legs without a rule.
	ErrUnknownLeg = fmt.Errorf("%w: transfer: unknown leg", shared.ErrValidation)
	// ErrKindMismatch is returned when a location does not match the leg table.
	ErrKindMismatch = fmt.Errorf("%w: transfer: location kind does not match leg", shared.ErrInvariantViolation)
	// ErrCategoryMismatch is returned when an intake lot targets a godown of another type.
	ErrCategoryMismatch = fmt.Errorf("%w: transfer: godown type does not match quality category", shared.ErrInvariantViolation)
	// ErrLocationState is returned when a bin or vehicle is not in the status the leg needs.
	ErrLocationState = fmt.Errorf("%w: transfer: location state", shared.ErrIllegalTransition)
	// ErrBinNotDrained is returned when a cleaning bin is filled over leftover mass.
	ErrBinNotDrained = fmt.Errorf("%w: transfer: cleaning bin is not drained", shared.ErrIllegalTransition)
	// ErrManualLeg is returned when a pipeline owned leg is requested directly.
	ErrManualLeg = fmt.Errorf("%w: transfer: leg is issued by its pipeline", shared.ErrValidation)
)
