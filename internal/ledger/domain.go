package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/shared"
)

// Kind classifies a storage location.
type Kind string

const (
	// KindGodown is a typed bulk store for unprocessed wheat.
	KindGodown Kind = "godown"
	// KindPrecleaningBin feeds the cleaning stage.
	KindPrecleaningBin Kind = "precleaning_bin"
	// KindCleaningBin holds a batch for a timed cleaning interval.
	KindCleaningBin Kind = "cleaning_bin"
	// KindStorageArea holds packaged finished goods.
	KindStorageArea Kind = "storage_area"
	// KindDispatchVehicle is an outbound truck.
	KindDispatchVehicle Kind = "dispatch_vehicle"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGodown, KindPrecleaningBin, KindCleaningBin, KindStorageArea, KindDispatchVehicle:
		return true
	}
	return false
}

// CleaningClass distinguishes 24h and 12h cleaning bins.
type CleaningClass string

const (
	Class24h CleaningClass = "24h"
	Class12h CleaningClass = "12h"
)

// Duration is the fixed cleaning interval for the class.
func (c CleaningClass) Duration() time.Duration {
	switch c {
	case Class24h:
		return 24 * time.Hour
	case Class12h:
		return 12 * time.Hour
	}
	return 0
}

// Status is the lifecycle tag carried by cleaning bins and dispatch vehicles.
type Status string

const (
	StatusEmpty     Status = "empty"
	StatusFilling   Status = "filling"
	StatusCleaning  Status = "cleaning"
	StatusCompleted Status = "completed"

	StatusAvailable  Status = "available"
	StatusDispatched Status = "dispatched"
	StatusDelivered  Status = "delivered"
	StatusBlocked    Status = "blocked"
)

// InitialStatus returns the status a freshly registered location starts in.
func InitialStatus(k Kind) Status {
	switch k {
	case KindCleaningBin:
		return StatusEmpty
	case KindDispatchVehicle:
		return StatusAvailable
	}
	return ""
}

// Location is a ledger row: capacity and on-hand stock of one place.
type Location struct {
	ID            int64           `json:"id"`
	Kind          Kind            `json:"kind"`
	Name          string          `json:"name"`
	CapacityKg    decimal.Decimal `json:"capacity_kg"`
	StockKg       decimal.Decimal `json:"stock_kg"`
	ReservedKg    decimal.Decimal `json:"reserved_kg"`
	GodownTypeID  *int64          `json:"godown_type_id,omitempty"`
	GodownType    string          `json:"godown_type,omitempty"`
	CleaningClass CleaningClass   `json:"cleaning_class,omitempty"`
	Status        Status          `json:"status,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AvailableKg is stock not held by reservations.
func (l Location) AvailableKg() decimal.Decimal {
	return l.StockKg.Sub(l.ReservedKg)
}

// FreeCapacityKg is the mass the location can still take.
func (l Location) FreeCapacityKg() decimal.Decimal {
	return l.CapacityKg.Sub(l.StockKg)
}

// Delta is a signed change to the stock of one location.
type Delta struct {
	LocationID int64           `json:"location_id"`
	Qty        decimal.Decimal `json:"qty"`
}

// Reservation holds stock on a location for an owner such as a production plan.
type Reservation struct {
	ID         uuid.UUID       `json:"id"`
	LocationID int64           `json:"location_id"`
	Qty        decimal.Decimal `json:"qty"`
	Owner      string          `json:"owner"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Movement journals a ledger change between up to two locations.
type Movement struct {
	ID          int64           `json:"id"`
	Ref         uuid.UUID       `json:"ref"`
	Leg         string          `json:"leg"`
	SourceID    *int64          `json:"source_id,omitempty"`
	DestID      *int64          `json:"dest_id,omitempty"`
	Qty         decimal.Decimal `json:"quantity_kg"`
	Operator    string          `json:"operator"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	RefModule   string          `json:"ref_module,omitempty"`
	RefID       *int64          `json:"ref_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Correction is an audited administrative overwrite of a stock figure.
type Correction struct {
	ID         int64           `json:"id"`
	LocationID int64           `json:"location_id"`
	OldKg      decimal.Decimal `json:"old_kg"`
	NewKg      decimal.Decimal `json:"new_kg"`
	Reason     string          `json:"reason"`
	Actor      string          `json:"actor"`
	CreatedAt  time.Time       `json:"created_at"`
}

// KindSummary aggregates stock per location kind.
type KindSummary struct {
	Kind       Kind            `json:"kind"`
	Count      int             `json:"count"`
	CapacityKg decimal.Decimal `json:"capacity_kg"`
	StockKg    decimal.Decimal `json:"stock_kg"`
	ReservedKg decimal.Decimal `json:"reserved_kg"`
}

// NewLocationInput registers a location.
type NewLocationInput struct {
	Kind          Kind            `json:"kind" validate:"required,oneof=godown precleaning_bin cleaning_bin storage_area dispatch_vehicle"`
	Name          string          `json:"name" validate:"required,max=120"`
	CapacityKg    decimal.Decimal `json:"capacity_kg" validate:"gt=0"`
	GodownTypeID  *int64          `json:"godown_type_id,omitempty" validate:"required_if=Kind godown"`
	CleaningClass CleaningClass   `json:"cleaning_class,omitempty" validate:"required_if=Kind cleaning_bin"`
}

// CorrectionInput drives stock.correct.
type CorrectionInput struct {
	LocationID int64           `json:"-" validate:"gt=0"`
	NewKg      decimal.Decimal `json:"new_kg" validate:"gte=0"`
	Reason     string          `json:"reason" validate:"required,min=3"`
	Actor      string          `json:"-"`
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	LocationID int64
	Leg        string
	Limit      int
	Offset     int
}

var (
	// ErrLocationNotFound is returned for unknown location ids.
	ErrLocationNotFound = fmt.Errorf("%w: ledger: location", shared.ErrNotFound)
	// ErrMovementNotFound is returned for unknown movement ids.
	ErrMovementNotFound = fmt.Errorf("%w: ledger: movement", shared.ErrNotFound)
	// ErrNegativeStock is returned when a delta would take stock below zero.
	ErrNegativeStock = fmt.Errorf("%w: ledger: negative stock not allowed", shared.ErrInsufficientStock)
	// ErrReservedStock is returned when a delta would eat into reserved stock.
	ErrReservedStock = fmt.Errorf("%w: ledger: stock is reserved", shared.ErrInsufficientStock)
	// ErrInsufficientAvailable is returned when a reservation asks for more than the unreserved stock.
	ErrInsufficientAvailable = fmt.Errorf("%w: ledger: not enough unreserved stock", shared.ErrInsufficientStock)
	// ErrCapacityExceeded is returned when a delta would overfill a location.
	ErrCapacityExceeded = fmt.Errorf("%w: ledger: location capacity", shared.ErrCapacityExceeded)
	// ErrInvalidQuantity indicates a zero or negative quantity where a positive one is needed.
	ErrInvalidQuantity = fmt.Errorf("%w: ledger: quantity must be positive", shared.ErrValidation)
	// ErrNoDeltas indicates an empty delta set.
	ErrNoDeltas = fmt.Errorf("%w: ledger: no deltas", shared.ErrValidation)
)
