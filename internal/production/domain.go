// Package production coordinates production orders from plan through
// cleaning, grinding and packing.
package production

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/shared"
)

// OrderStatus is the lifecycle of a production order.
type OrderStatus string

const (
	OrderPending     OrderStatus = "pending"
	OrderPlanned     OrderStatus = "planned"
	OrderCleaning24h OrderStatus = "cleaning_24h"
	OrderCleaning12h OrderStatus = "cleaning_12h"
	OrderGrinding    OrderStatus = "grinding"
	OrderPacked      OrderStatus = "packed"
	OrderCompleted   OrderStatus = "completed"
	OrderRejected    OrderStatus = "rejected"
	OrderCancelled   OrderStatus = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderRejected || s == OrderCancelled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPlanned, OrderCleaning24h, OrderCleaning12h, OrderGrinding,
		OrderPacked, OrderCompleted, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// Priority ranks orders on the floor.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Order is a request to mill a quantity of one product.
type Order struct {
	ID               int64           `json:"id"`
	OrderNumber      string          `json:"order_number"`
	CustomerID       *int64          `json:"customer_id,omitempty"`
	ProductID        int64           `json:"product_id"`
	QuantityKg       decimal.Decimal `json:"quantity_kg"`
	Priority         Priority        `json:"priority"`
	Status           OrderStatus     `json:"status"`
	Requires24h      bool            `json:"requires_24h"`
	Requires12h      bool            `json:"requires_12h"`
	TargetCompletion *time.Time      `json:"target_completion,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Plan splits an order across pre-cleaning bins.
type Plan struct {
	ID        int64      `json:"id"`
	OrderID   int64      `json:"order_id"`
	Locked    bool       `json:"locked"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	PlannedBy string     `json:"planned_by,omitempty"`
	Items     []PlanItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Owner is the reservation owner key of the plan.
func (p Plan) Owner() string {
	return fmt.Sprintf("plan:%d", p.ID)
}

// PlanItem draws a share of the order from one bin.
type PlanItem struct {
	ID         int64           `json:"id"`
	BinID      int64           `json:"bin_id"`
	Percentage decimal.Decimal `json:"percentage"`
	ComputedKg decimal.Decimal `json:"computed_kg"`
}

// Stage is a step of the production flow.
type Stage string

const (
	StageTransfer    Stage = "transfer"
	StageCleaning24h Stage = "cleaning_24h"
	StageCleaning12h Stage = "cleaning_12h"
	StageGrinding    Stage = "grinding"
	StagePacking     Stage = "packing"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageTransfer, StageCleaning24h, StageCleaning12h, StageGrinding, StagePacking:
		return true
	}
	return false
}

// JobStatus is the state of one stage run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one run of a stage for an order.
type Job struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"order_id"`
	Stage       Stage      `json:"stage"`
	Status      JobStatus  `json:"status"`
	BinID       *int64     `json:"bin_id,omitempty"`
	Operator    string     `json:"operator,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GrindingSession records the mill run of a cleaned batch.
type GrindingSession struct {
	ID                int64            `json:"id"`
	OrderID           int64            `json:"order_id"`
	JobID             int64            `json:"job_id"`
	CleaningProcessID int64            `json:"cleaning_process_id"`
	InputKg           decimal.Decimal  `json:"input_kg"`
	MainKg            *decimal.Decimal `json:"main_kg,omitempty"`
	BranKg            *decimal.Decimal `json:"bran_kg,omitempty"`
	MainPercentage    *decimal.Decimal `json:"main_percentage,omitempty"`
	BranPercentage    *decimal.Decimal `json:"bran_percentage,omitempty"`
	Target            decimal.Decimal  `json:"target"`
	Tolerance         decimal.Decimal  `json:"tolerance"`
	BranAlert         bool             `json:"bran_alert"`
	B1ScaleOperator   string           `json:"b1_scale_operator,omitempty"`
	B1ScaleWeightKg   *decimal.Decimal `json:"b1_scale_weight_kg,omitempty"`
	Status            JobStatus        `json:"status"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// BagWeights lists the bag sizes the packing line fills.
var BagWeights = []int{25, 30, 50}

func validBag(kg int) bool {
	for _, w := range BagWeights {
		if w == kg {
			return true
		}
	}
	return false
}

// PackagingRecord is one bagging run into a storage area.
type PackagingRecord struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	ProductID     int64           `json:"product_id"`
	StorageAreaID int64           `json:"storage_area_id"`
	BagWeightKg   int             `json:"bag_weight_kg"`
	BagCount      int             `json:"bag_count"`
	TotalKg       decimal.Decimal `json:"total_kg"`
	Operator      string          `json:"operator,omitempty"`
	PackedAt      time.Time       `json:"packed_at"`
}

// FinishedGoods is stock produced by a packaging record.
type FinishedGoods struct {
	ID                int64           `json:"id"`
	PackagingRecordID int64           `json:"packaging_record_id"`
	ProductID         int64           `json:"product_id"`
	StorageAreaID     int64           `json:"storage_area_id"`
	QuantityKg        decimal.Decimal `json:"quantity_kg"`
	CreatedAt         time.Time       `json:"created_at"`
}

// OrderView is an order with everything recorded against it.
type OrderView struct {
	Order
	Plan      *Plan              `json:"plan,omitempty"`
	Jobs      []Job              `json:"jobs"`
	Processes []cleaning.Process `json:"cleaning_processes"`
	Grinding  []GrindingSession  `json:"grinding_sessions"`
	Packaging []PackagingRecord  `json:"packaging"`
}

// CreateOrderInput is the payload of order.create.
type CreateOrderInput struct {
	CustomerID       *int64          `json:"customer_id,omitempty"`
	ProductID        int64           `json:"product_id" validate:"required,gt=0"`
	QuantityKg       decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	Priority         Priority        `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Requires24h      *bool           `json:"requires_24h,omitempty"`
	Requires12h      *bool           `json:"requires_12h,omitempty"`
	TargetCompletion *time.Time      `json:"target_completion,omitempty"`
}

// PlanItemInput is one line of order.plan.upsert.
type PlanItemInput struct {
	BinID      int64           `json:"bin_id" validate:"required,gt=0"`
	Percentage decimal.Decimal `json:"percentage" validate:"gt=0,lte=100"`
}

// PlanInput replaces the items of an unlocked plan.
type PlanInput struct {
	Items []PlanItemInput `json:"items" validate:"required,min=1,dive"`
}

// StartStageInput carries the parameters each stage takes when it starts.
type StartStageInput struct {
	// transfer
	SourceID   int64           `json:"source_id,omitempty"`
	DestID     int64           `json:"dest_id,omitempty"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	// cleaning
	BinID          int64            `json:"bin_id,omitempty"`
	MachineName    string           `json:"machine_name,omitempty"`
	MoistureBefore *decimal.Decimal `json:"moisture_before,omitempty"`
	TargetMoisture *decimal.Decimal `json:"target_moisture,omitempty"`

	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// PackLine is one bag size of a packing run.
type PackLine struct {
	BagWeightKg int `json:"bag_weight_kg"`
	BagCount    int `json:"bag_count" validate:"gt=0"`
}

// CompleteStageInput carries the outputs recorded when a stage ends.
type CompleteStageInput struct {
	// cleaning
	MoistureAfter *decimal.Decimal `json:"moisture_after,omitempty"`
	WaterAddedL   decimal.Decimal  `json:"water_added_l"`
	WasteKg       decimal.Decimal  `json:"waste_kg"`
	// grinding
	MainKg          decimal.Decimal  `json:"main_kg"`
	BranKg          decimal.Decimal  `json:"bran_kg"`
	B1ScaleOperator string           `json:"b1_scale_operator,omitempty"`
	B1ScaleWeightKg *decimal.Decimal `json:"b1_scale_weight_kg,omitempty"`
	// packing
	StorageAreaID int64      `json:"storage_area_id,omitempty"`
	ProductID     int64      `json:"product_id,omitempty"`
	Lines         []PackLine `json:"lines,omitempty"`
}

// CancelInput carries the reason for cancelling or rejecting an order.
type CancelInput struct {
	Reason string `json:"reason" validate:"required,min=3"`
}

var (
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = fmt.Errorf("%w: production: order", shared.ErrNotFound)
	// ErrPlanNotFound is returned when an order has no plan.
	ErrPlanNotFound = fmt.Errorf("%w: production: plan", shared.ErrNotFound)
	// ErrOrderState is returned when the order is not in the status a command needs.
	ErrOrderState = fmt.Errorf("%w: production: order status", shared.ErrIllegalTransition)
	// ErrPlanLocked is returned when a locked plan is edited.
	ErrPlanLocked = fmt.Errorf("%w: production: plan is locked", shared.ErrIllegalTransition)
	// ErrPercentageSum is returned when plan percentages do not total 100.
	ErrPercentageSum = fmt.Errorf("%w: production: plan percentages must sum to 100", shared.ErrInvariantViolation)
	// ErrStageBusy is returned when an exclusive stage is already running.
	ErrStageBusy = fmt.Errorf("%w: production: stage already running", shared.ErrConflict)
	// ErrPredecessor is returned when a stage starts before the one it follows completed.
	ErrPredecessor = fmt.Errorf("%w: production: previous stage not completed", shared.ErrIllegalTransition)
	// ErrUnknownStage is returned for stage names outside the flow.
	ErrUnknownStage = fmt.Errorf("%w: production: unknown stage", shared.ErrValidation)
	// ErrBinClass is returned when a cleaning bin of the wrong class is chosen.
	ErrBinClass = fmt.Errorf("%w: production: cleaning bin class", shared.ErrInvariantViolation)
	// ErrOutputExceedsInput is returned when grinding outputs exceed the batch.
	ErrOutputExceedsInput = fmt.Errorf("%w: production: main and bran exceed grinding input", shared.ErrInvariantViolation)
	// ErrBagWeight is returned for bag sizes the line does not fill.
	ErrBagWeight = fmt.Errorf("%w: production: bag weight must be 25, 30 or 50 kg", shared.ErrValidation)
)
