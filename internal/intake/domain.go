// Package intake walks inbound wheat trucks from arrival through the lab and
// the weighbridge into a godown.
package intake

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/shared"
)

// Status is the lifecycle of an inbound vehicle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusQualityCheck Status = "quality_check"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusUnloaded     Status = "unloaded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQualityCheck, StatusApproved, StatusRejected, StatusUnloaded:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusQualityCheck, StatusRejected},
	StatusQualityCheck: {StatusApproved, StatusRejected},
	StatusApproved:     {StatusUnloaded},
}

// CanTransition reports whether a vehicle may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Vehicle is one inbound truck and the lot it carries.
type Vehicle struct {
	ID              int64            `json:"id"`
	VehicleNumber   string           `json:"vehicle_number"`
	SupplierID      int64            `json:"supplier_id"`
	DriverName      string           `json:"driver_name,omitempty"`
	DriverPhone     string           `json:"driver_phone,omitempty"`
	ArrivalTime     time.Time        `json:"arrival_time"`
	BillRef         string           `json:"bill_ref,omitempty"`
	Status          Status           `json:"status"`
	QualityCategory string           `json:"quality_category,omitempty"`
	OwnerApproved   bool             `json:"owner_approved"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	GrossKg         *decimal.Decimal `json:"gross_kg,omitempty"`
	TareKg          *decimal.Decimal `json:"tare_kg,omitempty"`
	NetKg           *decimal.Decimal `json:"net_kg,omitempty"`
	GodownID        *int64           `json:"godown_id,omitempty"`
	UnloadedAt      *time.Time       `json:"unloaded_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Weighed reports whether weights were already captured.
func (v Vehicle) Weighed() bool {
	return v.GrossKg != nil || v.TareKg != nil
}

// GrainAnalysis holds the optional wheat lab readings, in percent unless noted.
type GrainAnalysis struct {
	ForeignMatter     *decimal.Decimal `json:"foreign_matter,omitempty"`
	BrokenGrains      *decimal.Decimal `json:"broken_grains,omitempty"`
	ShrivelledBroken  *decimal.Decimal `json:"shrivelled_broken,omitempty"`
	Damaged           *decimal.Decimal `json:"damaged,omitempty"`
	Weevilled         *decimal.Decimal `json:"weevilled,omitempty"`
	OtherFoodGrains   *decimal.Decimal `json:"other_food_grains,omitempty"`
	Sprouted          *decimal.Decimal `json:"sprouted,omitempty"`
	Immature          *decimal.Decimal `json:"immature,omitempty"`
	TestWeightKgPerHl *decimal.Decimal `json:"test_weight,omitempty"`
}

// FlourAnalysis holds the optional flour-quality readings.
type FlourAnalysis struct {
	Gluten             *decimal.Decimal `json:"gluten,omitempty"`
	Protein            *decimal.Decimal `json:"protein,omitempty"`
	FallingNumber      *int             `json:"falling_number,omitempty"`
	AshContent         *decimal.Decimal `json:"ash_content,omitempty"`
	WetGluten          *decimal.Decimal `json:"wet_gluten,omitempty"`
	DryGluten          *decimal.Decimal `json:"dry_gluten,omitempty"`
	SedimentationValue *decimal.Decimal `json:"sedimentation_value,omitempty"`
}

// QualityTest is one lab result for a vehicle.
type QualityTest struct {
	ID               int64           `json:"id"`
	VehicleID        int64           `json:"vehicle_id"`
	SampleBagsTested int             `json:"sample_bags_tested"`
	TotalBags        int             `json:"total_bags"`
	CategoryAssigned string          `json:"category_assigned"`
	MoistureContent  decimal.Decimal `json:"moisture_content"`
	Grain            GrainAnalysis   `json:"grain"`
	Flour            FlourAnalysis   `json:"flour"`
	LabInstructor    string          `json:"lab_instructor,omitempty"`
	TestedBy         string          `json:"tested_by,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	SampleRef        string          `json:"sample_ref,omitempty"`
	Approved         bool            `json:"approved"`
	TestTime         time.Time       `json:"test_time"`
}

// RegisterInput records a truck at the gate.
type RegisterInput struct {
	VehicleNumber string     `json:"vehicle_number" validate:"required,max=20"`
	SupplierID    int64      `json:"supplier_id" validate:"required,gt=0"`
	DriverName    string     `json:"driver_name" validate:"max=120"`
	DriverPhone   string     `json:"driver_phone" validate:"max=30"`
	ArrivalTime   *time.Time `json:"arrival_time,omitempty"`
	BillRef       string     `json:"bill_ref" validate:"max=255"`
}

// QualityTestInput is a lab submission.
type QualityTestInput struct {
	SampleBagsTested int             `json:"sample_bags_tested" validate:"gt=0,ltefield=TotalBags"`
	TotalBags        int             `json:"total_bags" validate:"gt=0"`
	CategoryAssigned string          `json:"category_assigned" validate:"required_if=Approved true,max=60"`
	MoistureContent  decimal.Decimal `json:"moisture_content" validate:"gte=0,lte=100"`
	Grain            GrainAnalysis   `json:"grain"`
	Flour            FlourAnalysis   `json:"flour"`
	LabInstructor    string          `json:"lab_instructor"`
	TestedBy         string          `json:"tested_by"`
	Notes            string          `json:"notes"`
	SampleRef        string          `json:"sample_ref"`
	Approved         bool            `json:"approved"`
}

// WeighInInput carries weighbridge readings and the target godown.
type WeighInInput struct {
	GrossKg     decimal.Decimal `json:"gross_kg"`
	TareKg      decimal.Decimal `json:"tare_kg"`
	GodownID    int64           `json:"godown_id" validate:"required,gt=0"`
	EvidenceRef string          `json:"evidence_ref"`
}

// RejectInput turns a lot away.
type RejectInput struct {
	Reason string `json:"reason" validate:"required,min=3"`
}

var (
	// ErrVehicleNotFound is returned for unknown vehicle ids.
	ErrVehicleNotFound = fmt.Errorf("%w: intake: vehicle", shared.ErrNotFound)
	// ErrInvalidTransition is returned when the vehicle is not in the status a step needs.
	ErrInvalidTransition = fmt.Errorf("%w: intake: vehicle status", shared.ErrIllegalTransition)
	// ErrNoApprovedTest is returned when approval is requested without a passing lab result.
	ErrNoApprovedTest = fmt.Errorf("%w: intake: no approved quality test", shared.ErrIllegalTransition)
	// ErrAlreadyWeighed is returned on a second weight submission.
	ErrAlreadyWeighed = fmt.Errorf("%w: intake: weights already recorded", shared.ErrConflict)
	// ErrNonPositiveNet is returned when tare is not below gross.
	ErrNonPositiveNet = fmt.Errorf("%w: intake: net weight must be positive", shared.ErrValidation)
)
