// Package cleaning tracks timed cleaning processes and the reminder events
// they raise while a batch sits in a cleaning bin.
package cleaning

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

// Status is the lifecycle of a cleaning process.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Process is one batch held in a cleaning bin for a fixed interval. EndTS is
// the earliest time the process may be completed; nothing completes it
// automatically.
type Process struct {
	ID             int64                `json:"id"`
	OrderID        int64                `json:"order_id"`
	JobID          int64                `json:"job_id"`
	BinID          int64                `json:"bin_id"`
	Class          ledger.CleaningClass `json:"class"`
	DurationH      int                  `json:"duration_h"`
	QuantityKg     decimal.Decimal      `json:"quantity_kg"`
	StartTS        time.Time            `json:"start_ts"`
	EndTS          time.Time            `json:"end_ts"`
	ActualEndTS    *time.Time           `json:"actual_end_ts,omitempty"`
	Status         Status               `json:"status"`
	MachineName    string               `json:"machine_name,omitempty"`
	Operator       string               `json:"operator,omitempty"`
	MoistureBefore *decimal.Decimal     `json:"moisture_before,omitempty"`
	MoistureAfter  *decimal.Decimal     `json:"moisture_after,omitempty"`
	TargetMoisture *decimal.Decimal     `json:"target_moisture,omitempty"`
	WaterAddedL    decimal.Decimal      `json:"water_added_l"`
	WasteKg        decimal.Decimal      `json:"waste_kg"`
}

// Duration is the planned length of the process.
func (p Process) Duration() time.Duration {
	return time.Duration(p.DurationH) * time.Hour
}

// OverdueBy reports how far now is past EndTS for a running process.
func (p Process) OverdueBy(now time.Time) time.Duration {
	if p.Status != StatusRunning || !now.After(p.EndTS) {
		return 0
	}
	return now.Sub(p.EndTS)
}

// Mark names a reminder point on the process timeline.
type Mark string

const (
	MarkProgress50 Mark = "progress_50"
	MarkProgress90 Mark = "progress_90"
	MarkOverdue5m  Mark = "overdue_5m"
	MarkOverdue10m Mark = "overdue_10m"
	MarkOverdue30m Mark = "overdue_30m"
)

// Event is a scheduled reminder. EmittedAt is set once, the first time a
// tick finds it due.
type Event struct {
	ID        int64      `json:"id"`
	ProcessID int64      `json:"process_id"`
	Mark      Mark       `json:"mark"`
	DueAt     time.Time  `json:"due_at"`
	EmittedAt *time.Time `json:"emitted_at,omitempty"`
}

// DueEvent joins an event with the process fields a tick logs.
type DueEvent struct {
	Event
	OrderID int64                `json:"order_id"`
	BinID   int64                `json:"bin_id"`
	Class   ledger.CleaningClass `json:"class"`
	EndTS   time.Time            `json:"end_ts"`
}

// Schedule returns the reminder events of p in due order: half way, 90% of
// the way, and 5, 10 and 30 minutes past EndTS.
func Schedule(p Process) []Event {
	d := p.Duration()
	at := func(m Mark, due time.Time) Event {
		return Event{ProcessID: p.ID, Mark: m, DueAt: due.UTC()}
	}
	return []Event{
		at(MarkProgress50, p.StartTS.Add(d/2)),
		at(MarkProgress90, p.StartTS.Add(d*9/10)),
		at(MarkOverdue5m, p.EndTS.Add(5*time.Minute)),
		at(MarkOverdue10m, p.EndTS.Add(10*time.Minute)),
		at(MarkOverdue30m, p.EndTS.Add(30*time.Minute)),
	}
}

// StartInput opens a process on a cleaning bin.
type StartInput struct {
	OrderID        int64
	JobID          int64
	BinID          int64
	Class          ledger.CleaningClass
	QuantityKg     decimal.Decimal
	StartTS        time.Time
	MachineName    string
	Operator       string
	MoistureBefore *decimal.Decimal
	TargetMoisture *decimal.Decimal
}

// CompleteInput carries the operator readings taken when a process ends.
type CompleteInput struct {
	MoistureAfter *decimal.Decimal `json:"moisture_after,omitempty"`
	WaterAddedL   decimal.Decimal  `json:"water_added_l"`
	WasteKg       decimal.Decimal  `json:"waste_kg"`
}

var (
	// ErrProcessNotFound is returned for unknown process ids.
	ErrProcessNotFound = fmt.Errorf("%w: cleaning: process", shared.ErrNotFound)
	// ErrBinBusy is returned when a bin already has a running process.
	ErrBinBusy = fmt.Errorf("%w: cleaning: bin already has a running process", shared.ErrConflict)
	// ErrNotRunning is returned when completing or cancelling a finished process.
	ErrNotRunning = fmt.Errorf("%w: cleaning: process is not running", shared.ErrIllegalTransition)
	// ErrTooEarly is returned when a process is completed before its end time.
	ErrTooEarly = fmt.Errorf("%w: cleaning: interval has not elapsed", shared.ErrIllegalTransition)
	// ErrWaterOn24h is returned when water is recorded on a 24h process.
	ErrWaterOn24h = fmt.Errorf("%w: cleaning: water is only added during 12h cleaning", shared.ErrValidation)
)
