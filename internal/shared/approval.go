package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates sign-off steps.
type ApprovalAction string

const (
	// ApprovalSubmit marks a lab submission awaiting the owner.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an owner approval.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a rejection by the lab or the owner.
	ApprovalReject ApprovalAction = "REJECT"
)

// ApprovalLog is one step of a sign-off trail.
type ApprovalLog struct {
	ID     int64          `json:"id"`
	Module string         `json:"module"`
	RefID  uuid.UUID      `json:"ref_id"`
	Actor  string         `json:"actor"`
	Action ApprovalAction `json:"action"`
	Note   string         `json:"note,omitempty"`
	At     time.Time      `json:"at"`
}

// RefUUID derives a stable approval reference for an entity row.
func RefUUID(entity string, id int64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("flourmill:%s:%d", entity, id)))
}

// ApprovalRecorder keeps the sign-off trail of lots and other gated rows.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record appends a step. A missing actor is recorded as the system operator.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.pool == nil {
		return errors.New("approval recorder not initialised")
	}
	switch {
	case log.Module == "":
		return fmt.Errorf("%w: approval module required", ErrValidation)
	case log.RefID == uuid.Nil:
		return fmt.Errorf("%w: approval ref required", ErrValidation)
	}
	switch log.Action {
	case ApprovalSubmit, ApprovalApprove, ApprovalReject:
	default:
		return fmt.Errorf("%w: unknown approval action %q", ErrValidation, log.Action)
	}
	if log.Actor == "" {
		log.Actor = OperatorFromContext(ctx)
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor, action, note, at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.Module, log.RefID, log.Actor, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval",
			slog.String("module", log.Module),
			slog.String("action", string(log.Action)),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Trail returns the steps recorded for module/ref, oldest first.
func (r *ApprovalRecorder) Trail(ctx context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, actor, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ApprovalLog, error) {
		var l ApprovalLog
		var action string
		if err := row.Scan(&l.ID, &l.Module, &l.RefID, &l.Actor, &action, &l.Note, &l.At); err != nil {
			return ApprovalLog{}, err
		}
		l.Action = ApprovalAction(action)
		l.At = l.At.UTC()
		return l, nil
	})
}
