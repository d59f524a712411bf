package shared

import "errors"

// Error kinds shared by every flourmill module. Package level errors wrap one
// of these so callers can branch with errors.Is.
var (
	// ErrNotFound indicates a referenced entity is absent.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition indicates a lifecycle change that is not allowed.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInsufficientStock indicates a reservation or delta would drive stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCapacityExceeded indicates a delta would push stock above capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvariantViolation indicates a domain invariant would break.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrConflict indicates a uniqueness or concurrent-modification clash.
	ErrConflict = errors.New("conflict")
	// ErrBusy indicates a lock could not be acquired within its bound.
	ErrBusy = errors.New("busy")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// Kind returns the error kind wrapped by err, or nil if none matches.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrIllegalTransition,
		ErrInsufficientStock,
		ErrCapacityExceeded,
		ErrInvariantViolation,
		ErrConflict,
		ErrBusy,
		ErrValidation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// UserSafeMessage returns the message of a known error kind and hides anything else.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	if Kind(err) != nil {
		return err.Error()
	}
	return "internal error"
}
