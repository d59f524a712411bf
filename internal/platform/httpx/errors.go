package httpx

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/flourmill/flourmill/internal/shared"
)

type errorMapping struct {
	kind   error
	label  string
	status int
	title  string
}

// First match wins.
var errorMappings = []errorMapping{
	{shared.ErrNotFound, "not_found", http.StatusNotFound, "Not Found"},
	{shared.ErrValidation, "validation", http.StatusBadRequest, "Validation Failed"},
	{shared.ErrIllegalTransition, "illegal_transition", http.StatusConflict, "Illegal Transition"},
	{shared.ErrConflict, "conflict", http.StatusConflict, "Conflict"},
	{shared.ErrInsufficientStock, "insufficient_stock", http.StatusUnprocessableEntity, "Insufficient Stock"},
	{shared.ErrCapacityExceeded, "capacity_exceeded", http.StatusUnprocessableEntity, "Capacity Exceeded"},
	{shared.ErrInvariantViolation, "invariant_violation", http.StatusUnprocessableEntity, "Invariant Violation"},
	{shared.ErrBusy, "busy", http.StatusServiceUnavailable, "Busy"},
}

var observer atomic.Pointer[func(kind string)]

// ObserveErrors registers fn to receive the kind label of every mapped error.
func ObserveErrors(fn func(kind string)) {
	if fn == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&fn)
}

// ErrorKind returns the label of the error kind err wraps, or "internal".
func ErrorKind(err error) string {
	for _, m := range errorMappings {
		if errors.Is(err, m.kind) {
			return m.label
		}
	}
	return "internal"
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.kind) {
			continue
		}
		if fn := observer.Load(); fn != nil {
			(*fn)(m.label)
		}
		if m.kind == shared.ErrBusy {
			w.Header().Set("Retry-After", "1")
		}
		Problem(w, m.status, m.title, err.Error())
		return
	}
	if fn := observer.Load(); fn != nil {
		(*fn)("internal")
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
