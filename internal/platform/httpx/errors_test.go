package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: bin 7", shared.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: qty", shared.ErrValidation), http.StatusBadRequest, "validation"},
		{fmt.Errorf("%w: planned", shared.ErrIllegalTransition), http.StatusConflict, "illegal_transition"},
		{shared.ErrIdempotencyConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: godown", shared.ErrInsufficientStock), http.StatusUnprocessableEntity, "insufficient_stock"},
		{fmt.Errorf("%w: bin", shared.ErrCapacityExceeded), http.StatusUnprocessableEntity, "capacity_exceeded"},
		{fmt.Errorf("%w: sum", shared.ErrInvariantViolation), http.StatusUnprocessableEntity, "invariant_violation"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	var seen []string
	ObserveErrors(func(kind string) { seen = append(seen, kind) })
	t.Cleanup(func() { ObserveErrors(nil) })

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		assert.Equal(t, tc.kind, ErrorKind(tc.err))
	}
	require.Len(t, seen, len(cases))
	assert.Equal(t, "invariant_violation", seen[6])
}

func TestRespondErrorBusySetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("%w: lock timeout", shared.ErrBusy))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Busy", body.Title)
}
