package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/shared"
)

func TestRouterHealthz(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "test"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouterSkipsUnwiredGroups(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "test"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorMiddleware(t *testing.T) {
	var got string
	h := OperatorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.OperatorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
	req.Header.Set(shared.OperatorHeader, "ravi")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "ravi", got)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{LedgerLockTimeout: 1, GrindingMainTarget: 0.76, GrindingTolerance: 0.01}
	require.NoError(t, cfg.validate())

	cfg.GrindingMainTarget = 1.2
	require.Error(t, cfg.validate())

	cfg = Config{LedgerLockTimeout: 0, GrindingMainTarget: 0.76}
	require.Error(t, cfg.validate())
}
