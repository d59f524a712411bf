package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/dispatch"
	"github.com/flourmill/flourmill/internal/intake"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/observability"
	"github.com/flourmill/flourmill/internal/platform/httpx"
	"github.com/flourmill/flourmill/internal/production"
	"github.com/flourmill/flourmill/internal/transfer"
	"github.com/flourmill/flourmill/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	Pool    *pgxpool.Pool

	MasterDataHandler *masterdata.Handler
	LedgerHandler     *ledger.Handler
	TransferHandler   *transfer.Handler
	IntakeHandler     *intake.Handler
	ProductionHandler *production.Handler
	CleaningHandler   *cleaning.Handler
	DispatchHandler   *dispatch.Handler
	JobHandler        *jobs.Handler
}

// NewRouter constructs the chi.Router with flourmill defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(params.Pool))

	if params.MasterDataHandler != nil {
		r.Route("/masterdata", params.MasterDataHandler.MountRoutes)
	}
	if params.LedgerHandler != nil {
		r.Route("/locations", params.LedgerHandler.MountRoutes)
	}
	if params.TransferHandler != nil {
		r.Route("/transfers", params.TransferHandler.MountRoutes)
	}
	if params.IntakeHandler != nil {
		r.Route("/vehicles", params.IntakeHandler.MountRoutes)
	}
	if params.ProductionHandler != nil {
		r.Route("/orders", params.ProductionHandler.MountRoutes)
	}
	if params.CleaningHandler != nil {
		r.Route("/cleaning", params.CleaningHandler.MountRoutes)
	}
	if params.DispatchHandler != nil {
		r.Route("/sales-orders", params.DispatchHandler.MountSalesOrders)
		r.Route("/dispatch-vehicles", params.DispatchHandler.MountVehicles)
		r.Route("/dispatches", params.DispatchHandler.MountDispatches)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		httpx.ObserveErrors(params.Metrics.CountDomainError)
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","postgres":"down"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
