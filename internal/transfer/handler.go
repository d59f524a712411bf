package transfer

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flourmill/flourmill/internal/platform/httpx"
	"github.com/flourmill/flourmill/internal/shared"
)

// Handler exposes manual transfers and the transfer log.
type Handler struct {
	logger *slog.Logger
	engine *Engine
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleExecute)
	r.Get("/{id}", h.handleGet)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var input ExecuteInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !input.Leg.Manual() {
		httpx.RespondError(w, ErrManualLeg)
		return
	}
	t, err := h.engine.Execute(r.Context(), input, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Leg: Leg(q.Get("leg"))}
	if v := q.Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid location_id")
			return
		}
		filter.LocationID = id
	}
	page, perPage := shared.PageFromQuery(q)
	filter.Limit = perPage
	filter.Offset = shared.NewPagination(page, perPage, 0).Offset()
	out, err := h.engine.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.engine.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}
