package cleaning

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flourmill/flourmill/internal/platform/httpx"
)

// Handler exposes the cleaning query surface.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler constructs the cleaning handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers cleaning routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/overdue", h.handleOverdue)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/events", h.handleEvents)
}

type overdueView struct {
	Process
	OverdueMinutes int64 `json:"overdue_minutes"`
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	procs, err := h.service.Overdue(r.Context(), now)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]overdueView, 0, len(procs))
	for _, p := range procs {
		out = append(out, overdueView{Process: p, OverdueMinutes: int64(p.OverdueBy(now) / time.Minute)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.service.Events(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}
