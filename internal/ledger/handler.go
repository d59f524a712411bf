package ledger

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flourmill/flourmill/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the location ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/summary", h.handleSummary)
	r.Get("/summary.xlsx", h.handleSummaryXLSX)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/correct", h.handleCorrect)
	r.Get("/{id}/corrections", h.handleCorrections)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	locs, err := h.service.List(r.Context(), Kind(r.URL.Query().Get("kind")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, locs)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input NewLocationInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := h.service.Create(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, loc)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, locationView{Location: loc, AvailableKg: loc.AvailableKg().String()})
}

type locationView struct {
	Location
	AvailableKg string `json:"available_kg"`
}

func (h *Handler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input CorrectionInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.LocationID = id
	corr, err := h.service.Correct(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("stock corrected",
		slog.Int64("location_id", corr.LocationID),
		slog.String("old_kg", corr.OldKg.String()),
		slog.String("new_kg", corr.NewKg.String()),
		slog.String("actor", corr.Actor))
	httpx.JSON(w, http.StatusOK, corr)
}

func (h *Handler) handleCorrections(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Corrections(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleSummaryXLSX(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locs, err := h.service.List(ctx, "")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.Summary(ctx)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, locs, summary); err != nil {
		h.logger.Error("render stock workbook", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	name := "stock-" + time.Now().UTC().Format("20060102-1504") + ".xlsx"
	w.Header().Set("Content-Type", httpx.XLSXContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
