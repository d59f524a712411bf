package dispatch

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flourmill/flourmill/internal/platform/httpx"
	"github.com/flourmill/flourmill/internal/shared"
)

// Handler exposes sales orders, dispatch vehicles and dispatches.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the dispatch handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountSalesOrders registers /sales-orders routes.
func (h *Handler) MountSalesOrders(r chi.Router) {
	r.Get("/", h.handleListSalesOrders)
	r.Post("/", h.handleCreateSalesOrder)
	r.Get("/{id}", h.handleGetSalesOrder)
	r.Get("/{id}/dispatches", h.handleOrderDispatches)
}

// MountVehicles registers /dispatch-vehicles routes.
func (h *Handler) MountVehicles(r chi.Router) {
	r.Get("/", h.handleListVehicles)
	r.Post("/", h.handleCreateVehicle)
	r.Get("/{id}", h.handleGetVehicle)
	r.Post("/{id}/return", h.handleReturn)
	r.Post("/{id}/block", h.handleBlock(true))
	r.Post("/{id}/unblock", h.handleBlock(false))
}

// MountDispatches registers /dispatches routes.
func (h *Handler) MountDispatches(r chi.Router) {
	r.Get("/", h.handleListDispatches)
	r.Post("/", h.handleCreateDispatch)
	r.Get("/{id}", h.handleGetDispatch)
	r.Post("/{id}/deliver", h.handleDeliver)
	r.Post("/{id}/cancel", h.handleCancel)
}

func (h *Handler) handleListSalesOrders(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListSalesOrders(r.Context(), SalesStatus(r.URL.Query().Get("status")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateSalesOrder(w http.ResponseWriter, r *http.Request) {
	var input CreateSalesOrderInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.CreateSalesOrder(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) handleGetSalesOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.GetSalesOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) handleOrderDispatches(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.ListDispatches(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListVehicles(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var input CreateVehicleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.CreateVehicle(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.GetVehicle(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.MarkReturned(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.IDParam(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		v, err := h.service.SetVehicleBlocked(r.Context(), id, blocked)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, v)
	}
}

func (h *Handler) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	var orderID int64
	if v := r.URL.Query().Get("sales_order_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sales_order_id")
			return
		}
		orderID = id
	}
	out, err := h.service.ListDispatches(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var input CreateDispatchInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.CreateDispatch(r.Context(), input, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.GetDispatch(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input DeliverInput
	if err := httpx.DecodeOptionalJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.MarkDelivered(r.Context(), id, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.CancelDispatch(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}
