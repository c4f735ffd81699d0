package shipment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/platform/httpx"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// IdempotencyHeader carries the client token used to de-duplicate retried loads.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes shipment endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a shipment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers shipment routes under /api/shipments.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.load)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/allocations", h.allocate)
	r.Post("/{id}/dispatch", h.dispatch)
	r.Get("/{id}/bill-lines", h.billLines)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	var input LoadInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	input.ActorID = shared.ActorFromContext(r.Context())
	sh, err := h.service.LoadShipment(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sh)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sh, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input AllocateInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.ShipmentID = id
	input.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	input.ActorID = shared.ActorFromContext(r.Context())
	a, err := h.service.Allocate(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input DispatchInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.ShipmentID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	sh, err := h.service.Dispatch(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteShipment(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) billLines(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lines, err := h.service.BillLines(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": lines})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.ClassOf(err) == shared.ClassSupport {
		h.logger.Error("shipment request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
