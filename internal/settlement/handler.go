package settlement

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/platform/httpx"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Handler exposes settlement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a settlement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountCycleRoutes registers payment routes under /api/cycles.
func (h *Handler) MountCycleRoutes(r chi.Router) {
	r.Post("/{id}/payment", h.processPayment)
	r.Get("/{id}/settlement", h.get)
	r.Post("/{id}/instruments/{index}/clear", h.clear)
}

// MountInstrumentRoutes registers instrument listings under /api/instruments.
func (h *Handler) MountInstrumentRoutes(r chi.Router) {
	r.Get("/due", h.due)
}

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input PaymentInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.CycleID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	result, err := h.service.ProcessPayment(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.GetSettlement(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, string(shared.ClassInput), "Validation Failed", "invalid instrument index")
		return
	}
	var input ClearInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.CycleID = id
	input.Position = index
	input.ActorID = shared.ActorFromContext(r.Context())
	result, err := h.service.ClearInstrument(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) due(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	due, err := h.service.ChequesDue(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": due})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.ClassOf(err) == shared.ClassSupport {
		h.logger.Error("settlement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
