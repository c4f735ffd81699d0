package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/platform/httpx"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Handler exposes ledger endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers statement routes under /api/ledger.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{type}/{id}", h.statement)
}

// MountShipmentRoutes registers bill finalisation under /api/shipments.
func (h *Handler) MountShipmentRoutes(r chi.Router) {
	r.Post("/{id}/bill", h.finalizeBill)
}

func (h *Handler) finalizeBill(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input FinalizeBillInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.ShipmentID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	sh, err := h.service.FinalizeBuyerBill(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cpType := CounterpartyType(strings.ToUpper(chi.URLParam(r, "type")))
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	statement, err := h.service.ListEntries(r.Context(), cpType, id, page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.ClassOf(err) == shared.ClassSupport {
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
