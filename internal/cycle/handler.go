package cycle

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/platform/httpx"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Handler exposes crop cycle endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a cycle handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers cycle routes under /api/cycles.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.sow)
	r.Get("/", h.list)
	r.Get("/loadable", h.listLoadable)
	r.Get("/{id}", h.get)
	r.Post("/{id}/harvest", h.harvest)
	r.Post("/{id}/sample", h.collectSample)
	r.Post("/{id}/lab-result", h.labResult)
	r.Post("/{id}/price/propose", h.proposePrice)
	r.Post("/{id}/price/verify", h.verifyPrice)
	r.Post("/{id}/weighing", h.weighing)
	r.Post("/{id}/correction", h.correction)
}

type listResponse struct {
	Data       []CropCycle       `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) sow(w http.ResponseWriter, r *http.Request) {
	var input SowInput
	if err := httpx.DecodeAndValidate(r, h.validator, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	c, err := h.service.Sow(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	status := Status(q.Get("status"))
	if status == "" {
		status = StatusGrowing
	}
	cycles, pagination, err := h.service.ListByStatus(r.Context(), status, page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: cycles, Pagination: pagination})
}

func (h *Handler) listLoadable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	cycles, err := h.service.ListLoadable(r.Context(), page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": cycles})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) harvest(w http.ResponseWriter, r *http.Request) {
	var input HarvestInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.Harvest(r.Context(), input))
}

func (h *Handler) collectSample(w http.ResponseWriter, r *http.Request) {
	var input CollectSampleInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.CollectSample(r.Context(), input))
}

func (h *Handler) labResult(w http.ResponseWriter, r *http.Request) {
	var input LabResultInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.RecordLabResult(r.Context(), input))
}

func (h *Handler) proposePrice(w http.ResponseWriter, r *http.Request) {
	var input ProposePriceInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.ProposePrice(r.Context(), input))
}

func (h *Handler) verifyPrice(w http.ResponseWriter, r *http.Request) {
	var input VerifyPriceInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.VerifyPrice(r.Context(), input))
}

func (h *Handler) weighing(w http.ResponseWriter, r *http.Request) {
	var input WeighingInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.RecordWeighing(r.Context(), input))
}

func (h *Handler) correction(w http.ResponseWriter, r *http.Request) {
	var input CorrectionInput
	if !h.decode(w, r, &input, &input.CycleID, &input.ActorID) {
		return
	}
	h.respond(w, r)(h.service.CorrectCycle(r.Context(), input))
}

// decode reads the body, the {id} param and the acting user into input.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, input any, cycleID, actorID *int64) bool {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return false
	}
	if err := httpx.DecodeAndValidate(r, h.validator, input); err != nil {
		h.fail(w, r, err)
		return false
	}
	*cycleID = id
	*actorID = shared.ActorFromContext(r.Context())
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(CropCycle, error) {
	return func(c CropCycle, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, c)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.ClassOf(err) == shared.ClassSupport {
		h.logger.Error("cycle request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
