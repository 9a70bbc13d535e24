package invoices

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shipdesk/backoffice/internal/observability"
	"github.com/shipdesk/backoffice/internal/platform/httpx"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Handler exposes invoices over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	idem      *shared.IdempotencyStore
	metrics   *observability.Metrics
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, idem *shared.IdempotencyStore, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), idem: idem, metrics: metrics}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
	r.Post("/{id}/cancel", h.cancel)
}

type createRequest struct {
	CustomerID   int64   `json:"customer_id" validate:"required,gt=0"`
	BranchID     int64   `json:"branch_id" validate:"required,gt=0"`
	OrderIDs     []int64 `json:"order_ids" validate:"required,min=1,dive,gt=0"`
	PointsUsed   int64   `json:"points_used" validate:"gte=0"`
	DeliveryType string  `json:"delivery_type" validate:"required,oneof=delivery pickup"`
	Currency     string  `json:"currency" validate:"omitempty,len=3"`
	Note         string  `json:"note" validate:"max=500"`
}

type updateRequest struct {
	OrderIDs     []int64 `json:"order_ids" validate:"omitempty,min=1,dive,gt=0"`
	PointsUsed   *int64  `json:"points_used" validate:"omitempty,gte=0"`
	DeliveryType *string `json:"delivery_type" validate:"omitempty,oneof=delivery pickup"`
	Currency     *string `json:"currency" validate:"omitempty,len=3"`
	Note         *string `json:"note" validate:"omitempty,max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := CreateInput{
		CustomerID:   req.CustomerID,
		BranchID:     req.BranchID,
		OrderIDs:     req.OrderIDs,
		PointsUsed:   req.PointsUsed,
		DeliveryType: DeliveryType(req.DeliveryType),
		Currency:     req.Currency,
		Note:         req.Note,
	}
	var inv Invoice
	err = h.idem.Guard(r.Context(), httpx.IdempotencyKey(r), "invoices.create", func() error {
		var err error
		inv, err = h.service.Create(r.Context(), actor, in)
		return err
	})
	h.metrics.ObserveLedger("invoice.create", err)
	if err != nil {
		h.fail(w, "invoice.create", err, slog.Int64("customer_id", req.CustomerID))
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "invoice.get", err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := UpdateInput{
		OrderIDs:   req.OrderIDs,
		PointsUsed: req.PointsUsed,
		Currency:   req.Currency,
		Note:       req.Note,
	}
	if req.DeliveryType != nil {
		dt := DeliveryType(*req.DeliveryType)
		in.DeliveryType = &dt
	}
	inv, err := h.service.Update(r.Context(), actor, id, in)
	h.metrics.ObserveLedger("invoice.update", err)
	if err != nil {
		h.fail(w, "invoice.update", err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Cancel(r.Context(), actor, id, req.Reason)
	h.metrics.ObserveLedger("invoice.cancel", err)
	if err != nil {
		h.fail(w, "invoice.cancel", err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	if !httpx.IsExpected(err) {
		h.logger.Error(op, append(attrs, slog.Any("error", err))...)
	}
	httpx.RespondError(w, err)
}
