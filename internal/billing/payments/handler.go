package payments

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/observability"
	"github.com/shipdesk/backoffice/internal/platform/httpx"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Handler exposes customer transactions over JSON.
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

// MountRoutes registers transaction routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/allocations", h.allocate)
	r.Post("/{id}/cancel", h.cancel)
}

type createRequest struct {
	CustomerID int64           `json:"customer_id" validate:"required,gt=0"`
	BranchID   int64           `json:"branch_id" validate:"required,gt=0"`
	Type       string          `json:"type" validate:"required,oneof=payment refund adjustment charge discount"`
	Amount     decimal.Decimal `json:"amount"`
	AccountID  *int64          `json:"account_id" validate:"omitempty,gt=0"`
	InvoiceID  *int64          `json:"invoice_id" validate:"omitempty,gt=0"`
	ReasonID   *int64          `json:"reason_id" validate:"omitempty,gt=0"`
	Date       *time.Time      `json:"date"`
	Note       string          `json:"note" validate:"max=500"`
}

type allocateRequest struct {
	Allocations []AllocationRequest `json:"allocations" validate:"required,min=1"`
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
		CustomerID: req.CustomerID,
		BranchID:   req.BranchID,
		Type:       Type(req.Type),
		Amount:     req.Amount,
		AccountID:  req.AccountID,
		InvoiceID:  req.InvoiceID,
		ReasonID:   req.ReasonID,
		Note:       req.Note,
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	var txn Transaction
	err = h.idem.Guard(r.Context(), httpx.IdempotencyKey(r), "transactions.create", func() error {
		var err error
		txn, err = h.service.Create(r.Context(), actor, in)
		return err
	})
	h.metrics.ObserveLedger("transaction.create", err)
	if err != nil {
		h.fail(w, "transaction.create", err, slog.Int64("customer_id", req.CustomerID))
		return
	}
	httpx.JSON(w, http.StatusCreated, txn)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	txn, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "transaction.get", err, slog.Int64("transaction_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
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
	var req allocateRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	allocs, err := h.service.Allocate(r.Context(), actor, id, req.Allocations)
	h.metrics.ObserveLedger("transaction.allocate", err)
	if err != nil {
		h.fail(w, "transaction.allocate", err, slog.Int64("transaction_id", id))
		return
	}
	httpx.JSON(w, http.StatusCreated, allocs)
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
	txn, err := h.service.Cancel(r.Context(), actor, id, req.Reason)
	h.metrics.ObserveLedger("transaction.cancel", err)
	if err != nil {
		h.fail(w, "transaction.cancel", err, slog.Int64("transaction_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	if !httpx.IsExpected(err) {
		h.logger.Error(op, append(attrs, slog.Any("error", err))...)
	}
	httpx.RespondError(w, err)
}
