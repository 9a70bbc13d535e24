package accounts

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

// Handler exposes the account store over JSON.
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

// MountRoutes registers account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getAccount)
	r.Post("/{id}/reconcile", h.reconcile)
	r.Post("/transfers", h.createTransfer)
	r.Post("/transfers/{id}/cancel", h.cancelTransfer)
}

type transferRequest struct {
	FromAccountID *int64          `json:"from_account_id" validate:"omitempty,gt=0"`
	ToAccountID   *int64          `json:"to_account_id" validate:"omitempty,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	EntryType     string          `json:"entry_type" validate:"required,max=64"`
	Date          *time.Time      `json:"date"`
	Note          string          `json:"note" validate:"max=500"`
	ExpenseID     *int64          `json:"expense_id" validate:"omitempty,gt=0"`
	OrderID       *int64          `json:"order_id" validate:"omitempty,gt=0"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type transferResponse struct {
	Transfer
	ReferenceType *string `json:"reference_type,omitempty"`
	ReferenceID   *int64  `json:"reference_id,omitempty"`
}

func newTransferResponse(t Transfer) transferResponse {
	refType, refID := shared.RefColumns(t.Reference)
	return transferResponse{Transfer: t, ReferenceType: refType, ReferenceID: refID}
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.FetchAccount(r.Context(), id)
	if err != nil {
		h.fail(w, "account.fetch", err, slog.Int64("account_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transferRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := TransferInput{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		EntryType:     req.EntryType,
		Note:          req.Note,
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	switch {
	case req.ExpenseID != nil && req.OrderID != nil:
		httpx.RespondError(w, shared.Validation("reference_ambiguous", "only one of expense_id and order_id may be set"))
		return
	case req.ExpenseID != nil:
		in.Reference = shared.ExpenseRef(*req.ExpenseID)
	case req.OrderID != nil:
		in.Reference = shared.OrderRef(*req.OrderID)
	}
	var transfer Transfer
	err = h.idem.Guard(r.Context(), httpx.IdempotencyKey(r), "accounts.transfer", func() error {
		var err error
		transfer, err = h.service.CreateTransfer(r.Context(), actor, in)
		return err
	})
	h.metrics.ObserveLedger("transfer.create", err)
	if err != nil {
		h.fail(w, "transfer.create", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransferResponse(transfer))
}

func (h *Handler) cancelTransfer(w http.ResponseWriter, r *http.Request) {
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
	transfer, err := h.service.CancelTransfer(r.Context(), actor, id, req.Reason)
	h.metrics.ObserveLedger("transfer.cancel", err)
	if err != nil {
		h.fail(w, "transfer.cancel", err, slog.Int64("transfer_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, newTransferResponse(transfer))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Actor(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	drift, err := h.service.Reconcile(r.Context(), id, r.URL.Query().Get("fix") == "true")
	if err != nil {
		h.fail(w, "account.reconcile", err, slog.Int64("account_id", id))
		return
	}
	if drift.Drifted() {
		h.metrics.ObserveDrift(drift.Entity)
	}
	httpx.JSON(w, http.StatusOK, drift)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	if !httpx.IsExpected(err) {
		h.logger.Error(op, append(attrs, slog.Any("error", err))...)
	}
	httpx.RespondError(w, err)
}
