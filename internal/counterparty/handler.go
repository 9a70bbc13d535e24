package counterparty

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

// Handler exposes one counterparty ledger over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	kind      Kind
	validator *validator.Validate
	idem      *shared.IdempotencyStore
	metrics   *observability.Metrics
}

// NewHandler builds a Handler bound to kind.
func NewHandler(logger *slog.Logger, service *Service, kind Kind, idem *shared.IdempotencyStore, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, kind: kind, validator: validator.New(), idem: idem, metrics: metrics}
}

// MountRoutes registers counterparty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.createTransaction)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Post("/transactions/{id}/void", h.voidTransaction)
	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Put("/invoices/{id}/lines", h.regenerateInvoice)
	r.Post("/invoices/{id}/cancel", h.cancelInvoice)
	r.Get("/{id}/statement", h.statement)
	r.Post("/{id}/reconcile", h.reconcile)
}

type transactionRequest struct {
	Type        string          `json:"type" validate:"required,max=64"`
	PartyID     *int64          `json:"party_id" validate:"omitempty,gt=0"`
	FromPartyID *int64          `json:"from_party_id" validate:"omitempty,gt=0"`
	ToPartyID   *int64          `json:"to_party_id" validate:"omitempty,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	AccountID   *int64          `json:"account_id" validate:"omitempty,gt=0"`
	InvoiceID   *int64          `json:"invoice_id" validate:"omitempty,gt=0"`
	Date        *time.Time      `json:"date"`
	Note        string          `json:"note" validate:"max=500"`
	Meta        map[string]any  `json:"meta"`
}

type invoiceRequest struct {
	PartyID       int64         `json:"party_id" validate:"required,gt=0"`
	ShipmentID    *int64        `json:"shipment_id" validate:"omitempty,gt=0"`
	Lines         []InvoiceLine `json:"lines" validate:"required,min=1"`
	CostAccountID int64         `json:"cost_account_id" validate:"required,gt=0"`
	Currency      string        `json:"currency" validate:"omitempty,len=3"`
	Note          string        `json:"note" validate:"max=500"`
}

type linesRequest struct {
	Lines []InvoiceLine `json:"lines" validate:"required,min=1"`
	Note  *string       `json:"note" validate:"omitempty,max=500"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) op(name string) string {
	return string(h.kind) + "." + name
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transactionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	postingType, err := h.kind.ParseCode(req.Type)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := CreateInput{
		Kind:        h.kind,
		Type:        postingType,
		PartyID:     req.PartyID,
		FromPartyID: req.FromPartyID,
		ToPartyID:   req.ToPartyID,
		Amount:      req.Amount,
		AccountID:   req.AccountID,
		InvoiceID:   req.InvoiceID,
		Note:        req.Note,
		Meta:        req.Meta,
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	var created Transaction
	err = h.idem.Guard(r.Context(), httpx.IdempotencyKey(r), h.op("transaction"), func() error {
		var err error
		created, err = h.service.CreateTransaction(r.Context(), actor, in)
		return err
	})
	h.metrics.ObserveLedger(h.op("transaction.create"), err)
	if err != nil {
		h.fail(w, h.op("transaction.create"), err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.GetTransaction(r.Context(), h.kind, id)
	if err != nil {
		h.fail(w, h.op("transaction.get"), err, slog.Int64("transaction_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) voidTransaction(w http.ResponseWriter, r *http.Request) {
	actor, id, reason, ok := h.reasonRequest(w, r)
	if !ok {
		return
	}
	rev, err := h.service.Void(r.Context(), actor, h.kind, id, reason)
	h.metrics.ObserveLedger(h.op("transaction.void"), err)
	if err != nil {
		h.fail(w, h.op("transaction.void"), err, slog.Int64("transaction_id", id))
		return
	}
	httpx.JSON(w, http.StatusCreated, rev)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req invoiceRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := InvoiceInput{
		Kind:          h.kind,
		PartyID:       req.PartyID,
		ShipmentID:    req.ShipmentID,
		Lines:         req.Lines,
		CostAccountID: req.CostAccountID,
		Currency:      req.Currency,
		Note:          req.Note,
	}
	var inv Invoice
	err = h.idem.Guard(r.Context(), httpx.IdempotencyKey(r), h.op("invoice"), func() error {
		var err error
		inv, err = h.service.CreateInvoice(r.Context(), actor, in)
		return err
	})
	h.metrics.ObserveLedger(h.op("invoice.create"), err)
	if err != nil {
		h.fail(w, h.op("invoice.create"), err, slog.Int64("party_id", req.PartyID))
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), h.kind, id)
	if err != nil {
		h.fail(w, h.op("invoice.get"), err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) regenerateInvoice(w http.ResponseWriter, r *http.Request) {
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
	var req linesRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.RegenerateInvoice(r.Context(), actor, h.kind, id, req.Lines, req.Note)
	h.metrics.ObserveLedger(h.op("invoice.regenerate"), err)
	if err != nil {
		h.fail(w, h.op("invoice.regenerate"), err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	actor, id, reason, ok := h.reasonRequest(w, r)
	if !ok {
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), actor, h.kind, id, reason)
	h.metrics.ObserveLedger(h.op("invoice.cancel"), err)
	if err != nil {
		h.fail(w, h.op("invoice.cancel"), err, slog.Int64("invoice_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.service.Statement(r.Context(), h.kind, id, from, to)
	if err != nil {
		h.fail(w, h.op("statement"), err, slog.Int64("party_id", id))
		return
	}
	httpx.JSON(w, http.StatusOK, st)
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
	drift, err := h.service.Reconcile(r.Context(), h.kind, id, r.URL.Query().Get("fix") == "true")
	if err != nil {
		h.fail(w, h.op("reconcile"), err, slog.Int64("party_id", id))
		return
	}
	if drift.Drifted() {
		h.metrics.ObserveDrift(drift.Entity)
	}
	httpx.JSON(w, http.StatusOK, drift)
}

func (h *Handler) reasonRequest(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, string, bool) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return actor, 0, "", false
	}
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return actor, 0, "", false
	}
	var req reasonRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return actor, 0, "", false
	}
	return actor, id, req.Reason, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	if !httpx.IsExpected(err) {
		h.logger.Error(op, append(attrs, slog.Any("error", err))...)
	}
	httpx.RespondError(w, err)
}

func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, shared.Validation("invalid_date", "dates use YYYY-MM-DD")
	}
	return &day, nil
}
