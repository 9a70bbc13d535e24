package journal

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/observability"
	"github.com/shipdesk/backoffice/internal/platform/httpx"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Handler exposes the journals to the fulfillment workflow and operators.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	metrics   *observability.Metrics
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), metrics: metrics}
}

// MountRoutes registers journal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders/{id}/charge", h.chargeOrder)
	r.Post("/orders/{id}/charge-reversal", h.reverseOrderCharge)
	r.Post("/customers/{id}/points", h.grantPoints)
	r.Get("/customers/{id}/entries", h.history(BookCustomer))
	r.Get("/customers/{id}/points", h.history(BookPoints))
	r.Get("/branches/{id}/entries", h.history(BookBranch))
	r.Post("/customers/{id}/reconcile", h.reconcileCustomer)
	r.Post("/branches/{id}/reconcile", h.reconcileBranch)
}

type orderChargeRequest struct {
	CustomerID int64           `json:"customer_id" validate:"required,gt=0"`
	BranchID   int64           `json:"branch_id" validate:"required,gt=0"`
	Total      decimal.Decimal `json:"total"`
	Note       string          `json:"note" validate:"max=500"`
}

type pointsRequest struct {
	OrderID int64           `json:"order_id" validate:"required,gt=0"`
	Points  decimal.Decimal `json:"points"`
}

type entryResponse struct {
	Entry
	ReferenceType *string `json:"reference_type,omitempty"`
	ReferenceID   *int64  `json:"reference_id,omitempty"`
}

func (h *Handler) chargeOrder(w http.ResponseWriter, r *http.Request) {
	actor, orderID, req, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	err := h.service.ChargeOrder(r.Context(), actor, req.CustomerID, req.BranchID, orderID, req.Total)
	h.metrics.ObserveLedger("order.charge", err)
	if err != nil {
		h.fail(w, "order.charge", err, slog.Int64("order_id", orderID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reverseOrderCharge(w http.ResponseWriter, r *http.Request) {
	actor, orderID, req, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	err := h.service.ReverseOrderCharge(r.Context(), actor, req.CustomerID, req.BranchID, orderID, req.Total, req.Note)
	h.metrics.ObserveLedger("order.charge_reverse", err)
	if err != nil {
		h.fail(w, "order.charge_reverse", err, slog.Int64("order_id", orderID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) orderRequest(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, orderChargeRequest, bool) {
	var req orderChargeRequest
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return actor, 0, req, false
	}
	orderID, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return actor, 0, req, false
	}
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return actor, 0, req, false
	}
	return actor, orderID, req, true
}

func (h *Handler) grantPoints(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	customerID, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req pointsRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	err = h.service.GrantPoints(r.Context(), actor, customerID, req.OrderID, req.Points)
	h.metrics.ObserveLedger("points.grant", err)
	if err != nil {
		h.fail(w, "points.grant", err, slog.Int64("customer_id", customerID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	Entries    []entryResponse   `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) history(book Book) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.ParamID(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		entries, err := h.service.History(r.Context(), book, id)
		if err != nil {
			h.fail(w, "journal.history", err, slog.String("book", string(book)), slog.Int64("owner_id", id))
			return
		}
		page, meta := shared.Paginate(entries, r.URL.Query())
		out := make([]entryResponse, 0, len(page))
		for _, e := range page {
			refType, refID := shared.RefColumns(e.Reference)
			out = append(out, entryResponse{Entry: e, ReferenceType: refType, ReferenceID: refID})
		}
		httpx.JSON(w, http.StatusOK, historyResponse{Entries: out, Pagination: meta})
	}
}

func (h *Handler) reconcileCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	drifts, err := h.service.ReconcileCustomer(r.Context(), id, r.URL.Query().Get("fix") == "true")
	if err != nil {
		h.fail(w, "customer.reconcile", err, slog.Int64("customer_id", id))
		return
	}
	for _, d := range drifts {
		if d.Drifted() {
			h.metrics.ObserveDrift(d.Entity)
		}
	}
	httpx.JSON(w, http.StatusOK, drifts)
}

func (h *Handler) reconcileBranch(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	drift, err := h.service.ReconcileBranch(r.Context(), id, r.URL.Query().Get("fix") == "true")
	if err != nil {
		h.fail(w, "branch.reconcile", err, slog.Int64("branch_id", id))
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
