// Package invoices bills customers for received orders and keeps invoice
// totals derived from points discounts and payment allocations.
package invoices

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// Status is derived from paid_total and the net total, except Void.
type Status string

const (
	StatusOpen          Status = "open"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusVoid          Status = "void"
)

// DeliveryType decides which fulfillment status invoiced orders move to.
type DeliveryType string

const (
	DeliveryDoor   DeliveryType = "delivery"
	DeliveryPickup DeliveryType = "pickup"
)

// OrderStatus is the slice of the fulfillment state machine invoicing touches.
type OrderStatus string

const (
	OrderReceivedAtSubBranch OrderStatus = "received_at_subbranch"
	OrderOutForDelivery      OrderStatus = "out_for_delivery"
	OrderReadyForPickup      OrderStatus = "ready_for_pickup"
)

// FulfillmentStatus returns the order status an invoice of this type sets.
func (d DeliveryType) FulfillmentStatus() OrderStatus {
	if d == DeliveryPickup {
		return OrderReadyForPickup
	}
	return OrderOutForDelivery
}

// Valid reports whether d is a known delivery type.
func (d DeliveryType) Valid() bool {
	return d == DeliveryDoor || d == DeliveryPickup
}

// Order is the pricing view of a shipment order.
type Order struct {
	ID          int64           `json:"id"`
	CustomerID  int64           `json:"customer_id"`
	BranchID    int64           `json:"branch_id"`
	Status      OrderStatus     `json:"status"`
	Rate        decimal.Decimal `json:"rate"`
	Quantity    decimal.Decimal `json:"quantity"`
	Adjustments decimal.Decimal `json:"adjustments"`
}

// LineTotal prices the order: rate × quantity plus adjustments, in cents.
func (o Order) LineTotal() decimal.Decimal {
	return shared.Round2(o.Rate.Mul(o.Quantity).Add(o.Adjustments))
}

// Item is the immutable pricing snapshot of one order on an invoice.
type Item struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	OrderID     int64           `json:"order_id"`
	Rate        decimal.Decimal `json:"rate"`
	Quantity    decimal.Decimal `json:"quantity"`
	Adjustments decimal.Decimal `json:"adjustments"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Allocation is the portion of one customer transaction applied to an invoice.
type Allocation struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	InvoiceID     int64           `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount_allocated"`
	CreatedBy     int64           `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Invoice is a bill for a set of orders.
type Invoice struct {
	ID             int64           `json:"id"`
	Number         string          `json:"number"`
	CustomerID     int64           `json:"customer_id"`
	BranchID       int64           `json:"branch_id"`
	Total          decimal.Decimal `json:"total"`
	PointsUsed     int64           `json:"points_used"`
	PointsDiscount decimal.Decimal `json:"points_discount"`
	PaidTotal      decimal.Decimal `json:"paid_total"`
	DueTotal       decimal.Decimal `json:"due_total"`
	Status         Status          `json:"status"`
	DeliveryType   DeliveryType    `json:"delivery_type"`
	Currency       string          `json:"currency"`
	Note           string          `json:"note,omitempty"`
	IssuedAt       time.Time       `json:"issued_at"`
	CanceledAt     *time.Time      `json:"canceled_at,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	CanceledBy     *int64          `json:"canceled_by,omitempty"`
	CreatedBy      int64           `json:"created_by"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []Item          `json:"items,omitempty"`
	Allocations    []Allocation    `json:"allocations,omitempty"`
}

// NetTotal is the amount the customer owes before payments.
func (inv Invoice) NetTotal() decimal.Decimal {
	return inv.Total.Sub(inv.PointsDiscount)
}

// OrderIDs lists the orders snapshotted on the invoice.
func (inv Invoice) OrderIDs() []int64 {
	ids := make([]int64, 0, len(inv.Items))
	for _, item := range inv.Items {
		ids = append(ids, item.OrderID)
	}
	return ids
}

// Settle sets paid_total and re-derives due_total and status. Void invoices are left untouched.
func (inv *Invoice) Settle(paid decimal.Decimal) {
	if inv.Status == StatusVoid {
		return
	}
	inv.PaidTotal = shared.Round2(paid)
	inv.DueTotal = DueTotal(inv.Total, inv.PointsDiscount, inv.PaidTotal)
	inv.Status = DeriveStatus(inv.PaidTotal, inv.NetTotal())
}

// DueTotal is max(0, total − discount − paid).
func DueTotal(total, discount, paid decimal.Decimal) decimal.Decimal {
	return shared.ClampZero(shared.Round2(total.Sub(discount).Sub(paid)))
}

// DeriveStatus maps paid against net total onto open, partially_paid or paid.
func DeriveStatus(paid, net decimal.Decimal) Status {
	switch {
	case !paid.IsPositive():
		return StatusOpen
	case paid.LessThan(net.Sub(shared.Epsilon)):
		return StatusPartiallyPaid
	default:
		return StatusPaid
	}
}

// Settings is the externally owned points configuration.
type Settings struct {
	PointsValue decimal.Decimal
	PointsPrice decimal.Decimal
}

// Discount converts points into money at the configured value.
func (s Settings) Discount(points int64) (decimal.Decimal, error) {
	if points == 0 {
		return decimal.Zero, nil
	}
	if !s.PointsValue.IsPositive() {
		return decimal.Zero, ErrPointsNotConfigured
	}
	return shared.Round2(decimal.NewFromInt(points).Mul(s.PointsValue)), nil
}

// CreateInput describes a new invoice.
type CreateInput struct {
	CustomerID   int64
	BranchID     int64
	OrderIDs     []int64
	PointsUsed   int64
	DeliveryType DeliveryType
	Currency     string
	Note         string
}

// Validate normalises the input and rejects malformed requests.
func (in *CreateInput) Validate() error {
	if in.CustomerID <= 0 {
		return shared.Validation("customer_required", "invoices: customer is required")
	}
	if in.BranchID <= 0 {
		return shared.Validation("branch_required", "invoices: branch is required")
	}
	if err := validateOrderIDs(in.OrderIDs); err != nil {
		return err
	}
	if in.PointsUsed < 0 {
		return shared.Validation("invalid_points", "invoices: points used cannot be negative")
	}
	if !in.DeliveryType.Valid() {
		return shared.Validation("invalid_delivery_type", "invoices: delivery type must be delivery or pickup")
	}
	currency, err := shared.NormalizeCurrency(in.Currency)
	if err != nil {
		return err
	}
	in.Currency = currency
	return nil
}

// UpdateInput edits an invoice without receipts. Nil fields are left unchanged.
type UpdateInput struct {
	OrderIDs     []int64
	PointsUsed   *int64
	DeliveryType *DeliveryType
	Currency     *string
	Note         *string
}

// Validate normalises the fields that are present.
func (in *UpdateInput) Validate() error {
	if in.OrderIDs != nil {
		if err := validateOrderIDs(in.OrderIDs); err != nil {
			return err
		}
	}
	if in.PointsUsed != nil && *in.PointsUsed < 0 {
		return shared.Validation("invalid_points", "invoices: points used cannot be negative")
	}
	if in.DeliveryType != nil && !in.DeliveryType.Valid() {
		return shared.Validation("invalid_delivery_type", "invoices: delivery type must be delivery or pickup")
	}
	if in.Currency != nil {
		currency, err := shared.NormalizeCurrency(*in.Currency)
		if err != nil {
			return err
		}
		in.Currency = &currency
	}
	return nil
}

func validateOrderIDs(ids []int64) error {
	if len(ids) == 0 {
		return shared.Validation("orders_required", "invoices: at least one order is required")
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return shared.Validation("invalid_order", "invoices: invalid order id")
		}
		if _, dup := seen[id]; dup {
			return shared.Validation("duplicate_order", "invoices: order listed twice").WithIDs(id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

var (
	ErrInvoiceNotFound     = shared.NotFound("invoice_not_found", "invoices: invoice not found")
	ErrOrderNotFound       = shared.NotFound("order_not_found", "invoices: order not found")
	ErrAlreadyInvoiced     = shared.Conflict("already_invoiced", "invoices: orders already attached to an invoice")
	ErrAlreadyVoid         = shared.Conflict("already_void", "invoices: invoice is void")
	ErrActiveReceipts      = shared.Conflict("active_receipts", "invoices: invoice has active receipts; cancel them first")
	ErrOrderNotReceived    = shared.Validation("order_not_received", "invoices: order has not been received at the sub-branch")
	ErrOrderCustomer       = shared.Validation("order_customer_mismatch", "invoices: order belongs to another customer")
	ErrMixedBranches       = shared.Validation("mixed_branches", "invoices: orders span more than one sub-branch")
	ErrBranchMismatch      = shared.Forbidden("branch_mismatch", "invoices: orders belong to another branch")
	ErrInsufficientPoints  = shared.Validation("insufficient_points", "invoices: customer does not have enough points")
	ErrPointsNotConfigured = shared.Validation("points_not_configured", "invoices: points value is not configured")
	ErrDiscountExceeds     = shared.Validation("discount_exceeds_total", "invoices: points discount exceeds invoice total")
	ErrReasonRequired      = shared.Validation("reason_required", "invoices: cancel reason is required")
)
