// Package payments records customer payments, refunds and balance
// adjustments, and allocates payments across invoices.
package payments

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Type classifies a customer transaction.
type Type string

const (
	TypePayment    Type = "payment"
	TypeRefund     Type = "refund"
	TypeAdjustment Type = "adjustment"
	TypeCharge     Type = "charge"
	TypeDiscount   Type = "discount"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypePayment, TypeRefund, TypeAdjustment, TypeCharge, TypeDiscount:
		return true
	}
	return false
}

// HasCashLeg reports whether the type moves money through an account.
// Charges and discounts only touch the balance journals.
func (t Type) HasCashLeg() bool {
	return t != TypeCharge && t != TypeDiscount
}

// DeltaFor returns the receivable change for a transaction. amount is
// positive for every type except adjustment, which carries its own sign.
func DeltaFor(t Type, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case TypePayment, TypeDiscount:
		return amount.Neg()
	default:
		return amount
	}
}

// Status mirrors cancellation.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Transaction is a customer money event.
type Transaction struct {
	ID           int64                 `json:"id"`
	CustomerID   int64                 `json:"customer_id"`
	BranchID     int64                 `json:"branch_id"`
	Type         Type                  `json:"type"`
	Amount       decimal.Decimal       `json:"amount"`
	Delta        decimal.Decimal       `json:"delta"`
	AccountID    *int64                `json:"account_id,omitempty"`
	TransferID   *int64                `json:"transfer_id,omitempty"`
	InvoiceID    *int64                `json:"invoice_id,omitempty"`
	ReasonID     *int64                `json:"reason_id,omitempty"`
	Note         string                `json:"note,omitempty"`
	Status       Status                `json:"status"`
	TxDate       time.Time             `json:"tx_date"`
	CreatedBy    int64                 `json:"created_by"`
	CreatedAt    time.Time             `json:"created_at"`
	CanceledAt   *time.Time            `json:"canceled_at,omitempty"`
	CanceledBy   *int64                `json:"canceled_by,omitempty"`
	CancelReason string                `json:"cancel_reason,omitempty"`
	Allocations  []invoices.Allocation `json:"allocations,omitempty"`
}

// CreateInput describes a new transaction. Amount is signed for adjustments.
type CreateInput struct {
	CustomerID int64
	BranchID   int64
	Type       Type
	Amount     decimal.Decimal
	AccountID  *int64
	InvoiceID  *int64
	ReasonID   *int64
	Date       time.Time
	Note       string
}

// Validate checks the per-type field rules and returns the positive amount
// and the signed delta.
func (in CreateInput) Validate() (decimal.Decimal, decimal.Decimal, error) {
	if in.CustomerID <= 0 {
		return decimal.Zero, decimal.Zero, shared.Validation("customer_required", "payments: customer is required")
	}
	if in.BranchID <= 0 {
		return decimal.Zero, decimal.Zero, shared.Validation("branch_required", "payments: branch is required")
	}
	if !in.Type.Valid() {
		return decimal.Zero, decimal.Zero, ErrInvalidType
	}
	signed := shared.Round2(in.Amount)
	if in.Type != TypeAdjustment && !signed.IsPositive() {
		return decimal.Zero, decimal.Zero, shared.Validation("invalid_amount", "payments: amount must be positive")
	}
	if signed.IsZero() {
		return decimal.Zero, decimal.Zero, shared.Validation("invalid_amount", "payments: adjustment must be non-zero")
	}
	if in.Type.HasCashLeg() && in.AccountID == nil {
		return decimal.Zero, decimal.Zero, ErrAccountRequired
	}
	if !in.Type.HasCashLeg() && in.AccountID != nil {
		return decimal.Zero, decimal.Zero, ErrAccountNotAllowed
	}
	if in.InvoiceID != nil && in.Type != TypePayment {
		return decimal.Zero, decimal.Zero, ErrInvoiceNotAllowed
	}
	if in.ReasonID != nil && in.Type != TypeRefund {
		return decimal.Zero, decimal.Zero, ErrReasonNotAllowed
	}
	return signed.Abs(), DeltaFor(in.Type, signed), nil
}

// AllocationRequest asks for part of a transaction to be applied to an invoice.
type AllocationRequest struct {
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// MergeAllocations validates requests, folds duplicate invoices together and
// orders the result by invoice id so invoice rows are locked in a stable order.
func MergeAllocations(reqs []AllocationRequest) ([]AllocationRequest, error) {
	if len(reqs) == 0 {
		return nil, shared.Validation("allocations_required", "payments: at least one allocation is required")
	}
	byInvoice := make(map[int64]decimal.Decimal, len(reqs))
	for _, req := range reqs {
		if req.InvoiceID <= 0 {
			return nil, shared.Validation("invalid_invoice", "payments: invalid invoice id")
		}
		amount, err := shared.PositiveAmount(req.Amount)
		if err != nil {
			return nil, err
		}
		byInvoice[req.InvoiceID] = byInvoice[req.InvoiceID].Add(amount)
	}
	out := make([]AllocationRequest, 0, len(byInvoice))
	for id, amount := range byInvoice {
		out = append(out, AllocationRequest{InvoiceID: id, Amount: amount})
	}
	slices.SortFunc(out, func(a, b AllocationRequest) int { return cmp.Compare(a.InvoiceID, b.InvoiceID) })
	return out, nil
}

var (
	ErrTransactionNotFound = shared.NotFound("transaction_not_found", "payments: transaction not found")
	ErrTransactionCanceled = shared.Conflict("already_canceled", "payments: transaction is not active")
	ErrInvalidType         = shared.Validation("invalid_type", "payments: unknown transaction type")
	ErrAccountRequired     = shared.Validation("account_required", "payments: an account is required for the cash leg")
	ErrAccountNotAllowed   = shared.Validation("account_not_allowed", "payments: charges and discounts have no cash leg")
	ErrInvoiceNotAllowed   = shared.Validation("invoice_not_allowed", "payments: only payments can settle an invoice")
	ErrReasonNotAllowed    = shared.Validation("reason_not_allowed", "payments: only refunds carry a reason")
	ErrReasonNotFound      = shared.NotFound("reason_not_found", "payments: transaction reason not found")
	ErrNotAllocatable      = shared.Validation("not_allocatable", "payments: only payments can be allocated")
	ErrOverAllocated       = shared.Validation("exceeds_transaction_amount", "payments: allocations exceed transaction amount")
	ErrExceedsDue          = shared.Validation("exceeds_due_total", "payments: allocation exceeds invoice due_total")
	ErrInvoiceCustomer     = shared.Validation("invoice_customer_mismatch", "payments: invoice belongs to another customer")
	ErrReasonRequired      = shared.Validation("reason_required", "payments: cancel reason is required")
)
