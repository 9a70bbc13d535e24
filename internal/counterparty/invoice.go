package counterparty

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/shared"
)

// InvoiceLine is a free-form line on a counterparty invoice.
type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Total prices the line in cents.
func (l InvoiceLine) Total() decimal.Decimal {
	return shared.Round2(l.Quantity.Mul(l.UnitPrice))
}

// Invoice is a bill a partner or supplier sends us, mirrored by a general
// expense, a cost transfer and a WE_OWE posting.
type Invoice struct {
	ID               int64           `json:"id"`
	Kind             Kind            `json:"kind"`
	Number           string          `json:"number"`
	PartyID          int64           `json:"party_id"`
	ShipmentID       *int64          `json:"shipment_id,omitempty"`
	Lines            []InvoiceLine   `json:"lines"`
	Total            decimal.Decimal `json:"total"`
	PaidTotal        decimal.Decimal `json:"paid_total"`
	DueTotal         decimal.Decimal `json:"due_total"`
	Status           invoices.Status `json:"status"`
	Currency         string          `json:"currency"`
	CostAccountID    int64           `json:"cost_account_id"`
	ExpenseID        *int64          `json:"expense_id,omitempty"`
	TransferID       *int64          `json:"transfer_id,omitempty"`
	OweTransactionID *int64          `json:"owe_transaction_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	IssuedAt         time.Time       `json:"issued_at"`
	CanceledAt       *time.Time      `json:"canceled_at,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CanceledBy       *int64          `json:"canceled_by,omitempty"`
	CreatedBy        int64           `json:"created_by"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Settle applies the customer invoice status function with no discount.
func (inv *Invoice) Settle(paid decimal.Decimal) {
	if inv.Status == invoices.StatusVoid {
		return
	}
	inv.PaidTotal = shared.Round2(paid)
	inv.DueTotal = invoices.DueTotal(inv.Total, decimal.Zero, inv.PaidTotal)
	inv.Status = invoices.DeriveStatus(inv.PaidTotal, inv.Total)
}

// LinesTotal sums the line totals.
func LinesTotal(lines []InvoiceLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

// ValidateLines rejects empty or non-positive invoices.
func ValidateLines(lines []InvoiceLine) (decimal.Decimal, error) {
	if len(lines) == 0 {
		return decimal.Zero, shared.Validation("lines_required", "counterparty: at least one line is required")
	}
	for _, l := range lines {
		if !l.Quantity.IsPositive() {
			return decimal.Zero, shared.Validation("invalid_quantity", "counterparty: line quantity must be positive")
		}
		if l.UnitPrice.IsNegative() {
			return decimal.Zero, shared.Validation("invalid_price", "counterparty: line price cannot be negative")
		}
	}
	total := LinesTotal(lines)
	if !total.IsPositive() {
		return decimal.Zero, shared.Validation("invalid_amount", "counterparty: invoice total must be positive")
	}
	return total, nil
}

// InvoiceInput describes a new counterparty invoice.
type InvoiceInput struct {
	Kind          Kind
	PartyID       int64
	ShipmentID    *int64
	Lines         []InvoiceLine
	CostAccountID int64
	Currency      string
	Note          string
}

// Expense mirrors a counterparty invoice in general_expenses.
type Expense struct {
	ID         int64
	Category   string
	Amount     decimal.Decimal
	Currency   string
	Reference  shared.Reference
	TransferID *int64
	Status     string
	Date       time.Time
	Note       string
	CreatedBy  int64
	CreatedAt  time.Time
}

var (
	ErrInvoiceNotFound    = shared.NotFound("invoice_not_found", "counterparty: invoice not found")
	ErrInvoiceVoid        = shared.Conflict("already_void", "counterparty: invoice is void")
	ErrInvoiceHasPayments = shared.Conflict("active_payments", "counterparty: invoice has payments; void them first")
	ErrShipmentInvoiced   = shared.Conflict("shipment_invoiced", "counterparty: shipment already has an open invoice")
	ErrInvoiceParty       = shared.Validation("invoice_party_mismatch", "counterparty: invoice belongs to another party")
	ErrExceedsDue         = shared.Validation("exceeds_due_total", "counterparty: payment exceeds invoice due_total")
	ErrCurrencyMismatch   = shared.Validation("currency_mismatch", "counterparty: invoice currency differs from the cost account")
)
