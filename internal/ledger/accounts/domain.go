// Package accounts owns account balances and the double-entry transfers that move them.
package accounts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// OwnerType enumerates who owns an account.
type OwnerType string

const (
	OwnerAdmin    OwnerType = "admin"
	OwnerBranch   OwnerType = "branch"
	OwnerPartner  OwnerType = "partner"
	OwnerSupplier OwnerType = "supplier"
)

// Status applies to transfers and their entries.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Account is a money pool. Balance caches the sum of its active entries.
type Account struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	OwnerType       OwnerType       `json:"owner_type"`
	OwnerID         *int64          `json:"owner_id,omitempty"`
	Currency        string          `json:"currency"`
	PaymentMethodID int64           `json:"payment_method_id"`
	Balance         decimal.Decimal `json:"balance"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OwnedByBranch reports whether the account belongs to the given branch.
func (a Account) OwnedByBranch(branchID int64) bool {
	return a.OwnerType == OwnerBranch && a.OwnerID != nil && *a.OwnerID == branchID
}

// Transfer moves Amount out of FromAccountID and into ToAccountID. Either side may be absent.
type Transfer struct {
	ID            int64            `json:"id"`
	FromAccountID *int64           `json:"from_account_id,omitempty"`
	ToAccountID   *int64           `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	EntryType     string           `json:"entry_type"`
	TransferDate  time.Time        `json:"transfer_date"`
	Note          string           `json:"note"`
	Reference     shared.Reference `json:"-"`
	Status        Status           `json:"status"`
	CreatedBy     int64            `json:"created_by"`
	CanceledBy    *int64           `json:"canceled_by,omitempty"`
	CanceledAt    *time.Time       `json:"canceled_at,omitempty"`
	CancelReason  string           `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Entries       []Entry          `json:"entries,omitempty"`
}

// Entry is one signed posting against one account.
type Entry struct {
	ID         int64           `json:"id"`
	TransferID int64           `json:"transfer_id"`
	AccountID  int64           `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (e Entry) LineID() int64              { return e.ID }
func (e Entry) LineDelta() decimal.Decimal { return e.Amount }
func (e Entry) LineActive() bool           { return e.Status == StatusActive }

// TransferInput carries the fields needed to post a transfer.
type TransferInput struct {
	FromAccountID *int64
	ToAccountID   *int64
	Amount        decimal.Decimal
	EntryType     string
	Date          time.Time
	Note          string
	Reference     shared.Reference
}

// Validate checks the shape of the transfer before any account is read.
func (in *TransferInput) Validate() error {
	if in.FromAccountID == nil && in.ToAccountID == nil {
		return ErrNoSide
	}
	if in.FromAccountID != nil && in.ToAccountID != nil && *in.FromAccountID == *in.ToAccountID {
		return ErrSameAccount
	}
	amount, err := shared.PositiveAmount(in.Amount)
	if err != nil {
		return err
	}
	in.Amount = amount
	if in.EntryType == "" {
		return ErrEntryTypeRequired
	}
	return nil
}

// Inverse returns an input that undoes the transfer's cash effect.
func (t Transfer) Inverse(ref shared.Reference, entryType string, at time.Time) TransferInput {
	return TransferInput{
		FromAccountID: t.ToAccountID,
		ToAccountID:   t.FromAccountID,
		Amount:        t.Amount,
		EntryType:     entryType,
		Date:          at,
		Note:          "reversal of transfer",
		Reference:     ref,
	}
}

var (
	ErrAccountNotFound       = shared.NotFound("account_not_found", "accounts: account not found")
	ErrAccountInactive       = shared.NotFound("account_inactive", "accounts: account is inactive")
	ErrTransferNotFound      = shared.NotFound("transfer_not_found", "accounts: transfer not found")
	ErrTransferCanceled      = shared.Conflict("already_canceled", "accounts: transfer already canceled")
	ErrTransferOwned         = shared.Conflict("transfer_funds_receipt", "accounts: transfer funds an active receipt; cancel the receipt instead")
	ErrNoSide                = shared.Validation("transfer_side_required", "accounts: a transfer needs a from or to account")
	ErrSameAccount           = shared.Validation("same_account", "accounts: from and to accounts must differ")
	ErrCurrencyMismatch      = shared.Validation("currency_mismatch", "accounts: accounts use different currencies")
	ErrPaymentMethodMismatch = shared.Validation("payment_method_mismatch", "accounts: accounts use different payment methods")
	ErrEntryTypeRequired     = shared.Validation("entry_type_required", "accounts: entry type is required")
	ErrReasonRequired        = shared.Validation("reason_required", "accounts: cancel reason is required")
)
