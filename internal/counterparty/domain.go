// Package counterparty keeps the append-only partner and supplier ledgers
// and the invoices those counterparties send us.
package counterparty

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// Kind selects the partner or the supplier ledger. Both share one model.
type Kind string

const (
	KindPartner  Kind = "partner"
	KindSupplier Kind = "supplier"
)

// Valid reports whether k is a known ledger.
func (k Kind) Valid() bool {
	return k == KindPartner || k == KindSupplier
}

func (k Kind) upper() string {
	return strings.ToUpper(string(k))
}

// TransactionRef references a posting of this ledger.
func (k Kind) TransactionRef(id int64) shared.Reference {
	if k == KindSupplier {
		return shared.SupplierTransactionRef(id)
	}
	return shared.PartnerTransactionRef(id)
}

// InvoiceRef references an invoice of this ledger.
func (k Kind) InvoiceRef(id int64) shared.Reference {
	if k == KindSupplier {
		return shared.SupplierInvoiceRef(id)
	}
	return shared.PartnerInvoiceRef(id)
}

// PostingType is the kind-independent posting type.
type PostingType string

const (
	PostWePay       PostingType = "WE_PAY"
	PostTheyPay     PostingType = "THEY_PAY"
	PostWeOwe       PostingType = "WE_OWE"
	PostTheyOwe     PostingType = "THEY_OWE"
	PostTransfer    PostingType = "TRANSFER"
	PostAdjustPlus  PostingType = "ADJUST_PLUS"
	PostAdjustMinus PostingType = "ADJUST_MINUS"
	PostReversal    PostingType = "REVERSAL"
)

var postingTypes = []PostingType{
	PostWePay, PostTheyPay, PostWeOwe, PostTheyOwe, PostTransfer, PostAdjustPlus, PostAdjustMinus, PostReversal,
}

// Code returns the stored code of p in this ledger, e.g. WE_PAY_PARTNER.
func (k Kind) Code(p PostingType) string {
	switch p {
	case PostWePay:
		return "WE_PAY_" + k.upper()
	case PostTheyPay:
		return k.upper() + "_PAYS_US"
	case PostWeOwe:
		return "WE_OWE_" + k.upper()
	case PostTheyOwe:
		return k.upper() + "_OWES_US"
	case PostTransfer:
		return k.upper() + "_TO_" + k.upper() + "_TRANSFER"
	default:
		return string(p)
	}
}

// ParseCode maps a stored or requested code back to its posting type. The
// kind-independent names are accepted too.
func (k Kind) ParseCode(code string) (PostingType, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, p := range postingTypes {
		if code == string(p) || code == k.Code(p) {
			return p, nil
		}
	}
	return "", ErrInvalidType
}

// HasCashLeg reports whether the posting moves money through an admin account.
func (p PostingType) HasCashLeg() bool {
	return p == PostWePay || p == PostTheyPay
}

// sign is the balance effect of one unit for single-party postings. The
// balance is what we owe the counterparty.
func (p PostingType) sign() int64 {
	switch p {
	case PostTheyPay, PostWeOwe, PostAdjustPlus:
		return 1
	case PostWePay, PostTheyOwe, PostAdjustMinus:
		return -1
	}
	return 0
}

// Status of a posting. Voided originals stay in the ledger next to their reversal.
type Status string

const (
	StatusPosted Status = "posted"
	StatusVoided Status = "voided"
)

// Party is a partner or supplier profile with its cached running balance.
type Party struct {
	ID      int64           `json:"id"`
	Kind    Kind            `json:"kind"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// Transaction is one immutable posting in a counterparty ledger.
type Transaction struct {
	ID           int64           `json:"id"`
	Kind         Kind            `json:"kind"`
	Type         PostingType     `json:"type"`
	PartyID      *int64          `json:"party_id,omitempty"`
	FromPartyID  *int64          `json:"from_party_id,omitempty"`
	ToPartyID    *int64          `json:"to_party_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	AccountID    *int64          `json:"account_id,omitempty"`
	TransferID   *int64          `json:"transfer_id,omitempty"`
	InvoiceID    *int64          `json:"invoice_id,omitempty"`
	ReversalOf   *int64          `json:"reversal_of,omitempty"`
	ReversedType PostingType     `json:"reversed_type,omitempty"`
	Meta         map[string]any  `json:"meta,omitempty"`
	Note         string          `json:"note,omitempty"`
	Status       Status          `json:"status"`
	TxDate       time.Time       `json:"tx_date"`
	CreatedBy    int64           `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	VoidedAt     *time.Time      `json:"voided_at,omitempty"`
	VoidedBy     *int64          `json:"voided_by,omitempty"`
	VoidReason   string          `json:"void_reason,omitempty"`
}

// Code is the stored type code.
func (t Transaction) Code() string {
	return t.Kind.Code(t.Type)
}

// Parties lists the counterparties the posting moves, ascending.
func (t Transaction) Parties() []int64 {
	var ids []int64
	for _, id := range []*int64{t.PartyID, t.FromPartyID, t.ToPartyID} {
		if id != nil && !slices.Contains(ids, *id) {
			ids = append(ids, *id)
		}
	}
	slices.Sort(ids)
	return ids
}

// DeltaFor returns the balance change the posting applies to partyID.
func (t Transaction) DeltaFor(partyID int64) decimal.Decimal {
	return deltaFor(t.Type, t.ReversedType, t, partyID)
}

func deltaFor(p, reversed PostingType, t Transaction, partyID int64) decimal.Decimal {
	switch p {
	case PostReversal:
		return deltaFor(reversed, "", t, partyID).Neg()
	case PostTransfer:
		switch {
		case t.FromPartyID != nil && *t.FromPartyID == partyID:
			return t.Amount.Neg()
		case t.ToPartyID != nil && *t.ToPartyID == partyID:
			return t.Amount
		}
		return decimal.Zero
	default:
		if t.PartyID == nil || *t.PartyID != partyID {
			return decimal.Zero
		}
		return t.Amount.Mul(decimal.NewFromInt(p.sign()))
	}
}

// Line views a posting from one party's side. Counterparty ledgers are
// append-only, so every line counts: a voided original and its reversal net to zero.
type Line struct {
	Transaction
	PartyID int64
}

func (l Line) LineID() int64              { return l.Transaction.ID }
func (l Line) LineDelta() decimal.Decimal { return l.Transaction.DeltaFor(l.PartyID) }
func (l Line) LineActive() bool           { return true }

// Lines wraps a party's postings as ledger lines.
func Lines(partyID int64, txs []Transaction) []Line {
	out := make([]Line, 0, len(txs))
	for _, t := range txs {
		out = append(out, Line{Transaction: t, PartyID: partyID})
	}
	return out
}

// CreateInput describes a posting request.
type CreateInput struct {
	Kind        Kind
	Type        PostingType
	PartyID     *int64
	FromPartyID *int64
	ToPartyID   *int64
	Amount      decimal.Decimal
	AccountID   *int64
	InvoiceID   *int64
	Date        time.Time
	Note        string
	Meta        map[string]any
}

// Validate applies the per-type field rules and rounds the amount.
func (in *CreateInput) Validate() error {
	if !in.Kind.Valid() {
		return ErrInvalidKind
	}
	amount, err := shared.PositiveAmount(in.Amount)
	if err != nil {
		return err
	}
	in.Amount = amount
	switch in.Type {
	case PostReversal:
		return ErrReversalDirect
	case PostTransfer:
		if in.PartyID != nil {
			return shared.Validation("party_not_allowed", "counterparty: transfers take from and to parties only")
		}
		if in.FromPartyID == nil || in.ToPartyID == nil {
			return shared.Validation("parties_required", "counterparty: transfers need from and to parties")
		}
		if *in.FromPartyID == *in.ToPartyID {
			return shared.Validation("same_party", "counterparty: from and to parties must differ")
		}
	case PostWePay, PostTheyPay, PostWeOwe, PostTheyOwe, PostAdjustPlus, PostAdjustMinus:
		if in.PartyID == nil {
			return shared.Validation("party_required", "counterparty: party is required")
		}
		if in.FromPartyID != nil || in.ToPartyID != nil {
			return shared.Validation("transfer_parties_not_allowed", "counterparty: from and to parties are only for transfers")
		}
	default:
		return ErrInvalidType
	}
	if in.Type.HasCashLeg() && in.AccountID == nil {
		return shared.Validation("account_required", "counterparty: an admin account is required")
	}
	if !in.Type.HasCashLeg() && in.AccountID != nil {
		return shared.Validation("account_not_allowed", "counterparty: posting has no cash leg")
	}
	if in.InvoiceID != nil && in.Type != PostWePay {
		return shared.Validation("invoice_not_allowed", "counterparty: only payments settle an invoice")
	}
	return nil
}

var (
	ErrInvalidKind          = shared.Validation("invalid_kind", "counterparty: unknown ledger")
	ErrInvalidType          = shared.Validation("invalid_type", "counterparty: unknown posting type")
	ErrReversalDirect       = shared.Validation("reversal_not_allowed", "counterparty: reversals are created by voiding")
	ErrPartyNotFound        = shared.NotFound("party_not_found", "counterparty: party not found")
	ErrTransactionNotFound  = shared.NotFound("transaction_not_found", "counterparty: transaction not found")
	ErrAlreadyVoided        = shared.Conflict("already_voided", "counterparty: transaction already voided")
	ErrReversalNotVoidable  = shared.Conflict("reversal_not_voidable", "counterparty: reversals cannot be voided")
	ErrOwnedByInvoice       = shared.Conflict("owned_by_invoice", "counterparty: posting belongs to an invoice; cancel the invoice instead")
	ErrAdminAccountRequired = shared.Forbidden("admin_account_required", "counterparty: account must be admin-owned")
	ErrReasonRequired       = shared.Validation("reason_required", "counterparty: reason is required")
)
