package counterparty

import (
	"context"
	"strings"
	"time"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/shared"
)

// post writes one posting with its optional cash leg and recomputes every
// touched party balance from the ledger. The caller owns validation.
func post(ctx context.Context, tx TxRepository, actor shared.Actor, in CreateInput, at time.Time) (Transaction, error) {
	draft := Transaction{
		Kind:        in.Kind,
		Type:        in.Type,
		PartyID:     in.PartyID,
		FromPartyID: in.FromPartyID,
		ToPartyID:   in.ToPartyID,
		Amount:      in.Amount,
		AccountID:   in.AccountID,
		InvoiceID:   in.InvoiceID,
		Meta:        in.Meta,
		Note:        in.Note,
		Status:      StatusPosted,
		TxDate:      in.Date,
		CreatedBy:   actor.ID,
		CreatedAt:   at,
	}
	if draft.TxDate.IsZero() {
		draft.TxDate = at
	}
	if err := lockParties(ctx, tx, in.Kind, draft.Parties()); err != nil {
		return Transaction{}, err
	}
	if in.Type == PostWePay && in.InvoiceID != nil {
		inv, err := tx.GetCounterpartyInvoiceForUpdate(ctx, in.Kind, *in.InvoiceID)
		if err != nil {
			return Transaction{}, err
		}
		if inv.PartyID != *in.PartyID {
			return Transaction{}, ErrInvoiceParty.WithIDs(inv.ID)
		}
		if inv.Status == invoices.StatusVoid {
			return Transaction{}, ErrInvoiceVoid
		}
		if in.Amount.GreaterThan(inv.DueTotal) {
			return Transaction{}, ErrExceedsDue.WithIDs(inv.ID)
		}
	}
	if in.AccountID != nil {
		if err := requireAdminAccount(ctx, tx, *in.AccountID); err != nil {
			return Transaction{}, err
		}
	}

	created, err := tx.InsertCounterpartyTransaction(ctx, draft)
	if err != nil {
		return Transaction{}, err
	}
	if in.Type.HasCashLeg() {
		leg := accounts.TransferInput{
			Amount:    created.Amount,
			EntryType: strings.ToLower(created.Code()),
			Date:      created.TxDate,
			Note:      created.Note,
			Reference: in.Kind.TransactionRef(created.ID),
		}
		if created.DeltaFor(*created.PartyID).IsNegative() {
			leg.FromAccountID = in.AccountID
		} else {
			leg.ToAccountID = in.AccountID
		}
		transfer, err := accounts.PostTransfer(ctx, tx, actor, leg, at)
		if err != nil {
			return Transaction{}, err
		}
		if err := tx.SetCounterpartyTransfer(ctx, in.Kind, created.ID, transfer.ID); err != nil {
			return Transaction{}, err
		}
		created.TransferID = &transfer.ID
	}
	if err := refreshBalances(ctx, tx, in.Kind, created.Parties()); err != nil {
		return Transaction{}, err
	}
	if in.Type == PostWePay && in.InvoiceID != nil {
		if _, err := recalculateInvoice(ctx, tx, in.Kind, *in.InvoiceID, at); err != nil {
			return Transaction{}, err
		}
	}
	return created, nil
}

// reverse posts the REVERSAL of orig, inverts its cash leg and marks orig voided.
func reverse(ctx context.Context, tx TxRepository, actor shared.Actor, orig Transaction, reason string, at time.Time) (Transaction, error) {
	if orig.Type == PostReversal {
		return Transaction{}, ErrReversalNotVoidable
	}
	if orig.Status != StatusPosted {
		return Transaction{}, ErrAlreadyVoided
	}
	if err := lockParties(ctx, tx, orig.Kind, orig.Parties()); err != nil {
		return Transaction{}, err
	}
	origID := orig.ID
	rev, err := tx.InsertCounterpartyTransaction(ctx, Transaction{
		Kind:         orig.Kind,
		Type:         PostReversal,
		PartyID:      orig.PartyID,
		FromPartyID:  orig.FromPartyID,
		ToPartyID:    orig.ToPartyID,
		Amount:       orig.Amount,
		AccountID:    orig.AccountID,
		InvoiceID:    orig.InvoiceID,
		ReversalOf:   &origID,
		ReversedType: orig.Type,
		Meta: map[string]any{
			"reversal_of":   origID,
			"reversed_type": orig.Code(),
			"reason":        reason,
		},
		Note:      reason,
		Status:    StatusPosted,
		TxDate:    at,
		CreatedBy: actor.ID,
		CreatedAt: at,
	})
	if err != nil {
		return Transaction{}, err
	}
	if orig.TransferID != nil {
		original, err := tx.GetTransferForUpdate(ctx, *orig.TransferID)
		if err != nil {
			return Transaction{}, err
		}
		inverse := original.Inverse(orig.Kind.TransactionRef(rev.ID), "reversal", at)
		transfer, err := accounts.PostTransfer(ctx, tx, actor, inverse, at)
		if err != nil {
			return Transaction{}, err
		}
		if err := tx.SetCounterpartyTransfer(ctx, rev.Kind, rev.ID, transfer.ID); err != nil {
			return Transaction{}, err
		}
		rev.TransferID = &transfer.ID
	}
	if err := tx.MarkCounterpartyVoided(ctx, orig.Kind, orig.ID, actor.ID, reason, at); err != nil {
		return Transaction{}, err
	}
	if err := refreshBalances(ctx, tx, orig.Kind, orig.Parties()); err != nil {
		return Transaction{}, err
	}
	if orig.Type == PostWePay && orig.InvoiceID != nil {
		if _, err := recalculateInvoice(ctx, tx, orig.Kind, *orig.InvoiceID, at); err != nil {
			return Transaction{}, err
		}
	}
	return rev, nil
}

// lockParties takes the profile row locks in ascending id order.
func lockParties(ctx context.Context, tx TxRepository, kind Kind, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.GetPartyForUpdate(ctx, kind, id); err != nil {
			return err
		}
	}
	return nil
}

func refreshBalances(ctx context.Context, tx TxRepository, kind Kind, ids []int64) error {
	for _, id := range ids {
		txs, err := tx.ListPartyTransactions(ctx, kind, id)
		if err != nil {
			return err
		}
		if err := tx.SetPartyBalance(ctx, kind, id, shared.SumActive(Lines(id, txs))); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild compares a party's cached balance with the replay of its ledger.
func Rebuild(ctx context.Context, tx TxRepository, kind Kind, partyID int64, fix bool) (shared.Drift, error) {
	party, err := tx.GetPartyForUpdate(ctx, kind, partyID)
	if err != nil {
		return shared.Drift{}, err
	}
	txs, err := tx.ListPartyTransactions(ctx, kind, partyID)
	if err != nil {
		return shared.Drift{}, err
	}
	drift := shared.Drift{
		Entity:   string(kind) + "_balance",
		EntityID: partyID,
		Cached:   party.Balance,
		Journal:  shared.SumActive(Lines(partyID, txs)),
	}
	if fix && drift.Drifted() {
		if err := tx.SetPartyBalance(ctx, kind, partyID, drift.Journal); err != nil {
			return shared.Drift{}, err
		}
		drift.Repaired = true
	}
	return drift, nil
}

func requireAdminAccount(ctx context.Context, tx TxRepository, accountID int64) error {
	account, err := accounts.FetchActive(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if account.OwnerType != accounts.OwnerAdmin {
		return ErrAdminAccountRequired.WithIDs(accountID)
	}
	return nil
}

// recalculateInvoice rewrites paid_total from the posted payments linked to the invoice.
func recalculateInvoice(ctx context.Context, tx TxRepository, kind Kind, invoiceID int64, at time.Time) (Invoice, error) {
	inv, err := tx.GetCounterpartyInvoiceForUpdate(ctx, kind, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	paid, err := tx.SumCounterpartyInvoicePayments(ctx, kind, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	inv.Settle(paid)
	inv.UpdatedAt = at
	if err := tx.UpdateCounterpartyInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}
