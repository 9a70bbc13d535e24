package counterparty

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/shared"
)

func (k Kind) invoicePrefix() string {
	if k == KindSupplier {
		return "SINV"
	}
	return "PINV"
}

// CreateInvoice records a counterparty bill together with its expense, the
// cost transfer into the admin cost account and the WE_OWE posting.
func (s *Service) CreateInvoice(ctx context.Context, actor shared.Actor, in InvoiceInput) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	if !in.Kind.Valid() {
		return Invoice{}, ErrInvalidKind
	}
	if in.PartyID <= 0 || in.CostAccountID <= 0 {
		return Invoice{}, shared.Validation("party_required", "counterparty: party and cost account are required")
	}
	total, err := ValidateLines(in.Lines)
	if err != nil {
		return Invoice{}, err
	}
	var created Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPartyForUpdate(ctx, in.Kind, in.PartyID); err != nil {
			return err
		}
		if in.ShipmentID != nil {
			taken, err := tx.ShipmentHasOpenInvoice(ctx, in.Kind, *in.ShipmentID)
			if err != nil {
				return err
			}
			if taken {
				return ErrShipmentInvoiced.WithIDs(*in.ShipmentID)
			}
		}
		cost, err := costAccount(ctx, tx, in.CostAccountID)
		if err != nil {
			return err
		}
		currency := cost.Currency
		if strings.TrimSpace(in.Currency) != "" {
			if currency, err = shared.NormalizeCurrency(in.Currency); err != nil {
				return err
			}
			if !strings.EqualFold(currency, cost.Currency) {
				return ErrCurrencyMismatch
			}
		}

		at := s.now()
		inv := Invoice{
			Kind:          in.Kind,
			PartyID:       in.PartyID,
			ShipmentID:    in.ShipmentID,
			Lines:         in.Lines,
			Total:         total,
			PaidTotal:     decimal.Zero,
			DueTotal:      total,
			Status:        invoices.StatusOpen,
			Currency:      strings.ToUpper(currency),
			CostAccountID: in.CostAccountID,
			Note:          in.Note,
			IssuedAt:      at,
			CreatedBy:     actor.ID,
			UpdatedAt:     at,
		}
		err = shared.InsertWithNumber(s.numbers, in.Kind.invoicePrefix(), at, func(number string) error {
			inv.Number = number
			var err error
			created, err = tx.InsertCounterpartyInvoice(ctx, inv)
			return err
		})
		if err != nil {
			return err
		}
		expense, err := tx.InsertExpense(ctx, Expense{
			Category:  string(in.Kind) + "_invoice",
			Amount:    total,
			Currency:  created.Currency,
			Reference: in.Kind.InvoiceRef(created.ID),
			Status:    "active",
			Date:      at,
			Note:      created.Number,
			CreatedBy: actor.ID,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		transfer, err := postCost(ctx, tx, actor, created, at)
		if err != nil {
			return err
		}
		if err := tx.UpdateExpense(ctx, expense.ID, total, transfer.ID, at); err != nil {
			return err
		}
		owe, err := postOwe(ctx, tx, actor, created, at)
		if err != nil {
			return err
		}
		created.ExpenseID = &expense.ID
		created.TransferID = &transfer.ID
		created.OweTransactionID = &owe.ID
		return tx.UpdateCounterpartyInvoice(ctx, created)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.invalidate(ctx, in.Kind, []int64{in.PartyID})
	s.record(ctx, actor, in.Kind, "invoice.create", created.ID, nil, created)
	return created, nil
}

// GetInvoice returns one counterparty invoice.
func (s *Service) GetInvoice(ctx context.Context, kind Kind, id int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetCounterpartyInvoice(ctx, kind, id)
		return err
	})
	return inv, err
}

// RegenerateInvoice replaces the line items of an unpaid invoice. The old
// cost transfer is canceled and a new one posted; the WE_OWE posting is
// reversed and reposted for the new total.
func (s *Service) RegenerateInvoice(ctx context.Context, actor shared.Actor, kind Kind, id int64, lines []InvoiceLine, note *string) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	if !kind.Valid() {
		return Invoice{}, ErrInvalidKind
	}
	total, err := ValidateLines(lines)
	if err != nil {
		return Invoice{}, err
	}
	var before, after Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := lockUnpaidInvoice(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		before = inv
		if _, err := tx.GetPartyForUpdate(ctx, kind, inv.PartyID); err != nil {
			return err
		}
		at := s.now()
		const reason = "invoice regenerated"
		if inv.TransferID != nil {
			if _, err := accounts.CancelTransfer(ctx, tx, actor, *inv.TransferID, reason, at); err != nil {
				return err
			}
		}
		if inv.OweTransactionID != nil {
			if err := reverseOwe(ctx, tx, actor, kind, *inv.OweTransactionID, reason, at); err != nil {
				return err
			}
		}
		inv.Lines = lines
		inv.Total = total
		if note != nil {
			inv.Note = *note
		}
		transfer, err := postCost(ctx, tx, actor, inv, at)
		if err != nil {
			return err
		}
		if inv.ExpenseID != nil {
			if err := tx.UpdateExpense(ctx, *inv.ExpenseID, total, transfer.ID, at); err != nil {
				return err
			}
		}
		owe, err := postOwe(ctx, tx, actor, inv, at)
		if err != nil {
			return err
		}
		inv.TransferID = &transfer.ID
		inv.OweTransactionID = &owe.ID
		inv.Settle(decimal.Zero)
		inv.UpdatedAt = at
		if err := tx.UpdateCounterpartyInvoice(ctx, inv); err != nil {
			return err
		}
		after = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.invalidate(ctx, kind, []int64{after.PartyID})
	s.record(ctx, actor, kind, "invoice.regenerate", id, before, after)
	return after, nil
}

// CancelInvoice voids an unpaid invoice and unwinds its expense, cost
// transfer and WE_OWE posting.
func (s *Service) CancelInvoice(ctx context.Context, actor shared.Actor, kind Kind, id int64, reason string) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	if !kind.Valid() {
		return Invoice{}, ErrInvalidKind
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Invoice{}, ErrReasonRequired
	}
	var before, after Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := lockUnpaidInvoice(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		before = inv
		at := s.now()
		if inv.OweTransactionID != nil {
			if err := reverseOwe(ctx, tx, actor, kind, *inv.OweTransactionID, reason, at); err != nil {
				return err
			}
		}
		if inv.TransferID != nil {
			if _, err := accounts.CancelTransfer(ctx, tx, actor, *inv.TransferID, reason, at); err != nil {
				return err
			}
		}
		if inv.ExpenseID != nil {
			if err := tx.CancelExpense(ctx, *inv.ExpenseID, at); err != nil {
				return err
			}
		}
		actorID := actor.ID
		inv.Status = invoices.StatusVoid
		inv.PaidTotal = decimal.Zero
		inv.DueTotal = decimal.Zero
		inv.CanceledAt = &at
		inv.CanceledBy = &actorID
		inv.CancelReason = reason
		inv.UpdatedAt = at
		if err := tx.UpdateCounterpartyInvoice(ctx, inv); err != nil {
			return err
		}
		after = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.invalidate(ctx, kind, []int64{after.PartyID})
	s.record(ctx, actor, kind, "invoice.cancel", id, before, after)
	return after, nil
}

func lockUnpaidInvoice(ctx context.Context, tx TxRepository, kind Kind, id int64) (Invoice, error) {
	inv, err := tx.GetCounterpartyInvoiceForUpdate(ctx, kind, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status == invoices.StatusVoid {
		return Invoice{}, ErrInvoiceVoid
	}
	paid, err := tx.SumCounterpartyInvoicePayments(ctx, kind, id)
	if err != nil {
		return Invoice{}, err
	}
	if paid.IsPositive() {
		return Invoice{}, ErrInvoiceHasPayments
	}
	return inv, nil
}

func costAccount(ctx context.Context, tx TxRepository, id int64) (accounts.Account, error) {
	account, err := accounts.FetchActive(ctx, tx, id)
	if err != nil {
		return accounts.Account{}, err
	}
	if account.OwnerType != accounts.OwnerAdmin {
		return accounts.Account{}, ErrAdminAccountRequired.WithIDs(id)
	}
	return account, nil
}

func postCost(ctx context.Context, tx TxRepository, actor shared.Actor, inv Invoice, at time.Time) (accounts.Transfer, error) {
	costID := inv.CostAccountID
	return accounts.PostTransfer(ctx, tx, actor, accounts.TransferInput{
		ToAccountID: &costID,
		Amount:      inv.Total,
		EntryType:   string(inv.Kind) + "_invoice_cost",
		Date:        at,
		Note:        inv.Number,
		Reference:   inv.Kind.InvoiceRef(inv.ID),
	}, at)
}

func postOwe(ctx context.Context, tx TxRepository, actor shared.Actor, inv Invoice, at time.Time) (Transaction, error) {
	partyID, invoiceID := inv.PartyID, inv.ID
	return post(ctx, tx, actor, CreateInput{
		Kind:      inv.Kind,
		Type:      PostWeOwe,
		PartyID:   &partyID,
		Amount:    inv.Total,
		InvoiceID: &invoiceID,
		Date:      at,
		Note:      "invoice " + inv.Number,
	}, at)
}

func reverseOwe(ctx context.Context, tx TxRepository, actor shared.Actor, kind Kind, id int64, reason string, at time.Time) error {
	orig, err := tx.GetCounterpartyTransactionForUpdate(ctx, kind, id)
	if err != nil {
		return err
	}
	if orig.Status == StatusVoided {
		return nil
	}
	_, err = reverse(ctx, tx, actor, orig, reason, at)
	return err
}
