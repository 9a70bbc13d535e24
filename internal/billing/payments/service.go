package payments

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/shared"
)

// TxRepository exposes transaction storage together with the invoice,
// journal and account stores it posts through.
type TxRepository interface {
	invoices.TxRepository
	accounts.TxRepository
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	SetTransactionTransfer(ctx context.Context, id, transferID int64) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	MarkTransactionCanceled(ctx context.Context, id, actorID int64, reason string, at time.Time) error
	TransactionReasonExists(ctx context.Context, id int64) (bool, error)
	InsertAllocation(ctx context.Context, a invoices.Allocation) (invoices.Allocation, error)
	ListAllocationsByTransaction(ctx context.Context, transactionID int64) ([]invoices.Allocation, error)
	SumAllocationsByTransaction(ctx context.Context, transactionID int64) (decimal.Decimal, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service records customer transactions and their allocations.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	logger *slog.Logger
	now   func() time.Time
}

// NewService constructs the payments service.
func NewService(repo RepositoryPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger used for post-commit side effects.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns a transaction with its allocations.
func (s *Service) Get(ctx context.Context, id int64) (Transaction, error) {
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, id); err != nil {
			return err
		}
		txn.Allocations, err = tx.ListAllocationsByTransaction(ctx, id)
		return err
	})
	return txn, err
}

// Create records a transaction, its cash leg and its journal postings. A
// payment carrying an invoice is allocated to it up to the invoice's due_total.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Transaction, error) {
	if err := actor.Validate(); err != nil {
		return Transaction{}, err
	}
	amount, delta, err := in.Validate()
	if err != nil {
		return Transaction{}, err
	}
	if err := actor.RequireBranch(in.BranchID); err != nil {
		return Transaction{}, err
	}
	var created Transaction
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetCustomerForUpdate(ctx, in.CustomerID); err != nil {
			return err
		}
		if in.ReasonID != nil {
			ok, err := tx.TransactionReasonExists(ctx, *in.ReasonID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrReasonNotFound
			}
		}
		allocate := decimal.Zero
		if in.InvoiceID != nil {
			inv, err := lockInvoice(ctx, tx, actor, *in.InvoiceID, in.CustomerID)
			if err != nil {
				return err
			}
			allocate = decimal.Min(amount, inv.DueTotal)
		}
		if in.AccountID != nil {
			if _, err := accounts.FetchActive(ctx, tx, *in.AccountID); err != nil {
				return err
			}
		}

		at := s.now()
		date := in.Date
		if date.IsZero() {
			date = at
		}
		created, err = tx.InsertTransaction(ctx, Transaction{
			CustomerID: in.CustomerID,
			BranchID:   in.BranchID,
			Type:       in.Type,
			Amount:     amount,
			Delta:      delta,
			AccountID:  in.AccountID,
			InvoiceID:  in.InvoiceID,
			ReasonID:   in.ReasonID,
			Note:       in.Note,
			Status:     StatusActive,
			TxDate:     date,
			CreatedBy:  actor.ID,
			CreatedAt:  at,
		})
		if err != nil {
			return err
		}
		ref := shared.TransactionRef(created.ID)
		if in.Type.HasCashLeg() {
			transfer, err := accounts.PostTransfer(ctx, tx, actor, cashLeg(created, ref), at)
			if err != nil {
				return err
			}
			if err := tx.SetTransactionTransfer(ctx, created.ID, transfer.ID); err != nil {
				return err
			}
			created.TransferID = &transfer.ID
		}
		if _, _, err := journal.Apply(ctx, tx, actor, journal.Posting{
			CustomerID: in.CustomerID,
			BranchID:   in.BranchID,
			Delta:      delta,
			Reference:  ref,
			Note:       string(in.Type),
		}, at); err != nil {
			return err
		}
		if allocate.IsPositive() {
			alloc, err := tx.InsertAllocation(ctx, invoices.Allocation{
				TransactionID: created.ID,
				InvoiceID:     *in.InvoiceID,
				Amount:        allocate,
				CreatedBy:     actor.ID,
				CreatedAt:     at,
			})
			if err != nil {
				return err
			}
			created.Allocations = append(created.Allocations, alloc)
			if _, err := invoices.Recalculate(ctx, tx, *in.InvoiceID, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, actor, "transaction.create", created.ID, nil, created)
	return created, nil
}

// Allocate splits an active payment across invoices. Every request is
// checked against the invoice's current due_total before anything is written.
func (s *Service) Allocate(ctx context.Context, actor shared.Actor, transactionID int64, reqs []AllocationRequest) ([]invoices.Allocation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	merged, err := MergeAllocations(reqs)
	if err != nil {
		return nil, err
	}
	var out []invoices.Allocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := actor.RequireBranch(txn.BranchID); err != nil {
			return err
		}
		if txn.Status != StatusActive {
			return ErrTransactionCanceled
		}
		if txn.Type != TypePayment {
			return ErrNotAllocatable
		}
		used, err := tx.SumAllocationsByTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		for _, req := range merged {
			used = used.Add(req.Amount)
		}
		if used.GreaterThan(txn.Amount) {
			return ErrOverAllocated
		}
		for _, req := range merged {
			inv, err := lockInvoice(ctx, tx, actor, req.InvoiceID, txn.CustomerID)
			if err != nil {
				return err
			}
			if req.Amount.GreaterThan(inv.DueTotal) {
				return ErrExceedsDue.WithIDs(inv.ID)
			}
		}

		at := s.now()
		for _, req := range merged {
			alloc, err := tx.InsertAllocation(ctx, invoices.Allocation{
				TransactionID: transactionID,
				InvoiceID:     req.InvoiceID,
				Amount:        req.Amount,
				CreatedBy:     actor.ID,
				CreatedAt:     at,
			})
			if err != nil {
				return err
			}
			out = append(out, alloc)
			if _, err := invoices.Recalculate(ctx, tx, req.InvoiceID, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "transaction.allocate", transactionID, nil, out)
	return out, nil
}

// Cancel reverses a transaction: its invoices are recomputed from the
// remaining active allocations, the journal delta is posted inverted and the
// cash leg is canceled.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Transaction, error) {
	if err := actor.Validate(); err != nil {
		return Transaction{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transaction{}, ErrReasonRequired
	}
	var before, after Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.RequireBranch(txn.BranchID); err != nil {
			return err
		}
		if txn.Status != StatusActive {
			return ErrTransactionCanceled
		}
		allocs, err := tx.ListAllocationsByTransaction(ctx, id)
		if err != nil {
			return err
		}
		before = txn
		at := s.now()
		if err := tx.MarkTransactionCanceled(ctx, id, actor.ID, reason, at); err != nil {
			return err
		}
		var touched []int64
		for _, a := range allocs {
			if !slices.Contains(touched, a.InvoiceID) {
				touched = append(touched, a.InvoiceID)
			}
		}
		slices.Sort(touched)
		for _, invoiceID := range touched {
			if _, err := invoices.Recalculate(ctx, tx, invoiceID, at); err != nil {
				return err
			}
		}
		ref := shared.TransactionRef(id)
		if _, _, err := journal.Apply(ctx, tx, actor, journal.Posting{
			CustomerID: txn.CustomerID,
			BranchID:   txn.BranchID,
			Delta:      txn.Delta.Neg(),
			Reference:  ref,
			Note:       "canceled: " + reason,
		}, at); err != nil {
			return err
		}
		if txn.TransferID != nil {
			if _, err := accounts.CancelTransfer(ctx, tx, actor, *txn.TransferID, reason, at); err != nil {
				return err
			}
		}
		actorID := actor.ID
		txn.Status = StatusCanceled
		txn.CanceledAt = &at
		txn.CanceledBy = &actorID
		txn.CancelReason = reason
		txn.Allocations = allocs
		after = txn
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, actor, "transaction.cancel", id, before, after)
	return after, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "transaction",
		EntityID: fmt.Sprintf("%d", id),
		Before:   before,
		After:    after,
		At:       s.now(),
	})
}

// lockInvoice loads an invoice that can receive money from customerID.
func lockInvoice(ctx context.Context, tx TxRepository, actor shared.Actor, invoiceID, customerID int64) (invoices.Invoice, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return invoices.Invoice{}, err
	}
	if inv.CustomerID != customerID {
		return invoices.Invoice{}, ErrInvoiceCustomer.WithIDs(invoiceID)
	}
	if err := actor.RequireBranch(inv.BranchID); err != nil {
		return invoices.Invoice{}, err
	}
	if inv.Status == invoices.StatusVoid {
		return invoices.Invoice{}, invoices.ErrAlreadyVoid.WithIDs(invoiceID)
	}
	return inv, nil
}

// cashLeg points money into the account when the receivable shrinks and
// out of it when the receivable grows.
func cashLeg(t Transaction, ref shared.Reference) accounts.TransferInput {
	in := accounts.TransferInput{
		Amount:    t.Amount,
		EntryType: "customer_" + string(t.Type),
		Date:      t.TxDate,
		Note:      t.Note,
		Reference: ref,
	}
	if t.Delta.IsNegative() {
		in.ToAccountID = t.AccountID
	} else {
		in.FromAccountID = t.AccountID
	}
	return in
}
