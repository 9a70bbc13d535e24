package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// TxRepository exposes journal storage inside a unit of work.
type TxRepository interface {
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	GetCustomerForUpdate(ctx context.Context, id int64) (Customer, error)
	GetBranchForUpdate(ctx context.Context, id int64) (Branch, error)
	InsertJournalEntry(ctx context.Context, book Book, e Entry) (Entry, error)
	ListJournalEntries(ctx context.Context, book Book, ownerID int64) ([]Entry, error)
	SetCachedBalance(ctx context.Context, book Book, ownerID int64, balance decimal.Decimal) error
	ListCustomerIDs(ctx context.Context) ([]int64, error)
	ListBranchIDs(ctx context.Context) ([]int64, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service is the entry point for the order-fulfillment collaborator and
// the reconciliation job.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	logger *slog.Logger
	now   func() time.Time
}

// NewService constructs the journal service.
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

// ChargeOrder records that an order reached its sub-branch: the customer is
// charged and the branch credited with the order total.
func (s *Service) ChargeOrder(ctx context.Context, actor shared.Actor, customerID, branchID, orderID int64, total decimal.Decimal) error {
	amount, err := shared.PositiveAmount(total)
	if err != nil {
		return err
	}
	return s.post(ctx, actor, "order.charge", Posting{
		CustomerID: customerID,
		BranchID:   branchID,
		Delta:      amount,
		Reference:  shared.OrderRef(orderID),
		Note:       "order received at sub-branch",
	})
}

// ReverseOrderCharge undoes ChargeOrder when an order is returned or reassigned.
func (s *Service) ReverseOrderCharge(ctx context.Context, actor shared.Actor, customerID, branchID, orderID int64, total decimal.Decimal, note string) error {
	amount, err := shared.PositiveAmount(total)
	if err != nil {
		return err
	}
	if note == "" {
		note = "order charge reversed"
	}
	return s.post(ctx, actor, "order.charge_reverse", Posting{
		CustomerID: customerID,
		BranchID:   branchID,
		Delta:      amount.Neg(),
		Reference:  shared.OrderRef(orderID),
		Note:       note,
	})
}

// GrantPoints credits loyalty points earned on an order.
func (s *Service) GrantPoints(ctx context.Context, actor shared.Actor, customerID, orderID int64, points decimal.Decimal) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !points.IsPositive() {
		return shared.Validation("invalid_points", "points must be greater than zero")
	}
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = AdjustPoints(ctx, tx, actor, customerID, points, shared.OrderRef(orderID), s.now())
		return err
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "points.grant",
			Entity:   "customer",
			EntityID: fmt.Sprintf("%d", customerID),
			After:    entry,
			At:       s.now(),
		})
	}
	return nil
}

func (s *Service) post(ctx context.Context, actor shared.Actor, action string, p Posting) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if err := actor.RequireBranch(p.BranchID); err != nil {
		return err
	}
	var customerEntry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		customerEntry, _, err = Apply(ctx, tx, actor, p, s.now())
		return err
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   action,
			Entity:   "customer",
			EntityID: fmt.Sprintf("%d", p.CustomerID),
			After:    customerEntry,
			Meta:     map[string]any{"branch_id": p.BranchID, "delta": p.Delta.String()},
			At:       s.now(),
		})
	}
	return nil
}

// History returns a journal in posting order.
func (s *Service) History(ctx context.Context, book Book, ownerID int64) ([]Entry, error) {
	var entries []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = tx.ListJournalEntries(ctx, book, ownerID)
		return err
	})
	return entries, err
}

// ReconcileCustomer rebuilds a customer's cached balance and points.
func (s *Service) ReconcileCustomer(ctx context.Context, customerID int64, fix bool) ([]shared.Drift, error) {
	var drifts []shared.Drift
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, book := range []Book{BookCustomer, BookPoints} {
			drift, err := Rebuild(ctx, tx, book, customerID, fix)
			if err != nil {
				return err
			}
			drifts = append(drifts, drift)
		}
		return nil
	})
	return drifts, err
}

// ReconcileBranch rebuilds a branch's cached balance.
func (s *Service) ReconcileBranch(ctx context.Context, branchID int64, fix bool) (shared.Drift, error) {
	var drift shared.Drift
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		drift, err = Rebuild(ctx, tx, BookBranch, branchID, fix)
		return err
	})
	return drift, err
}

// CustomerIDs lists every customer.
func (s *Service) CustomerIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListCustomerIDs(ctx)
		return err
	})
	return ids, err
}

// BranchIDs lists every branch.
func (s *Service) BranchIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListBranchIDs(ctx)
		return err
	})
	return ids, err
}
