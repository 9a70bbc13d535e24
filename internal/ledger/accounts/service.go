package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// TxRepository exposes the account-store operations available inside a unit of work.
type TxRepository interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	AddAccountBalance(ctx context.Context, id int64, delta decimal.Decimal) error
	SetAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	ListAccountIDs(ctx context.Context) ([]int64, error)
	ListAccountEntries(ctx context.Context, accountID int64) ([]Entry, error)
	InsertTransfer(ctx context.Context, t Transfer) (Transfer, error)
	InsertAccountEntry(ctx context.Context, e Entry) (Entry, error)
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	MarkTransferCanceled(ctx context.Context, id, actorID int64, reason string, at time.Time) error
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service exposes the account store to handlers and jobs.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	logger *slog.Logger
	now   func() time.Time
}

// NewService constructs the account service.
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

// FetchAccount returns an active account.
func (s *Service) FetchAccount(ctx context.Context, id int64) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = FetchActive(ctx, tx, id)
		return err
	})
	return account, err
}

// CreateTransfer posts a standalone transfer, e.g. for a paid expense.
func (s *Service) CreateTransfer(ctx context.Context, actor shared.Actor, in TransferInput) (Transfer, error) {
	var transfer Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		transfer, err = PostTransfer(ctx, tx, actor, in, s.now())
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.record(ctx, actor, "transfer.create", transfer.ID, nil, transfer)
	return transfer, nil
}

// CancelTransfer cancels a transfer that is not the cash leg of a receipt.
// Receipt-owned transfers are unwound by canceling or voiding their owner.
func (s *Service) CancelTransfer(ctx context.Context, actor shared.Actor, id int64, reason string) (Transfer, error) {
	var before, after Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == StatusActive && shared.IsReceiptReference(current.Reference) {
			return ErrTransferOwned
		}
		before = current
		after, err = CancelTransfer(ctx, tx, actor, id, reason, s.now())
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.record(ctx, actor, "transfer.cancel", id, before, after)
	return after, nil
}

// Reconcile recomputes an account balance from its active entries.
func (s *Service) Reconcile(ctx context.Context, accountID int64, fix bool) (shared.Drift, error) {
	var drift shared.Drift
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		drift, err = Reconcile(ctx, tx, accountID, fix)
		return err
	})
	return drift, err
}

// AccountIDs lists every account, active or not.
func (s *Service) AccountIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListAccountIDs(ctx)
		return err
	})
	return ids, err
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "account_transfer",
		EntityID: fmt.Sprintf("%d", id),
		Before:   before,
		After:    after,
		At:       s.now(),
	})
}

// FetchActive loads an account and rejects soft-deleted ones.
func FetchActive(ctx context.Context, tx TxRepository, id int64) (Account, error) {
	account, err := tx.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if !account.IsActive {
		return Account{}, ErrAccountInactive
	}
	return account, nil
}

// PostTransfer inserts a transfer, one entry per present side, and moves the
// cached balances by the entry amounts. It must run inside the caller's unit of work.
func PostTransfer(ctx context.Context, tx TxRepository, actor shared.Actor, in TransferInput, at time.Time) (Transfer, error) {
	if err := actor.Validate(); err != nil {
		return Transfer{}, err
	}
	if err := in.Validate(); err != nil {
		return Transfer{}, err
	}
	locked, err := lockAccounts(ctx, tx, in.FromAccountID, in.ToAccountID)
	if err != nil {
		return Transfer{}, err
	}
	for _, account := range locked {
		if !account.IsActive {
			return Transfer{}, ErrAccountInactive.WithIDs(account.ID)
		}
		if account.OwnerType == OwnerBranch && account.OwnerID != nil {
			if err := actor.RequireBranch(*account.OwnerID); err != nil {
				return Transfer{}, err
			}
		}
	}
	if in.FromAccountID != nil && in.ToAccountID != nil {
		from, to := locked[*in.FromAccountID], locked[*in.ToAccountID]
		if !strings.EqualFold(from.Currency, to.Currency) {
			return Transfer{}, ErrCurrencyMismatch
		}
		if from.PaymentMethodID != to.PaymentMethodID {
			return Transfer{}, ErrPaymentMethodMismatch
		}
	}

	date := in.Date
	if date.IsZero() {
		date = at
	}
	transfer, err := tx.InsertTransfer(ctx, Transfer{
		FromAccountID: in.FromAccountID,
		ToAccountID:   in.ToAccountID,
		Amount:        in.Amount,
		EntryType:     in.EntryType,
		TransferDate:  date,
		Note:          in.Note,
		Reference:     in.Reference,
		Status:        StatusActive,
		CreatedBy:     actor.ID,
		CreatedAt:     at,
	})
	if err != nil {
		return Transfer{}, err
	}
	sides := []struct {
		account *int64
		amount  decimal.Decimal
	}{
		{in.FromAccountID, in.Amount.Neg()},
		{in.ToAccountID, in.Amount},
	}
	for _, side := range sides {
		if side.account == nil {
			continue
		}
		entry, err := tx.InsertAccountEntry(ctx, Entry{
			TransferID: transfer.ID,
			AccountID:  *side.account,
			Amount:     side.amount,
			Status:     StatusActive,
			CreatedAt:  at,
		})
		if err != nil {
			return Transfer{}, err
		}
		if err := tx.AddAccountBalance(ctx, *side.account, side.amount); err != nil {
			return Transfer{}, err
		}
		transfer.Entries = append(transfer.Entries, entry)
	}
	return transfer, nil
}

// CancelTransfer marks a transfer and its entries canceled and applies the
// inverse amounts to the cached balances.
func CancelTransfer(ctx context.Context, tx TxRepository, actor shared.Actor, id int64, reason string, at time.Time) (Transfer, error) {
	if err := actor.Validate(); err != nil {
		return Transfer{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transfer{}, ErrReasonRequired
	}
	transfer, err := tx.GetTransferForUpdate(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if transfer.Status != StatusActive {
		return Transfer{}, ErrTransferCanceled
	}
	if _, err := lockAccounts(ctx, tx, transfer.FromAccountID, transfer.ToAccountID); err != nil {
		return Transfer{}, err
	}
	if err := tx.MarkTransferCanceled(ctx, id, actor.ID, reason, at); err != nil {
		return Transfer{}, err
	}
	for i, entry := range transfer.Entries {
		if entry.Status != StatusActive {
			continue
		}
		if err := tx.AddAccountBalance(ctx, entry.AccountID, entry.Amount.Neg()); err != nil {
			return Transfer{}, err
		}
		transfer.Entries[i].Status = StatusCanceled
	}
	actorID := actor.ID
	transfer.Status = StatusCanceled
	transfer.CanceledBy = &actorID
	transfer.CanceledAt = &at
	transfer.CancelReason = reason
	return transfer, nil
}

// Reconcile compares the cached balance with the sum of active entries and
// rewrites the cache when fix is set.
func Reconcile(ctx context.Context, tx TxRepository, accountID int64, fix bool) (shared.Drift, error) {
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return shared.Drift{}, err
	}
	entries, err := tx.ListAccountEntries(ctx, accountID)
	if err != nil {
		return shared.Drift{}, err
	}
	drift := shared.Drift{
		Entity:   "account",
		EntityID: accountID,
		Cached:   account.Balance,
		Journal:  shared.SumActive(entries),
	}
	if fix && drift.Drifted() {
		if err := tx.SetAccountBalance(ctx, accountID, drift.Journal); err != nil {
			return shared.Drift{}, err
		}
		drift.Repaired = true
	}
	return drift, nil
}

// lockAccounts takes row locks in ascending id order so two transfers over the
// same pair of accounts cannot deadlock.
func lockAccounts(ctx context.Context, tx TxRepository, ids ...*int64) (map[int64]Account, error) {
	var order []int64
	for _, id := range ids {
		if id != nil && !slices.Contains(order, *id) {
			order = append(order, *id)
		}
	}
	slices.Sort(order)
	locked := make(map[int64]Account, len(order))
	for _, id := range order {
		account, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}
