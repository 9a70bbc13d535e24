package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// Apply posts the same delta to the customer and branch journals. It is the
// only code path that changes Customer.balance or Branch.balance. A zero
// delta writes nothing.
func Apply(ctx context.Context, tx TxRepository, actor shared.Actor, p Posting, at time.Time) (Entry, Entry, error) {
	if p.Delta.IsZero() {
		return Entry{}, Entry{}, nil
	}
	if p.Reference == nil {
		return Entry{}, Entry{}, ErrReferenceRequired
	}
	if _, err := tx.GetCustomerForUpdate(ctx, p.CustomerID); err != nil {
		return Entry{}, Entry{}, err
	}
	if _, err := tx.GetBranchForUpdate(ctx, p.BranchID); err != nil {
		return Entry{}, Entry{}, err
	}
	customerEntry, err := post(ctx, tx, BookCustomer, p.CustomerID, p.Delta, p.Reference, p.Note, actor, at)
	if err != nil {
		return Entry{}, Entry{}, err
	}
	branchEntry, err := post(ctx, tx, BookBranch, p.BranchID, p.Delta, p.Reference, p.Note, actor, at)
	if err != nil {
		return Entry{}, Entry{}, err
	}
	return customerEntry, branchEntry, nil
}

// AdjustPoints posts a points delta for a customer and rejects results below zero.
func AdjustPoints(ctx context.Context, tx TxRepository, actor shared.Actor, customerID int64, delta decimal.Decimal, ref shared.Reference, at time.Time) (Entry, error) {
	if delta.IsZero() {
		return Entry{}, nil
	}
	if ref == nil {
		return Entry{}, ErrReferenceRequired
	}
	customer, err := tx.GetCustomerForUpdate(ctx, customerID)
	if err != nil {
		return Entry{}, err
	}
	if customer.PointsBalance.Add(delta).IsNegative() {
		return Entry{}, ErrInsufficientPoints
	}
	return post(ctx, tx, BookPoints, customerID, delta, ref, "", actor, at)
}

// post appends one journal row and rewrites the cached column from the
// journal sum, so the cache is always derived from its rows.
func post(ctx context.Context, tx TxRepository, book Book, ownerID int64, delta decimal.Decimal, ref shared.Reference, note string, actor shared.Actor, at time.Time) (Entry, error) {
	entries, err := tx.ListJournalEntries(ctx, book, ownerID)
	if err != nil {
		return Entry{}, err
	}
	balance := shared.SumActive(entries).Add(delta)
	entry, err := tx.InsertJournalEntry(ctx, book, Entry{
		OwnerID:      ownerID,
		Delta:        delta,
		BalanceAfter: balance,
		Reference:    ref,
		Note:         note,
		ActorID:      actor.ID,
		CreatedAt:    at,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := tx.SetCachedBalance(ctx, book, ownerID, balance); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Rebuild recomputes a cached column from its journal.
func Rebuild(ctx context.Context, tx TxRepository, book Book, ownerID int64, fix bool) (shared.Drift, error) {
	var cached decimal.Decimal
	switch book {
	case BookBranch:
		branch, err := tx.GetBranchForUpdate(ctx, ownerID)
		if err != nil {
			return shared.Drift{}, err
		}
		cached = branch.Balance
	case BookCustomer, BookPoints:
		customer, err := tx.GetCustomerForUpdate(ctx, ownerID)
		if err != nil {
			return shared.Drift{}, err
		}
		cached = customer.Balance
		if book == BookPoints {
			cached = customer.PointsBalance
		}
	}
	entries, err := tx.ListJournalEntries(ctx, book, ownerID)
	if err != nil {
		return shared.Drift{}, err
	}
	drift := shared.Drift{
		Entity:   string(book),
		EntityID: ownerID,
		Cached:   cached,
		Journal:  shared.SumActive(entries),
	}
	if fix && drift.Drifted() {
		if err := tx.SetCachedBalance(ctx, book, ownerID, drift.Journal); err != nil {
			return shared.Drift{}, err
		}
		drift.Repaired = true
	}
	return drift, nil
}
