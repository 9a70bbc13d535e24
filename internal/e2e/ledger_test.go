//go:build integration

package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/shared"
)

func TestInvoicePayCancelRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.settings(t, "1.5", "0.1")
	cash := e.paymentMethod(t, "cash")
	branch := e.branch(t)
	customer := e.customer(t, branch, 20)
	till := e.account(t, accounts.OwnerBranch, ptr(branch), "USD", cash)
	orders := []int64{e.order(t, customer, branch, "50", "2"), e.order(t, customer, branch, "50", "1")}

	inv, err := e.invoices.Create(ctx, admin, invoices.CreateInput{
		CustomerID: customer, BranchID: branch, OrderIDs: orders, PointsUsed: 10,
		DeliveryType: invoices.DeliveryPickup, Currency: "usd",
	})
	require.NoError(t, err)
	require.Equal(t, "150.00", inv.Total.StringFixed(2))
	require.Equal(t, "15.00", inv.PointsDiscount.StringFixed(2))
	require.Equal(t, "135.00", inv.DueTotal.StringFixed(2))
	require.Equal(t, invoices.StatusOpen, inv.Status)

	_, err = e.invoices.Create(ctx, admin, invoices.CreateInput{
		CustomerID: customer, BranchID: branch, OrderIDs: orders[:1],
		DeliveryType: invoices.DeliveryPickup, Currency: "USD",
	})
	require.ErrorIs(t, err, invoices.ErrAlreadyInvoiced)

	before, err := e.journal.History(ctx, journal.BookCustomer, customer)
	require.NoError(t, err)

	txn, err := e.payments.Create(ctx, admin, payments.CreateInput{
		CustomerID: customer, BranchID: branch, Type: payments.TypePayment,
		Amount: dec("135"), AccountID: ptr(till), InvoiceID: ptr(inv.ID),
	})
	require.NoError(t, err)

	paid, err := e.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "135.00", paid.PaidTotal.StringFixed(2))
	require.True(t, paid.DueTotal.IsZero())
	require.Equal(t, invoices.StatusPaid, paid.Status)
	require.Equal(t, "135.00", e.balanceMatchesEntries(t, till).StringFixed(2))

	_, err = e.invoices.Cancel(ctx, admin, inv.ID, "blocked by receipt")
	require.ErrorIs(t, err, invoices.ErrActiveReceipts)

	_, err = e.payments.Cancel(ctx, admin, txn.ID, "test")
	require.NoError(t, err)
	_, err = e.payments.Cancel(ctx, admin, txn.ID, "test")
	require.ErrorIs(t, err, shared.ErrConflict)

	reopened, err := e.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, reopened.PaidTotal.IsZero())
	require.Equal(t, "135.00", reopened.DueTotal.StringFixed(2))
	require.Equal(t, invoices.StatusOpen, reopened.Status)
	require.True(t, e.balanceMatchesEntries(t, till).IsZero())

	drifts, err := e.journal.ReconcileCustomer(ctx, customer, false)
	require.NoError(t, err)
	for _, d := range drifts {
		require.False(t, d.Drifted(), "%s drifted", d.Entity)
	}
	after, err := e.journal.History(ctx, journal.BookCustomer, customer)
	require.NoError(t, err)
	require.Len(t, after, len(before)+2)
	require.True(t, after[len(after)-1].BalanceAfter.Equal(before[len(before)-1].BalanceAfter))

	voided, err := e.invoices.Cancel(ctx, admin, inv.ID, "customer left")
	require.NoError(t, err)
	require.Equal(t, invoices.StatusVoid, voided.Status)
	var points string
	require.NoError(t, e.pool.QueryRow(ctx, `SELECT points_balance::text FROM customers WHERE id = $1`, customer).Scan(&points))
	require.Equal(t, "20.00", points)
}

func TestAllocationOverDueWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cash := e.paymentMethod(t, "cash")
	branch := e.branch(t)
	customer := e.customer(t, branch, 0)
	till := e.account(t, accounts.OwnerBranch, ptr(branch), "USD", cash)
	inv, err := e.invoices.Create(ctx, admin, invoices.CreateInput{
		CustomerID: customer, BranchID: branch, OrderIDs: []int64{e.order(t, customer, branch, "135", "1")},
		DeliveryType: invoices.DeliveryDoor, Currency: "USD",
	})
	require.NoError(t, err)

	txn, err := e.payments.Create(ctx, admin, payments.CreateInput{
		CustomerID: customer, BranchID: branch, Type: payments.TypePayment,
		Amount: dec("300"), AccountID: ptr(till),
	})
	require.NoError(t, err)
	allocations := e.count(t, "transaction_allocations")

	_, err = e.payments.Allocate(ctx, admin, txn.ID, []payments.AllocationRequest{{InvoiceID: inv.ID, Amount: dec("200")}})
	require.ErrorIs(t, err, payments.ErrExceedsDue)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, allocations, e.count(t, "transaction_allocations"))

	unchanged, err := e.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, unchanged.PaidTotal.IsZero())
}

func TestTransferCurrencyMismatchWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cash := e.paymentMethod(t, "cash")
	branch := e.branch(t)
	x := e.account(t, accounts.OwnerBranch, ptr(branch), "USD", cash)
	y := e.account(t, accounts.OwnerAdmin, nil, "EUR", cash)

	_, err := e.accounts.CreateTransfer(ctx, admin, accounts.TransferInput{
		FromAccountID: ptr(x), ToAccountID: ptr(y), Amount: dec("50"), EntryType: "float",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, e.count(t, "account_transfers"))
	require.Zero(t, e.count(t, "account_entries"))
}

func TestConcurrentTransfersKeepBalanceConsistent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cash := e.paymentMethod(t, "cash")
	branch := e.branch(t)
	x := e.account(t, accounts.OwnerBranch, ptr(branch), "USD", cash)
	y := e.account(t, accounts.OwnerAdmin, nil, "USD", cash)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.accounts.CreateTransfer(ctx, admin, accounts.TransferInput{
				FromAccountID: ptr(x), ToAccountID: ptr(y), Amount: dec("10.005"), EntryType: "float",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, "-80.08", e.balanceMatchesEntries(t, x).StringFixed(2))
	require.Equal(t, "80.08", e.balanceMatchesEntries(t, y).StringFixed(2))
}

func TestCounterpartyVoidAndStatement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cash := e.paymentMethod(t, "cash")
	adminCash := e.account(t, accounts.OwnerAdmin, nil, "USD", cash)
	partner := e.insert(t, `INSERT INTO partner_profiles (name) VALUES ('Fastline')`)
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.counterparty.CreateTransaction(ctx, admin, counterparty.CreateInput{
		Kind: counterparty.KindPartner, Type: counterparty.PostWeOwe, PartyID: ptr(partner), Amount: dec("100"), Date: day,
	})
	require.NoError(t, err)
	pay, err := e.counterparty.CreateTransaction(ctx, admin, counterparty.CreateInput{
		Kind: counterparty.KindPartner, Type: counterparty.PostWePay, PartyID: ptr(partner), Amount: dec("40"),
		AccountID: ptr(adminCash), Date: day.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Equal(t, "-40.00", e.balanceMatchesEntries(t, adminCash).StringFixed(2))

	rev, err := e.counterparty.Void(ctx, admin, counterparty.KindPartner, pay.ID, "wrong amount")
	require.NoError(t, err)
	require.Equal(t, counterparty.PostReversal, rev.Type)
	require.True(t, e.balanceMatchesEntries(t, adminCash).IsZero())

	var rows int
	require.NoError(t, e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM partner_transactions WHERE party_id = $1 OR from_party_id = $1 OR to_party_id = $1`, partner).Scan(&rows))
	require.Equal(t, 3, rows)

	st, err := e.counterparty.Statement(ctx, counterparty.KindPartner, partner, nil, nil)
	require.NoError(t, err)
	require.True(t, st.MatchesCached)
	require.Equal(t, "100.00", st.ClosingBalance.StringFixed(2))

	drift, err := e.counterparty.Reconcile(ctx, counterparty.KindPartner, partner, false)
	require.NoError(t, err)
	require.False(t, drift.Drifted())
}
