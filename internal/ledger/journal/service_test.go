package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/ledgertest"
	"github.com/shipdesk/backoffice/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(store *ledgertest.Store) *journal.Service {
	svc := journal.NewService(store.Journal(), nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC) })
	return svc
}

func TestChargeOrderPostsCustomerAndBranch(t *testing.T) {
	store := ledgertest.New()
	branch := store.AddBranch("North")
	customer := store.AddCustomer(branch, "Ada", decimal.Zero)
	svc := newService(store)
	ctx := context.Background()

	require.NoError(t, svc.ChargeOrder(ctx, ledgertest.Actor(), customer, branch, 501, dec("80")))
	require.NoError(t, svc.ChargeOrder(ctx, ledgertest.Actor(), customer, branch, 502, dec("20")))
	require.NoError(t, svc.ReverseOrderCharge(ctx, ledgertest.Actor(), customer, branch, 502, dec("20"), ""))

	require.True(t, store.Customer(customer).Balance.Equal(dec("80")))
	require.True(t, store.Branch(branch).Balance.Equal(dec("80")))

	history, err := svc.History(ctx, journal.BookCustomer, customer)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[1].BalanceAfter.Equal(dec("100")))
	require.True(t, history[2].BalanceAfter.Equal(dec("80")))
	require.Equal(t, shared.OrderRef(502), history[2].Reference)
	require.Equal(t, "order charge reversed", history[2].Note)
}

func TestChargeOrderScopedToBranch(t *testing.T) {
	store := ledgertest.New()
	branch := store.AddBranch("North")
	other := store.AddBranch("South")
	customer := store.AddCustomer(branch, "Ada", decimal.Zero)
	svc := newService(store)

	err := svc.ChargeOrder(context.Background(), ledgertest.BranchActor(other), customer, branch, 1, dec("10"))
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.Zero(t, store.Counts().Journal)
}

func TestChargeOrderUnknownCustomerWritesNothing(t *testing.T) {
	store := ledgertest.New()
	branch := store.AddBranch("North")
	svc := newService(store)

	err := svc.ChargeOrder(context.Background(), ledgertest.Actor(), 404, branch, 1, dec("10"))
	require.ErrorIs(t, err, journal.ErrCustomerNotFound)
	require.Zero(t, store.Counts().Journal)
}

func TestGrantPoints(t *testing.T) {
	store := ledgertest.New()
	branch := store.AddBranch("North")
	customer := store.AddCustomer(branch, "Ada", dec("5"))
	svc := newService(store)
	ctx := context.Background()

	require.NoError(t, svc.GrantPoints(ctx, ledgertest.Actor(), customer, 9, dec("10")))
	require.True(t, store.Customer(customer).PointsBalance.Equal(dec("15")))

	err := svc.GrantPoints(ctx, ledgertest.Actor(), customer, 9, dec("-1"))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileCustomerAndBranch(t *testing.T) {
	store := ledgertest.New()
	branch := store.AddBranch("North")
	customer := store.AddCustomer(branch, "Ada", dec("7"))
	svc := newService(store)
	ctx := context.Background()
	require.NoError(t, svc.ChargeOrder(ctx, ledgertest.Actor(), customer, branch, 1, dec("30")))

	drifts, err := svc.ReconcileCustomer(ctx, customer, false)
	require.NoError(t, err)
	require.Len(t, drifts, 2)
	for _, d := range drifts {
		require.False(t, d.Drifted(), d.Entity)
	}

	store.CorruptCustomerBalance(customer, dec("1"))
	drifts, err = svc.ReconcileCustomer(ctx, customer, true)
	require.NoError(t, err)
	require.True(t, drifts[0].Repaired)
	require.True(t, store.Customer(customer).Balance.Equal(dec("30")))

	drift, err := svc.ReconcileBranch(ctx, branch, false)
	require.NoError(t, err)
	require.False(t, drift.Drifted())

	ids, err := svc.CustomerIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{customer}, ids)
}
