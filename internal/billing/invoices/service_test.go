package invoices_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/ledgertest"
	"github.com/shipdesk/backoffice/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    *ledgertest.Store
	svc      *invoices.Service
	branch   int64
	customer int64
	orders   []int64
}

// newFixture seeds a customer with 20 points and two orders worth 150.00.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.New()
	store.SetSettings(dec("1.5"), dec("0.1"))
	branch := store.AddBranch("North")
	customer := store.AddCustomer(branch, "Ada", dec("20"))
	orders := []int64{
		store.AddOrder(customer, branch, dec("10"), dec("10"), decimal.Zero),
		store.AddOrder(customer, branch, dec("20"), dec("2"), dec("10")),
	}
	svc := invoices.NewService(store.Invoices(), nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC) })
	return &fixture{store: store, svc: svc, branch: branch, customer: customer, orders: orders}
}

func (f *fixture) create(t *testing.T, points int64) invoices.Invoice {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), ledgertest.Actor(), invoices.CreateInput{
		CustomerID:   f.customer,
		BranchID:     f.branch,
		OrderIDs:     f.orders,
		PointsUsed:   points,
		DeliveryType: invoices.DeliveryPickup,
		Currency:     "usd",
	})
	require.NoError(t, err)
	return inv
}

func TestCreateAppliesPointsDiscount(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, 10)

	require.Regexp(t, `^INV-20260214-[0-9A-F]{8}$`, inv.Number)
	require.Equal(t, "150.00", inv.Total.StringFixed(2))
	require.Equal(t, "15.00", inv.PointsDiscount.StringFixed(2))
	require.Equal(t, "135.00", inv.DueTotal.StringFixed(2))
	require.Equal(t, invoices.StatusOpen, inv.Status)
	require.Equal(t, "USD", inv.Currency)
	require.Len(t, inv.Items, 2)

	require.True(t, f.store.Customer(f.customer).PointsBalance.Equal(dec("10")))
	require.True(t, f.store.Customer(f.customer).Balance.Equal(dec("-15")))
	require.True(t, f.store.Branch(f.branch).Balance.Equal(dec("-15")))
	for _, id := range f.orders {
		require.Equal(t, invoices.OrderReadyForPickup, f.store.Order(id).Status)
	}
	entries := f.store.JournalEntries(journal.BookCustomer, f.customer)
	require.Len(t, entries, 1)
	require.Equal(t, shared.InvoiceRef(inv.ID), entries[0].Reference)
}

func TestCreateWithoutPointsWritesNoJournal(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, 0)
	require.True(t, inv.PointsDiscount.IsZero())
	require.Empty(t, f.store.JournalEntries(journal.BookCustomer, f.customer))
}

func TestCreateRejectsBeforeWriting(t *testing.T) {
	f := newFixture(t)
	otherBranch := f.store.AddBranch("South")
	stranger := f.store.AddCustomer(f.branch, "Bob", decimal.Zero)
	foreign := f.store.AddOrder(stranger, f.branch, dec("1"), dec("1"), decimal.Zero)
	elsewhere := f.store.AddOrder(f.customer, otherBranch, dec("1"), dec("1"), decimal.Zero)
	shipped := f.store.AddOrder(f.customer, f.branch, dec("1"), dec("1"), decimal.Zero)
	f.store.SetOrderStatus(shipped, invoices.OrderOutForDelivery)
	ctx := context.Background()

	cases := []struct {
		name   string
		orders []int64
		points int64
		actor  shared.Actor
		want   error
	}{
		{"missing order", []int64{f.orders[0], 999}, 0, ledgertest.Actor(), invoices.ErrOrderNotFound},
		{"foreign order", []int64{foreign}, 0, ledgertest.Actor(), invoices.ErrOrderCustomer},
		{"mixed branches", []int64{f.orders[0], elsewhere}, 0, ledgertest.Actor(), invoices.ErrMixedBranches},
		{"not received", []int64{shipped}, 0, ledgertest.Actor(), invoices.ErrOrderNotReceived},
		{"too many points", f.orders, 21, ledgertest.Actor(), invoices.ErrInsufficientPoints},
		{"duplicate order", []int64{f.orders[0], f.orders[0]}, 0, ledgertest.Actor(), shared.ErrValidation},
		{"wrong branch actor", f.orders, 0, ledgertest.BranchActor(otherBranch), shared.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.actor, invoices.CreateInput{
				CustomerID:   f.customer,
				BranchID:     f.branch,
				OrderIDs:     tc.orders,
				PointsUsed:   tc.points,
				DeliveryType: invoices.DeliveryDoor,
				Currency:     "USD",
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, ledgertest.Counts{Journal: 1}, f.store.Counts())
}

func TestCreateRejectsDiscountAboveTotal(t *testing.T) {
	f := newFixture(t)
	f.store.SetSettings(dec("100"), dec("1"))
	_, err := f.svc.Create(context.Background(), ledgertest.Actor(), invoices.CreateInput{
		CustomerID: f.customer, BranchID: f.branch, OrderIDs: f.orders, PointsUsed: 2,
		DeliveryType: invoices.DeliveryDoor, Currency: "USD",
	})
	require.ErrorIs(t, err, invoices.ErrDiscountExceeds)
}

func TestCreateRefusesDoubleInvoicing(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, 0)
	for _, id := range f.orders {
		f.store.SetOrderStatus(id, invoices.OrderReceivedAtSubBranch)
	}

	_, err := f.svc.Create(context.Background(), ledgertest.Actor(), invoices.CreateInput{
		CustomerID: f.customer, BranchID: f.branch, OrderIDs: f.orders,
		DeliveryType: invoices.DeliveryDoor, Currency: "USD",
	})
	require.ErrorIs(t, err, invoices.ErrAlreadyInvoiced)
	require.Equal(t, 1, f.store.Counts().Invoices)
	require.Equal(t, first.ID, f.store.Invoice(first.ID).ID)
}

func TestCreateRetriesNumberCollisions(t *testing.T) {
	f := newFixture(t)
	f.store.ReserveNumbers("INV-20260214-AAAAAAAA")
	candidates := []string{"INV-20260214-AAAAAAAA", "INV-20260214-BBBBBBBB"}
	f.svc.WithNumberGenerator(func(string, time.Time) string {
		next := candidates[0]
		candidates = candidates[1:]
		return next
	})
	inv := f.create(t, 0)
	require.Equal(t, "INV-20260214-BBBBBBBB", inv.Number)
}

func TestCreateGivesUpAfterThreeCollisions(t *testing.T) {
	f := newFixture(t)
	f.store.ReserveNumbers("INV-FIXED")
	f.svc.WithNumberGenerator(func(string, time.Time) string { return "INV-FIXED" })
	_, err := f.svc.Create(context.Background(), ledgertest.Actor(), invoices.CreateInput{
		CustomerID: f.customer, BranchID: f.branch, OrderIDs: f.orders, PointsUsed: 10,
		DeliveryType: invoices.DeliveryDoor, Currency: "USD",
	})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, ledgertest.Counts{Journal: 1}, f.store.Counts())
}

func TestLateFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	f.store.FailOn("InsertJournalEntry", boom)
	_, err := f.svc.Create(context.Background(), ledgertest.Actor(), invoices.CreateInput{
		CustomerID: f.customer, BranchID: f.branch, OrderIDs: f.orders, PointsUsed: 10,
		DeliveryType: invoices.DeliveryDoor, Currency: "USD",
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, f.store.Counts().Invoices)
	require.Equal(t, invoices.OrderReceivedAtSubBranch, f.store.Order(f.orders[0]).Status)
	require.True(t, f.store.Customer(f.customer).PointsBalance.Equal(dec("20")))
}

func TestCancelRestoresPointsAndOrders(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, 10)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, ledgertest.Actor(), inv.ID, "")
	require.ErrorIs(t, err, invoices.ErrReasonRequired)

	voided, err := f.svc.Cancel(ctx, ledgertest.Actor(), inv.ID, "customer changed mind")
	require.NoError(t, err)
	require.Equal(t, invoices.StatusVoid, voided.Status)
	require.True(t, voided.DueTotal.IsZero())
	require.NotNil(t, voided.CanceledAt)

	require.True(t, f.store.Customer(f.customer).PointsBalance.Equal(dec("20")))
	require.True(t, f.store.Customer(f.customer).Balance.IsZero())
	require.True(t, f.store.Branch(f.branch).Balance.IsZero())
	for _, id := range f.orders {
		require.Equal(t, invoices.OrderReceivedAtSubBranch, f.store.Order(id).Status)
	}

	_, err = f.svc.Cancel(ctx, ledgertest.Actor(), inv.ID, "again")
	require.ErrorIs(t, err, invoices.ErrAlreadyVoid)

	// Orders of a void invoice can be billed again.
	again := f.create(t, 0)
	require.NotEqual(t, inv.ID, again.ID)
}

func TestUpdatePostsOnlyPointsDelta(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, 10)
	ctx := context.Background()

	points := int64(4)
	updated, err := f.svc.Update(ctx, ledgertest.Actor(), inv.ID, invoices.UpdateInput{PointsUsed: &points})
	require.NoError(t, err)
	require.Equal(t, "6.00", updated.PointsDiscount.StringFixed(2))
	require.Equal(t, "144.00", updated.DueTotal.StringFixed(2))
	require.True(t, f.store.Customer(f.customer).PointsBalance.Equal(dec("16")))
	require.True(t, f.store.Customer(f.customer).Balance.Equal(dec("-6")))

	// The 10 points already held by the invoice count as available.
	points = 30
	updated, err = f.svc.Update(ctx, ledgertest.Actor(), inv.ID, invoices.UpdateInput{PointsUsed: &points})
	require.ErrorIs(t, err, invoices.ErrInsufficientPoints)
	points = 20
	updated, err = f.svc.Update(ctx, ledgertest.Actor(), inv.ID, invoices.UpdateInput{PointsUsed: &points})
	require.NoError(t, err)
	require.True(t, f.store.Customer(f.customer).PointsBalance.IsZero())
	require.Equal(t, "120.00", updated.DueTotal.StringFixed(2))
}

func TestUpdateSwapsOrders(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, 0)
	extra := f.store.AddOrder(f.customer, f.branch, dec("5"), dec("1"), decimal.Zero)

	updated, err := f.svc.Update(context.Background(), ledgertest.Actor(), inv.ID, invoices.UpdateInput{
		OrderIDs: []int64{f.orders[0], extra},
	})
	require.NoError(t, err)
	require.Equal(t, "105.00", updated.Total.StringFixed(2))
	require.ElementsMatch(t, []int64{f.orders[0], extra}, updated.OrderIDs())
	require.Equal(t, invoices.OrderReceivedAtSubBranch, f.store.Order(f.orders[1]).Status)
	require.Equal(t, invoices.OrderReadyForPickup, f.store.Order(extra).Status)
}

func TestDeriveStatusUsesEpsilon(t *testing.T) {
	require.Equal(t, invoices.StatusOpen, invoices.DeriveStatus(decimal.Zero, dec("10")))
	require.Equal(t, invoices.StatusPartiallyPaid, invoices.DeriveStatus(dec("9.99"), dec("10")))
	require.Equal(t, invoices.StatusPaid, invoices.DeriveStatus(dec("9.996"), dec("10")))
	require.Equal(t, invoices.StatusPaid, invoices.DeriveStatus(dec("12"), dec("10")))
	require.True(t, invoices.DueTotal(dec("10"), dec("1"), dec("12")).IsZero())
}
