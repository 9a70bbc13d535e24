package counterparty_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledgertest"
	"github.com/shipdesk/backoffice/internal/platform/cache"
	"github.com/shipdesk/backoffice/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(id int64) *int64 { return &id }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store *ledgertest.Store
	svc   *counterparty.Service
	clock *clock
	cash  int64
	cost  int64
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.New()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := counterparty.NewService(store.Counterparty(), nil, cache.NewVersioned(client, "statement", time.Hour))
	svc.WithNow(clk.Now)
	return &fixture{
		store: store,
		svc:   svc,
		clock: clk,
		cash:  store.AddAccount(accounts.OwnerAdmin, nil, "USD", 1),
		cost:  store.AddAccount(accounts.OwnerAdmin, nil, "USD", 9),
		mr:    mr,
	}
}

func (f *fixture) post(t *testing.T, in counterparty.CreateInput) counterparty.Transaction {
	t.Helper()
	created, err := f.svc.CreateTransaction(context.Background(), ledgertest.Actor(), in)
	require.NoError(t, err)
	return created
}

func balance(f *fixture, kind counterparty.Kind, id int64) string {
	return f.store.Party(kind, id).Balance.StringFixed(2)
}

func TestPostingSigns(t *testing.T) {
	f := newFixture(t)
	p := f.store.AddParty(counterparty.KindPartner, "Courier Co")
	kind := counterparty.KindPartner

	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("100")})
	require.Equal(t, "100.00", balance(f, kind, p))

	pay := f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("60"), AccountID: ptr(f.cash)})
	require.Equal(t, "40.00", balance(f, kind, p))
	require.NotNil(t, pay.TransferID)
	require.Equal(t, "-60.00", f.store.Account(f.cash).Balance.StringFixed(2))
	require.Equal(t, "WE_PAY_PARTNER", pay.Code())

	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostTheyOwe, PartyID: ptr(p), Amount: dec("15")})
	require.Equal(t, "25.00", balance(f, kind, p))

	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostTheyPay, PartyID: ptr(p), Amount: dec("5"), AccountID: ptr(f.cash)})
	require.Equal(t, "30.00", balance(f, kind, p))
	require.Equal(t, "-55.00", f.store.Account(f.cash).Balance.StringFixed(2))

	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostAdjustMinus, PartyID: ptr(p), Amount: dec("10")})
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostAdjustPlus, PartyID: ptr(p), Amount: dec("1")})
	require.Equal(t, "21.00", balance(f, kind, p))
}

func TestTransferMovesBetweenParties(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindSupplier
	a := f.store.AddParty(kind, "Fuel")
	b := f.store.AddParty(kind, "Tyres")

	created := f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostTransfer, FromPartyID: ptr(a), ToPartyID: ptr(b), Amount: dec("20")})
	require.Equal(t, "SUPPLIER_TO_SUPPLIER_TRANSFER", created.Code())
	require.Equal(t, "-20.00", balance(f, kind, a))
	require.Equal(t, "20.00", balance(f, kind, b))
	require.Nil(t, created.TransferID)
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindPartner
	p := f.store.AddParty(kind, "Courier Co")
	branchAccount := f.store.AddAccount(accounts.OwnerBranch, ptr(1), "USD", 1)
	ctx := context.Background()

	cases := []struct {
		name string
		in   counterparty.CreateInput
		want error
	}{
		{"unknown kind", counterparty.CreateInput{Kind: "vendor", Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("1")}, counterparty.ErrInvalidKind},
		{"direct reversal", counterparty.CreateInput{Kind: kind, Type: counterparty.PostReversal, PartyID: ptr(p), Amount: dec("1")}, counterparty.ErrReversalDirect},
		{"unknown type", counterparty.CreateInput{Kind: kind, Type: "GIFT", PartyID: ptr(p), Amount: dec("1")}, counterparty.ErrInvalidType},
		{"self transfer", counterparty.CreateInput{Kind: kind, Type: counterparty.PostTransfer, FromPartyID: ptr(p), ToPartyID: ptr(p), Amount: dec("1")}, shared.ErrValidation},
		{"pay without account", counterparty.CreateInput{Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("1")}, shared.ErrValidation},
		{"branch account", counterparty.CreateInput{Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("1"), AccountID: ptr(branchAccount)}, counterparty.ErrAdminAccountRequired},
		{"missing party", counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(999), Amount: dec("1")}, counterparty.ErrPartyNotFound},
		{"zero amount", counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("0")}, shared.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateTransaction(ctx, ledgertest.Actor(), tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Zero(t, f.store.Counts().CounterpartyTxs)
}

func TestVoidAppendsReversal(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindPartner
	p := f.store.AddParty(kind, "Courier Co")
	ctx := context.Background()
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("80")})
	pay := f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("30"), AccountID: ptr(f.cash)})

	_, err := f.svc.Void(ctx, ledgertest.Actor(), kind, pay.ID, " ")
	require.ErrorIs(t, err, counterparty.ErrReasonRequired)

	rev, err := f.svc.Void(ctx, ledgertest.Actor(), kind, pay.ID, "wrong amount")
	require.NoError(t, err)
	require.Equal(t, counterparty.PostReversal, rev.Type)
	require.Equal(t, pay.ID, *rev.ReversalOf)
	require.Equal(t, "WE_PAY_PARTNER", rev.Meta["reversed_type"])
	require.NotNil(t, rev.TransferID)

	require.Equal(t, "80.00", balance(f, kind, p))
	require.True(t, f.store.Account(f.cash).Balance.IsZero())

	history := f.store.PartyTransactions(kind, p)
	require.Len(t, history, 3)
	original := history[1]
	require.Equal(t, counterparty.StatusVoided, original.Status)
	require.True(t, original.DeltaFor(p).Add(history[2].DeltaFor(p)).IsZero())

	_, err = f.svc.Void(ctx, ledgertest.Actor(), kind, pay.ID, "again")
	require.ErrorIs(t, err, counterparty.ErrAlreadyVoided)
	_, err = f.svc.Void(ctx, ledgertest.Actor(), kind, rev.ID, "undo")
	require.ErrorIs(t, err, counterparty.ErrReversalNotVoidable)
}

func TestVoidTransferRestoresBothParties(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindSupplier
	a := f.store.AddParty(kind, "Fuel")
	b := f.store.AddParty(kind, "Tyres")
	tr := f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostTransfer, FromPartyID: ptr(a), ToPartyID: ptr(b), Amount: dec("12")})

	_, err := f.svc.Void(context.Background(), ledgertest.Actor(), kind, tr.ID, "mistake")
	require.NoError(t, err)
	require.Equal(t, "0.00", balance(f, kind, a))
	require.Equal(t, "0.00", balance(f, kind, b))
}

func TestStatementReplaysAndCaches(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindPartner
	p := f.store.AddParty(kind, "Courier Co")
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 3, d, 10, 0, 0, 0, time.UTC) }
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("100"), Date: day(1)})
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("40"), AccountID: ptr(f.cash), Date: day(5)})
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("7"), Date: day(9)})

	from, to := day(3), day(6)
	st, err := f.svc.Statement(ctx, kind, p, &from, &to)
	require.NoError(t, err)
	require.Equal(t, "100.00", st.OpeningBalance.StringFixed(2))
	require.Len(t, st.Rows, 1)
	require.Equal(t, "-40.00", st.Rows[0].Delta.StringFixed(2))
	require.Equal(t, "60.00", st.ClosingBalance.StringFixed(2))
	require.True(t, st.MatchesCached)
	require.Equal(t, "67.00", st.CachedBalance.StringFixed(2))

	// A cached statement survives until the next posting bumps the party.
	f.store.CorruptPartyBalance(kind, p, dec("1"))
	cached, err := f.svc.Statement(ctx, kind, p, &from, &to)
	require.NoError(t, err)
	require.True(t, cached.MatchesCached)

	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("3"), Date: day(20)})
	fresh, err := f.svc.Statement(ctx, kind, p, nil, nil)
	require.NoError(t, err)
	require.Len(t, fresh.Rows, 4)
	require.Equal(t, "70.00", fresh.ClosingBalance.StringFixed(2))
	require.True(t, fresh.MatchesCached)

	_, err = f.svc.Statement(ctx, kind, p, &to, &from)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileRepairsPartyBalance(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindSupplier
	p := f.store.AddParty(kind, "Fuel")
	f.post(t, counterparty.CreateInput{Kind: kind, Type: counterparty.PostWeOwe, PartyID: ptr(p), Amount: dec("50")})
	f.store.CorruptPartyBalance(kind, p, dec("5"))

	drift, err := f.svc.Reconcile(context.Background(), kind, p, false)
	require.NoError(t, err)
	require.True(t, drift.Drifted())
	require.Equal(t, "supplier_balance", drift.Entity)

	drift, err = f.svc.Reconcile(context.Background(), kind, p, true)
	require.NoError(t, err)
	require.True(t, drift.Repaired)
	require.Equal(t, "50.00", balance(f, kind, p))

	ids, err := f.svc.PartyIDs(context.Background(), kind)
	require.NoError(t, err)
	require.Equal(t, []int64{p}, ids)
}

func TestInvoiceLifecycle(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindPartner
	p := f.store.AddParty(kind, "Courier Co")
	ctx := context.Background()
	lines := []counterparty.InvoiceLine{
		{Description: "linehaul", Quantity: dec("2"), UnitPrice: dec("40")},
		{Description: "fuel surcharge", Quantity: dec("1"), UnitPrice: dec("20")},
	}

	inv, err := f.svc.CreateInvoice(ctx, ledgertest.Actor(), counterparty.InvoiceInput{
		Kind: kind, PartyID: p, ShipmentID: ptr(77), Lines: lines, CostAccountID: f.cost,
	})
	require.NoError(t, err)
	require.Regexp(t, `^PINV-20260301-[0-9A-F]{8}$`, inv.Number)
	require.Equal(t, "100.00", inv.Total.StringFixed(2))
	require.Equal(t, "USD", inv.Currency)
	require.NotNil(t, inv.OweTransactionID)
	require.Equal(t, "100.00", balance(f, kind, p))
	require.Equal(t, "100.00", f.store.Account(f.cost).Balance.StringFixed(2))
	require.Equal(t, "100.00", f.store.Expense(*inv.ExpenseID).Amount.StringFixed(2))

	_, err = f.svc.CreateInvoice(ctx, ledgertest.Actor(), counterparty.InvoiceInput{
		Kind: kind, PartyID: p, ShipmentID: ptr(77), Lines: lines, CostAccountID: f.cost,
	})
	require.ErrorIs(t, err, counterparty.ErrShipmentInvoiced)

	_, err = f.svc.Void(ctx, ledgertest.Actor(), kind, *inv.OweTransactionID, "no")
	require.ErrorIs(t, err, counterparty.ErrOwnedByInvoice)

	regenerated, err := f.svc.RegenerateInvoice(ctx, ledgertest.Actor(), kind, inv.ID, lines[:1], nil)
	require.NoError(t, err)
	require.Equal(t, "80.00", regenerated.Total.StringFixed(2))
	require.Equal(t, "80.00", regenerated.DueTotal.StringFixed(2))
	require.NotEqual(t, *inv.OweTransactionID, *regenerated.OweTransactionID)
	require.Equal(t, "80.00", balance(f, kind, p))
	require.Equal(t, "80.00", f.store.Account(f.cost).Balance.StringFixed(2))

	_, err = f.svc.CreateTransaction(ctx, ledgertest.Actor(), counterparty.CreateInput{
		Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("90"), AccountID: ptr(f.cash), InvoiceID: ptr(inv.ID),
	})
	require.ErrorIs(t, err, counterparty.ErrExceedsDue)

	pay, err := f.svc.CreateTransaction(ctx, ledgertest.Actor(), counterparty.CreateInput{
		Kind: kind, Type: counterparty.PostWePay, PartyID: ptr(p), Amount: dec("30"), AccountID: ptr(f.cash), InvoiceID: ptr(inv.ID),
	})
	require.NoError(t, err)
	partial := f.store.CounterpartyInvoice(kind, inv.ID)
	require.Equal(t, invoices.StatusPartiallyPaid, partial.Status)
	require.Equal(t, "50.00", partial.DueTotal.StringFixed(2))

	_, err = f.svc.CancelInvoice(ctx, ledgertest.Actor(), kind, inv.ID, "dispute")
	require.ErrorIs(t, err, counterparty.ErrInvoiceHasPayments)

	_, err = f.svc.Void(ctx, ledgertest.Actor(), kind, pay.ID, "bounced")
	require.NoError(t, err)
	require.Equal(t, invoices.StatusOpen, f.store.CounterpartyInvoice(kind, inv.ID).Status)

	voided, err := f.svc.CancelInvoice(ctx, ledgertest.Actor(), kind, inv.ID, "dispute")
	require.NoError(t, err)
	require.Equal(t, invoices.StatusVoid, voided.Status)
	require.Equal(t, "0.00", balance(f, kind, p))
	require.True(t, f.store.Account(f.cost).Balance.IsZero())
	require.True(t, f.store.Account(f.cash).Balance.IsZero())
	require.Equal(t, "canceled", f.store.Expense(*inv.ExpenseID).Status)

	// The ledger replay still matches the cache after all reversals.
	st, err := f.svc.Statement(ctx, kind, p, nil, nil)
	require.NoError(t, err)
	require.True(t, st.MatchesCached)
	require.True(t, st.ClosingBalance.IsZero())

	// Once void, the shipment can be billed again.
	_, err = f.svc.CreateInvoice(ctx, ledgertest.Actor(), counterparty.InvoiceInput{
		Kind: kind, PartyID: p, ShipmentID: ptr(77), Lines: lines, CostAccountID: f.cost,
	})
	require.NoError(t, err)
}

func TestInvoiceRequiresAdminCostAccount(t *testing.T) {
	f := newFixture(t)
	kind := counterparty.KindSupplier
	p := f.store.AddParty(kind, "Fuel")
	branchAccount := f.store.AddAccount(accounts.OwnerBranch, ptr(1), "USD", 1)
	lines := []counterparty.InvoiceLine{{Description: "diesel", Quantity: dec("1"), UnitPrice: dec("10")}}

	_, err := f.svc.CreateInvoice(context.Background(), ledgertest.Actor(), counterparty.InvoiceInput{
		Kind: kind, PartyID: p, Lines: lines, CostAccountID: branchAccount,
	})
	require.ErrorIs(t, err, counterparty.ErrAdminAccountRequired)

	_, err = f.svc.CreateInvoice(context.Background(), ledgertest.Actor(), counterparty.InvoiceInput{
		Kind: kind, PartyID: p, Lines: lines, CostAccountID: f.cost, Currency: "EUR",
	})
	require.ErrorIs(t, err, counterparty.ErrCurrencyMismatch)
	require.Equal(t, ledgertest.Counts{}, f.store.Counts())
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, shared.AuditLog) error { return errors.New("audit store down") }

func TestPostingSurvivesSideEffectFailures(t *testing.T) {
	store := ledgertest.New()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	var logs bytes.Buffer
	svc := counterparty.NewService(store.Counterparty(), failingAudit{}, cache.NewVersioned(client, "statement", time.Hour)).
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	partner := store.AddParty(counterparty.KindPartner, "Fastline")
	mr.SetError("LOADING redis is loading")

	_, err := svc.CreateTransaction(context.Background(), ledgertest.Actor(), counterparty.CreateInput{
		Kind: counterparty.KindPartner, Type: counterparty.PostWeOwe, PartyID: ptr(partner), Amount: dec("25"),
		Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, store.Party(counterparty.KindPartner, partner).Balance.Equal(dec("25")))
	require.Contains(t, logs.String(), "invalidate statement cache")
	require.Contains(t, logs.String(), "record audit log")
	require.Contains(t, logs.String(), "audit store down")
}
