package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/counterparty"
	jobmetrics "github.com/shipdesk/backoffice/internal/jobs"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/ledgertest"
	"github.com/shipdesk/backoffice/internal/shared"
)

type reconcileFixture struct {
	store    *ledgertest.Store
	job      *ReconcileJob
	registry *prometheus.Registry
	account  int64
	customer int64
	partner  int64
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	store := ledgertest.New()
	branch := store.AddBranch("north")
	customer := store.AddCustomer(branch, "acme", decimal.NewFromInt(5))
	account := store.AddAccount(accounts.OwnerAdmin, nil, "USD", 1)
	partner := store.AddParty(counterparty.KindPartner, "fastline")
	store.AddParty(counterparty.KindSupplier, "boxes")

	registry := prometheus.NewRegistry()
	job := NewReconcileJob(
		accounts.NewService(store.Accounts(), nil),
		journal.NewService(store.Journal(), nil),
		counterparty.NewService(store.Counterparty(), nil, nil),
		nil,
		jobmetrics.NewMetrics(registry),
	)
	return &reconcileFixture{store: store, job: job, registry: registry, account: account, customer: customer, partner: partner}
}

func (f *reconcileFixture) counter(t *testing.T, name, entity string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "entity" && l.GetValue() == entity {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReconcileCleanLedgerReportsNothing(t *testing.T) {
	f := newReconcileFixture(t)

	report, err := f.job.Run(context.Background(), ScopeAll, false)
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
	require.Equal(t, map[string]int{
		ScopeAccounts:  1,
		ScopeCustomers: 1,
		ScopeBranches:  1,
		ScopePartners:  1,
		ScopeSuppliers: 1,
	}, report.Checked)
}

func TestReconcileFindsDriftWithoutRepair(t *testing.T) {
	f := newReconcileFixture(t)
	f.store.CorruptAccountBalance(f.account, decimal.NewFromInt(42))
	f.store.CorruptCustomerBalance(f.customer, decimal.NewFromInt(7))
	f.store.CorruptPartyBalance(counterparty.KindPartner, f.partner, decimal.NewFromInt(-3))

	report, err := f.job.Run(context.Background(), ScopeAll, false)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 3)
	require.Zero(t, report.Repaired())
	require.True(t, f.store.Account(f.account).Balance.Equal(decimal.NewFromInt(42)))
	require.Equal(t, float64(1), f.counter(t, "backoffice_reconcile_drift_total", "account"))
	require.Equal(t, float64(0), f.counter(t, "backoffice_reconcile_repaired_total", "account"))
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newReconcileFixture(t)
	f.store.CorruptAccountBalance(f.account, decimal.NewFromInt(42))
	f.store.CorruptPartyBalance(counterparty.KindPartner, f.partner, decimal.NewFromInt(-3))

	report, err := f.job.Run(context.Background(), ScopeAll, true)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 2)
	require.Equal(t, 2, report.Repaired())
	require.True(t, f.store.Account(f.account).Balance.IsZero())
	require.True(t, f.store.Party(counterparty.KindPartner, f.partner).Balance.IsZero())

	again, err := f.job.Run(context.Background(), ScopeAll, false)
	require.NoError(t, err)
	require.Empty(t, again.Drifts)
}

func TestReconcileSingleScope(t *testing.T) {
	f := newReconcileFixture(t)
	f.store.CorruptAccountBalance(f.account, decimal.NewFromInt(1))

	report, err := f.job.Run(context.Background(), ScopePartners, false)
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
	require.Equal(t, map[string]int{ScopePartners: 1}, report.Checked)

	_, err = f.job.Run(context.Background(), "orders", false)
	require.Error(t, err)
}

func TestReconcileStopsOnRepositoryError(t *testing.T) {
	f := newReconcileFixture(t)
	boom := errors.New("boom")
	f.store.FailOn("GetAccount", boom)

	_, err := f.job.Run(context.Background(), ScopeAccounts, true)
	require.ErrorIs(t, err, boom)
}

func TestHandleUsesPayloadAndFixOverride(t *testing.T) {
	f := newReconcileFixture(t)
	f.store.CorruptAccountBalance(f.account, decimal.NewFromInt(9))

	task, err := NewReconcileTask(ScopeAccounts, false)
	require.NoError(t, err)
	require.NoError(t, f.job.Handle(context.Background(), task))
	require.True(t, f.store.Account(f.account).Balance.Equal(decimal.NewFromInt(9)))

	f.job.FixDrift = true
	require.NoError(t, f.job.Handle(context.Background(), task))
	require.True(t, f.store.Account(f.account).Balance.IsZero())
}

func TestHandleRejectsBadPayload(t *testing.T) {
	f := newReconcileFixture(t)

	err := f.job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(ReconcilePayload{Scope: "orders"})
	err = f.job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, body))
	require.ErrorIs(t, err, asynq.SkipRetry)

	_, err = NewReconcileTask("orders", false)
	require.Error(t, err)
}

type stubEnqueuer struct {
	scope string
	fix   bool
	err   error
}

func (s *stubEnqueuer) EnqueueReconcile(_ context.Context, scope string, fix bool) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.scope, s.fix = scope, fix
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func serveReconcile(t *testing.T, enq Enqueuer, actor *shared.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(nil, enq, slog.New(slog.DiscardHandler))
	r := chi.NewRouter()
	h.MountRoutes(r)
	req := httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(body))
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestReconcileEndpointEnqueues(t *testing.T) {
	enq := &stubEnqueuer{}
	admin := ledgertest.Actor()

	rec := serveReconcile(t, enq, &admin, `{"fix":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, ScopeAll, enq.scope)
	require.True(t, enq.fix)

	var resp reconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task-1", resp.TaskID)
}

func TestReconcileEndpointGuards(t *testing.T) {
	admin := ledgertest.Actor()
	scoped := ledgertest.BranchActor(3)

	require.Equal(t, http.StatusUnauthorized, serveReconcile(t, &stubEnqueuer{}, nil, `{}`).Code)
	require.Equal(t, http.StatusForbidden, serveReconcile(t, &stubEnqueuer{}, &scoped, `{}`).Code)
	require.Equal(t, http.StatusBadRequest, serveReconcile(t, &stubEnqueuer{}, &admin, `{"scope":"orders"}`).Code)

	pending := &stubEnqueuer{err: shared.Conflict("reconcile_pending", "queued")}
	require.Equal(t, http.StatusConflict, serveReconcile(t, pending, &admin, `{}`).Code)
}

func TestHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, nil, slog.New(slog.DiscardHandler))
	r := chi.NewRouter()
	h.MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0}`, rec.Body.String())
}
