package jobs

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/shipdesk/backoffice/internal/counterparty"
	jobmetrics "github.com/shipdesk/backoffice/internal/jobs"
	"github.com/shipdesk/backoffice/internal/shared"
)

const (
	// TaskLedgerReconcile rebuilds cached balances from their journals.
	TaskLedgerReconcile = "ledger:reconcile"

	ScopeAll       = "all"
	ScopeAccounts  = "accounts"
	ScopeCustomers = "customers"
	ScopeBranches  = "branches"
	ScopePartners  = "partners"
	ScopeSuppliers = "suppliers"
)

var reconcileScopes = []string{ScopeAccounts, ScopeCustomers, ScopeBranches, ScopePartners, ScopeSuppliers}

// ReconcilePayload configures one reconciliation sweep.
type ReconcilePayload struct {
	Scope string `json:"scope"`
	Fix   bool   `json:"fix"`
}

// AccountReconciler is the slice of the account store the sweep needs.
type AccountReconciler interface {
	AccountIDs(ctx context.Context) ([]int64, error)
	Reconcile(ctx context.Context, accountID int64, fix bool) (shared.Drift, error)
}

// JournalReconciler covers the customer and branch balance journals.
type JournalReconciler interface {
	CustomerIDs(ctx context.Context) ([]int64, error)
	BranchIDs(ctx context.Context) ([]int64, error)
	ReconcileCustomer(ctx context.Context, customerID int64, fix bool) ([]shared.Drift, error)
	ReconcileBranch(ctx context.Context, branchID int64, fix bool) (shared.Drift, error)
}

// CounterpartyReconciler covers the partner and supplier ledgers.
type CounterpartyReconciler interface {
	PartyIDs(ctx context.Context, kind counterparty.Kind) ([]int64, error)
	Reconcile(ctx context.Context, kind counterparty.Kind, partyID int64, fix bool) (shared.Drift, error)
}

// ReconcileReport summarises a sweep.
type ReconcileReport struct {
	Checked map[string]int `json:"checked"`
	Drifts  []shared.Drift `json:"drifts"`
}

// Repaired counts the drifted rows that were rewritten.
func (r ReconcileReport) Repaired() int {
	n := 0
	for _, d := range r.Drifts {
		if d.Repaired {
			n++
		}
	}
	return n
}

// ReconcileJob walks every cached balance and compares it with its journal.
type ReconcileJob struct {
	Accounts     AccountReconciler
	Journal      JournalReconciler
	Counterparty CounterpartyReconciler
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	// FixDrift forces repair even when the payload does not ask for it.
	FixDrift bool
	clock    func() time.Time
}

// NewReconcileJob constructs the job handler.
func NewReconcileJob(accounts AccountReconciler, journal JournalReconciler, parties CounterpartyReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{
		Accounts:     accounts,
		Journal:      journal,
		Counterparty: parties,
		Logger:       logger,
		Metrics:      metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewReconcileTask creates an Asynq task for a reconciliation sweep.
func NewReconcileTask(scope string, fix bool) (*asynq.Task, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeAll && !slices.Contains(reconcileScopes, scope) {
		return nil, fmt.Errorf("reconcile: unknown scope %q", scope)
	}
	body, err := json.Marshal(ReconcilePayload{Scope: scope, Fix: fix})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the reconcile job.
func (j *ReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Accounts == nil || j.Journal == nil || j.Counterparty == nil {
		return errors.New("reconcile: dependencies not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if _, err := resolveScopes(payload.Scope); err != nil {
		j.log().Warn("drop reconcile task", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	report, err := j.Run(ctx, payload.Scope, payload.Fix || j.FixDrift)
	if err != nil {
		resultErr = err
		j.log().Error("reconcile ledger", slog.String("scope", payload.Scope), slog.Any("error", err))
		return resultErr
	}
	j.log().Info("reconciled ledger balances",
		slog.String("scope", payload.Scope),
		slog.Any("checked", report.Checked),
		slog.Int("drifted", len(report.Drifts)),
		slog.Int("repaired", report.Repaired()),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

// Run sweeps the requested scope. Scopes run concurrently; rows inside one
// scope are reconciled in id order, each in its own unit of work.
func (j *ReconcileJob) Run(ctx context.Context, scope string, fix bool) (ReconcileReport, error) {
	scopes, err := resolveScopes(scope)
	if err != nil {
		return ReconcileReport{}, err
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Checked: make(map[string]int)}
	)
	collect := func(scope string, drifts ...shared.Drift) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked[scope]++
		for _, d := range drifts {
			if !d.Drifted() {
				continue
			}
			report.Drifts = append(report.Drifts, d)
			repaired := 0
			if d.Repaired {
				repaired = 1
			}
			j.metrics().AddDrift(d.Entity, 1, repaired)
			j.log().Warn("balance drift",
				slog.String("entity", d.Entity),
				slog.Int64("entity_id", d.EntityID),
				slog.String("cached", d.Cached.StringFixed(2)),
				slog.String("journal", d.Journal.StringFixed(2)),
				slog.Bool("repaired", d.Repaired))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range scopes {
		g.Go(func() error {
			return j.sweep(gctx, s, fix, collect)
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	slices.SortFunc(report.Drifts, func(a, b shared.Drift) int {
		return cmp.Or(cmp.Compare(a.Entity, b.Entity), cmp.Compare(a.EntityID, b.EntityID))
	})
	return report, nil
}

func (j *ReconcileJob) sweep(ctx context.Context, scope string, fix bool, collect func(string, ...shared.Drift)) error {
	switch scope {
	case ScopeAccounts:
		ids, err := j.Accounts.AccountIDs(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, id := range ids {
			drift, err := j.Accounts.Reconcile(ctx, id, fix)
			if err != nil {
				return fmt.Errorf("reconcile account %d: %w", id, err)
			}
			collect(scope, drift)
		}
	case ScopeCustomers:
		ids, err := j.Journal.CustomerIDs(ctx)
		if err != nil {
			return fmt.Errorf("list customers: %w", err)
		}
		for _, id := range ids {
			drifts, err := j.Journal.ReconcileCustomer(ctx, id, fix)
			if err != nil {
				return fmt.Errorf("reconcile customer %d: %w", id, err)
			}
			collect(scope, drifts...)
		}
	case ScopeBranches:
		ids, err := j.Journal.BranchIDs(ctx)
		if err != nil {
			return fmt.Errorf("list branches: %w", err)
		}
		for _, id := range ids {
			drift, err := j.Journal.ReconcileBranch(ctx, id, fix)
			if err != nil {
				return fmt.Errorf("reconcile branch %d: %w", id, err)
			}
			collect(scope, drift)
		}
	case ScopePartners, ScopeSuppliers:
		kind := counterparty.KindPartner
		if scope == ScopeSuppliers {
			kind = counterparty.KindSupplier
		}
		ids, err := j.Counterparty.PartyIDs(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s: %w", scope, err)
		}
		for _, id := range ids {
			drift, err := j.Counterparty.Reconcile(ctx, kind, id, fix)
			if err != nil {
				return fmt.Errorf("reconcile %s %d: %w", kind, id, err)
			}
			collect(scope, drift)
		}
	}
	return nil
}

func resolveScopes(scope string) ([]string, error) {
	if scope == "" || scope == ScopeAll {
		return reconcileScopes, nil
	}
	if !slices.Contains(reconcileScopes, scope) {
		return nil, fmt.Errorf("reconcile: unknown scope %q", scope)
	}
	return []string{scope}, nil
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *ReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ReconcileJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
