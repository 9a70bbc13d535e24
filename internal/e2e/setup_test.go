//go:build integration

package e2e

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
)

var admin = shared.Actor{ID: 1, Name: "admin"}

type env struct {
	pool         *pgxpool.Pool
	accounts     *accounts.Service
	journal      *journal.Service
	invoices     *invoices.Service
	payments     *payments.Service
	counterparty *counterparty.Service
}

// newEnv starts a disposable PostgreSQL, applies the embedded migrations and
// wires every ledger service against it.
func newEnv(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("backoffice_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := db.NewMigrator(dsn, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	audit := shared.NewAuditLogger(pool)
	return &env{
		pool:         pool,
		accounts:     accounts.NewService(accounts.NewRepository(pool), audit),
		journal:      journal.NewService(journal.NewRepository(pool), audit),
		invoices:     invoices.NewService(invoices.NewRepository(pool), audit),
		payments:     payments.NewService(payments.NewRepository(pool), audit),
		counterparty: counterparty.NewService(counterparty.NewRepository(pool), audit, nil),
	}
}

func (e *env) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	_, err := e.pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

func (e *env) insert(t *testing.T, sql string, args ...any) int64 {
	t.Helper()
	var id int64
	require.NoError(t, e.pool.QueryRow(context.Background(), sql+" RETURNING id", args...).Scan(&id))
	return id
}

func (e *env) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (e *env) paymentMethod(t *testing.T, name string) int64 {
	return e.insert(t, `INSERT INTO payment_methods (name) VALUES ($1)`, name)
}

func (e *env) branch(t *testing.T) int64 {
	return e.insert(t, `INSERT INTO branches (name) VALUES ('North')`)
}

// customer seeds a customer with an opening points balance and its journal row.
func (e *env) customer(t *testing.T, branchID int64, points int64) int64 {
	id := e.insert(t, `INSERT INTO customers (branch_id, name, points_balance) VALUES ($1, 'Ada', $2)`, branchID, points)
	if points > 0 {
		e.exec(t, `INSERT INTO customer_points_entries (customer_id, delta, balance_after, actor_id) VALUES ($1, $2, $2, 1)`, id, points)
	}
	return id
}

func (e *env) account(t *testing.T, owner accounts.OwnerType, ownerID *int64, currency string, method int64) int64 {
	return e.insert(t, `INSERT INTO accounts (name, owner_type, owner_id, currency, payment_method_id) VALUES ('acct', $1, $2, $3, $4)`,
		string(owner), ownerID, currency, method)
}

func (e *env) order(t *testing.T, customerID, branchID int64, rate, qty string) int64 {
	return e.insert(t, `INSERT INTO orders (customer_id, branch_id, status, rate, quantity) VALUES ($1, $2, $3, $4, $5)`,
		customerID, branchID, string(invoices.OrderReceivedAtSubBranch), decimal.RequireFromString(rate), decimal.RequireFromString(qty))
}

func (e *env) settings(t *testing.T, value, price string) {
	e.exec(t, `UPDATE ledger_settings SET points_value = $1, points_price = $2 WHERE id = 1`,
		decimal.RequireFromString(value), decimal.RequireFromString(price))
}

// balanceMatchesEntries asserts the account cache equals its active entry sum.
func (e *env) balanceMatchesEntries(t *testing.T, accountID int64) decimal.Decimal {
	t.Helper()
	var cached, sum decimal.Decimal
	require.NoError(t, e.pool.QueryRow(context.Background(), `
		SELECT a.balance, COALESCE((SELECT SUM(amount) FROM account_entries WHERE account_id = a.id AND status = 'active'), 0)
		FROM accounts a WHERE a.id = $1`, accountID).Scan(&cached, &sum))
	require.True(t, cached.Equal(sum), "account %d cached %s entries %s", accountID, cached, sum)
	return cached
}

func ptr(id int64) *int64 { return &id }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
