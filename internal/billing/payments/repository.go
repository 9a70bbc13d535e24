package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/platform/db"
)

// Repository persists customer transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within a row-locking transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("payments repository not initialised")
	}
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type (
	invoiceTx = invoices.TxRepository
	accountTx = accounts.TxRepository
)

type txRepository struct {
	invoiceTx
	accountTx
	tx pgx.Tx
}

// NewTxRepository binds transaction, invoice, journal and account storage to
// one open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{
		invoiceTx: invoices.NewTxRepository(tx),
		accountTx: accounts.NewTxRepository(tx),
		tx:        tx,
	}
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO transactions
    (customer_id, branch_id, type, amount, delta, account_id, invoice_id, reason_id, note, status, tx_date, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		t.CustomerID, t.BranchID, t.Type, t.Amount, t.Delta, t.AccountID, t.InvoiceID, t.ReasonID, t.Note, t.Status,
		t.TxDate, t.CreatedBy, t.CreatedAt).Scan(&t.ID)
	return t, err
}

func (r *txRepository) SetTransactionTransfer(ctx context.Context, id, transferID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE transactions SET transfer_id=$2 WHERE id=$1`, id, transferID)
	return err
}

func (r *txRepository) getTransaction(ctx context.Context, lock string, id int64) (Transaction, error) {
	var t Transaction
	err := r.tx.QueryRow(ctx, `SELECT id, customer_id, branch_id, type, amount, delta, account_id, transfer_id, invoice_id,
    reason_id, note, status, tx_date, created_by, created_at, canceled_at, canceled_by, cancel_reason
FROM transactions WHERE id=$1`+lock, id).
		Scan(&t.ID, &t.CustomerID, &t.BranchID, &t.Type, &t.Amount, &t.Delta, &t.AccountID, &t.TransferID, &t.InvoiceID,
			&t.ReasonID, &t.Note, &t.Status, &t.TxDate, &t.CreatedBy, &t.CreatedAt, &t.CanceledAt, &t.CanceledBy, &t.CancelReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (r *txRepository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return r.getTransaction(ctx, "", id)
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	return r.getTransaction(ctx, " FOR UPDATE", id)
}

func (r *txRepository) MarkTransactionCanceled(ctx context.Context, id, actorID int64, reason string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE transactions SET status='canceled', canceled_at=$2, canceled_by=$3, cancel_reason=$4
WHERE id=$1`, id, at, actorID, reason)
	return err
}

func (r *txRepository) TransactionReasonExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transaction_reasons WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

func (r *txRepository) InsertAllocation(ctx context.Context, a invoices.Allocation) (invoices.Allocation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO transaction_allocations (transaction_id, invoice_id, amount_allocated, created_by, created_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, a.TransactionID, a.InvoiceID, a.Amount, a.CreatedBy, a.CreatedAt).Scan(&a.ID)
	return a, err
}

func (r *txRepository) ListAllocationsByTransaction(ctx context.Context, transactionID int64) ([]invoices.Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, transaction_id, invoice_id, amount_allocated, created_by, created_at
FROM transaction_allocations WHERE transaction_id=$1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, invoices.ScanAllocation)
}

func (r *txRepository) SumAllocationsByTransaction(ctx context.Context, transactionID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount_allocated), 0) FROM transaction_allocations WHERE transaction_id=$1`,
		transactionID).Scan(&sum)
	return sum, err
}
