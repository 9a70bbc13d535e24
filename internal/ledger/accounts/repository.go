package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Repository persists accounts and transfers in PostgreSQL.
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
		return errors.New("accounts repository not initialised")
	}
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the account store to an open transaction so other
// ledger packages can share the caller's unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const accountColumns = `id, name, owner_type, owner_id, currency, payment_method_id, balance, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.OwnerType, &a.OwnerID, &a.Currency, &a.PaymentMethodID, &a.Balance, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) AddAccountBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE id=$1`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) SetAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id=$1`, id, balance)
	return err
}

func (r *txRepository) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepository) ListAccountEntries(ctx context.Context, accountID int64) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, transfer_id, account_id, amount, status, created_at
FROM account_entries WHERE account_id=$1 ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEntry)
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Amount, &e.Status, &e.CreatedAt)
	return e, err
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	refType, refID := shared.RefColumns(t.Reference)
	err := r.tx.QueryRow(ctx, `INSERT INTO account_transfers
    (from_account_id, to_account_id, amount, entry_type, transfer_date, note, reference_type, reference_id, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		t.FromAccountID, t.ToAccountID, t.Amount, t.EntryType, t.TransferDate, t.Note, refType, refID, t.Status, t.CreatedBy, t.CreatedAt).
		Scan(&t.ID)
	return t, err
}

func (r *txRepository) InsertAccountEntry(ctx context.Context, e Entry) (Entry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO account_entries (transfer_id, account_id, amount, status, created_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, e.TransferID, e.AccountID, e.Amount, e.Status, e.CreatedAt).Scan(&e.ID)
	return e, err
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	var (
		t       Transfer
		refType *string
		refID   *int64
	)
	err := r.tx.QueryRow(ctx, `SELECT id, from_account_id, to_account_id, amount, entry_type, transfer_date, note,
    reference_type, reference_id, status, created_by, canceled_by, canceled_at, cancel_reason, created_at
FROM account_transfers WHERE id=$1 FOR UPDATE`, id).
		Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.EntryType, &t.TransferDate, &t.Note,
			&refType, &refID, &t.Status, &t.CreatedBy, &t.CanceledBy, &t.CanceledAt, &t.CancelReason, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrTransferNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	if t.Reference, err = shared.ScanReference(refType, refID); err != nil {
		return Transfer{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, transfer_id, account_id, amount, status, created_at
FROM account_entries WHERE transfer_id=$1 ORDER BY id`, id)
	if err != nil {
		return Transfer{}, err
	}
	t.Entries, err = pgx.CollectRows(rows, scanEntry)
	return t, err
}

func (r *txRepository) MarkTransferCanceled(ctx context.Context, id, actorID int64, reason string, at time.Time) error {
	if _, err := r.tx.Exec(ctx, `UPDATE account_transfers SET status='canceled', canceled_by=$2, canceled_at=$3, cancel_reason=$4
WHERE id=$1`, id, actorID, at, reason); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx, `UPDATE account_entries SET status='canceled' WHERE transfer_id=$1`, id)
	return err
}
