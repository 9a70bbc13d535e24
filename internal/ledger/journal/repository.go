package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Repository persists journals in PostgreSQL.
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
		return errors.New("journal repository not initialised")
	}
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds journal storage to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type bookTable struct {
	entries     string
	owner       string
	hasNote     bool
	cache       string
	cacheColumn string
}

var bookTables = map[Book]bookTable{
	BookCustomer: {entries: "customer_balance_entries", owner: "customer_id", hasNote: true, cache: "customers", cacheColumn: "balance"},
	BookBranch:   {entries: "branch_balance_entries", owner: "branch_id", hasNote: true, cache: "branches", cacheColumn: "balance"},
	BookPoints:   {entries: "customer_points_entries", owner: "customer_id", cache: "customers", cacheColumn: "points_balance"},
}

func tableFor(book Book) (bookTable, error) {
	t, ok := bookTables[book]
	if !ok {
		return bookTable{}, fmt.Errorf("journal: unknown book %q", book)
	}
	return t, nil
}

func (r *txRepository) getCustomer(ctx context.Context, lock string, id int64) (Customer, error) {
	var c Customer
	err := r.tx.QueryRow(ctx, `SELECT id, branch_id, name, balance, points_balance FROM customers WHERE id=$1`+lock, id).
		Scan(&c.ID, &c.BranchID, &c.Name, &c.Balance, &c.PointsBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}

func (r *txRepository) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	return r.getCustomer(ctx, "", id)
}

func (r *txRepository) GetCustomerForUpdate(ctx context.Context, id int64) (Customer, error) {
	return r.getCustomer(ctx, " FOR UPDATE", id)
}

func (r *txRepository) GetBranchForUpdate(ctx context.Context, id int64) (Branch, error) {
	var b Branch
	err := r.tx.QueryRow(ctx, `SELECT id, name, balance FROM branches WHERE id=$1 FOR UPDATE`, id).Scan(&b.ID, &b.Name, &b.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, ErrBranchNotFound
	}
	return b, err
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, book Book, e Entry) (Entry, error) {
	t, err := tableFor(book)
	if err != nil {
		return Entry{}, err
	}
	refType, refID := shared.RefColumns(e.Reference)
	if t.hasNote {
		err = r.tx.QueryRow(ctx, `INSERT INTO `+t.entries+` (`+t.owner+`, delta, balance_after, reference_type, reference_id, note, actor_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`, e.OwnerID, e.Delta, e.BalanceAfter, refType, refID, e.Note, e.ActorID, e.CreatedAt).Scan(&e.ID)
	} else {
		err = r.tx.QueryRow(ctx, `INSERT INTO `+t.entries+` (`+t.owner+`, delta, balance_after, reference_type, reference_id, actor_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, e.OwnerID, e.Delta, e.BalanceAfter, refType, refID, e.ActorID, e.CreatedAt).Scan(&e.ID)
	}
	return e, err
}

func (r *txRepository) ListJournalEntries(ctx context.Context, book Book, ownerID int64) ([]Entry, error) {
	t, err := tableFor(book)
	if err != nil {
		return nil, err
	}
	note := "''"
	if t.hasNote {
		note = "note"
	}
	rows, err := r.tx.Query(ctx, `SELECT id, `+t.owner+`, delta, balance_after, reference_type, reference_id, `+note+`, actor_id, created_at
FROM `+t.entries+` WHERE `+t.owner+`=$1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			refType *string
			refID   *int64
		)
		if err := row.Scan(&e.ID, &e.OwnerID, &e.Delta, &e.BalanceAfter, &refType, &refID, &e.Note, &e.ActorID, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		ref, err := shared.ScanReference(refType, refID)
		e.Reference = ref
		return e, err
	})
}

func (r *txRepository) SetCachedBalance(ctx context.Context, book Book, ownerID int64, balance decimal.Decimal) error {
	t, err := tableFor(book)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE `+t.cache+` SET `+t.cacheColumn+`=$2, updated_at=NOW() WHERE id=$1`, ownerID, balance)
	return err
}

func (r *txRepository) ListCustomerIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepository) ListBranchIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM branches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
