package invoices

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
)

const numberConstraint = "invoices_number_key"

// Repository persists invoices in PostgreSQL.
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
		return errors.New("invoices repository not initialised")
	}
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	journal.TxRepository
	tx pgx.Tx
}

// NewTxRepository binds invoice and journal storage to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{TxRepository: journal.NewTxRepository(tx), tx: tx}
}

func (r *txRepository) GetLedgerSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := r.tx.QueryRow(ctx, `SELECT points_value, points_price FROM ledger_settings WHERE id=1`).Scan(&s.PointsValue, &s.PointsPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{PointsValue: decimal.Zero, PointsPrice: decimal.Zero}, nil
	}
	return s, err
}

func (r *txRepository) GetOrdersForUpdate(ctx context.Context, ids []int64) ([]Order, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, customer_id, branch_id, status, rate, quantity, adjustments
FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) {
		var o Order
		err := row.Scan(&o.ID, &o.CustomerID, &o.BranchID, &o.Status, &o.Rate, &o.Quantity, &o.Adjustments)
		return o, err
	})
}

func (r *txRepository) FindInvoicedOrders(ctx context.Context, orderIDs []int64, excludeInvoiceID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT ii.order_id
FROM invoice_items ii JOIN invoices i ON i.id = ii.invoice_id
WHERE ii.order_id = ANY($1) AND i.status <> 'void' AND i.id <> $2
ORDER BY ii.order_id`, orderIDs, excludeInvoiceID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepository) SetOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=NOW() WHERE id=$1`, orderID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound.WithIDs(orderID)
	}
	return nil
}

// InsertInvoice runs inside a savepoint so a number collision leaves the
// outer transaction usable for the retry.
func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return Invoice{}, err
	}
	err = sp.QueryRow(ctx, `INSERT INTO invoices
    (number, customer_id, branch_id, total, points_used, points_discount, paid_total, due_total, status,
     delivery_type, currency, note, issued_at, created_by, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		inv.Number, inv.CustomerID, inv.BranchID, inv.Total, inv.PointsUsed, inv.PointsDiscount, inv.PaidTotal, inv.DueTotal,
		inv.Status, inv.DeliveryType, inv.Currency, inv.Note, inv.IssuedAt, inv.CreatedBy, inv.UpdatedAt).Scan(&inv.ID)
	if err != nil {
		_ = sp.Rollback(ctx)
		if db.IsUniqueViolation(err, numberConstraint) {
			return Invoice{}, shared.ErrNumberCollision
		}
		return Invoice{}, err
	}
	return inv, sp.Commit(ctx)
}

const invoiceColumns = `id, number, customer_id, branch_id, total, points_used, points_discount, paid_total, due_total, status,
    delivery_type, currency, note, issued_at, canceled_at, cancel_reason, canceled_by, created_by, updated_at`

func (r *txRepository) getInvoice(ctx context.Context, lock string, id int64) (Invoice, error) {
	var inv Invoice
	err := r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`+lock, id).
		Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.BranchID, &inv.Total, &inv.PointsUsed, &inv.PointsDiscount,
			&inv.PaidTotal, &inv.DueTotal, &inv.Status, &inv.DeliveryType, &inv.Currency, &inv.Note, &inv.IssuedAt,
			&inv.CanceledAt, &inv.CancelReason, &inv.CanceledBy, &inv.CreatedBy, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, invoice_id, order_id, rate, quantity, adjustments, line_total
FROM invoice_items WHERE invoice_id=$1 ORDER BY id`, id)
	if err != nil {
		return Invoice{}, err
	}
	inv.Items, err = pgx.CollectRows(rows, scanItem)
	return inv, err
}

func scanItem(row pgx.CollectableRow) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.InvoiceID, &it.OrderID, &it.Rate, &it.Quantity, &it.Adjustments, &it.LineTotal)
	return it, err
}

func (r *txRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return r.getInvoice(ctx, "", id)
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return r.getInvoice(ctx, " FOR UPDATE", id)
}

func (r *txRepository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET total=$2, points_used=$3, points_discount=$4, paid_total=$5, due_total=$6,
    status=$7, delivery_type=$8, currency=$9, note=$10, canceled_at=$11, cancel_reason=$12, canceled_by=$13, updated_at=$14
WHERE id=$1`, inv.ID, inv.Total, inv.PointsUsed, inv.PointsDiscount, inv.PaidTotal, inv.DueTotal, inv.Status,
		inv.DeliveryType, inv.Currency, inv.Note, inv.CanceledAt, inv.CancelReason, inv.CanceledBy, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []Item) ([]Item, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id=$1`, invoiceID); err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.InvoiceID = invoiceID
		err := r.tx.QueryRow(ctx, `INSERT INTO invoice_items (invoice_id, order_id, rate, quantity, adjustments, line_total)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, invoiceID, it.OrderID, it.Rate, it.Quantity, it.Adjustments, it.LineTotal).Scan(&it.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (r *txRepository) SumActiveAllocations(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(a.amount_allocated), 0)
FROM transaction_allocations a JOIN transactions t ON t.id = a.transaction_id
WHERE a.invoice_id=$1 AND t.status='active'`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *txRepository) CountActiveAllocations(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*)
FROM transaction_allocations a JOIN transactions t ON t.id = a.transaction_id
WHERE a.invoice_id=$1 AND t.status='active'`, invoiceID).Scan(&n)
	return n, err
}

func (r *txRepository) ListActiveAllocations(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT a.id, a.transaction_id, a.invoice_id, a.amount_allocated, a.created_by, a.created_at
FROM transaction_allocations a JOIN transactions t ON t.id = a.transaction_id
WHERE a.invoice_id=$1 AND t.status='active' ORDER BY a.id`, invoiceID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, ScanAllocation)
}

// ScanAllocation reads one transaction_allocations row.
func ScanAllocation(row pgx.CollectableRow) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.TransactionID, &a.InvoiceID, &a.Amount, &a.CreatedBy, &a.CreatedAt)
	return a, err
}
