package counterparty

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
)

// Repository persists both counterparty ledgers in PostgreSQL.
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
		return errors.New("counterparty repository not initialised")
	}
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	accounts.TxRepository
	tx pgx.Tx
}

// NewTxRepository binds counterparty and account storage to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{TxRepository: accounts.NewTxRepository(tx), tx: tx}
}

type kindTables struct {
	profiles         string
	transactions     string
	invoices         string
	numberConstraint string
}

func tables(kind Kind) (kindTables, error) {
	switch kind {
	case KindPartner:
		return kindTables{"partner_profiles", "partner_transactions", "partner_invoices", "partner_invoices_number_key"}, nil
	case KindSupplier:
		return kindTables{"supplier_profiles", "supplier_transactions", "supplier_invoices", "supplier_invoices_number_key"}, nil
	}
	return kindTables{}, ErrInvalidKind
}

func (r *txRepository) getParty(ctx context.Context, kind Kind, id int64, lock string) (Party, error) {
	t, err := tables(kind)
	if err != nil {
		return Party{}, err
	}
	p := Party{Kind: kind}
	err = r.tx.QueryRow(ctx, `SELECT id, name, balance FROM `+t.profiles+` WHERE id=$1`+lock, id).Scan(&p.ID, &p.Name, &p.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Party{}, ErrPartyNotFound.WithIDs(id)
	}
	return p, err
}

func (r *txRepository) GetParty(ctx context.Context, kind Kind, id int64) (Party, error) {
	return r.getParty(ctx, kind, id, "")
}

func (r *txRepository) GetPartyForUpdate(ctx context.Context, kind Kind, id int64) (Party, error) {
	return r.getParty(ctx, kind, id, " FOR UPDATE")
}

func (r *txRepository) SetPartyBalance(ctx context.Context, kind Kind, id int64, balance decimal.Decimal) error {
	t, err := tables(kind)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE `+t.profiles+` SET balance=$2, updated_at=NOW() WHERE id=$1`, id, balance)
	return err
}

func (r *txRepository) ListPartyIDs(ctx context.Context, kind Kind) ([]int64, error) {
	t, err := tables(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id FROM `+t.profiles+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

const transactionColumns = `id, type, party_id, from_party_id, to_party_id, amount, account_id, transfer_id, invoice_id,
    reversal_of, reversed_type, meta, note, status, tx_date, created_by, created_at, voided_at, voided_by, void_reason`

func scanTransaction(kind Kind) pgx.RowToFunc[Transaction] {
	return func(row pgx.CollectableRow) (Transaction, error) {
		var (
			t        = Transaction{Kind: kind}
			code     string
			reversed *string
			meta     []byte
		)
		err := row.Scan(&t.ID, &code, &t.PartyID, &t.FromPartyID, &t.ToPartyID, &t.Amount, &t.AccountID, &t.TransferID,
			&t.InvoiceID, &t.ReversalOf, &reversed, &meta, &t.Note, &t.Status, &t.TxDate, &t.CreatedBy, &t.CreatedAt,
			&t.VoidedAt, &t.VoidedBy, &t.VoidReason)
		if err != nil {
			return Transaction{}, err
		}
		if t.Type, err = kind.ParseCode(code); err != nil {
			return Transaction{}, err
		}
		if reversed != nil {
			if t.ReversedType, err = kind.ParseCode(*reversed); err != nil {
				return Transaction{}, err
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Meta); err != nil {
				return Transaction{}, err
			}
		}
		return t, nil
	}
}

func (r *txRepository) ListPartyTransactions(ctx context.Context, kind Kind, partyID int64) ([]Transaction, error) {
	t, err := tables(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+transactionColumns+` FROM `+t.transactions+`
WHERE party_id=$1 OR from_party_id=$1 OR to_party_id=$1 ORDER BY tx_date, id`, partyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction(kind))
}

func (r *txRepository) InsertCounterpartyTransaction(ctx context.Context, tr Transaction) (Transaction, error) {
	t, err := tables(tr.Kind)
	if err != nil {
		return Transaction{}, err
	}
	meta := tr.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return Transaction{}, err
	}
	var reversed *string
	if tr.ReversedType != "" {
		code := tr.Kind.Code(tr.ReversedType)
		reversed = &code
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO `+t.transactions+`
    (type, party_id, from_party_id, to_party_id, amount, account_id, invoice_id, reversal_of, reversed_type, meta, note,
     status, tx_date, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		tr.Code(), tr.PartyID, tr.FromPartyID, tr.ToPartyID, tr.Amount, tr.AccountID, tr.InvoiceID, tr.ReversalOf, reversed,
		rawMeta, tr.Note, tr.Status, tr.TxDate, tr.CreatedBy, tr.CreatedAt).Scan(&tr.ID)
	return tr, err
}

func (r *txRepository) getTransaction(ctx context.Context, kind Kind, id int64, lock string) (Transaction, error) {
	t, err := tables(kind)
	if err != nil {
		return Transaction{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+transactionColumns+` FROM `+t.transactions+` WHERE id=$1`+lock, id)
	if err != nil {
		return Transaction{}, err
	}
	tr, err := pgx.CollectExactlyOneRow(rows, scanTransaction(kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return tr, err
}

func (r *txRepository) GetCounterpartyTransaction(ctx context.Context, kind Kind, id int64) (Transaction, error) {
	return r.getTransaction(ctx, kind, id, "")
}

func (r *txRepository) GetCounterpartyTransactionForUpdate(ctx context.Context, kind Kind, id int64) (Transaction, error) {
	return r.getTransaction(ctx, kind, id, " FOR UPDATE")
}

func (r *txRepository) SetCounterpartyTransfer(ctx context.Context, kind Kind, id, transferID int64) error {
	t, err := tables(kind)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE `+t.transactions+` SET transfer_id=$2 WHERE id=$1`, id, transferID)
	return err
}

func (r *txRepository) MarkCounterpartyVoided(ctx context.Context, kind Kind, id, actorID int64, reason string, at time.Time) error {
	t, err := tables(kind)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE `+t.transactions+` SET status='voided', voided_at=$2, voided_by=$3, void_reason=$4
WHERE id=$1`, id, at, actorID, reason)
	return err
}

// InsertCounterpartyInvoice runs inside a savepoint so a number collision
// leaves the outer transaction usable.
func (r *txRepository) InsertCounterpartyInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	t, err := tables(inv.Kind)
	if err != nil {
		return Invoice{}, err
	}
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return Invoice{}, err
	}
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return Invoice{}, err
	}
	err = sp.QueryRow(ctx, `INSERT INTO `+t.invoices+`
    (number, party_id, shipment_id, lines, total, paid_total, due_total, status, currency, cost_account_id, note,
     issued_at, created_by, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		inv.Number, inv.PartyID, inv.ShipmentID, lines, inv.Total, inv.PaidTotal, inv.DueTotal, inv.Status, inv.Currency,
		inv.CostAccountID, inv.Note, inv.IssuedAt, inv.CreatedBy, inv.UpdatedAt).Scan(&inv.ID)
	if err != nil {
		_ = sp.Rollback(ctx)
		if db.IsUniqueViolation(err, t.numberConstraint) {
			return Invoice{}, shared.ErrNumberCollision
		}
		return Invoice{}, err
	}
	return inv, sp.Commit(ctx)
}

func (r *txRepository) getInvoice(ctx context.Context, kind Kind, id int64, lock string) (Invoice, error) {
	t, err := tables(kind)
	if err != nil {
		return Invoice{}, err
	}
	var (
		inv   = Invoice{Kind: kind}
		lines []byte
	)
	err = r.tx.QueryRow(ctx, `SELECT id, number, party_id, shipment_id, lines, total, paid_total, due_total, status, currency,
    cost_account_id, expense_id, transfer_id, owe_transaction_id, note, issued_at, canceled_at, cancel_reason, canceled_by,
    created_by, updated_at
FROM `+t.invoices+` WHERE id=$1`+lock, id).
		Scan(&inv.ID, &inv.Number, &inv.PartyID, &inv.ShipmentID, &lines, &inv.Total, &inv.PaidTotal, &inv.DueTotal,
			&inv.Status, &inv.Currency, &inv.CostAccountID, &inv.ExpenseID, &inv.TransferID, &inv.OweTransactionID, &inv.Note,
			&inv.IssuedAt, &inv.CanceledAt, &inv.CancelReason, &inv.CanceledBy, &inv.CreatedBy, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *txRepository) GetCounterpartyInvoice(ctx context.Context, kind Kind, id int64) (Invoice, error) {
	return r.getInvoice(ctx, kind, id, "")
}

func (r *txRepository) GetCounterpartyInvoiceForUpdate(ctx context.Context, kind Kind, id int64) (Invoice, error) {
	return r.getInvoice(ctx, kind, id, " FOR UPDATE")
}

func (r *txRepository) UpdateCounterpartyInvoice(ctx context.Context, inv Invoice) error {
	t, err := tables(inv.Kind)
	if err != nil {
		return err
	}
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE `+t.invoices+` SET lines=$2, total=$3, paid_total=$4, due_total=$5, status=$6,
    expense_id=$7, transfer_id=$8, owe_transaction_id=$9, note=$10, canceled_at=$11, cancel_reason=$12, canceled_by=$13,
    updated_at=$14
WHERE id=$1`, inv.ID, lines, inv.Total, inv.PaidTotal, inv.DueTotal, inv.Status, inv.ExpenseID, inv.TransferID,
		inv.OweTransactionID, inv.Note, inv.CanceledAt, inv.CancelReason, inv.CanceledBy, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) ShipmentHasOpenInvoice(ctx context.Context, kind Kind, shipmentID int64) (bool, error) {
	t, err := tables(kind)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+t.invoices+` WHERE shipment_id=$1 AND status <> 'void')`,
		shipmentID).Scan(&ok)
	return ok, err
}

func (r *txRepository) SumCounterpartyInvoicePayments(ctx context.Context, kind Kind, invoiceID int64) (decimal.Decimal, error) {
	t, err := tables(kind)
	if err != nil {
		return decimal.Zero, err
	}
	var sum decimal.Decimal
	err = r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM `+t.transactions+`
WHERE invoice_id=$1 AND type=$2 AND status='posted'`, invoiceID, kind.Code(PostWePay)).Scan(&sum)
	return sum, err
}

func (r *txRepository) InsertExpense(ctx context.Context, e Expense) (Expense, error) {
	refType, refID := shared.RefColumns(e.Reference)
	err := r.tx.QueryRow(ctx, `INSERT INTO general_expenses
    (category, amount, currency, reference_type, reference_id, transfer_id, status, expense_date, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		e.Category, e.Amount, e.Currency, refType, refID, e.TransferID, e.Status, e.Date, e.Note, e.CreatedBy, e.CreatedAt).
		Scan(&e.ID)
	return e, err
}

func (r *txRepository) UpdateExpense(ctx context.Context, id int64, amount decimal.Decimal, transferID int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE general_expenses SET amount=$2, transfer_id=$3, updated_at=$4 WHERE id=$1`,
		id, amount, transferID, at)
	return err
}

func (r *txRepository) CancelExpense(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE general_expenses SET status='canceled', updated_at=$2 WHERE id=$1`, id, at)
	return err
}
