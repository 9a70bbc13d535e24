package ledgertest

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/shared"
)

// view is the unit-of-work handle. It satisfies every package TxRepository
// because method names are unique across the ledger packages.
type view struct {
	s *Store
}

var (
	_ accounts.TxRepository     = (*view)(nil)
	_ journal.TxRepository      = (*view)(nil)
	_ invoices.TxRepository     = (*view)(nil)
	_ payments.TxRepository     = (*view)(nil)
	_ counterparty.TxRepository = (*view)(nil)
)

func (v *view) st() *state { return v.s.st }

func (v *view) fail(method string) error {
	return v.s.fails[method]
}

func (st *state) transferWithEntries(id int64) accounts.Transfer {
	t := st.transfers[id]
	t.Entries = nil
	for _, e := range st.entries {
		if e.TransferID == id {
			t.Entries = append(t.Entries, e)
		}
	}
	return t
}

func (st *state) journalFor(book journal.Book, ownerID int64) []journal.Entry {
	var out []journal.Entry
	for _, e := range st.journals[book] {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out
}

func (st *state) activeAllocations(invoiceID int64) []invoices.Allocation {
	var out []invoices.Allocation
	for _, a := range st.allocations {
		if a.InvoiceID == invoiceID && st.transactions[a.TransactionID].Status == payments.StatusActive {
			out = append(out, a)
		}
	}
	return out
}

func (st *state) activeAllocationSum(invoiceID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range st.activeAllocations(invoiceID) {
		sum = sum.Add(a.Amount)
	}
	return sum
}

func (st *state) partyTransactions(kind counterparty.Kind, partyID int64) []counterparty.Transaction {
	var out []counterparty.Transaction
	for _, t := range st.cpTxs[kind] {
		if slices.Contains(t.Parties(), partyID) {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b counterparty.Transaction) int {
		if c := a.TxDate.Compare(b.TxDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func sortedKeys[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// accounts

func (v *view) GetAccount(_ context.Context, id int64) (accounts.Account, error) {
	if err := v.fail("GetAccount"); err != nil {
		return accounts.Account{}, err
	}
	a, ok := v.st().accounts[id]
	if !ok {
		return accounts.Account{}, accounts.ErrAccountNotFound
	}
	return a, nil
}

func (v *view) GetAccountForUpdate(ctx context.Context, id int64) (accounts.Account, error) {
	return v.GetAccount(ctx, id)
}

func (v *view) AddAccountBalance(_ context.Context, id int64, delta decimal.Decimal) error {
	if err := v.fail("AddAccountBalance"); err != nil {
		return err
	}
	a, ok := v.st().accounts[id]
	if !ok {
		return accounts.ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	v.st().accounts[id] = a
	return nil
}

func (v *view) SetAccountBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	a := v.st().accounts[id]
	a.Balance = balance
	v.st().accounts[id] = a
	return nil
}

func (v *view) ListAccountIDs(context.Context) ([]int64, error) {
	return sortedKeys(v.st().accounts), nil
}

func (v *view) ListAccountEntries(_ context.Context, accountID int64) ([]accounts.Entry, error) {
	var out []accounts.Entry
	for _, e := range v.st().entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) InsertTransfer(_ context.Context, t accounts.Transfer) (accounts.Transfer, error) {
	if err := v.fail("InsertTransfer"); err != nil {
		return accounts.Transfer{}, err
	}
	t.ID = v.st().next()
	t.Entries = nil
	v.st().transfers[t.ID] = t
	return t, nil
}

func (v *view) InsertAccountEntry(_ context.Context, e accounts.Entry) (accounts.Entry, error) {
	if err := v.fail("InsertAccountEntry"); err != nil {
		return accounts.Entry{}, err
	}
	e.ID = v.st().next()
	v.st().entries = append(v.st().entries, e)
	return e, nil
}

func (v *view) GetTransferForUpdate(_ context.Context, id int64) (accounts.Transfer, error) {
	if _, ok := v.st().transfers[id]; !ok {
		return accounts.Transfer{}, accounts.ErrTransferNotFound
	}
	return v.st().transferWithEntries(id), nil
}

func (v *view) MarkTransferCanceled(_ context.Context, id, actorID int64, reason string, at time.Time) error {
	if err := v.fail("MarkTransferCanceled"); err != nil {
		return err
	}
	t := v.st().transfers[id]
	t.Status = accounts.StatusCanceled
	t.CanceledBy = &actorID
	t.CanceledAt = &at
	t.CancelReason = reason
	v.st().transfers[id] = t
	for i, e := range v.st().entries {
		if e.TransferID == id {
			v.st().entries[i].Status = accounts.StatusCanceled
		}
	}
	return nil
}

// journal

func (v *view) GetCustomer(_ context.Context, id int64) (journal.Customer, error) {
	c, ok := v.st().customers[id]
	if !ok {
		return journal.Customer{}, journal.ErrCustomerNotFound
	}
	return c, nil
}

func (v *view) GetCustomerForUpdate(ctx context.Context, id int64) (journal.Customer, error) {
	return v.GetCustomer(ctx, id)
}

func (v *view) GetBranchForUpdate(_ context.Context, id int64) (journal.Branch, error) {
	b, ok := v.st().branches[id]
	if !ok {
		return journal.Branch{}, journal.ErrBranchNotFound
	}
	return b, nil
}

func (v *view) InsertJournalEntry(_ context.Context, book journal.Book, e journal.Entry) (journal.Entry, error) {
	if err := v.fail("InsertJournalEntry"); err != nil {
		return journal.Entry{}, err
	}
	e.ID = v.st().next()
	v.st().journals[book] = append(v.st().journals[book], e)
	return e, nil
}

func (v *view) ListJournalEntries(_ context.Context, book journal.Book, ownerID int64) ([]journal.Entry, error) {
	return v.st().journalFor(book, ownerID), nil
}

func (v *view) SetCachedBalance(_ context.Context, book journal.Book, ownerID int64, balance decimal.Decimal) error {
	switch book {
	case journal.BookBranch:
		b := v.st().branches[ownerID]
		b.Balance = balance
		v.st().branches[ownerID] = b
	case journal.BookCustomer:
		c := v.st().customers[ownerID]
		c.Balance = balance
		v.st().customers[ownerID] = c
	case journal.BookPoints:
		c := v.st().customers[ownerID]
		c.PointsBalance = balance
		v.st().customers[ownerID] = c
	}
	return nil
}

func (v *view) ListCustomerIDs(context.Context) ([]int64, error) {
	return sortedKeys(v.st().customers), nil
}

func (v *view) ListBranchIDs(context.Context) ([]int64, error) {
	return sortedKeys(v.st().branches), nil
}

// invoices

func (v *view) GetLedgerSettings(context.Context) (invoices.Settings, error) {
	return v.st().settings, nil
}

func (v *view) GetOrdersForUpdate(_ context.Context, ids []int64) ([]invoices.Order, error) {
	var out []invoices.Order
	for _, id := range sortedKeys(v.st().orders) {
		if slices.Contains(ids, id) {
			out = append(out, v.st().orders[id])
		}
	}
	return out, nil
}

func (v *view) FindInvoicedOrders(_ context.Context, orderIDs []int64, excludeInvoiceID int64) ([]int64, error) {
	var taken []int64
	for invoiceID, items := range v.st().items {
		inv := v.st().invoices[invoiceID]
		if invoiceID == excludeInvoiceID || inv.Status == invoices.StatusVoid {
			continue
		}
		for _, it := range items {
			if slices.Contains(orderIDs, it.OrderID) && !slices.Contains(taken, it.OrderID) {
				taken = append(taken, it.OrderID)
			}
		}
	}
	slices.Sort(taken)
	return taken, nil
}

func (v *view) SetOrderStatus(_ context.Context, orderID int64, status invoices.OrderStatus) error {
	o, ok := v.st().orders[orderID]
	if !ok {
		return invoices.ErrOrderNotFound.WithIDs(orderID)
	}
	o.Status = status
	v.st().orders[orderID] = o
	return nil
}

func (v *view) InsertInvoice(_ context.Context, inv invoices.Invoice) (invoices.Invoice, error) {
	if err := v.fail("InsertInvoice"); err != nil {
		return invoices.Invoice{}, err
	}
	if v.st().numbers[inv.Number] {
		return invoices.Invoice{}, shared.ErrNumberCollision
	}
	v.st().numbers[inv.Number] = true
	inv.ID = v.st().next()
	inv.Items = nil
	v.st().invoices[inv.ID] = inv
	return inv, nil
}

func (v *view) GetInvoice(_ context.Context, id int64) (invoices.Invoice, error) {
	inv, ok := v.st().invoices[id]
	if !ok {
		return invoices.Invoice{}, invoices.ErrInvoiceNotFound
	}
	inv.Items = slices.Clone(v.st().items[id])
	return inv, nil
}

func (v *view) GetInvoiceForUpdate(ctx context.Context, id int64) (invoices.Invoice, error) {
	return v.GetInvoice(ctx, id)
}

func (v *view) UpdateInvoice(_ context.Context, inv invoices.Invoice) error {
	if err := v.fail("UpdateInvoice"); err != nil {
		return err
	}
	if _, ok := v.st().invoices[inv.ID]; !ok {
		return invoices.ErrInvoiceNotFound
	}
	inv.Items = nil
	inv.Allocations = nil
	v.st().invoices[inv.ID] = inv
	return nil
}

func (v *view) ReplaceInvoiceItems(_ context.Context, invoiceID int64, items []invoices.Item) ([]invoices.Item, error) {
	out := make([]invoices.Item, 0, len(items))
	for _, it := range items {
		it.ID = v.st().next()
		it.InvoiceID = invoiceID
		out = append(out, it)
	}
	v.st().items[invoiceID] = out
	return slices.Clone(out), nil
}

func (v *view) SumActiveAllocations(_ context.Context, invoiceID int64) (decimal.Decimal, error) {
	return v.st().activeAllocationSum(invoiceID), nil
}

func (v *view) CountActiveAllocations(_ context.Context, invoiceID int64) (int, error) {
	return len(v.st().activeAllocations(invoiceID)), nil
}

func (v *view) ListActiveAllocations(_ context.Context, invoiceID int64) ([]invoices.Allocation, error) {
	return v.st().activeAllocations(invoiceID), nil
}

// payments

func (v *view) InsertTransaction(_ context.Context, t payments.Transaction) (payments.Transaction, error) {
	if err := v.fail("InsertTransaction"); err != nil {
		return payments.Transaction{}, err
	}
	t.ID = v.st().next()
	t.Allocations = nil
	v.st().transactions[t.ID] = t
	return t, nil
}

func (v *view) SetTransactionTransfer(_ context.Context, id, transferID int64) error {
	t := v.st().transactions[id]
	t.TransferID = &transferID
	v.st().transactions[id] = t
	return nil
}

func (v *view) GetTransaction(_ context.Context, id int64) (payments.Transaction, error) {
	t, ok := v.st().transactions[id]
	if !ok {
		return payments.Transaction{}, payments.ErrTransactionNotFound
	}
	return t, nil
}

func (v *view) GetTransactionForUpdate(ctx context.Context, id int64) (payments.Transaction, error) {
	return v.GetTransaction(ctx, id)
}

func (v *view) MarkTransactionCanceled(_ context.Context, id, actorID int64, reason string, at time.Time) error {
	t := v.st().transactions[id]
	t.Status = payments.StatusCanceled
	t.CanceledAt = &at
	t.CanceledBy = &actorID
	t.CancelReason = reason
	v.st().transactions[id] = t
	return nil
}

func (v *view) TransactionReasonExists(_ context.Context, id int64) (bool, error) {
	return v.st().reasons[id], nil
}

func (v *view) InsertAllocation(_ context.Context, a invoices.Allocation) (invoices.Allocation, error) {
	if err := v.fail("InsertAllocation"); err != nil {
		return invoices.Allocation{}, err
	}
	a.ID = v.st().next()
	v.st().allocations = append(v.st().allocations, a)
	return a, nil
}

func (v *view) ListAllocationsByTransaction(_ context.Context, transactionID int64) ([]invoices.Allocation, error) {
	var out []invoices.Allocation
	for _, a := range v.st().allocations {
		if a.TransactionID == transactionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (v *view) SumAllocationsByTransaction(ctx context.Context, transactionID int64) (decimal.Decimal, error) {
	allocs, _ := v.ListAllocationsByTransaction(ctx, transactionID)
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Amount)
	}
	return sum, nil
}

// counterparty

func (v *view) GetParty(_ context.Context, kind counterparty.Kind, id int64) (counterparty.Party, error) {
	if !kind.Valid() {
		return counterparty.Party{}, counterparty.ErrInvalidKind
	}
	p, ok := v.st().parties[kind][id]
	if !ok {
		return counterparty.Party{}, counterparty.ErrPartyNotFound.WithIDs(id)
	}
	return p, nil
}

func (v *view) GetPartyForUpdate(ctx context.Context, kind counterparty.Kind, id int64) (counterparty.Party, error) {
	return v.GetParty(ctx, kind, id)
}

func (v *view) SetPartyBalance(_ context.Context, kind counterparty.Kind, id int64, balance decimal.Decimal) error {
	if err := v.fail("SetPartyBalance"); err != nil {
		return err
	}
	p := v.st().parties[kind][id]
	p.Balance = balance
	v.st().parties[kind][id] = p
	return nil
}

func (v *view) ListPartyIDs(_ context.Context, kind counterparty.Kind) ([]int64, error) {
	return sortedKeys(v.st().parties[kind]), nil
}

func (v *view) ListPartyTransactions(_ context.Context, kind counterparty.Kind, partyID int64) ([]counterparty.Transaction, error) {
	return v.st().partyTransactions(kind, partyID), nil
}

func (v *view) InsertCounterpartyTransaction(_ context.Context, t counterparty.Transaction) (counterparty.Transaction, error) {
	if err := v.fail("InsertCounterpartyTransaction"); err != nil {
		return counterparty.Transaction{}, err
	}
	t.ID = v.st().next()
	v.st().cpTxs[t.Kind] = append(v.st().cpTxs[t.Kind], t)
	return t, nil
}

func (v *view) cpIndex(kind counterparty.Kind, id int64) int {
	return slices.IndexFunc(v.st().cpTxs[kind], func(t counterparty.Transaction) bool { return t.ID == id })
}

func (v *view) GetCounterpartyTransaction(_ context.Context, kind counterparty.Kind, id int64) (counterparty.Transaction, error) {
	i := v.cpIndex(kind, id)
	if i < 0 {
		return counterparty.Transaction{}, counterparty.ErrTransactionNotFound
	}
	return v.st().cpTxs[kind][i], nil
}

func (v *view) GetCounterpartyTransactionForUpdate(ctx context.Context, kind counterparty.Kind, id int64) (counterparty.Transaction, error) {
	return v.GetCounterpartyTransaction(ctx, kind, id)
}

func (v *view) SetCounterpartyTransfer(_ context.Context, kind counterparty.Kind, id, transferID int64) error {
	if i := v.cpIndex(kind, id); i >= 0 {
		v.st().cpTxs[kind][i].TransferID = &transferID
	}
	return nil
}

func (v *view) MarkCounterpartyVoided(_ context.Context, kind counterparty.Kind, id, actorID int64, reason string, at time.Time) error {
	i := v.cpIndex(kind, id)
	if i < 0 {
		return counterparty.ErrTransactionNotFound
	}
	t := &v.st().cpTxs[kind][i]
	t.Status = counterparty.StatusVoided
	t.VoidedAt = &at
	t.VoidedBy = &actorID
	t.VoidReason = reason
	return nil
}

func (v *view) InsertCounterpartyInvoice(_ context.Context, inv counterparty.Invoice) (counterparty.Invoice, error) {
	if err := v.fail("InsertCounterpartyInvoice"); err != nil {
		return counterparty.Invoice{}, err
	}
	if v.st().numbers[inv.Number] {
		return counterparty.Invoice{}, shared.ErrNumberCollision
	}
	v.st().numbers[inv.Number] = true
	inv.ID = v.st().next()
	inv.Lines = slices.Clone(inv.Lines)
	v.st().cpInvoices[inv.Kind][inv.ID] = inv
	return inv, nil
}

func (v *view) GetCounterpartyInvoice(_ context.Context, kind counterparty.Kind, id int64) (counterparty.Invoice, error) {
	inv, ok := v.st().cpInvoices[kind][id]
	if !ok {
		return counterparty.Invoice{}, counterparty.ErrInvoiceNotFound
	}
	inv.Lines = slices.Clone(inv.Lines)
	return inv, nil
}

func (v *view) GetCounterpartyInvoiceForUpdate(ctx context.Context, kind counterparty.Kind, id int64) (counterparty.Invoice, error) {
	return v.GetCounterpartyInvoice(ctx, kind, id)
}

func (v *view) UpdateCounterpartyInvoice(_ context.Context, inv counterparty.Invoice) error {
	if err := v.fail("UpdateCounterpartyInvoice"); err != nil {
		return err
	}
	if _, ok := v.st().cpInvoices[inv.Kind][inv.ID]; !ok {
		return counterparty.ErrInvoiceNotFound
	}
	inv.Lines = slices.Clone(inv.Lines)
	v.st().cpInvoices[inv.Kind][inv.ID] = inv
	return nil
}

func (v *view) ShipmentHasOpenInvoice(_ context.Context, kind counterparty.Kind, shipmentID int64) (bool, error) {
	for _, inv := range v.st().cpInvoices[kind] {
		if inv.ShipmentID != nil && *inv.ShipmentID == shipmentID && inv.Status != invoices.StatusVoid {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) SumCounterpartyInvoicePayments(_ context.Context, kind counterparty.Kind, invoiceID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range v.st().cpTxs[kind] {
		if t.Type == counterparty.PostWePay && t.Status == counterparty.StatusPosted && t.InvoiceID != nil && *t.InvoiceID == invoiceID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (v *view) InsertExpense(_ context.Context, e counterparty.Expense) (counterparty.Expense, error) {
	if err := v.fail("InsertExpense"); err != nil {
		return counterparty.Expense{}, err
	}
	e.ID = v.st().next()
	v.st().expenses[e.ID] = e
	return e, nil
}

func (v *view) UpdateExpense(_ context.Context, id int64, amount decimal.Decimal, transferID int64, _ time.Time) error {
	e := v.st().expenses[id]
	e.Amount = amount
	e.TransferID = &transferID
	v.st().expenses[id] = e
	return nil
}

func (v *view) CancelExpense(_ context.Context, id int64, _ time.Time) error {
	e := v.st().expenses[id]
	e.Status = "canceled"
	v.st().expenses[id] = e
	return nil
}
