// Package ledgertest provides an in-memory implementation of every ledger
// repository for service tests. Each WithTx call runs serially against a
// snapshot and is rolled back wholesale when the callback fails.
package ledgertest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/shared"
)

type state struct {
	seq          int64
	accounts     map[int64]accounts.Account
	transfers    map[int64]accounts.Transfer
	entries      []accounts.Entry
	customers    map[int64]journal.Customer
	branches     map[int64]journal.Branch
	journals     map[journal.Book][]journal.Entry
	settings     invoices.Settings
	orders       map[int64]invoices.Order
	invoices     map[int64]invoices.Invoice
	items        map[int64][]invoices.Item
	numbers      map[string]bool
	transactions map[int64]payments.Transaction
	reasons      map[int64]bool
	allocations  []invoices.Allocation
	parties      map[counterparty.Kind]map[int64]counterparty.Party
	cpTxs        map[counterparty.Kind][]counterparty.Transaction
	cpInvoices   map[counterparty.Kind]map[int64]counterparty.Invoice
	expenses     map[int64]counterparty.Expense
}

func newState() *state {
	return &state{
		accounts:     map[int64]accounts.Account{},
		transfers:    map[int64]accounts.Transfer{},
		customers:    map[int64]journal.Customer{},
		branches:     map[int64]journal.Branch{},
		journals:     map[journal.Book][]journal.Entry{},
		settings:     invoices.Settings{PointsValue: decimal.Zero, PointsPrice: decimal.Zero},
		orders:       map[int64]invoices.Order{},
		invoices:     map[int64]invoices.Invoice{},
		items:        map[int64][]invoices.Item{},
		numbers:      map[string]bool{},
		transactions: map[int64]payments.Transaction{},
		reasons:      map[int64]bool{},
		parties: map[counterparty.Kind]map[int64]counterparty.Party{
			counterparty.KindPartner:  {},
			counterparty.KindSupplier: {},
		},
		cpTxs: map[counterparty.Kind][]counterparty.Transaction{},
		cpInvoices: map[counterparty.Kind]map[int64]counterparty.Invoice{
			counterparty.KindPartner:  {},
			counterparty.KindSupplier: {},
		},
		expenses: map[int64]counterparty.Expense{},
	}
}

func (s *state) clone() *state {
	c := *s
	c.accounts = maps.Clone(s.accounts)
	c.transfers = maps.Clone(s.transfers)
	c.entries = slices.Clone(s.entries)
	c.customers = maps.Clone(s.customers)
	c.branches = maps.Clone(s.branches)
	c.journals = make(map[journal.Book][]journal.Entry, len(s.journals))
	for book, rows := range s.journals {
		c.journals[book] = slices.Clone(rows)
	}
	c.orders = maps.Clone(s.orders)
	c.invoices = maps.Clone(s.invoices)
	c.items = make(map[int64][]invoices.Item, len(s.items))
	for id, rows := range s.items {
		c.items[id] = slices.Clone(rows)
	}
	c.numbers = maps.Clone(s.numbers)
	c.transactions = maps.Clone(s.transactions)
	c.reasons = maps.Clone(s.reasons)
	c.allocations = slices.Clone(s.allocations)
	c.parties = make(map[counterparty.Kind]map[int64]counterparty.Party, len(s.parties))
	for kind, rows := range s.parties {
		c.parties[kind] = maps.Clone(rows)
	}
	c.cpTxs = make(map[counterparty.Kind][]counterparty.Transaction, len(s.cpTxs))
	for kind, rows := range s.cpTxs {
		c.cpTxs[kind] = slices.Clone(rows)
	}
	c.cpInvoices = make(map[counterparty.Kind]map[int64]counterparty.Invoice, len(s.cpInvoices))
	for kind, rows := range s.cpInvoices {
		c.cpInvoices[kind] = maps.Clone(rows)
	}
	c.expenses = maps.Clone(s.expenses)
	return &c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// Store is the in-memory ledger database.
type Store struct {
	mu    sync.Mutex
	st    *state
	fails map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), fails: map[string]error{}}
}

// FailOn makes the named repository method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, method)
		return
	}
	s.fails[method] = err
}

func (s *Store) withTx(fn func(*view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(&view{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// Accounts returns the account repository.
func (s *Store) Accounts() accounts.RepositoryPort { return accountsRepo{s} }

// Journal returns the journal repository.
func (s *Store) Journal() journal.RepositoryPort { return journalRepo{s} }

// Invoices returns the invoice repository.
func (s *Store) Invoices() invoices.RepositoryPort { return invoicesRepo{s} }

// Payments returns the payments repository.
func (s *Store) Payments() payments.RepositoryPort { return paymentsRepo{s} }

// Counterparty returns the counterparty repository.
func (s *Store) Counterparty() counterparty.RepositoryPort { return counterpartyRepo{s} }

type accountsRepo struct{ s *Store }

func (r accountsRepo) WithTx(ctx context.Context, fn func(context.Context, accounts.TxRepository) error) error {
	return r.s.withTx(func(v *view) error { return fn(ctx, v) })
}

type journalRepo struct{ s *Store }

func (r journalRepo) WithTx(ctx context.Context, fn func(context.Context, journal.TxRepository) error) error {
	return r.s.withTx(func(v *view) error { return fn(ctx, v) })
}

type invoicesRepo struct{ s *Store }

func (r invoicesRepo) WithTx(ctx context.Context, fn func(context.Context, invoices.TxRepository) error) error {
	return r.s.withTx(func(v *view) error { return fn(ctx, v) })
}

type paymentsRepo struct{ s *Store }

func (r paymentsRepo) WithTx(ctx context.Context, fn func(context.Context, payments.TxRepository) error) error {
	return r.s.withTx(func(v *view) error { return fn(ctx, v) })
}

type counterpartyRepo struct{ s *Store }

func (r counterpartyRepo) WithTx(ctx context.Context, fn func(context.Context, counterparty.TxRepository) error) error {
	return r.s.withTx(func(v *view) error { return fn(ctx, v) })
}

// AddBranch seeds a branch.
func (s *Store) AddBranch(name string) int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		st.branches[id] = journal.Branch{ID: id, Name: name, Balance: decimal.Zero}
	})
	return id
}

// AddCustomer seeds a customer with an opening points balance, journaled so
// reconciliation sees no drift.
func (s *Store) AddCustomer(branchID int64, name string, points decimal.Decimal) int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		b := branchID
		st.customers[id] = journal.Customer{ID: id, BranchID: &b, Name: name, Balance: decimal.Zero, PointsBalance: points}
		if !points.IsZero() {
			st.journals[journal.BookPoints] = append(st.journals[journal.BookPoints], journal.Entry{
				ID: st.next(), OwnerID: id, Delta: points, BalanceAfter: points, Note: "opening",
			})
		}
	})
	return id
}

// AddAccount seeds an active account.
func (s *Store) AddAccount(owner accounts.OwnerType, ownerID *int64, currency string, paymentMethodID int64) int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		st.accounts[id] = accounts.Account{
			ID: id, Name: string(owner), OwnerType: owner, OwnerID: ownerID, Currency: currency,
			PaymentMethodID: paymentMethodID, Balance: decimal.Zero, IsActive: true,
		}
	})
	return id
}

// DeactivateAccount soft-deletes an account.
func (s *Store) DeactivateAccount(id int64) {
	s.read(func(st *state) {
		a := st.accounts[id]
		a.IsActive = false
		st.accounts[id] = a
	})
}

// AddOrder seeds an order waiting at its sub-branch.
func (s *Store) AddOrder(customerID, branchID int64, rate, quantity, adjustments decimal.Decimal) int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		st.orders[id] = invoices.Order{
			ID: id, CustomerID: customerID, BranchID: branchID, Status: invoices.OrderReceivedAtSubBranch,
			Rate: rate, Quantity: quantity, Adjustments: adjustments,
		}
	})
	return id
}

// SetOrderStatus forces an order status.
func (s *Store) SetOrderStatus(id int64, status invoices.OrderStatus) {
	s.read(func(st *state) {
		o := st.orders[id]
		o.Status = status
		st.orders[id] = o
	})
}

// SetSettings stores the points configuration.
func (s *Store) SetSettings(value, price decimal.Decimal) {
	s.read(func(st *state) { st.settings = invoices.Settings{PointsValue: value, PointsPrice: price} })
}

// AddReason seeds a transaction reason.
func (s *Store) AddReason() int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		st.reasons[id] = true
	})
	return id
}

// AddParty seeds a partner or supplier profile.
func (s *Store) AddParty(kind counterparty.Kind, name string) int64 {
	var id int64
	s.read(func(st *state) {
		id = st.next()
		st.parties[kind][id] = counterparty.Party{ID: id, Kind: kind, Name: name, Balance: decimal.Zero}
	})
	return id
}

// ReserveNumbers marks document numbers as taken.
func (s *Store) ReserveNumbers(numbers ...string) {
	s.read(func(st *state) {
		for _, n := range numbers {
			st.numbers[n] = true
		}
	})
}

// Account returns the stored account.
func (s *Store) Account(id int64) accounts.Account {
	var a accounts.Account
	s.read(func(st *state) { a = st.accounts[id] })
	return a
}

// AccountEntries returns every entry of an account.
func (s *Store) AccountEntries(id int64) []accounts.Entry {
	var out []accounts.Entry
	s.read(func(st *state) {
		for _, e := range st.entries {
			if e.AccountID == id {
				out = append(out, e)
			}
		}
	})
	return out
}

// Transfer returns a transfer with its entries.
func (s *Store) Transfer(id int64) accounts.Transfer {
	var t accounts.Transfer
	s.read(func(st *state) { t = st.transferWithEntries(id) })
	return t
}

// Customer returns the stored customer.
func (s *Store) Customer(id int64) journal.Customer {
	var c journal.Customer
	s.read(func(st *state) { c = st.customers[id] })
	return c
}

// Branch returns the stored branch.
func (s *Store) Branch(id int64) journal.Branch {
	var b journal.Branch
	s.read(func(st *state) { b = st.branches[id] })
	return b
}

// JournalEntries returns one owner's rows of a book.
func (s *Store) JournalEntries(book journal.Book, ownerID int64) []journal.Entry {
	var out []journal.Entry
	s.read(func(st *state) { out = st.journalFor(book, ownerID) })
	return out
}

// Order returns the stored order.
func (s *Store) Order(id int64) invoices.Order {
	var o invoices.Order
	s.read(func(st *state) { o = st.orders[id] })
	return o
}

// Invoice returns an invoice with its items.
func (s *Store) Invoice(id int64) invoices.Invoice {
	var inv invoices.Invoice
	s.read(func(st *state) {
		inv = st.invoices[id]
		inv.Items = slices.Clone(st.items[id])
	})
	return inv
}

// Transaction returns the stored customer transaction.
func (s *Store) Transaction(id int64) payments.Transaction {
	var t payments.Transaction
	s.read(func(st *state) { t = st.transactions[id] })
	return t
}

// ActiveAllocationSum is Σ allocations of active transactions for an invoice.
func (s *Store) ActiveAllocationSum(invoiceID int64) decimal.Decimal {
	var sum decimal.Decimal
	s.read(func(st *state) { sum = st.activeAllocationSum(invoiceID) })
	return sum
}

// Party returns a counterparty profile.
func (s *Store) Party(kind counterparty.Kind, id int64) counterparty.Party {
	var p counterparty.Party
	s.read(func(st *state) { p = st.parties[kind][id] })
	return p
}

// PartyTransactions returns a party's postings in ledger order.
func (s *Store) PartyTransactions(kind counterparty.Kind, id int64) []counterparty.Transaction {
	var out []counterparty.Transaction
	s.read(func(st *state) { out = st.partyTransactions(kind, id) })
	return out
}

// CounterpartyInvoice returns a stored counterparty invoice.
func (s *Store) CounterpartyInvoice(kind counterparty.Kind, id int64) counterparty.Invoice {
	var inv counterparty.Invoice
	s.read(func(st *state) { inv = st.cpInvoices[kind][id] })
	return inv
}

// Expense returns a stored general expense.
func (s *Store) Expense(id int64) counterparty.Expense {
	var e counterparty.Expense
	s.read(func(st *state) { e = st.expenses[id] })
	return e
}

// Counts summarises row counts so tests can assert nothing was written.
type Counts struct {
	Transfers, Entries, Journal, Invoices, Items, Transactions, Allocations, CounterpartyTxs, Expenses int
}

// Counts returns the current row counts.
func (s *Store) Counts() Counts {
	var c Counts
	s.read(func(st *state) {
		c.Transfers = len(st.transfers)
		c.Entries = len(st.entries)
		for _, rows := range st.journals {
			c.Journal += len(rows)
		}
		c.Invoices = len(st.invoices)
		for _, rows := range st.items {
			c.Items += len(rows)
		}
		c.Transactions = len(st.transactions)
		c.Allocations = len(st.allocations)
		for _, rows := range st.cpTxs {
			c.CounterpartyTxs += len(rows)
		}
		c.Expenses = len(st.expenses)
	})
	return c
}

// CorruptAccountBalance overwrites a cached account balance.
func (s *Store) CorruptAccountBalance(id int64, balance decimal.Decimal) {
	s.read(func(st *state) {
		a := st.accounts[id]
		a.Balance = balance
		st.accounts[id] = a
	})
}

// CorruptCustomerBalance overwrites a cached customer balance.
func (s *Store) CorruptCustomerBalance(id int64, balance decimal.Decimal) {
	s.read(func(st *state) {
		c := st.customers[id]
		c.Balance = balance
		st.customers[id] = c
	})
}

// CorruptPartyBalance overwrites a cached counterparty balance.
func (s *Store) CorruptPartyBalance(kind counterparty.Kind, id int64, balance decimal.Decimal) {
	s.read(func(st *state) {
		p := st.parties[kind][id]
		p.Balance = balance
		st.parties[kind][id] = p
	})
}

// Actor is a head-office actor for tests.
func Actor() shared.Actor {
	return shared.Actor{ID: 1, Name: "tester"}
}

// BranchActor is an actor scoped to one branch.
func BranchActor(branchID int64) shared.Actor {
	b := branchID
	return shared.Actor{ID: 2, Name: "branch clerk", BranchID: &b}
}
