package counterparty

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/shared"
)

// TxRepository exposes both counterparty ledgers, their invoices and the
// account store inside one unit of work.
type TxRepository interface {
	accounts.TxRepository
	GetParty(ctx context.Context, kind Kind, id int64) (Party, error)
	GetPartyForUpdate(ctx context.Context, kind Kind, id int64) (Party, error)
	SetPartyBalance(ctx context.Context, kind Kind, id int64, balance decimal.Decimal) error
	ListPartyIDs(ctx context.Context, kind Kind) ([]int64, error)
	ListPartyTransactions(ctx context.Context, kind Kind, partyID int64) ([]Transaction, error)
	InsertCounterpartyTransaction(ctx context.Context, t Transaction) (Transaction, error)
	GetCounterpartyTransaction(ctx context.Context, kind Kind, id int64) (Transaction, error)
	GetCounterpartyTransactionForUpdate(ctx context.Context, kind Kind, id int64) (Transaction, error)
	SetCounterpartyTransfer(ctx context.Context, kind Kind, id, transferID int64) error
	MarkCounterpartyVoided(ctx context.Context, kind Kind, id, actorID int64, reason string, at time.Time) error
	InsertCounterpartyInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetCounterpartyInvoice(ctx context.Context, kind Kind, id int64) (Invoice, error)
	GetCounterpartyInvoiceForUpdate(ctx context.Context, kind Kind, id int64) (Invoice, error)
	UpdateCounterpartyInvoice(ctx context.Context, inv Invoice) error
	ShipmentHasOpenInvoice(ctx context.Context, kind Kind, shipmentID int64) (bool, error)
	SumCounterpartyInvoicePayments(ctx context.Context, kind Kind, invoiceID int64) (decimal.Decimal, error)
	InsertExpense(ctx context.Context, e Expense) (Expense, error)
	UpdateExpense(ctx context.Context, id int64, amount decimal.Decimal, transferID int64, at time.Time) error
	CancelExpense(ctx context.Context, id int64, at time.Time) error
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// StatementCachePrefix namespaces statement keys shared by the API and worker.
const StatementCachePrefix = "backoffice:statement"

// StatementCache stores built statements under a per-party version.
type StatementCache interface {
	Key(ctx context.Context, scope string, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context, scope string) error
}

// Service runs the partner and supplier ledgers.
type Service struct {
	repo       RepositoryPort
	audit      shared.AuditPort
	logger *slog.Logger
	statements StatementCache
	now        func() time.Time
	numbers    shared.NumberGenerator
}

// NewService constructs the counterparty service. statements may be nil.
func NewService(repo RepositoryPort, audit shared.AuditPort, statements StatementCache) *Service {
	return &Service{repo: repo, audit: audit, logger: slog.Default(), statements: statements, now: time.Now, numbers: shared.NewDocumentNumber}
}

// WithLogger sets the logger used for post-commit side effects.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithNumberGenerator overrides invoice numbering.
func (s *Service) WithNumberGenerator(gen shared.NumberGenerator) {
	if gen != nil {
		s.numbers = gen
	}
}

// CreateTransaction posts one typed entry.
func (s *Service) CreateTransaction(ctx context.Context, actor shared.Actor, in CreateInput) (Transaction, error) {
	if err := actor.Validate(); err != nil {
		return Transaction{}, err
	}
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	var created Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = post(ctx, tx, actor, in, s.now())
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.invalidate(ctx, in.Kind, created.Parties())
	s.record(ctx, actor, in.Kind, "transaction.create", created.ID, nil, created)
	return created, nil
}

// GetTransaction returns one posting.
func (s *Service) GetTransaction(ctx context.Context, kind Kind, id int64) (Transaction, error) {
	var t Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetCounterpartyTransaction(ctx, kind, id)
		return err
	})
	return t, err
}

// Void posts the reversal of a posted entry. Postings that mirror an invoice
// are voided through the invoice.
func (s *Service) Void(ctx context.Context, actor shared.Actor, kind Kind, id int64, reason string) (Transaction, error) {
	if err := actor.Validate(); err != nil {
		return Transaction{}, err
	}
	if !kind.Valid() {
		return Transaction{}, ErrInvalidKind
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transaction{}, ErrReasonRequired
	}
	var orig, rev Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if orig, err = tx.GetCounterpartyTransactionForUpdate(ctx, kind, id); err != nil {
			return err
		}
		if orig.Type == PostWeOwe && orig.InvoiceID != nil {
			return ErrOwnedByInvoice.WithIDs(*orig.InvoiceID)
		}
		rev, err = reverse(ctx, tx, actor, orig, reason, s.now())
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.invalidate(ctx, kind, orig.Parties())
	s.record(ctx, actor, kind, "transaction.void", id, orig, rev)
	return rev, nil
}

// Statement replays a party's ledger between from and to, inclusive by day.
// Built statements are cached until the party's next posting.
func (s *Service) Statement(ctx context.Context, kind Kind, partyID int64, from, to *time.Time) (Statement, error) {
	if !kind.Valid() {
		return Statement{}, ErrInvalidKind
	}
	if from != nil && to != nil && to.Before(*from) {
		return Statement{}, shared.Validation("invalid_range", "counterparty: to must not be before from")
	}
	load := func(ctx context.Context) (any, error) {
		var st Statement
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			party, err := tx.GetParty(ctx, kind, partyID)
			if err != nil {
				return err
			}
			txs, err := tx.ListPartyTransactions(ctx, kind, partyID)
			if err != nil {
				return err
			}
			st = BuildStatement(party, txs, from, to)
			return nil
		})
		return st, err
	}
	if s.statements == nil {
		st, err := load(ctx)
		if err != nil {
			return Statement{}, err
		}
		return st.(Statement), nil
	}
	key, err := s.statements.Key(ctx, scope(kind, partyID), dayKey(from), dayKey(to))
	if err != nil {
		return Statement{}, err
	}
	var st Statement
	if err := s.statements.FetchJSON(ctx, key, &st, load); err != nil {
		return Statement{}, err
	}
	return st, nil
}

// Reconcile compares a party's cached balance with its ledger replay.
func (s *Service) Reconcile(ctx context.Context, kind Kind, partyID int64, fix bool) (shared.Drift, error) {
	if !kind.Valid() {
		return shared.Drift{}, ErrInvalidKind
	}
	var drift shared.Drift
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		drift, err = Rebuild(ctx, tx, kind, partyID, fix)
		return err
	})
	if err == nil && drift.Repaired {
		s.invalidate(ctx, kind, []int64{partyID})
	}
	return drift, err
}

// PartyIDs lists every profile of kind.
func (s *Service) PartyIDs(ctx context.Context, kind Kind) ([]int64, error) {
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListPartyIDs(ctx, kind)
		return err
	})
	return ids, err
}

func (s *Service) invalidate(ctx context.Context, kind Kind, parties []int64) {
	if s.statements == nil {
		return
	}
	for _, id := range parties {
		if err := s.statements.Bump(ctx, scope(kind, id)); err != nil {
			s.logger.Warn("invalidate statement cache",
				slog.String("kind", string(kind)),
				slog.Int64("party_id", id),
				slog.Any("error", err))
		}
	}
}

func (s *Service) record(ctx context.Context, actor shared.Actor, kind Kind, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   string(kind) + "." + action,
		Entity:   string(kind) + "_" + strings.SplitN(action, ".", 2)[0],
		EntityID: fmt.Sprintf("%d", id),
		Before:   before,
		After:    after,
		At:       s.now(),
	})
}

func scope(kind Kind, partyID int64) string {
	return fmt.Sprintf("%s:%d", kind, partyID)
}

func dayKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("20060102")
}
