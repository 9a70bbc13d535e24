package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/shared"
)

// TxRepository exposes invoice storage inside a unit of work. It embeds the
// journal so points and discount postings share the invoice's transaction.
type TxRepository interface {
	journal.TxRepository
	GetLedgerSettings(ctx context.Context) (Settings, error)
	GetOrdersForUpdate(ctx context.Context, ids []int64) ([]Order, error)
	FindInvoicedOrders(ctx context.Context, orderIDs []int64, excludeInvoiceID int64) ([]int64, error)
	SetOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []Item) ([]Item, error)
	SumActiveAllocations(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	CountActiveAllocations(ctx context.Context, invoiceID int64) (int, error)
	ListActiveAllocations(ctx context.Context, invoiceID int64) ([]Allocation, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service runs the invoice lifecycle.
type Service struct {
	repo    RepositoryPort
	audit   shared.AuditPort
	logger *slog.Logger
	now     func() time.Time
	numbers shared.NumberGenerator
}

// NewService constructs the invoice service.
func NewService(repo RepositoryPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, logger: slog.Default(), now: time.Now, numbers: shared.NewDocumentNumber}
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

// Get returns an invoice with its items and the allocations of active transactions.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if inv, err = tx.GetInvoice(ctx, id); err != nil {
			return err
		}
		inv.Allocations, err = tx.ListActiveAllocations(ctx, id)
		return err
	})
	return inv, err
}

// Create bills a set of received orders. Every check runs before the first write.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	if err := in.Validate(); err != nil {
		return Invoice{}, err
	}
	if err := actor.RequireBranch(in.BranchID); err != nil {
		return Invoice{}, err
	}
	var created Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		customer, err := tx.GetCustomerForUpdate(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		orders, err := loadOrders(ctx, tx, in.OrderIDs)
		if err != nil {
			return err
		}
		if err := checkOrders(orders, in.CustomerID, in.BranchID, in.OrderIDs); err != nil {
			return err
		}
		taken, err := tx.FindInvoicedOrders(ctx, in.OrderIDs, 0)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return ErrAlreadyInvoiced.WithIDs(taken...)
		}
		total := sumLines(orders)
		settings, err := tx.GetLedgerSettings(ctx)
		if err != nil {
			return err
		}
		discount, err := pointsDiscount(settings, in.PointsUsed, customer.PointsBalance, total)
		if err != nil {
			return err
		}

		at := s.now()
		inv := Invoice{
			CustomerID:     in.CustomerID,
			BranchID:       in.BranchID,
			Total:          total,
			PointsUsed:     in.PointsUsed,
			PointsDiscount: discount,
			PaidTotal:      decimal.Zero,
			DueTotal:       DueTotal(total, discount, decimal.Zero),
			Status:         StatusOpen,
			DeliveryType:   in.DeliveryType,
			Currency:       in.Currency,
			Note:           in.Note,
			IssuedAt:       at,
			CreatedBy:      actor.ID,
			UpdatedAt:      at,
		}
		err = shared.InsertWithNumber(s.numbers, "INV", at, func(number string) error {
			inv.Number = number
			var err error
			created, err = tx.InsertInvoice(ctx, inv)
			return err
		})
		if err != nil {
			return err
		}
		if created.Items, err = tx.ReplaceInvoiceItems(ctx, created.ID, snapshot(created.ID, orders)); err != nil {
			return err
		}
		for _, order := range orders {
			if err := tx.SetOrderStatus(ctx, order.ID, in.DeliveryType.FulfillmentStatus()); err != nil {
				return err
			}
		}
		return applyPoints(ctx, tx, actor, created, -in.PointsUsed, discount.Neg(), "points discount", at)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, actor, "invoice.create", created.ID, nil, created)
	return created, nil
}

// Cancel voids an invoice without active receipts, restoring points and the
// discount postings. paid_total is not restored.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Invoice{}, ErrReasonRequired
	}
	var before, after Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.RequireBranch(inv.BranchID); err != nil {
			return err
		}
		if inv.Status == StatusVoid {
			return ErrAlreadyVoid
		}
		active, err := tx.CountActiveAllocations(ctx, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveReceipts
		}
		before = inv
		at := s.now()
		if err := applyPoints(ctx, tx, actor, inv, inv.PointsUsed, inv.PointsDiscount, "points discount restored", at); err != nil {
			return err
		}
		for _, item := range inv.Items {
			if err := tx.SetOrderStatus(ctx, item.OrderID, OrderReceivedAtSubBranch); err != nil {
				return err
			}
		}
		actorID := actor.ID
		inv.Status = StatusVoid
		inv.PaidTotal = decimal.Zero
		inv.DueTotal = decimal.Zero
		inv.CanceledAt = &at
		inv.CanceledBy = &actorID
		inv.CancelReason = reason
		inv.UpdatedAt = at
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		after = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, actor, "invoice.cancel", id, before, after)
	return after, nil
}

// Update edits an invoice that has no active receipts. Points changes post
// only the delta against the customer and branch.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, in UpdateInput) (Invoice, error) {
	if err := actor.Validate(); err != nil {
		return Invoice{}, err
	}
	if err := in.Validate(); err != nil {
		return Invoice{}, err
	}
	var before, after Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.RequireBranch(inv.BranchID); err != nil {
			return err
		}
		if inv.Status == StatusVoid {
			return ErrAlreadyVoid
		}
		active, err := tx.CountActiveAllocations(ctx, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveReceipts
		}
		before = inv
		before.Items = slices.Clone(inv.Items)
		customer, err := tx.GetCustomerForUpdate(ctx, inv.CustomerID)
		if err != nil {
			return err
		}

		deliveryType := inv.DeliveryType
		if in.DeliveryType != nil {
			deliveryType = *in.DeliveryType
		}
		currentIDs := inv.OrderIDs()
		newIDs := currentIDs
		if in.OrderIDs != nil {
			newIDs = in.OrderIDs
		}
		added, removed := diffIDs(currentIDs, newIDs)
		rebuild := len(added) > 0 || len(removed) > 0
		var orders []Order
		total := inv.Total
		if rebuild || deliveryType != inv.DeliveryType {
			orders, err = loadOrders(ctx, tx, newIDs)
			if err != nil {
				return err
			}
			if err := checkOrders(orders, inv.CustomerID, inv.BranchID, added); err != nil {
				return err
			}
			if len(added) > 0 {
				taken, err := tx.FindInvoicedOrders(ctx, added, inv.ID)
				if err != nil {
					return err
				}
				if len(taken) > 0 {
					return ErrAlreadyInvoiced.WithIDs(taken...)
				}
			}
			total = sumLines(orders)
		}

		points := inv.PointsUsed
		discount := inv.PointsDiscount
		if in.PointsUsed != nil && *in.PointsUsed != inv.PointsUsed {
			points = *in.PointsUsed
			settings, err := tx.GetLedgerSettings(ctx)
			if err != nil {
				return err
			}
			restorable := customer.PointsBalance.Add(decimal.NewFromInt(inv.PointsUsed))
			if discount, err = pointsDiscount(settings, points, restorable, total); err != nil {
				return err
			}
		} else if discount.GreaterThan(total) {
			return ErrDiscountExceeds
		}

		at := s.now()
		if rebuild {
			for _, orderID := range removed {
				if err := tx.SetOrderStatus(ctx, orderID, OrderReceivedAtSubBranch); err != nil {
					return err
				}
			}
			if inv.Items, err = tx.ReplaceInvoiceItems(ctx, inv.ID, snapshot(inv.ID, orders)); err != nil {
				return err
			}
		}
		if orders != nil {
			for _, order := range orders {
				if err := tx.SetOrderStatus(ctx, order.ID, deliveryType.FulfillmentStatus()); err != nil {
					return err
				}
			}
		}
		pointsDelta := points - inv.PointsUsed
		discountDelta := discount.Sub(inv.PointsDiscount)
		if err := applyPoints(ctx, tx, actor, inv, -pointsDelta, discountDelta.Neg(), "points discount changed", at); err != nil {
			return err
		}

		inv.Total = total
		inv.PointsUsed = points
		inv.PointsDiscount = discount
		inv.DeliveryType = deliveryType
		if in.Currency != nil {
			inv.Currency = *in.Currency
		}
		if in.Note != nil {
			inv.Note = *in.Note
		}
		paid, err := tx.SumActiveAllocations(ctx, inv.ID)
		if err != nil {
			return err
		}
		inv.Settle(paid)
		inv.UpdatedAt = at
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		after = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, actor, "invoice.update", id, before, after)
	return after, nil
}

// Recalculate rewrites paid_total, due_total and status from the sum of
// allocations on active transactions. Void invoices are returned unchanged.
func Recalculate(ctx context.Context, tx TxRepository, invoiceID int64, at time.Time) (Invoice, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status == StatusVoid {
		return inv, nil
	}
	paid, err := tx.SumActiveAllocations(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	inv.Settle(paid)
	inv.UpdatedAt = at
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", id),
		Before:   before,
		After:    after,
		At:       s.now(),
	})
}

// applyPoints posts a points delta and a balance delta for the invoice's
// customer and branch, skipping whichever is zero.
func applyPoints(ctx context.Context, tx TxRepository, actor shared.Actor, inv Invoice, pointsDelta int64, balanceDelta decimal.Decimal, note string, at time.Time) error {
	ref := shared.InvoiceRef(inv.ID)
	if pointsDelta != 0 {
		if _, err := journal.AdjustPoints(ctx, tx, actor, inv.CustomerID, decimal.NewFromInt(pointsDelta), ref, at); err != nil {
			return err
		}
	}
	_, _, err := journal.Apply(ctx, tx, actor, journal.Posting{
		CustomerID: inv.CustomerID,
		BranchID:   inv.BranchID,
		Delta:      balanceDelta,
		Reference:  ref,
		Note:       note,
	}, at)
	return err
}

func pointsDiscount(settings Settings, points int64, available, total decimal.Decimal) (decimal.Decimal, error) {
	if points == 0 {
		return decimal.Zero, nil
	}
	if decimal.NewFromInt(points).GreaterThan(available.Floor()) {
		return decimal.Zero, ErrInsufficientPoints
	}
	discount, err := settings.Discount(points)
	if err != nil {
		return decimal.Zero, err
	}
	if discount.GreaterThan(total) {
		return decimal.Zero, ErrDiscountExceeds
	}
	return discount, nil
}

func loadOrders(ctx context.Context, tx TxRepository, ids []int64) ([]Order, error) {
	orders, err := tx.GetOrdersForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(orders) == len(ids) {
		return orders, nil
	}
	found := make(map[int64]bool, len(orders))
	for _, o := range orders {
		found[o.ID] = true
	}
	var missing []int64
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return nil, ErrOrderNotFound.WithIDs(missing...)
}

// checkOrders enforces ownership and a single sub-branch. Orders listed in
// fresh must still be waiting at the sub-branch.
func checkOrders(orders []Order, customerID, branchID int64, fresh []int64) error {
	for _, o := range orders {
		if o.CustomerID != customerID {
			return ErrOrderCustomer.WithIDs(o.ID)
		}
		if o.BranchID != orders[0].BranchID {
			return ErrMixedBranches.WithIDs(orders[0].ID, o.ID)
		}
	}
	if len(orders) > 0 && orders[0].BranchID != branchID {
		return ErrBranchMismatch
	}
	for _, o := range orders {
		if slices.Contains(fresh, o.ID) && o.Status != OrderReceivedAtSubBranch {
			return ErrOrderNotReceived.WithIDs(o.ID)
		}
	}
	return nil
}

func sumLines(orders []Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.LineTotal())
	}
	return shared.Round2(total)
}

func snapshot(invoiceID int64, orders []Order) []Item {
	items := make([]Item, 0, len(orders))
	for _, o := range orders {
		items = append(items, Item{
			InvoiceID:   invoiceID,
			OrderID:     o.ID,
			Rate:        o.Rate,
			Quantity:    o.Quantity,
			Adjustments: o.Adjustments,
			LineTotal:   o.LineTotal(),
		})
	}
	return items
}

func diffIDs(current, next []int64) (added, removed []int64) {
	for _, id := range next {
		if !slices.Contains(current, id) {
			added = append(added, id)
		}
	}
	for _, id := range current {
		if !slices.Contains(next, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}
