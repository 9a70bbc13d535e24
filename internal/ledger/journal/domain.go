// Package journal keeps the append-only customer, branch and points journals
// behind the cached balance columns.
package journal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// Customer carries the cached receivable and loyalty points.
type Customer struct {
	ID            int64           `json:"id"`
	BranchID      *int64          `json:"branch_id,omitempty"`
	Name          string          `json:"name"`
	Balance       decimal.Decimal `json:"balance"`
	PointsBalance decimal.Decimal `json:"points_balance"`
}

// Branch carries the cached receivable of its customers.
type Branch struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// Entry is one journal row. Owner is the customer or branch id.
type Entry struct {
	ID           int64            `json:"id"`
	OwnerID      int64            `json:"owner_id"`
	Delta        decimal.Decimal  `json:"delta"`
	BalanceAfter decimal.Decimal  `json:"balance_after"`
	Reference    shared.Reference `json:"-"`
	Note         string           `json:"note,omitempty"`
	ActorID      int64            `json:"actor_id"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (e Entry) LineID() int64              { return e.ID }
func (e Entry) LineDelta() decimal.Decimal { return e.Delta }
func (e Entry) LineActive() bool           { return true }

// Book names one of the journals.
type Book string

const (
	BookCustomer Book = "customer_balance"
	BookBranch   Book = "branch_balance"
	BookPoints   Book = "customer_points"
)

// Posting applies the same delta to a customer and to a branch.
type Posting struct {
	CustomerID int64
	BranchID   int64
	Delta      decimal.Decimal
	Reference  shared.Reference
	Note       string
}

var (
	ErrCustomerNotFound   = shared.NotFound("customer_not_found", "journal: customer not found")
	ErrBranchNotFound     = shared.NotFound("branch_not_found", "journal: branch not found")
	ErrInsufficientPoints = shared.Validation("insufficient_points", "journal: customer does not have enough points")
	ErrReferenceRequired  = shared.Validation("reference_required", "journal: postings must reference their triggering event")
)
