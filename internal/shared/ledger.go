package shared

import "github.com/shopspring/decimal"

// LedgerLine is one signed posting in any journal. Mutable-status journals
// report canceled lines as inactive; append-only journals keep every line
// active and offset mistakes with reversal lines.
type LedgerLine interface {
	LineID() int64
	LineDelta() decimal.Decimal
	LineActive() bool
}

// SumActive folds the active lines of a journal into a balance.
func SumActive[L LedgerLine](lines []L) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.LineActive() {
			total = total.Add(line.LineDelta())
		}
	}
	return total
}

// Drift describes a cached balance that disagrees with its journal.
type Drift struct {
	Entity   string          `json:"entity"`
	EntityID int64           `json:"entity_id"`
	Cached   decimal.Decimal `json:"cached"`
	Journal  decimal.Decimal `json:"journal"`
	Repaired bool            `json:"repaired"`
}

// Drifted reports whether the cache differs from the journal.
func (d Drift) Drifted() bool {
	return !d.Cached.Equal(d.Journal)
}
