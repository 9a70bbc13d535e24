package counterparty

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shipdesk/backoffice/internal/shared"
)

// StatementRow is one posting with the party's running balance after it.
type StatementRow struct {
	Transaction
	Code           string          `json:"code"`
	Delta          decimal.Decimal `json:"delta"`
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// Statement replays a party's ledger over a date window.
type Statement struct {
	Kind           Kind            `json:"kind"`
	PartyID        int64           `json:"party_id"`
	PartyName      string          `json:"party_name"`
	From           *time.Time      `json:"from,omitempty"`
	To             *time.Time      `json:"to,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Rows           []StatementRow  `json:"rows"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	MatchesCached  bool            `json:"matches_cached"`
}

// BuildStatement folds txs, which must be ordered by (tx_date, id). Postings
// before from make up the opening balance; postings after to are left out
// of the rows but still count toward the full replay compared with the cache.
func BuildStatement(party Party, txs []Transaction, from, to *time.Time) Statement {
	st := Statement{
		Kind:           party.Kind,
		PartyID:        party.ID,
		PartyName:      party.Name,
		From:           from,
		To:             to,
		OpeningBalance: decimal.Zero,
		Rows:           []StatementRow{},
		CachedBalance:  party.Balance,
	}
	replay := decimal.Zero
	running := decimal.Zero
	for _, t := range txs {
		delta := t.DeltaFor(party.ID)
		replay = replay.Add(delta)
		day := truncateDay(t.TxDate)
		switch {
		case from != nil && day.Before(truncateDay(*from)):
			st.OpeningBalance = st.OpeningBalance.Add(delta)
			running = st.OpeningBalance
		case to != nil && day.After(truncateDay(*to)):
		default:
			running = running.Add(delta)
			st.Rows = append(st.Rows, StatementRow{Transaction: t, Code: t.Code(), Delta: delta, RunningBalance: running})
		}
	}
	st.ClosingBalance = running
	st.MatchesCached = replay.Sub(party.Balance).Abs().LessThan(shared.Epsilon)
	return st
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
