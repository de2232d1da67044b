package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable ledger record. All monetary fields are decimals so
// replaying a trade log reproduces cash balances exactly; nothing here is
// mutated once appended.
type Trade struct {
	ID         string           `json:"trade_id"` // YYYY-MM-DD-<mode>-NNNN
	Sequence   int64            `json:"sequence_number"`
	Timestamp  time.Time        `json:"timestamp"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Shares     int              `json:"shares"`
	Price      decimal.Decimal  `json:"price"`
	Fees       decimal.Decimal  `json:"fees"`
	PnL        *decimal.Decimal `json:"pnl,omitempty"` // closing trades only
	Sector     string           `json:"sector,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Strategy   string           `json:"strategy,omitempty"`
	CashAfter  decimal.Decimal  `json:"cash_balance_after"`
}

// FormatTradeID builds the canonical trade identifier for a day, mode and
// sequence number. The sequence is zero-padded to four digits.
func FormatTradeID(day time.Time, mode Mode, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", day.Format("2006-01-02"), mode, seq)
}

// IsClosing reports whether the trade realised PnL.
func (t *Trade) IsClosing() bool { return t.PnL != nil }
