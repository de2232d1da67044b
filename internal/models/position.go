package models

import (
	"fmt"
	"time"
)

// Position is an open holding owned by the portfolio ledger. Shares is signed:
// positive means long. Options are long-only in this engine, so Shares > 0 for
// every option position; the invariant checks still cover the short form in
// case equity shorts are ever enabled.
type Position struct {
	Symbol          string     `json:"symbol"`
	Underlying      string     `json:"underlying"`
	Sector          string     `json:"sector"`
	Shares          int        `json:"shares"`
	LotSize         int        `json:"lot_size"`
	EntryPrice      float64    `json:"entry_price"`
	EntryTime       time.Time  `json:"entry_time"`
	StopLoss        float64    `json:"stop_loss"`
	TakeProfit      float64    `json:"take_profit"`
	TrailingActive  bool       `json:"trailing_stop_active"`
	HighestPrice    float64    `json:"highest_price_seen"`
	ATR             float64    `json:"atr"`
	Expiry          time.Time  `json:"expiry,omitempty"`
	EntryConfidence float64    `json:"confidence_at_entry"`
	Strategy        string     `json:"strategy_tag"`
	OptionType      OptionType `json:"option_type,omitempty"`
}

// IsLong reports whether the position is held long.
func (p *Position) IsLong() bool { return p.Shares > 0 }

// ObservePrice folds a fresh last price into the high-water mark.
func (p *Position) ObservePrice(last float64) {
	if last > p.HighestPrice {
		p.HighestPrice = last
	}
}

// UnrealizedPnL returns the mark-to-market profit at the given price.
func (p *Position) UnrealizedPnL(last float64) float64 {
	return (last - p.EntryPrice) * float64(p.Shares)
}

// PnLPercent returns unrealized PnL relative to entry cost. Zero entry price
// yields 0, never NaN.
func (p *Position) PnLPercent(last float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (last - p.EntryPrice) / p.EntryPrice * 100
}

// DaysToExpiry returns whole days until the contract expires, floored at 0.
// Positions without an expiry (equity) return -1.
func (p *Position) DaysToExpiry(now time.Time) int {
	if p.Expiry.IsZero() {
		return -1
	}
	d := int(p.Expiry.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Validate enforces the structural invariants a position must satisfy while it
// lives in the portfolio map.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position has empty symbol")
	}
	if p.Shares == 0 {
		return fmt.Errorf("position %s: shares must be non-zero while held", p.Symbol)
	}
	if p.IsLong() {
		if p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("position %s: stop_loss (%.2f) must be below entry (%.2f) for longs",
				p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit <= p.EntryPrice {
			return fmt.Errorf("position %s: take_profit (%.2f) must be above entry (%.2f) for longs",
				p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	} else {
		if p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("position %s: stop_loss (%.2f) must be above entry (%.2f) for shorts",
				p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("position %s: take_profit (%.2f) must be below entry (%.2f) for shorts",
				p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	}
	if p.HighestPrice != 0 && p.HighestPrice < p.EntryPrice && p.IsLong() {
		return fmt.Errorf("position %s: highest_price_seen (%.2f) below entry (%.2f)",
			p.Symbol, p.HighestPrice, p.EntryPrice)
	}
	return nil
}
