// Package portfolio owns the cash ledger, open positions and the append-only
// trade log. Every mutation happens under one write lock so no observer can
// see cash debited without the matching position, or vice versa.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Ledger errors, matched by callers with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPosition        = errors.New("no position")
	ErrSameBarExit       = errors.New("same-bar exit rejected")
	ErrInvalidShares     = errors.New("invalid share count")
	ErrInvalidSymbol     = errors.New("invalid symbol")
)

// recentTradeWindow is how many trades Snapshot carries for dashboards.
const recentTradeWindow = 50

// Counters accumulate across the trading day. Monetary fields are decimals.
type Counters struct {
	TotalTrades   int             `json:"total_trades"`
	BuyTrades     int             `json:"buy_trades"`
	SellTrades    int             `json:"sell_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	TotalPnL      decimal.Decimal `json:"total_pnl_cumulative"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	BestTrade     decimal.Decimal `json:"best_trade"`
	WorstTrade    decimal.Decimal `json:"worst_trade"`
}

// WinRatePct returns the percentage of closing trades that were profitable.
func (c *Counters) WinRatePct() float64 {
	closed := c.WinningTrades + c.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(c.WinningTrades) / float64(closed) * 100
}

// Snapshot is a consistent point-in-time copy of the ledger, safe to hand
// across goroutines.
type Snapshot struct {
	Mode         models.Mode
	TradingDay   time.Time
	OpeningCash  decimal.Decimal
	Cash         decimal.Decimal
	Positions    map[string]models.Position
	RecentTrades []models.Trade
	Counters     Counters
	TakenAt      time.Time
}

// TotalValue marks the portfolio to the supplied prices. Symbols without a
// price are valued at entry.
func (s *Snapshot) TotalValue(prices map[string]float64) decimal.Decimal {
	total := s.Cash
	for sym, pos := range s.Positions {
		price := pos.EntryPrice
		if p, ok := prices[sym]; ok && p > 0 {
			price = p
		}
		total = total.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(pos.Shares))))
	}
	return total
}

// TradeContext carries the metadata a ledger operation attaches to the trade
// and, for buys, the risk levels of the created position.
type TradeContext struct {
	BarTime    time.Time
	Sector     string
	Confidence float64
	Strategy   string

	// Buy-side position setup.
	Underlying string
	LotSize    int
	StopLoss   float64
	TakeProfit float64
	ATR        float64
	Expiry     time.Time
	OptionType models.OptionType
}

// Ledger is the single writer of portfolio state.
type Ledger struct {
	mu     sync.RWMutex
	clk    clock.Clock
	logger *logrus.Logger

	mode        models.Mode
	tradingDay  time.Time
	openingCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*models.Position
	trades      []models.Trade
	counters    Counters
	seq         int64
}

// NewLedger opens a ledger for one trading day.
func NewLedger(mode models.Mode, initialCapital float64, tradingDay time.Time,
	clk clock.Clock, logger *logrus.Logger) *Ledger {
	opening := decimal.NewFromFloat(initialCapital)
	return &Ledger{
		clk:         clk,
		logger:      logger,
		mode:        mode,
		tradingDay:  tradingDay,
		openingCash: opening,
		cash:        opening,
		positions:   make(map[string]*models.Position),
	}
}

// Mode returns the execution mode the ledger was opened with.
func (l *Ledger) Mode() models.Mode { return l.mode }

// TradingDay returns the day this ledger covers.
func (l *Ledger) TradingDay() time.Time { return l.tradingDay }

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// OpeningCash returns the balance the day started with.
func (l *Ledger) OpeningCash() decimal.Decimal { return l.openingCash }

// Buy debits cash and upserts the position atomically.
func (l *Ledger) Buy(symbol string, shares int, price, fees float64, ctx TradeContext) (*models.Trade, error) {
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShares, shares)
	}

	dPrice := decimal.NewFromFloat(price)
	dFees := decimal.NewFromFloat(fees)
	cost := dPrice.Mul(decimal.NewFromInt(int64(shares))).Add(dFees)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cash.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds,
			cost.StringFixed(2), l.cash.StringFixed(2))
	}
	l.cash = l.cash.Sub(cost)

	if pos, ok := l.positions[symbol]; ok {
		// Blended average entry across adds.
		oldShares := float64(pos.Shares)
		newShares := oldShares + float64(shares)
		pos.EntryPrice = (pos.EntryPrice*oldShares + price*float64(shares)) / newShares
		pos.Shares += shares
		pos.ObservePrice(price)
	} else {
		l.positions[symbol] = &models.Position{
			Symbol:          symbol,
			Underlying:      ctx.Underlying,
			Sector:          ctx.Sector,
			Shares:          shares,
			LotSize:         ctx.LotSize,
			EntryPrice:      price,
			EntryTime:       ctx.BarTime,
			StopLoss:        ctx.StopLoss,
			TakeProfit:      ctx.TakeProfit,
			HighestPrice:    price,
			ATR:             ctx.ATR,
			Expiry:          ctx.Expiry,
			EntryConfidence: ctx.Confidence,
			Strategy:        ctx.Strategy,
			OptionType:      ctx.OptionType,
		}
	}

	trade := l.appendTradeLocked(symbol, models.SideBuy, shares, dPrice, dFees, nil, ctx)
	l.counters.BuyTrades++
	l.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   symbol,
		"shares":   shares,
		"price":    price,
		"cash":     l.cash.StringFixed(2),
	}).Info("buy recorded")
	return trade, nil
}

// Sell credits cash, realises PnL and shrinks or removes the position
// atomically. Unless forceAllowImmediate, an exit within the entry's bar is
// rejected to prevent a same-bar self-cross.
func (l *Ledger) Sell(symbol string, shares int, price, fees float64, ctx TradeContext,
	forceAllowImmediate bool) (*models.Trade, error) {
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShares, shares)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || absInt(pos.Shares) < shares {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if !forceAllowImmediate && !pos.EntryTime.Before(ctx.BarTime) {
		return nil, fmt.Errorf("%w: %s entered at this bar", ErrSameBarExit, symbol)
	}

	dPrice := decimal.NewFromFloat(price)
	dFees := decimal.NewFromFloat(fees)
	dShares := decimal.NewFromInt(int64(shares))
	proceeds := dPrice.Mul(dShares).Sub(dFees)
	pnl := dPrice.Sub(decimal.NewFromFloat(pos.EntryPrice)).Mul(dShares).Sub(dFees)

	l.cash = l.cash.Add(proceeds)
	pos.Shares -= shares
	if pos.Shares == 0 {
		delete(l.positions, symbol)
	}

	if ctx.Sector == "" {
		ctx.Sector = pos.Sector
	}
	if ctx.Strategy == "" {
		ctx.Strategy = pos.Strategy
	}
	trade := l.appendTradeLocked(symbol, models.SideSell, shares, dPrice, dFees, &pnl, ctx)
	l.updateCountersLocked(pnl)
	l.counters.SellTrades++

	l.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   symbol,
		"shares":   shares,
		"price":    price,
		"pnl":      pnl.StringFixed(2),
		"cash":     l.cash.StringFixed(2),
	}).Info("sell recorded")
	return trade, nil
}

// appendTradeLocked assigns the next sequence number and trade ID. Caller
// holds the write lock.
func (l *Ledger) appendTradeLocked(symbol string, side models.Side, shares int,
	price, fees decimal.Decimal, pnl *decimal.Decimal, ctx TradeContext) *models.Trade {
	l.seq++
	ts := ctx.BarTime
	if ts.IsZero() {
		ts = l.clk.Now()
	}
	trade := models.Trade{
		ID:         models.FormatTradeID(l.tradingDay, l.mode, l.seq),
		Sequence:   l.seq,
		Timestamp:  ts,
		Symbol:     symbol,
		Side:       side,
		Shares:     shares,
		Price:      price,
		Fees:       fees,
		PnL:        pnl,
		Sector:     ctx.Sector,
		Confidence: ctx.Confidence,
		Strategy:   ctx.Strategy,
		CashAfter:  l.cash,
	}
	l.trades = append(l.trades, trade)
	l.counters.TotalTrades++
	l.counters.TotalFees = l.counters.TotalFees.Add(fees)
	return &l.trades[len(l.trades)-1]
}

func (l *Ledger) updateCountersLocked(pnl decimal.Decimal) {
	l.counters.TotalPnL = l.counters.TotalPnL.Add(pnl)
	if pnl.IsPositive() {
		l.counters.WinningTrades++
	} else {
		l.counters.LosingTrades++
	}
	closed := l.counters.WinningTrades + l.counters.LosingTrades
	if closed == 1 {
		l.counters.BestTrade = pnl
		l.counters.WorstTrade = pnl
		return
	}
	if pnl.GreaterThan(l.counters.BestTrade) {
		l.counters.BestTrade = pnl
	}
	if pnl.LessThan(l.counters.WorstTrade) {
		l.counters.WorstTrade = pnl
	}
}

// UpdateStop moves a position's stop. Idempotent; missing symbols error.
func (l *Ledger) UpdateStop(symbol string, newStop float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	pos.StopLoss = newStop
	return nil
}

// UpdateTrailingState records trailing activation and the high-water mark.
func (l *Ledger) UpdateTrailingState(symbol string, active bool, highestPrice, newStop float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	pos.TrailingActive = active
	if highestPrice > pos.HighestPrice {
		pos.HighestPrice = highestPrice
	}
	if newStop > pos.StopLoss {
		pos.StopLoss = newStop
	}
	return nil
}

// RestorePosition injects a previously saved position, debiting no cash. Used
// by --restore-positions at boot.
func (l *Ledger) RestorePosition(pos models.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.positions[pos.Symbol]; exists {
		return fmt.Errorf("position %s already present", pos.Symbol)
	}
	cp := pos
	l.positions[pos.Symbol] = &cp
	return nil
}

// Position returns a copy of one position.
func (l *Ledger) Position(symbol string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// OpenPositionsPerUnderlying counts held positions grouped by underlying.
func (l *Ledger) OpenPositionsPerUnderlying() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int)
	for _, pos := range l.positions {
		out[pos.Underlying]++
	}
	return out
}

// Snapshot returns a consistent copy of cash, positions, the trailing trade
// window and counters under one lock acquisition.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make(map[string]models.Position, len(l.positions))
	for sym, pos := range l.positions {
		positions[sym] = *pos
	}
	start := len(l.trades) - recentTradeWindow
	if start < 0 {
		start = 0
	}
	recent := make([]models.Trade, len(l.trades)-start)
	copy(recent, l.trades[start:])

	return Snapshot{
		Mode:         l.mode,
		TradingDay:   l.tradingDay,
		OpeningCash:  l.openingCash,
		Cash:         l.cash,
		Positions:    positions,
		RecentTrades: recent,
		Counters:     l.counters,
		TakenAt:      l.clk.Now(),
	}
}

// Trades returns a copy of the full trade log in sequence order.
func (l *Ledger) Trades() []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Counters returns a copy of the cumulative counters.
func (l *Ledger) Counters() Counters {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counters
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
