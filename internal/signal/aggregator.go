// Package signal combines per-strategy votes into one decision per symbol.
// The pipeline is deliberately asymmetric: entries clear every gate, exits
// clear almost none, so a held position can always be liquidated by a single
// dissenting strategy.
package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Config tunes the aggregation gates.
type Config struct {
	EntryAgreementThreshold float64       // gate 2 for entries
	MinEntryConfidence      float64       // gate 3 for entries
	TopNEntries             int           // gate 5
	Cooldown                time.Duration // gate 6, non-stop exits and risk rejections
	StopLossCooldown        time.Duration // gate 6, after a stop-out
	TrendFilterEnabled      bool          // gate 4
}

// DefaultConfig carries the documented gate defaults.
var DefaultConfig = Config{
	EntryAgreementThreshold: 0.40,
	MinEntryConfidence:      0.65,
	TopNEntries:             5,
	Cooldown:                15 * time.Minute,
	StopLossCooldown:        60 * time.Minute,
	TrendFilterEnabled:      true,
}

// TrendFunc reports the prevailing trend direction for a symbol: +1 up,
// -1 down, 0 unknown. Unknown never vetoes.
type TrendFunc func(symbol string) int

// Aggregator applies the gate pipeline. One instance serves all symbols; its
// cooldown map is the only mutable state and is mutex-guarded.
type Aggregator struct {
	cfg    Config
	clk    clock.Clock
	logger *logrus.Logger
	trend  TrendFunc

	mu            sync.Mutex
	bias          models.MarketBias
	cooldownUntil map[string]time.Time
}

// New builds an aggregator. trend may be nil to disable gate 4 regardless of
// config.
func New(cfg Config, bias models.MarketBias, clk clock.Clock, trend TrendFunc,
	logger *logrus.Logger) *Aggregator {
	if cfg.TopNEntries <= 0 {
		cfg.TopNEntries = DefaultConfig.TopNEntries
	}
	if bias == "" {
		bias = models.BiasNeutral
	}
	return &Aggregator{
		cfg:           cfg,
		clk:           clk,
		logger:        logger,
		trend:         trend,
		bias:          bias,
		cooldownUntil: make(map[string]time.Time),
	}
}

// SetTrendFunc installs the trend filter after construction. The scheduler
// owns the bar history the filter reads, so it wires itself in at boot.
func (a *Aggregator) SetTrendFunc(trend TrendFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trend = trend
}

// SetBias replaces the process-wide market regime.
func (a *Aggregator) SetBias(bias models.MarketBias) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bias = bias
}

// Bias returns the current regime.
func (a *Aggregator) Bias() models.MarketBias {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bias
}

type tally struct {
	count      int
	confidence float64
}

// tallies splits votes by direction. Hold votes count toward nTotal only.
func tallies(votes []models.SignalVote) (buy, sell tally, nTotal int) {
	var buySum, sellSum float64
	for _, v := range votes {
		nTotal++
		switch v.Direction {
		case models.DirectionBuy:
			buy.count++
			buySum += v.Strength
		case models.DirectionSell:
			sell.count++
			sellSum += v.Strength
		}
	}
	if buy.count > 0 {
		buy.confidence = buySum / float64(buy.count)
	}
	if sell.count > 0 {
		sell.confidence = sellSum / float64(sell.count)
	}
	return buy, sell, nTotal
}

// Aggregate reduces one symbol's votes to a single decision. held is nil for
// symbols not in the portfolio. Gate 5 (top-N) is applied later by
// SelectEntries because it ranks across symbols.
func (a *Aggregator) Aggregate(symbol string, votes []models.SignalVote,
	held *models.Position) models.AggregatedSignal {
	hold := models.AggregatedSignal{Symbol: symbol, Action: models.ActionHold}

	buy, sell, nTotal := tallies(votes)
	if nTotal == 0 {
		return hold
	}

	if held != nil {
		return a.aggregateExit(symbol, votes, buy, sell, nTotal, held)
	}

	buyPasses := a.entryPasses(symbol, models.DirectionBuy, buy, nTotal)
	sellPasses := a.entryPasses(symbol, models.DirectionSell, sell, nTotal)

	switch {
	case buyPasses && sellPasses:
		if buy.confidence == sell.confidence {
			return hold
		}
		if buy.confidence > sell.confidence {
			sellPasses = false
		} else {
			buyPasses = false
		}
	}

	switch {
	case buyPasses:
		return models.AggregatedSignal{
			Symbol: symbol, Action: models.ActionBuy,
			Confidence: buy.confidence, Votes: votes,
		}
	case sellPasses:
		return models.AggregatedSignal{
			Symbol: symbol, Action: models.ActionSell,
			Confidence: sell.confidence, Votes: votes,
		}
	default:
		return hold
	}
}

// aggregateExit evaluates only the direction that closes the held position.
// Regime, confidence, trend and cooldown gates do not apply; agreement
// collapses to "any one strategy".
func (a *Aggregator) aggregateExit(symbol string, votes []models.SignalVote,
	buy, sell tally, nTotal int, held *models.Position) models.AggregatedSignal {
	exitTally := sell
	exitAction := models.ActionSell
	if !held.IsLong() {
		exitTally = buy
		exitAction = models.ActionBuy
	}
	if exitTally.count == 0 {
		return models.AggregatedSignal{Symbol: symbol, Action: models.ActionHold}
	}
	return models.AggregatedSignal{
		Symbol:     symbol,
		Action:     exitAction,
		Confidence: exitTally.confidence,
		Votes:      votes,
		IsExit:     true,
	}
}

// entryPasses runs gates 1-4 and 6 for one direction of a prospective entry.
func (a *Aggregator) entryPasses(symbol string, dir int, t tally, nTotal int) bool {
	if t.count == 0 {
		return false
	}

	// Gate 1: regime.
	a.mu.Lock()
	bias := a.bias
	trendFn := a.trend
	until, onCooldown := a.cooldownUntil[symbol]
	a.mu.Unlock()
	if bias == models.BiasBullish && dir == models.DirectionSell {
		return false
	}
	if bias == models.BiasBearish && dir == models.DirectionBuy {
		return false
	}

	// Gate 2: agreement.
	if float64(t.count)/float64(nTotal) < a.cfg.EntryAgreementThreshold {
		return false
	}

	// Gate 3: confidence.
	if t.confidence < a.cfg.MinEntryConfidence {
		return false
	}

	// Gate 4: trend alignment.
	if a.cfg.TrendFilterEnabled && trendFn != nil {
		if trend := trendFn(symbol); trend != 0 && trend != dir {
			return false
		}
	}

	// Gate 6: post-exit cooldown suppresses re-entries.
	if onCooldown && a.clk.Now().Before(until) {
		a.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"until":  until.Format(time.RFC3339),
		}).Debug("entry suppressed by cooldown")
		return false
	}
	return true
}

// SelectEntries is gate 5: at most TopNEntries entry signals pass per
// iteration, in descending confidence. Exits and holds pass untouched.
func (a *Aggregator) SelectEntries(signals []models.AggregatedSignal) []models.AggregatedSignal {
	var entries, rest []models.AggregatedSignal
	for _, s := range signals {
		if s.Action != models.ActionHold && !s.IsExit {
			entries = append(entries, s)
		} else {
			rest = append(rest, s)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Confidence > entries[j].Confidence
	})
	if len(entries) > a.cfg.TopNEntries {
		for _, dropped := range entries[a.cfg.TopNEntries:] {
			a.logger.WithFields(logrus.Fields{
				"symbol":     dropped.Symbol,
				"confidence": dropped.Confidence,
			}).Debug("entry dropped by top-n throttle")
		}
		entries = entries[:a.cfg.TopNEntries]
	}
	return append(rest, entries...)
}

// RecordExit starts the symbol's re-entry cooldown. Stop-outs get the longer
// window.
func (a *Aggregator) RecordExit(symbol string, reason models.ExitReason) {
	window := a.cfg.Cooldown
	if reason == models.ExitStopLoss {
		window = a.cfg.StopLossCooldown
	}
	a.setCooldown(symbol, window)
}

// RecordRejection applies the normal cooldown after a risk rejection so the
// same candidate is not reconsidered every iteration.
func (a *Aggregator) RecordRejection(symbol string) {
	a.setCooldown(symbol, a.cfg.Cooldown)
}

func (a *Aggregator) setCooldown(symbol string, window time.Duration) {
	if window <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cooldownUntil[symbol] = a.clk.Now().Add(window)
}

// Reset clears all cooldowns. Used at daily rollover.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cooldownUntil = make(map[string]time.Time)
}
