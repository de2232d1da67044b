package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rpatel-algo/fno_intraday/internal/archive"
	"github.com/rpatel-algo/fno_intraday/internal/broker"
	"github.com/rpatel-algo/fno_intraday/internal/chain"
	"github.com/rpatel-algo/fno_intraday/internal/exits"
	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
	"github.com/rpatel-algo/fno_intraday/internal/risk"
	"github.com/rpatel-algo/fno_intraday/internal/strategy"
)

const (
	atrPeriod       = 14
	trendEMAPeriod  = 50
	stopATRMult     = 1.0
	targetATRMult   = 3.0
	fallbackStopPct = 0.10
)

// runIteration is one pass of the OPEN loop: one bulk quote fetch, exits
// first, then gated entries, then one dashboard event and a checkpoint.
func (s *Scheduler) runIteration(ctx context.Context) error {
	now := s.Clock.Now().In(s.Calendar.Location())
	s.iteration++
	s.openIterations++

	snap := s.Ledger.Snapshot()

	// One bulk call covers watchlist spots and every held symbol; the map
	// is reused for exit evaluation, valuation and the dashboard event.
	quotes, err := s.Client.Quotes(ctx, s.quoteUniverse(snap), true)
	if err != nil {
		return fmt.Errorf("bulk quote fetch: %w", err)
	}
	s.foldQuotes(snap, quotes, now)
	prices := s.positionPrices(snap, quotes)

	// Exits always run before entries.
	if err := s.evaluateExits(ctx, snap, quotes, now); err != nil {
		return err
	}

	if err := s.evaluateEntries(ctx, quotes, now); err != nil {
		s.Logger.WithError(err).Warn("entry evaluation incomplete")
	}

	final := s.Ledger.Snapshot()
	s.Publisher.Publish(ctx, s.Publisher.BuildEvent(final, prices))
	if err := archive.WriteCheckpoint(s.Config.Storage.CheckpointPath, s.iteration,
		final, prices, now); err != nil {
		s.Logger.WithError(err).Warn("checkpoint write failed")
	}
	return nil
}

// quoteUniverse lists watchlist spot symbols plus every held option symbol.
func (s *Scheduler) quoteUniverse(snap portfolio.Snapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range s.Config.Watchlist {
		if sym := models.SpotSymbol(u); sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for _, pos := range snap.Positions {
		if key := quoteKey(pos); !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func quoteKey(pos models.Position) string {
	return string(models.DerivativeExchange(pos.Underlying)) + ":" + pos.Symbol
}

// foldQuotes appends this iteration's quotes to the bar series the strategies
// evaluate on.
func (s *Scheduler) foldQuotes(snap portfolio.Snapshot, quotes map[string]models.Quote, now time.Time) {
	for _, u := range s.Config.Watchlist {
		sym := models.SpotSymbol(u)
		if q, ok := quotes[sym]; ok {
			s.series.observe(sym, q, now)
		}
	}
	for _, pos := range snap.Positions {
		if q, ok := quotes[quoteKey(pos)]; ok {
			s.series.observe(pos.Symbol, q, now)
		}
	}
}

// positionPrices maps held symbols to their latest last price.
func (s *Scheduler) positionPrices(snap portfolio.Snapshot, quotes map[string]models.Quote) map[string]float64 {
	prices := make(map[string]float64, len(snap.Positions))
	for sym, pos := range snap.Positions {
		if q, ok := quotes[quoteKey(pos)]; ok && q.LastPrice > 0 {
			prices[sym] = q.LastPrice
		}
	}
	return prices
}

// Trend is the slow-EMA trend filter the aggregator consults for entries.
func (s *Scheduler) Trend(symbol string) int {
	bars := s.series.get(symbol)
	if len(bars) < trendEMAPeriod {
		return 0
	}
	avg := strategy.EMA(bars, trendEMAPeriod)
	last := bars[len(bars)-1].Close
	switch {
	case last > avg:
		return models.DirectionBuy
	case last < avg:
		return models.DirectionSell
	default:
		return 0
	}
}

// evaluateExits runs the exit ladder per held position, executing directives
// immediately. Cancellation is checked between positions.
func (s *Scheduler) evaluateExits(ctx context.Context, snap portfolio.Snapshot,
	quotes map[string]models.Quote, now time.Time) error {
	symbols := make([]string, 0, len(snap.Positions))
	for sym := range snap.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	_, closeTime := s.Calendar.SessionBounds(now)
	live := !s.Config.IsPaperTrading()

	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := snap.Positions[sym]
		q, ok := quotes[quoteKey(pos)]
		if !ok || q.LastPrice <= 0 || q.Stale {
			s.Logger.WithField("symbol", sym).Debug("no fresh quote, skipping exit eval")
			continue
		}

		series := s.series.get(sym)
		votes := s.collectVotes(sym, series, &pos)
		agg := s.Aggregator.Aggregate(sym, votes, &pos)

		ev := s.Exits.Evaluate(pos, exits.Inputs{
			LastPrice:           q.LastPrice,
			Now:                 now,
			CloseTime:           closeTime,
			LiveMode:            live,
			Aggregated:          &agg,
			ExitHint:            exitHint(votes, &pos),
			RefreshedConfidence: entryConfidence(votes, &pos),
		})

		if ev.NewStop > 0 || ev.TrailingActivated != pos.TrailingActive {
			if err := s.Ledger.UpdateTrailingState(sym, ev.TrailingActivated,
				ev.HighestPrice, ev.NewStop); err != nil {
				s.Logger.WithError(err).WithField("symbol", sym).Warn("trailing update failed")
			}
		}
		if ev.Exit != nil {
			s.executeExit(ctx, pos, ev.Exit, now)
		}
	}
	return nil
}

// collectVotes asks every strategy for its opinion on one symbol.
func (s *Scheduler) collectVotes(symbol string, series []models.Candle,
	pos *models.Position) []models.SignalVote {
	var votes []models.SignalVote
	for _, strat := range s.Strategies {
		if vote, ok := strat.GenerateSignal(symbol, series, pos); ok {
			votes = append(votes, vote)
		}
	}
	return votes
}

// exitHint is the strongest vote in the position's exit direction.
func exitHint(votes []models.SignalVote, pos *models.Position) float64 {
	exitDir := models.DirectionSell
	if !pos.IsLong() {
		exitDir = models.DirectionBuy
	}
	var hint float64
	for _, v := range votes {
		if v.Direction == exitDir && v.Strength > hint {
			hint = v.Strength
		}
	}
	return hint
}

// entryConfidence is the mean strength of votes still backing the position's
// entry direction; 0 when no strategy does.
func entryConfidence(votes []models.SignalVote, pos *models.Position) float64 {
	entryDir := models.DirectionBuy
	if !pos.IsLong() {
		entryDir = models.DirectionSell
	}
	var sum float64
	var n int
	for _, v := range votes {
		if v.Direction == entryDir {
			sum += v.Strength
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// executeExit closes a position at the directive price, routing through the
// broker first in live mode.
func (s *Scheduler) executeExit(ctx context.Context, pos models.Position,
	d *exits.Directive, now time.Time) {
	price := d.Price
	fees := s.paperFees(price, pos.Shares)

	if !s.Config.IsPaperTrading() {
		ack, err := s.Client.PlaceOrder(ctx, broker.OrderRequest{
			Exchange: models.DerivativeExchange(pos.Underlying),
			Symbol:   pos.Symbol,
			Side:     models.SideSell,
			Quantity: pos.Shares,
			Product:  "MIS",
			Tag:      uuid.NewString()[:8],
		})
		if err != nil {
			s.Logger.WithError(err).WithField("symbol", pos.Symbol).Error("exit order failed")
			return
		}
		if ack.AvgPrice > 0 {
			price = ack.AvgPrice
		}
		if ack.Fees > 0 {
			fees = ack.Fees
		}
	}

	// A forced flatten may close a position opened this same bar.
	force := d.Reason == models.ExitMarketClose
	trade, err := s.Ledger.Sell(pos.Symbol, pos.Shares, price, fees,
		portfolio.TradeContext{BarTime: now, Strategy: string(d.Reason)}, force)
	if err != nil {
		s.Logger.WithError(err).WithField("symbol", pos.Symbol).Warn("exit rejected by ledger")
		return
	}

	s.Aggregator.RecordExit(pos.Symbol, d.Reason)
	for _, strat := range s.Strategies {
		strat.NotifyExecuted(pos.Symbol, models.SideSell, now)
	}
	s.Logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   pos.Symbol,
		"reason":   d.Reason,
		"price":    price,
	}).Info("position closed")
}

// entryCandidate pairs an aggregated entry signal with the option leg that
// expresses it.
type entryCandidate struct {
	sig        models.AggregatedSignal
	leg        chain.Leg
	underlying string
	spotSymbol string
	expiry     time.Time
}

// evaluateEntries votes on each watchlist index, builds chains with bounded
// fan-out, throttles to top-N and runs survivors through the risk gauntlet.
func (s *Scheduler) evaluateEntries(ctx context.Context, quotes map[string]models.Quote,
	now time.Time) error {
	var mu sync.Mutex
	var candidates []entryCandidate

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.Signals.MaxParallelChainBuilds)

	for _, underlying := range s.Config.Watchlist {
		underlying := underlying
		g.Go(func() error {
			cand, err := s.buildCandidate(gctx, underlying, quotes, now)
			if err != nil {
				// Data-quality problems skip the symbol, not the iteration.
				s.Logger.WithError(err).WithField("underlying", underlying).
					Debug("no entry candidate")
				return nil
			}
			if cand != nil {
				mu.Lock()
				candidates = append(candidates, *cand)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Top-N throttle across this iteration's candidates.
	sigs := make([]models.AggregatedSignal, len(candidates))
	for i, c := range candidates {
		sigs[i] = c.sig
	}
	passed := make(map[string]bool)
	for _, sig := range s.Aggregator.SelectEntries(sigs) {
		if sig.Action != models.ActionHold && !sig.IsExit {
			passed[sig.Symbol] = true
		}
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !passed[cand.sig.Symbol] {
			continue
		}
		s.executeEntry(ctx, cand, now)
	}
	return nil
}

// buildCandidate turns one watchlist index into at most one option entry:
// strategies vote on the spot series, the aggregator gates, and the ATM leg
// of the matching type expresses the direction. Long-only: bearish signals
// buy puts.
func (s *Scheduler) buildCandidate(ctx context.Context, underlying string,
	quotes map[string]models.Quote, now time.Time) (*entryCandidate, error) {
	spotSym := models.SpotSymbol(underlying)
	votes := s.collectVotes(spotSym, s.series.get(spotSym), nil)
	sig := s.Aggregator.Aggregate(spotSym, votes, nil)
	if sig.Action == models.ActionHold {
		return nil, nil
	}

	ch, err := s.Chains.Build(ctx, underlying, quotes, now)
	if err != nil {
		return nil, err
	}
	pair, ok := ch.ATMPair()
	if !ok {
		return nil, fmt.Errorf("%w: no ATM pair for %s", chain.ErrChainTooSparse, underlying)
	}
	leg := pair.Call
	if sig.Action == models.ActionSell {
		leg = pair.Put
	}
	if !leg.HasQuote || leg.Quote.LastPrice <= 0 {
		return nil, fmt.Errorf("stale quote for %s", leg.Instrument.Symbol)
	}

	sig.Symbol = leg.Instrument.Symbol
	return &entryCandidate{
		sig:        sig,
		leg:        leg,
		underlying: underlying,
		spotSymbol: spotSym,
		expiry:     ch.Expiry,
	}, nil
}

// executeEntry sizes, risk-checks and books one entry.
func (s *Scheduler) executeEntry(ctx context.Context, cand entryCandidate, now time.Time) {
	entry := cand.leg.Quote.LastPrice
	inst := cand.leg.Instrument

	atrVal := s.legATR(ctx, inst, now)
	if atrVal <= 0 {
		atrVal = entry * fallbackStopPct
	}
	stop := entry - stopATRMult*atrVal
	if stop <= 0 {
		stop = entry * (1 - fallbackStopPct)
	}
	target := entry + targetATRMult*atrVal

	snap := s.Ledger.Snapshot()
	equity := snap.TotalValue(s.positionPrices(snap, nil)).InexactFloat64()

	lots, err := s.Risk.Check(ctx, risk.Candidate{
		Symbol:     inst.Symbol,
		Underlying: cand.underlying,
		Exchange:   inst.Exchange,
		Side:       models.SideBuy,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		LotSize:    inst.LotSize,
		Confidence: cand.sig.Confidence,
	}, equity, s.Ledger.OpenPositionsPerUnderlying(), !s.Config.IsPaperTrading())
	if err != nil {
		s.Logger.WithError(err).WithField("symbol", inst.Symbol).Info("entry rejected")
		s.Aggregator.RecordRejection(inst.Symbol)
		return
	}

	qty := lots * inst.LotSize
	price := entry
	fees := s.paperFees(price, qty)

	if !s.Config.IsPaperTrading() {
		ack, perr := s.Client.PlaceOrder(ctx, broker.OrderRequest{
			Exchange: inst.Exchange,
			Symbol:   inst.Symbol,
			Side:     models.SideBuy,
			Quantity: qty,
			Product:  "MIS",
			Tag:      uuid.NewString()[:8],
		})
		if perr != nil {
			s.Logger.WithError(perr).WithField("symbol", inst.Symbol).Error("entry order failed")
			s.Aggregator.RecordRejection(inst.Symbol)
			return
		}
		if ack.AvgPrice > 0 {
			price = ack.AvgPrice
		}
		if ack.Fees > 0 {
			fees = ack.Fees
		}
	}

	trade, err := s.Ledger.Buy(inst.Symbol, qty, price, fees, portfolio.TradeContext{
		BarTime:    now,
		Sector:     sectorFor(cand.underlying),
		Confidence: cand.sig.Confidence,
		Strategy:   topVoteSource(cand.sig.Votes),
		Underlying: cand.underlying,
		LotSize:    inst.LotSize,
		StopLoss:   stop,
		TakeProfit: target,
		ATR:        atrVal,
		Expiry:     cand.expiry,
		OptionType: inst.OptionType,
	})
	if err != nil {
		s.Logger.WithError(err).WithField("symbol", inst.Symbol).Warn("buy rejected by ledger")
		return
	}

	for _, strat := range s.Strategies {
		strat.NotifyExecuted(cand.spotSymbol, models.SideBuy, now)
	}
	s.Logger.WithFields(logrus.Fields{
		"trade_id":   trade.ID,
		"symbol":     inst.Symbol,
		"lots":       lots,
		"price":      price,
		"stop":       stop,
		"target":     target,
		"confidence": cand.sig.Confidence,
	}).Info("position opened")
}

// legATR fetches recent bars for the option leg and computes its ATR.
func (s *Scheduler) legATR(ctx context.Context, inst models.Instrument, now time.Time) float64 {
	candles, err := s.Client.HistoricalCandles(ctx, inst.Token, "minute",
		now.Add(-3*time.Hour), now)
	if err != nil {
		s.Logger.WithError(err).WithField("symbol", inst.Symbol).Debug("historical fetch failed")
		return 0
	}
	return strategy.ATR(candles, atrPeriod)
}

// paperFees is the simulated fee schedule: flat per trade plus slippage.
func (s *Scheduler) paperFees(price float64, qty int) float64 {
	f := s.Config.Portfolio.Fees
	return f.FlatPerTrade + f.SlippagePct*price*float64(qty)
}

// topVoteSource names the strongest contributing strategy for trade records.
func topVoteSource(votes []models.SignalVote) string {
	var best models.SignalVote
	for _, v := range votes {
		if v.Direction != models.DirectionHold && v.Strength > best.Strength {
			best = v
		}
	}
	return best.Source
}

func sectorFor(underlying string) string {
	switch underlying {
	case models.UnderlyingBankNifty, models.UnderlyingBankex:
		return "banking"
	case models.UnderlyingFinNifty:
		return "financials"
	case models.UnderlyingMidcpNifty:
		return "midcap"
	default:
		return "index"
	}
}
