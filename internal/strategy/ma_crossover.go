package strategy

import (
	"fmt"
	"math"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// maCrossover votes buy when the fast average crosses above the slow one and
// sell on the reverse cross. Holding a long, a fast-below-slow state is an
// exit vote even without a fresh cross.
type maCrossover struct {
	base
	fastPeriod int
	slowPeriod int
}

func newMACrossover(clk clock.Clock) *maCrossover {
	return &maCrossover{base: newBase(clk), fastPeriod: 9, slowPeriod: 21}
}

func (s *maCrossover) Name() string { return "ma_crossover" }

func (s *maCrossover) Init(params map[string]float64) error {
	s.initBase(params)
	s.fastPeriod = intParam(params, "fast_period", s.fastPeriod)
	s.slowPeriod = intParam(params, "slow_period", s.slowPeriod)
	if s.fastPeriod >= s.slowPeriod {
		return fmt.Errorf("fast_period %d must be below slow_period %d", s.fastPeriod, s.slowPeriod)
	}
	return nil
}

func (s *maCrossover) GenerateSignal(symbol string, series []models.Candle,
	position *models.Position) (models.SignalVote, bool) {
	if len(series) < s.slowPeriod+1 {
		return models.SignalVote{}, false
	}
	prices := closes(series)
	fast := sma(prices, s.fastPeriod)
	slow := sma(prices, s.slowPeriod)
	prevFast := sma(prices[:len(prices)-1], s.fastPeriod)
	prevSlow := sma(prices[:len(prices)-1], s.slowPeriod)
	if slow == 0 {
		return models.SignalVote{}, false
	}

	// Spread relative to the slow average scales vote strength.
	spread := math.Abs(fast-slow) / slow
	strength := 0.5 + spread*50

	raw := models.DirectionHold
	reason := ""
	switch {
	case prevFast <= prevSlow && fast > slow:
		raw = models.DirectionBuy
		reason = "fast crossed above slow"
	case prevFast >= prevSlow && fast < slow:
		raw = models.DirectionSell
		reason = "fast crossed below slow"
	case position != nil && position.IsLong() && fast < slow:
		// Position-aware exit: trend already rolled over.
		return s.vote(s.Name(), symbol, models.DirectionSell, strength,
			"fast below slow while long", position)
	}

	dir := s.confirm(symbol, raw)
	if dir == models.DirectionHold {
		return s.vote(s.Name(), symbol, models.DirectionHold, 0, "", position)
	}
	return s.vote(s.Name(), symbol, dir, strength, reason, position)
}
