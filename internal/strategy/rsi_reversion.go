package strategy

import (
	"fmt"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// rsiReversion buys oversold and sells overbought conditions. Holding a long,
// RSI recovering through the midline is an exit vote.
type rsiReversion struct {
	base
	period     int
	oversold   float64
	overbought float64
}

func newRSIReversion(clk clock.Clock) *rsiReversion {
	return &rsiReversion{base: newBase(clk), period: 14, oversold: 30, overbought: 70}
}

func (s *rsiReversion) Name() string { return "rsi_reversion" }

func (s *rsiReversion) Init(params map[string]float64) error {
	s.initBase(params)
	s.period = intParam(params, "period", s.period)
	s.oversold = floatParam(params, "oversold", s.oversold)
	s.overbought = floatParam(params, "overbought", s.overbought)
	if s.oversold >= s.overbought {
		return fmt.Errorf("oversold %.1f must be below overbought %.1f", s.oversold, s.overbought)
	}
	return nil
}

func (s *rsiReversion) GenerateSignal(symbol string, series []models.Candle,
	position *models.Position) (models.SignalVote, bool) {
	if len(series) < s.period+1 {
		return models.SignalVote{}, false
	}
	value := rsi(closes(series), s.period)

	if position != nil && position.IsLong() && value >= 50 {
		strength := clamp01((value - 50) / 50)
		return s.vote(s.Name(), symbol, models.DirectionSell, 0.5+strength/2,
			fmt.Sprintf("rsi recovered to %.1f", value), position)
	}

	raw := models.DirectionHold
	var strength float64
	reason := ""
	switch {
	case value <= s.oversold:
		raw = models.DirectionBuy
		strength = 0.6 + clamp01((s.oversold-value)/s.oversold)*0.4
		reason = fmt.Sprintf("rsi oversold at %.1f", value)
	case value >= s.overbought:
		raw = models.DirectionSell
		strength = 0.6 + clamp01((value-s.overbought)/(100-s.overbought))*0.4
		reason = fmt.Sprintf("rsi overbought at %.1f", value)
	}

	dir := s.confirm(symbol, raw)
	if dir == models.DirectionHold {
		return s.vote(s.Name(), symbol, models.DirectionHold, 0, "", position)
	}
	return s.vote(s.Name(), symbol, dir, strength, reason, position)
}
