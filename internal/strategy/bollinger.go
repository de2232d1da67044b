package strategy

import (
	"fmt"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// bollinger fades closes outside the bands. Holding a long, a touch of the
// middle band is the reversion target and votes exit.
type bollinger struct {
	base
	period int
	width  float64
}

func newBollinger(clk clock.Clock) *bollinger {
	return &bollinger{base: newBase(clk), period: 20, width: 2.0}
}

func (s *bollinger) Name() string { return "bollinger" }

func (s *bollinger) Init(params map[string]float64) error {
	s.initBase(params)
	s.period = intParam(params, "period", s.period)
	s.width = floatParam(params, "band_width", s.width)
	if s.width <= 0 {
		return fmt.Errorf("band_width %.2f must be positive", s.width)
	}
	return nil
}

func (s *bollinger) GenerateSignal(symbol string, series []models.Candle,
	position *models.Position) (models.SignalVote, bool) {
	if len(series) < s.period {
		return models.SignalVote{}, false
	}
	prices := closes(series)
	mid := sma(prices, s.period)
	dev := stddev(prices, s.period)
	last := prices[len(prices)-1]
	if mid == 0 || dev == 0 {
		return models.SignalVote{}, false
	}
	upper := mid + s.width*dev
	lower := mid - s.width*dev

	if position != nil && position.IsLong() && last >= mid {
		return s.vote(s.Name(), symbol, models.DirectionSell, 0.6,
			"reverted to middle band", position)
	}

	raw := models.DirectionHold
	var strength float64
	reason := ""
	switch {
	case last <= lower:
		raw = models.DirectionBuy
		strength = 0.6 + clamp01((lower-last)/dev)*0.4
		reason = "close below lower band"
	case last >= upper:
		raw = models.DirectionSell
		strength = 0.6 + clamp01((last-upper)/dev)*0.4
		reason = "close above upper band"
	}

	dir := s.confirm(symbol, raw)
	if dir == models.DirectionHold {
		return s.vote(s.Name(), symbol, models.DirectionHold, 0, "", position)
	}
	return s.vote(s.Name(), symbol, dir, strength, reason, position)
}
