package strategy

import (
	"fmt"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// momentum votes with the rate of change when it clears a threshold. Holding
// a long, negative momentum votes exit.
type momentum struct {
	base
	period    int
	threshold float64 // percent
}

func newMomentum(clk clock.Clock) *momentum {
	return &momentum{base: newBase(clk), period: 10, threshold: 0.5}
}

func (s *momentum) Name() string { return "momentum" }

func (s *momentum) Init(params map[string]float64) error {
	s.initBase(params)
	s.period = intParam(params, "period", s.period)
	s.threshold = floatParam(params, "threshold_pct", s.threshold)
	if s.threshold <= 0 {
		return fmt.Errorf("threshold_pct %.2f must be positive", s.threshold)
	}
	return nil
}

func (s *momentum) GenerateSignal(symbol string, series []models.Candle,
	position *models.Position) (models.SignalVote, bool) {
	if len(series) < s.period+1 {
		return models.SignalVote{}, false
	}
	change := roc(closes(series), s.period)

	if position != nil && position.IsLong() && change < 0 {
		return s.vote(s.Name(), symbol, models.DirectionSell,
			0.5+clamp01(-change/s.threshold)*0.3, "momentum turned negative", position)
	}

	raw := models.DirectionHold
	var strength float64
	reason := ""
	switch {
	case change >= s.threshold:
		raw = models.DirectionBuy
		strength = 0.6 + clamp01(change/s.threshold-1)*0.4
		reason = fmt.Sprintf("roc %.2f%% above threshold", change)
	case change <= -s.threshold:
		raw = models.DirectionSell
		strength = 0.6 + clamp01(-change/s.threshold-1)*0.4
		reason = fmt.Sprintf("roc %.2f%% below threshold", change)
	}

	dir := s.confirm(symbol, raw)
	if dir == models.DirectionHold {
		return s.vote(s.Name(), symbol, models.DirectionHold, 0, "", position)
	}
	return s.vote(s.Name(), symbol, dir, strength, reason, position)
}
