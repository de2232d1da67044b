package strategy

import (
	"fmt"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// volumeBreakout buys a close above the lookback high when volume expands
// beyond its average. Holding a long, a close back under the lookback average
// price votes exit.
type volumeBreakout struct {
	base
	lookback   int
	volumeMult float64
}

func newVolumeBreakout(clk clock.Clock) *volumeBreakout {
	return &volumeBreakout{base: newBase(clk), lookback: 20, volumeMult: 1.5}
}

func (s *volumeBreakout) Name() string { return "volume_breakout" }

func (s *volumeBreakout) Init(params map[string]float64) error {
	s.initBase(params)
	s.lookback = intParam(params, "lookback", s.lookback)
	s.volumeMult = floatParam(params, "volume_mult", s.volumeMult)
	if s.volumeMult <= 1 {
		return fmt.Errorf("volume_mult %.2f must exceed 1", s.volumeMult)
	}
	return nil
}

func (s *volumeBreakout) GenerateSignal(symbol string, series []models.Candle,
	position *models.Position) (models.SignalVote, bool) {
	if len(series) < s.lookback+1 {
		return models.SignalVote{}, false
	}
	last := series[len(series)-1]
	window := series[len(series)-1-s.lookback : len(series)-1]

	var high, low float64
	var volSum int64
	low = window[0].Low
	for _, c := range window {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		volSum += c.Volume
	}
	avgVol := float64(volSum) / float64(s.lookback)

	if position != nil && position.IsLong() {
		if mid := sma(closes(series), s.lookback); mid > 0 && last.Close < mid {
			return s.vote(s.Name(), symbol, models.DirectionSell, 0.55,
				"close fell back under lookback average", position)
		}
	}

	raw := models.DirectionHold
	var strength float64
	reason := ""
	volExpanded := avgVol > 0 && float64(last.Volume) >= s.volumeMult*avgVol
	switch {
	case volExpanded && last.Close > high:
		raw = models.DirectionBuy
		strength = 0.65 + clamp01(float64(last.Volume)/avgVol/s.volumeMult-1)*0.35
		reason = "volume-confirmed breakout above range high"
	case volExpanded && last.Close < low:
		raw = models.DirectionSell
		strength = 0.65 + clamp01(float64(last.Volume)/avgVol/s.volumeMult-1)*0.35
		reason = "volume-confirmed breakdown below range low"
	}

	dir := s.confirm(symbol, raw)
	if dir == models.DirectionHold {
		return s.vote(s.Name(), symbol, models.DirectionHold, 0, "", position)
	}
	return s.vote(s.Name(), symbol, dir, strength, reason, position)
}
