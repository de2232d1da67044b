// Package exits evaluates held positions against the exit ladder: forced
// flatten, hard stop, target, ATR trailing stop, intelligent score, and
// aggregator-driven exits. At most one directive is emitted per position per
// iteration.
package exits

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Config tunes the exit ladder.
type Config struct {
	TrailingActivationMult   float64       // trailing arms at entry + mult*ATR
	TrailingStopMult         float64       // trail distance in ATRs
	IntelligentExitThreshold float64       // composite score trigger
	FlattenWindow            time.Duration // before close, live only
	ForceFlattenLive         bool
	MinEntryConfidence       float64 // confidence-decay reference
}

// DefaultConfig carries the documented defaults.
var DefaultConfig = Config{
	TrailingActivationMult:   1.1,
	TrailingStopMult:         0.9,
	IntelligentExitThreshold: 0.70,
	FlattenWindow:            5 * time.Minute,
	ForceFlattenLive:         true,
	MinEntryConfidence:       0.65,
}

// Directive orders one position closed at the given price.
type Directive struct {
	Symbol string
	Reason models.ExitReason
	Price  float64
	Score  float64 // populated for intelligent exits
}

// Evaluation is the outcome for one position: an optional exit plus any stop
// ratchet the ledger should persist even when the position stays open.
type Evaluation struct {
	Exit              *Directive
	NewStop           float64 // 0 means unchanged
	TrailingActivated bool
	HighestPrice      float64
}

// Inputs carries the per-iteration context for one position.
type Inputs struct {
	LastPrice  float64
	Now        time.Time
	CloseTime  time.Time
	LiveMode   bool
	Aggregated *models.AggregatedSignal // this iteration's decision, may be nil
	ExitHint   float64                  // strategy-provided, [0,1]
	// RefreshedConfidence is the entry-direction confidence on current
	// data; negative means unavailable.
	RefreshedConfidence float64
}

// Manager evaluates the exit ladder. Stateless apart from config; all
// position state lives in the ledger.
type Manager struct {
	cfg    Config
	logger *logrus.Logger
}

// NewManager builds an exit manager, backfilling zero config fields.
func NewManager(cfg Config, logger *logrus.Logger) *Manager {
	if cfg.TrailingActivationMult <= 0 {
		cfg.TrailingActivationMult = DefaultConfig.TrailingActivationMult
	}
	if cfg.TrailingStopMult <= 0 {
		cfg.TrailingStopMult = DefaultConfig.TrailingStopMult
	}
	if cfg.IntelligentExitThreshold <= 0 {
		cfg.IntelligentExitThreshold = DefaultConfig.IntelligentExitThreshold
	}
	if cfg.FlattenWindow <= 0 {
		cfg.FlattenWindow = DefaultConfig.FlattenWindow
	}
	if cfg.MinEntryConfidence <= 0 {
		cfg.MinEntryConfidence = DefaultConfig.MinEntryConfidence
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Evaluate runs the ladder for one long position. The position is a value
// copy; the caller applies NewStop / trailing state back through the ledger.
func (m *Manager) Evaluate(pos models.Position, in Inputs) Evaluation {
	ev := Evaluation{HighestPrice: pos.HighestPrice}
	last := in.LastPrice
	if last <= 0 {
		return ev
	}
	if last > ev.HighestPrice {
		ev.HighestPrice = last
	}

	// 1. Market-close force-flatten.
	if in.LiveMode && m.cfg.ForceFlattenLive && !in.CloseTime.IsZero() &&
		!in.Now.Before(in.CloseTime.Add(-m.cfg.FlattenWindow)) {
		ev.Exit = &Directive{Symbol: pos.Symbol, Reason: models.ExitMarketClose, Price: last}
		return ev
	}

	// 2. Hard stop. A stop the trail has already ratcheted sits above entry,
	// so its breach is a trail exit, not a stop-out.
	if pos.StopLoss > 0 && last <= pos.StopLoss {
		reason := models.ExitStopLoss
		if pos.TrailingActive {
			reason = models.ExitTrail
		}
		ev.Exit = &Directive{Symbol: pos.Symbol, Reason: reason, Price: pos.StopLoss}
		return ev
	}

	// 3. Target.
	if pos.TakeProfit > 0 && last >= pos.TakeProfit {
		ev.Exit = &Directive{Symbol: pos.Symbol, Reason: models.ExitTakeProfit, Price: pos.TakeProfit}
		return ev
	}

	// 4. Trailing stop. ATR of zero disables the whole step.
	if pos.ATR > 0 {
		stop := pos.StopLoss
		active := pos.TrailingActive
		if !active && last >= pos.EntryPrice+m.cfg.TrailingActivationMult*pos.ATR {
			active = true
		}
		if active {
			if trail := last - m.cfg.TrailingStopMult*pos.ATR; trail > stop {
				stop = trail
			}
		}
		// Breakeven once halfway to target, ratchet only.
		if pos.TakeProfit > pos.EntryPrice {
			halfway := pos.EntryPrice + (pos.TakeProfit-pos.EntryPrice)/2
			if last >= halfway && stop < pos.EntryPrice {
				stop = pos.EntryPrice
			}
		}
		ev.TrailingActivated = active
		if stop > pos.StopLoss {
			ev.NewStop = stop
		}
		if active && last <= stop {
			ev.Exit = &Directive{Symbol: pos.Symbol, Reason: models.ExitTrail, Price: stop}
			return ev
		}
	}

	// 5. Intelligent score.
	if score := m.intelligentScore(pos, in); score >= m.cfg.IntelligentExitThreshold {
		ev.Exit = &Directive{Symbol: pos.Symbol, Reason: models.ExitIntelligent, Price: last, Score: score}
		m.logger.WithFields(logrus.Fields{
			"symbol": pos.Symbol,
			"score":  score,
		}).Info("intelligent exit triggered")
		return ev
	}

	// 6. Aggregator exit.
	if in.Aggregated != nil && in.Aggregated.IsExit && in.Aggregated.Action != models.ActionHold {
		ev.Exit = &Directive{Symbol: pos.Symbol, Reason: models.ExitAggregator, Price: last}
		return ev
	}
	return ev
}

// intelligentScore blends drawdown, theta pressure, the strategy exit hint
// and entry-confidence decay into [0,1].
func (m *Manager) intelligentScore(pos models.Position, in Inputs) float64 {
	// Drawdown: a 10% loss saturates the component.
	pnlPct := pos.PnLPercent(in.LastPrice) / 100
	drawdown := clamp01(-pnlPct / 0.10)

	// Theta: exits accelerate inside 2 trading days of expiry.
	var theta float64
	if days := pos.DaysToExpiry(in.Now); days >= 0 && days <= 2 {
		theta = float64(3-days) / 3
	}

	hint := clamp01(in.ExitHint)

	// Confidence decay: entry would no longer pass the confidence gate.
	var decay float64
	if in.RefreshedConfidence >= 0 && in.RefreshedConfidence < m.cfg.MinEntryConfidence {
		decay = 1
	}

	return 0.30*drawdown + 0.25*theta + 0.20*hint + 0.25*decay
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
