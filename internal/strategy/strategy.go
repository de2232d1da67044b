// Package strategy holds the pluggable signal generators. Each strategy is a
// stateful evaluator conforming to the Strategy interface; a compile-time
// registry maps config names to constructors and unknown names fail fast.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Strategy is the contract every signal generator implements.
type Strategy interface {
	// Name identifies the strategy in config, logs and vote sources.
	Name() string
	// Init applies per-instance parameters. Unknown keys are ignored so
	// configs can carry shared tuning blocks.
	Init(params map[string]float64) error
	// GenerateSignal evaluates one symbol's bar series. position is nil
	// when the symbol is not held. ok is false when the series is too
	// short to form an opinion; such strategies do not count toward the
	// aggregator's tally.
	GenerateSignal(symbol string, series []models.Candle, position *models.Position) (vote models.SignalVote, ok bool)
	// NotifyExecuted tells the strategy a trade it voted for was filled,
	// starting its per-symbol debounce window.
	NotifyExecuted(symbol string, side models.Side, at time.Time)
	// Reset clears all internal state. Used at daily rollover and in
	// backtests.
	Reset()
}

type factory func(clk clock.Clock) Strategy

var registry = map[string]factory{
	"ma_crossover":    func(clk clock.Clock) Strategy { return newMACrossover(clk) },
	"rsi_reversion":   func(clk clock.Clock) Strategy { return newRSIReversion(clk) },
	"bollinger":       func(clk clock.Clock) Strategy { return newBollinger(clk) },
	"volume_breakout": func(clk clock.Clock) Strategy { return newVolumeBreakout(clk) },
	"momentum":        func(clk clock.Clock) Strategy { return newMomentum(clk) },
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New resolves a configured strategy name to a live instance.
func New(name string, params map[string]float64, clk clock.Clock) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)",
			name, strings.Join(Names(), ", "))
	}
	s := f(clk)
	if err := s.Init(params); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

// base carries the behaviour all strategies share: confirmation-bar counting
// and a per-symbol cooldown after an executed signal.
type base struct {
	mu               sync.Mutex
	clk              clock.Clock
	confirmationBars int
	cooldown         time.Duration
	streakDir        map[string]int
	streakLen        map[string]int
	cooldownUntil    map[string]time.Time
}

func newBase(clk clock.Clock) base {
	return base{
		clk:              clk,
		confirmationBars: 2,
		cooldown:         15 * time.Minute,
		streakDir:        make(map[string]int),
		streakLen:        make(map[string]int),
		cooldownUntil:    make(map[string]time.Time),
	}
}

func (b *base) initBase(params map[string]float64) {
	if v, ok := params["confirmation_bars"]; ok && v >= 1 {
		b.confirmationBars = int(v)
	}
	if v, ok := params["cooldown_minutes"]; ok && v >= 0 {
		b.cooldown = time.Duration(v) * time.Minute
	}
}

// confirm tracks how long a raw direction has held for a symbol and returns
// the direction only once it has persisted for confirmationBars bars.
func (b *base) confirm(symbol string, dir int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == models.DirectionHold {
		b.streakDir[symbol] = models.DirectionHold
		b.streakLen[symbol] = 0
		return models.DirectionHold
	}
	if b.streakDir[symbol] == dir {
		b.streakLen[symbol]++
	} else {
		b.streakDir[symbol] = dir
		b.streakLen[symbol] = 1
	}
	if b.streakLen[symbol] >= b.confirmationBars {
		return dir
	}
	return models.DirectionHold
}

// debounced reports whether the symbol is inside this strategy's post-trade
// cooldown window.
func (b *base) debounced(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldownUntil[symbol]
	return ok && b.clk.Now().Before(until)
}

// NotifyExecuted starts the cooldown window for the symbol.
func (b *base) NotifyExecuted(symbol string, _ models.Side, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownUntil[symbol] = at.Add(b.cooldown)
}

// Reset clears confirmation streaks and cooldowns.
func (b *base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streakDir = make(map[string]int)
	b.streakLen = make(map[string]int)
	b.cooldownUntil = make(map[string]time.Time)
}

// vote assembles the final SignalVote, suppressing non-hold directions while
// the symbol is debounced. Exit votes (position held, direction opposes it)
// are never suppressed.
func (b *base) vote(name, symbol string, dir int, strength float64, reason string,
	position *models.Position) (models.SignalVote, bool) {
	isExit := position != nil && dir != models.DirectionHold &&
		((position.IsLong() && dir == models.DirectionSell) ||
			(!position.IsLong() && dir == models.DirectionBuy))
	if dir != models.DirectionHold && !isExit && b.debounced(symbol) {
		dir = models.DirectionHold
		strength = 0
		reason = "cooldown"
	}
	return models.SignalVote{
		Source:    name,
		Direction: dir,
		Strength:  clamp01(strength),
		Reason:    reason,
	}, true
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

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
