package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

var barStart = time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

func series(closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{
			Timestamp: barStart.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func flatThenJump(flatBars int, flat, jump float64) []models.Candle {
	closes := make([]float64, 0, flatBars+1)
	for i := 0; i < flatBars; i++ {
		closes = append(closes, flat)
	}
	closes = append(closes, jump)
	return series(closes...)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"bollinger", "ma_crossover", "momentum", "rsi_reversion", "volume_breakout"}, Names())

	clk := clock.NewFake(barStart)
	for _, name := range Names() {
		s, err := New(name, nil, clk)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}

	_, err := New("no_such_strategy", nil, clk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")

	_, err = New("ma_crossover", map[string]float64{"fast_period": 21, "slow_period": 9}, clk)
	require.Error(t, err, "inverted periods must fail fast")

	_, err = New("rsi_reversion", map[string]float64{"oversold": 80, "overbought": 70}, clk)
	require.Error(t, err)
}

func TestMACrossoverSignalsBuyOnCross(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("ma_crossover", map[string]float64{
		"fast_period": 3, "slow_period": 5, "confirmation_bars": 1,
	}, clk)
	require.NoError(t, err)

	// Flat tape, then a jump: fast average crosses above slow.
	v, ok := s.GenerateSignal("NSE:NIFTY 50", flatThenJump(7, 100, 110), nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionBuy, v.Direction)
	assert.Greater(t, v.Strength, 0.5)
	assert.Equal(t, "ma_crossover", v.Source)
}

func TestMACrossoverShortSeriesAbstains(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("ma_crossover", map[string]float64{"fast_period": 3, "slow_period": 5}, clk)
	require.NoError(t, err)

	_, ok := s.GenerateSignal("NSE:NIFTY 50", series(100, 101, 102), nil)
	assert.False(t, ok, "series shorter than slow period forms no opinion")
}

func TestMACrossoverExitVoteWhileLong(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("ma_crossover", map[string]float64{"fast_period": 3, "slow_period": 5}, clk)
	require.NoError(t, err)

	pos := &models.Position{Symbol: "NIFTY26MAR24800CE", Shares: 50, EntryPrice: 100}
	// Steady downtrend: fast sits below slow with no fresh cross.
	down := series(110, 109, 108, 107, 106, 105, 104, 103)
	v, ok := s.GenerateSignal("NIFTY26MAR24800CE", down, pos)
	require.True(t, ok)
	assert.Equal(t, models.DirectionSell, v.Direction, "rolled-over trend votes exit without a cross")
}

func TestConfirmationBarsGateEntries(t *testing.T) {
	clk := clock.NewFake(barStart)
	// Default confirmation is 2 bars.
	s, err := New("rsi_reversion", map[string]float64{"period": 5}, clk)
	require.NoError(t, err)

	oversold := series(110, 108, 106, 104, 102, 100, 98)

	v, ok := s.GenerateSignal("NSE:NIFTY 50", oversold, nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionHold, v.Direction, "first oversold bar only starts the streak")

	v, ok = s.GenerateSignal("NSE:NIFTY 50", append(oversold, series(97)...), nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionBuy, v.Direction, "second consecutive bar confirms")
	assert.GreaterOrEqual(t, v.Strength, 0.6)
}

func TestConfirmationStreakResetsOnHold(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("rsi_reversion", map[string]float64{"period": 5}, clk)
	require.NoError(t, err)

	oversold := series(110, 108, 106, 104, 102, 100, 98)
	neutral := series(100, 101, 100, 101, 100, 101, 100)

	_, _ = s.GenerateSignal("NSE:NIFTY 50", oversold, nil)
	_, _ = s.GenerateSignal("NSE:NIFTY 50", neutral, nil) // streak broken
	v, ok := s.GenerateSignal("NSE:NIFTY 50", oversold, nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionHold, v.Direction, "streak must restart after a hold bar")
}

func TestRSIExitVoteWhileLong(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("rsi_reversion", map[string]float64{"period": 5}, clk)
	require.NoError(t, err)

	pos := &models.Position{Symbol: "NIFTY26MAR24800CE", Shares: 50, EntryPrice: 100}
	rising := series(100, 101, 102, 103, 104, 105, 106)
	v, ok := s.GenerateSignal("NIFTY26MAR24800CE", rising, pos)
	require.True(t, ok)
	assert.Equal(t, models.DirectionSell, v.Direction, "rsi above midline while long votes exit")
	assert.GreaterOrEqual(t, v.Strength, 0.5)
}

func TestDebounceSuppressesEntriesButNotExits(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("ma_crossover", map[string]float64{
		"fast_period": 3, "slow_period": 5, "confirmation_bars": 1,
	}, clk)
	require.NoError(t, err)

	s.NotifyExecuted("NSE:NIFTY 50", models.SideBuy, clk.Now())

	// Entry vote inside the window collapses to hold.
	v, ok := s.GenerateSignal("NSE:NIFTY 50", flatThenJump(7, 100, 110), nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionHold, v.Direction)
	assert.Equal(t, "cooldown", v.Reason)

	// Exit votes pass through the same window.
	s.NotifyExecuted("NIFTY26MAR24800CE", models.SideBuy, clk.Now())
	pos := &models.Position{Symbol: "NIFTY26MAR24800CE", Shares: 50, EntryPrice: 100}
	down := series(110, 109, 108, 107, 106, 105, 104, 103)
	v, ok = s.GenerateSignal("NIFTY26MAR24800CE", down, pos)
	require.True(t, ok)
	assert.Equal(t, models.DirectionSell, v.Direction)

	// Window expires with the clock.
	clk.Advance(16 * time.Minute)
	v, ok = s.GenerateSignal("NSE:NIFTY 50", flatThenJump(7, 100, 110), nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionBuy, v.Direction)
}

func TestResetClearsState(t *testing.T) {
	clk := clock.NewFake(barStart)
	s, err := New("ma_crossover", map[string]float64{
		"fast_period": 3, "slow_period": 5, "confirmation_bars": 1,
	}, clk)
	require.NoError(t, err)

	s.NotifyExecuted("NSE:NIFTY 50", models.SideBuy, clk.Now())
	s.Reset()

	v, ok := s.GenerateSignal("NSE:NIFTY 50", flatThenJump(7, 100, 110), nil)
	require.True(t, ok)
	assert.Equal(t, models.DirectionBuy, v.Direction, "reset must clear the debounce window")
}

func TestIndicators(t *testing.T) {
	t.Run("sma", func(t *testing.T) {
		assert.InDelta(t, 102.0, sma([]float64{100, 101, 102, 103, 104}, 5), 1e-9)
		assert.Zero(t, sma([]float64{100}, 5))
	})

	t.Run("ema tracks recent values", func(t *testing.T) {
		up := []float64{100, 100, 100, 100, 100, 110, 120, 130}
		assert.Greater(t, ema(up, 5), sma(up[:5], 5))
		assert.Zero(t, ema([]float64{1, 2}, 5))
	})

	t.Run("rsi bounds", func(t *testing.T) {
		allUp := []float64{100, 101, 102, 103, 104, 105}
		assert.InDelta(t, 100.0, rsi(allUp, 5), 1e-9)
		allDown := []float64{105, 104, 103, 102, 101, 100}
		assert.InDelta(t, 0.0, rsi(allDown, 5), 1e-9)
		flat := []float64{100, 100, 100, 100, 100, 100}
		assert.InDelta(t, 50.0, rsi(flat, 5), 1e-9)
	})

	t.Run("atr constant range", func(t *testing.T) {
		// Every bar spans 2 points and gaps are zero: ATR is 2.
		s := series(100, 100, 100, 100, 100, 100)
		assert.InDelta(t, 2.0, ATR(s, 5), 1e-9)
		assert.Zero(t, ATR(s[:3], 5))
	})

	t.Run("exported ema matches internal", func(t *testing.T) {
		s := series(100, 102, 104, 106, 108, 110)
		assert.InDelta(t, ema(closes(s), 5), EMA(s, 5), 1e-12)
	})

	t.Run("roc", func(t *testing.T) {
		assert.InDelta(t, 10.0, roc([]float64{100, 105, 110}, 2), 1e-9)
		assert.InDelta(t, -10.0, roc([]float64{100, 95, 90}, 2), 1e-9)
	})

	t.Run("stddev", func(t *testing.T) {
		assert.InDelta(t, 2.0, stddev([]float64{98, 102, 98, 102}, 4), 1e-9)
		assert.Zero(t, stddev([]float64{100, 100, 100}, 3))
	})
}
