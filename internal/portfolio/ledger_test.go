package portfolio

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

var testDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, capital float64) (*Ledger, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testDay.Add(9*time.Hour + 15*time.Minute))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewLedger(models.ModePaper, capital, testDay, clk, logger), clk
}

func barAt(clk *clock.Fake) TradeContext {
	return TradeContext{BarTime: clk.Now(), Sector: "index", Strategy: "ma_crossover"}
}

func TestBuySellCashArithmetic(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	ctx := barAt(clk)
	ctx.Underlying = models.UnderlyingNifty
	ctx.LotSize = 50
	ctx.StopLoss = 90
	ctx.TakeProfit = 130

	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 50, ctx)
	require.NoError(t, err)
	assert.Equal(t, "994950.00", l.Cash().StringFixed(2))

	clk.Advance(time.Minute)
	trade, err := l.Sell("NIFTY26MAR24800CE", 50, 106, 50, barAt(clk), false)
	require.NoError(t, err)
	assert.Equal(t, "1000200.00", l.Cash().StringFixed(2))

	require.NotNil(t, trade.PnL)
	assert.Equal(t, "250.00", trade.PnL.StringFixed(2))
	assert.True(t, trade.IsClosing())

	_, held := l.Position("NIFTY26MAR24800CE")
	assert.False(t, held, "position should be removed on full exit")
}

func TestCashConservation(t *testing.T) {
	l, clk := newTestLedger(t, 500_000)

	_, err := l.Buy("BANKNIFTY26MAR52000PE", 30, 210.5, 40.25, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Buy("NIFTY26MAR24800CE", 50, 99.95, 28.10, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Sell("BANKNIFTY26MAR52000PE", 30, 205.25, 39.80, barAt(clk), false)
	require.NoError(t, err)

	// Replaying the trade log must land exactly on the live balance.
	replayed := l.OpeningCash()
	for _, tr := range l.Trades() {
		notional := tr.Price.Mul(decimal.NewFromInt(int64(tr.Shares)))
		if tr.Side == models.SideBuy {
			replayed = replayed.Sub(notional).Sub(tr.Fees)
		} else {
			replayed = replayed.Add(notional).Sub(tr.Fees)
		}
		assert.True(t, tr.CashAfter.Equal(replayed),
			"trade %s: cash_after %s, replay %s", tr.ID, tr.CashAfter, replayed)
	}
	assert.True(t, l.Cash().Equal(replayed))
}

func TestTradeIDsAndSequenceMonotonic(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	for i := 0; i < 3; i++ {
		_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 10, barAt(clk))
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	_, err := l.Sell("NIFTY26MAR24800CE", 150, 101, 10, barAt(clk), false)
	require.NoError(t, err)

	trades := l.Trades()
	require.Len(t, trades, 4)
	for i, tr := range trades {
		assert.Equal(t, int64(i+1), tr.Sequence)
		assert.Equal(t, models.FormatTradeID(testDay, models.ModePaper, int64(i+1)), tr.ID)
	}
	assert.Equal(t, "2026-03-10-paper-0001", trades[0].ID)
}

func TestSameBarExitRejectedUnlessForced(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	ctx := barAt(clk)
	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, ctx)
	require.NoError(t, err)

	// Same bar time: rejected.
	_, err = l.Sell("NIFTY26MAR24800CE", 50, 105, 0, ctx, false)
	require.ErrorIs(t, err, ErrSameBarExit)
	_, held := l.Position("NIFTY26MAR24800CE")
	assert.True(t, held, "rejected exit must leave the position intact")

	// Forced flatten may close a same-bar position.
	_, err = l.Sell("NIFTY26MAR24800CE", 50, 105, 0, ctx, true)
	require.NoError(t, err)
	_, held = l.Position("NIFTY26MAR24800CE")
	assert.False(t, held)
}

func TestBlendedAverageEntry(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Buy("NIFTY26MAR24800CE", 50, 110, 0, barAt(clk))
	require.NoError(t, err)

	pos, ok := l.Position("NIFTY26MAR24800CE")
	require.True(t, ok)
	assert.Equal(t, 100, pos.Shares)
	assert.InDelta(t, 105.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 110.0, pos.HighestPrice, 1e-9)
}

func TestPartialSellKeepsPosition(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	_, err := l.Buy("NIFTY26MAR24800CE", 100, 100, 0, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Sell("NIFTY26MAR24800CE", 40, 108, 0, barAt(clk), false)
	require.NoError(t, err)

	pos, ok := l.Position("NIFTY26MAR24800CE")
	require.True(t, ok)
	assert.Equal(t, 60, pos.Shares)
}

func TestInsufficientFunds(t *testing.T) {
	l, clk := newTestLedger(t, 1_000)
	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 25, barAt(clk))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "1000.00", l.Cash().StringFixed(2), "failed buy must not debit cash")
	assert.Empty(t, l.Trades())
}

func TestSellWithoutPosition(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)
	_, err := l.Sell("NIFTY26MAR24800CE", 50, 100, 0, barAt(clk), false)
	require.ErrorIs(t, err, ErrNoPosition)

	_, err = l.Buy("NIFTY26MAR24800CE", 50, 100, 0, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Sell("NIFTY26MAR24800CE", 75, 100, 0, barAt(clk), false)
	require.ErrorIs(t, err, ErrNoPosition, "oversell must be rejected")
}

func TestInputValidation(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)
	_, err := l.Buy("", 50, 100, 0, barAt(clk))
	require.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = l.Buy("NIFTY26MAR24800CE", 0, 100, 0, barAt(clk))
	require.ErrorIs(t, err, ErrInvalidShares)
	_, err = l.Sell("NIFTY26MAR24800CE", -5, 100, 0, barAt(clk), false)
	require.ErrorIs(t, err, ErrInvalidShares)
}

func TestCountersTrackWinsAndLosses(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Sell("NIFTY26MAR24800CE", 50, 110, 0, barAt(clk), false)
	require.NoError(t, err)

	_, err = l.Buy("BANKNIFTY26MAR52000PE", 30, 200, 0, barAt(clk))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Sell("BANKNIFTY26MAR52000PE", 30, 190, 10, barAt(clk), false)
	require.NoError(t, err)

	c := l.Counters()
	assert.Equal(t, 4, c.TotalTrades)
	assert.Equal(t, 2, c.BuyTrades)
	assert.Equal(t, 2, c.SellTrades)
	assert.Equal(t, 1, c.WinningTrades)
	assert.Equal(t, 1, c.LosingTrades)
	assert.InDelta(t, 50.0, c.WinRatePct(), 1e-9)
	assert.Equal(t, "500.00", c.BestTrade.StringFixed(2))
	assert.Equal(t, "-310.00", c.WorstTrade.StringFixed(2))
	assert.Equal(t, "190.00", c.TotalPnL.StringFixed(2))
	assert.Equal(t, "10.00", c.TotalFees.StringFixed(2))
}

func TestUpdateTrailingStateRatchetsOnly(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	ctx := barAt(clk)
	ctx.StopLoss = 90
	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, ctx)
	require.NoError(t, err)

	require.NoError(t, l.UpdateTrailingState("NIFTY26MAR24800CE", true, 115, 106))
	pos, _ := l.Position("NIFTY26MAR24800CE")
	assert.True(t, pos.TrailingActive)
	assert.InDelta(t, 115.0, pos.HighestPrice, 1e-9)
	assert.InDelta(t, 106.0, pos.StopLoss, 1e-9)

	// Lower values never loosen the stop or the high-water mark.
	require.NoError(t, l.UpdateTrailingState("NIFTY26MAR24800CE", true, 110, 101))
	pos, _ = l.Position("NIFTY26MAR24800CE")
	assert.InDelta(t, 115.0, pos.HighestPrice, 1e-9)
	assert.InDelta(t, 106.0, pos.StopLoss, 1e-9)

	require.ErrorIs(t, l.UpdateStop("MISSING", 50), ErrNoPosition)
}

func TestRestorePosition(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000)

	pos := models.Position{
		Symbol:     "NIFTY26MAR24800CE",
		Underlying: models.UnderlyingNifty,
		Shares:     50,
		EntryPrice: 100,
		EntryTime:  testDay.Add(-24 * time.Hour),
		StopLoss:   90,
		TakeProfit: 130,
	}
	require.NoError(t, l.RestorePosition(pos))
	assert.Equal(t, "1000000.00", l.Cash().StringFixed(2), "restore must not touch cash")

	err := l.RestorePosition(pos)
	require.Error(t, err, "duplicate restore must fail")

	bad := pos
	bad.Symbol = "OTHER"
	bad.StopLoss = 150
	require.Error(t, l.RestorePosition(bad), "invalid position must be rejected")
}

func TestSnapshotIsolation(t *testing.T) {
	l, clk := newTestLedger(t, 1_000_000)

	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, barAt(clk))
	require.NoError(t, err)

	snap := l.Snapshot()
	snap.Positions["NIFTY26MAR24800CE"] = models.Position{Symbol: "tampered"}

	pos, ok := l.Position("NIFTY26MAR24800CE")
	require.True(t, ok)
	assert.Equal(t, "NIFTY26MAR24800CE", pos.Symbol, "snapshot mutation must not leak back")

	total := snap.TotalValue(map[string]float64{})
	assert.False(t, total.IsZero())
}

func TestOpenPositionsPerUnderlying(t *testing.T) {
	l, clk := newTestLedger(t, 10_000_000)

	ctxN := barAt(clk)
	ctxN.Underlying = models.UnderlyingNifty
	ctxB := barAt(clk)
	ctxB.Underlying = models.UnderlyingBankNifty

	_, err := l.Buy("NIFTY26MAR24800CE", 50, 100, 0, ctxN)
	require.NoError(t, err)
	_, err = l.Buy("NIFTY26MAR24700PE", 50, 95, 0, ctxN)
	require.NoError(t, err)
	_, err = l.Buy("BANKNIFTY26MAR52000CE", 30, 210, 0, ctxB)
	require.NoError(t, err)

	counts := l.OpenPositionsPerUnderlying()
	assert.Equal(t, 2, counts[models.UnderlyingNifty])
	assert.Equal(t, 1, counts[models.UnderlyingBankNifty])
}
