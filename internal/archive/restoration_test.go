package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

func TestRestorationRoundTrip(t *testing.T) {
	clk := clock.NewFake(archiveDay.Add(10 * time.Hour))
	ledger := portfolio.NewLedger(models.ModePaper, 1_000_000, archiveDay, clk, testLogger())
	ctx := portfolio.TradeContext{
		BarTime:    clk.Now(),
		Underlying: models.UnderlyingNifty,
		LotSize:    50,
		StopLoss:   90,
		TakeProfit: 130,
	}
	_, err := ledger.Buy("NIFTY26MAR24800CE", 50, 100, 25, ctx)
	require.NoError(t, err)

	store := NewRestorationStore(t.TempDir(), testLogger())
	nextDay := archiveDay.AddDate(0, 0, 1)
	now := archiveDay.Add(15*time.Hour + 40*time.Minute)

	err = store.Save(ledger.Snapshot(), map[string]float64{"NIFTY26MAR24800CE": 104}, nextDay, now)
	require.NoError(t, err)

	file, err := store.Load(nextDay)
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, 1, file.TotalPositions)
	assert.Equal(t, nextDay.Format("2006-01-02"), file.TargetDate)
	assert.InDelta(t, 104*50, file.TotalValue, 1e-9)
	assert.InDelta(t, (104-100)*50, file.TotalUnrealizedPnL, 1e-9)

	positions := file.PositionList()
	require.Len(t, positions, 1)
	assert.Equal(t, "NIFTY26MAR24800CE", positions[0].Symbol)
	assert.Equal(t, 50, positions[0].Shares)

	// Restored positions validate, so they can be injected into a fresh ledger.
	fresh := portfolio.NewLedger(models.ModePaper, 1_000_000, nextDay, clk, testLogger())
	require.NoError(t, fresh.RestorePosition(positions[0]))
}

func TestRestorationSkipsFlatDays(t *testing.T) {
	clk := clock.NewFake(archiveDay.Add(10 * time.Hour))
	ledger := portfolio.NewLedger(models.ModePaper, 1_000_000, archiveDay, clk, testLogger())

	store := NewRestorationStore(t.TempDir(), testLogger())
	nextDay := archiveDay.AddDate(0, 0, 1)
	require.NoError(t, store.Save(ledger.Snapshot(), nil, nextDay, clk.Now()))

	file, err := store.Load(nextDay)
	require.NoError(t, err)
	assert.Nil(t, file, "no positions means no file, no error")
}

func TestCheckpointRoundTrip(t *testing.T) {
	clk := clock.NewFake(archiveDay.Add(11 * time.Hour))
	ledger := portfolio.NewLedger(models.ModePaper, 1_000_000, archiveDay, clk, testLogger())
	_, err := ledger.Buy("NIFTY26MAR24800CE", 50, 100, 25,
		portfolio.TradeContext{BarTime: clk.Now()})
	require.NoError(t, err)

	path := t.TempDir() + "/state_checkpoint.json"
	snap := ledger.Snapshot()
	prices := map[string]float64{"NIFTY26MAR24800CE": 102}
	require.NoError(t, WriteCheckpoint(path, 42, snap, prices, clk.Now()))

	cp, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, models.ModePaper, cp.Mode)
	assert.Equal(t, int64(42), cp.Iteration)
	assert.Equal(t, "2026-03-10", cp.TradingDay)
	assert.Equal(t, 1, cp.Portfolio.OpenPositions)
	assert.Equal(t, 1, cp.Portfolio.TotalTrades)
	assert.True(t, cp.Portfolio.Cash.Equal(snap.Cash))
	assert.True(t, cp.TotalValue.Equal(snap.TotalValue(prices)))

	// Overwrites are atomic replacements, not appends.
	require.NoError(t, WriteCheckpoint(path, 43, snap, prices, clk.Now()))
	cp, err = ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, int64(43), cp.Iteration)
}
