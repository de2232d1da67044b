package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// flakyBroker serves seeded data and can be switched into failure mode.
type flakyBroker struct {
	*PaperBroker
	failing         atomic.Bool
	instrumentCalls atomic.Int64
	quoteCalls      atomic.Int64
}

func newFlakyBroker() *flakyBroker {
	return &flakyBroker{PaperBroker: NewPaperBroker(0)}
}

func (f *flakyBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	f.instrumentCalls.Add(1)
	if f.failing.Load() {
		return nil, &APIError{Status: 503, Body: "down"}
	}
	return f.PaperBroker.GetInstruments(ctx, exchange)
}

func (f *flakyBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	f.quoteCalls.Add(1)
	if f.failing.Load() {
		return nil, &APIError{Status: 503, Body: "down"}
	}
	return f.PaperBroker.GetQuotes(ctx, symbols)
}

func newTestClient(t *testing.T) (*Client, *flakyBroker, *clock.Fake) {
	t.Helper()
	flaky := newFlakyBroker()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC))
	client := NewClient(flaky, clk, quietLogger(), 30*time.Minute, 60*time.Second)
	return client, flaky, clk
}

func niftyCE(symbol string) models.Instrument {
	return models.Instrument{
		Token: 1, Symbol: symbol, Name: models.UnderlyingNifty,
		Exchange: models.ExchangeNFO, LotSize: 50, OptionType: models.OptionTypeCall,
	}
}

func TestInstrumentCacheHonoursTTL(t *testing.T) {
	client, flaky, clk := newTestClient(t)
	flaky.SetInstruments(models.ExchangeNFO, []models.Instrument{niftyCE("NIFTY26MAR24800CE")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insts, err := client.Instruments(ctx, models.ExchangeNFO)
		require.NoError(t, err)
		assert.Len(t, insts, 1)
	}
	assert.Equal(t, int64(1), flaky.instrumentCalls.Load(), "warm cache costs no API calls")

	clk.Advance(31 * time.Minute)
	_, err := client.Instruments(ctx, models.ExchangeNFO)
	require.NoError(t, err)
	assert.Equal(t, int64(2), flaky.instrumentCalls.Load(), "expired TTL triggers one refresh")
}

func TestInstrumentRefreshFailureServesStale(t *testing.T) {
	client, flaky, clk := newTestClient(t)
	flaky.SetInstruments(models.ExchangeNFO, []models.Instrument{niftyCE("NIFTY26MAR24800CE")})
	ctx := context.Background()

	_, err := client.Instruments(ctx, models.ExchangeNFO)
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	flaky.failing.Store(true)
	insts, err := client.Instruments(ctx, models.ExchangeNFO)
	require.NoError(t, err, "stale cache serves through a refresh failure")
	assert.Len(t, insts, 1)

	// A cold cache has nothing to fall back on.
	_, err = client.Instruments(ctx, models.ExchangeBFO)
	require.Error(t, err)
}

func TestLookupNegativeCache(t *testing.T) {
	client, flaky, _ := newTestClient(t)
	flaky.SetInstruments(models.ExchangeNFO, []models.Instrument{niftyCE("NIFTY26MAR24800CE")})
	ctx := context.Background()

	inst, err := client.Lookup(ctx, models.ExchangeNFO, "NIFTY26MAR24800CE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.Token)

	_, err = client.Lookup(ctx, models.ExchangeNFO, "NOSUCH26MAR100CE")
	require.ErrorIs(t, err, ErrTokenNotFound)

	calls := flaky.instrumentCalls.Load()
	_, err = client.Lookup(ctx, models.ExchangeNFO, "NOSUCH26MAR100CE")
	require.ErrorIs(t, err, ErrTokenNotFound)
	assert.Equal(t, calls, flaky.instrumentCalls.Load(), "negative hit short-circuits")
}

func TestQuotesCacheAndForceRefresh(t *testing.T) {
	client, flaky, clk := newTestClient(t)
	flaky.SetQuote("NSE:NIFTY 50", models.Quote{LastPrice: 24812.5})
	ctx := context.Background()

	q, err := client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)
	assert.InDelta(t, 24812.5, q["NSE:NIFTY 50"].LastPrice, 1e-9)

	// Within TTL the cache answers.
	clk.Advance(30 * time.Second)
	_, err = client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flaky.quoteCalls.Load())

	// forceRefresh always goes out.
	_, err = client.Quotes(ctx, []string{"NSE:NIFTY 50"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), flaky.quoteCalls.Load())

	// Past TTL the cache misses.
	clk.Advance(2 * time.Minute)
	_, err = client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), flaky.quoteCalls.Load())
}

func TestQuoteFetchFailureServesStaleFlagged(t *testing.T) {
	client, flaky, _ := newTestClient(t)
	flaky.SetQuote("NSE:NIFTY 50", models.Quote{LastPrice: 24812.5})
	ctx := context.Background()

	_, err := client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)

	flaky.failing.Store(true)
	q, err := client.Quotes(ctx, []string{"NSE:NIFTY 50"}, true)
	require.NoError(t, err)
	got := q["NSE:NIFTY 50"]
	assert.True(t, got.Stale, "served-through quotes are flagged stale")
	assert.InDelta(t, 24812.5, got.LastPrice, 1e-9)

	// Nothing cached for an unknown symbol: the failure surfaces.
	_, err = client.Quotes(ctx, []string{"NSE:UNKNOWN"}, true)
	require.Error(t, err)
}

func TestInvalidateQuotes(t *testing.T) {
	client, flaky, _ := newTestClient(t)
	flaky.SetQuote("NSE:NIFTY 50", models.Quote{LastPrice: 24812.5})
	ctx := context.Background()

	_, err := client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)
	client.InvalidateQuotes()
	_, err = client.Quotes(ctx, []string{"NSE:NIFTY 50"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), flaky.quoteCalls.Load())
}

func TestDerivativeInstrumentsCombinesSegments(t *testing.T) {
	client, flaky, _ := newTestClient(t)
	flaky.SetInstruments(models.ExchangeNFO, []models.Instrument{niftyCE("NIFTY26MAR24800CE")})
	flaky.SetInstruments(models.ExchangeBFO, []models.Instrument{{
		Token: 2, Symbol: "SENSEX26MAR81000CE", Name: models.UnderlyingSensex,
		Exchange: models.ExchangeBFO, LotSize: 20, OptionType: models.OptionTypeCall,
	}})

	combined, err := client.DerivativeInstruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, combined, 2)
}
