package chain

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// stubQuoter serves a canned instrument dump and quotes keyed EXCHANGE:symbol.
type stubQuoter struct {
	instruments []models.Instrument
	quotes      map[string]models.Quote
	instErr     error
	quoteErr    error
}

func (s *stubQuoter) DerivativeInstruments(context.Context) ([]models.Instrument, error) {
	if s.instErr != nil {
		return nil, s.instErr
	}
	return s.instruments, nil
}

func (s *stubQuoter) Quotes(_ context.Context, symbols []string, _ bool) (map[string]models.Quote, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

var buildTime = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

// optionPair appends CE and PE contracts at one strike.
func optionPair(out []models.Instrument, underlying string, exchange models.Exchange,
	strike float64, expiry time.Time) []models.Instrument {
	tag := expiry.Format("06Jan02")
	for _, ot := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
		out = append(out, models.Instrument{
			Token:      int64(len(out) + 1),
			Symbol:     fmt.Sprintf("%s%s%.0f%s", underlying, tag, strike, ot),
			Name:       underlying,
			Exchange:   exchange,
			LotSize:    50,
			Expiry:     expiry,
			Strike:     strike,
			OptionType: ot,
		})
	}
	return out
}

// niftyDump builds a NIFTY chain: strikes 23000..26000 step 50, two weekly
// expiries, with quotes priced off distance from spot.
func niftyDump(spot float64) *stubQuoter {
	nearExpiry := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	farExpiry := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)

	s := &stubQuoter{quotes: map[string]models.Quote{
		"NSE:NIFTY 50": {Symbol: "NSE:NIFTY 50", LastPrice: spot},
	}}
	for strike := 23000.0; strike <= 26000; strike += 50 {
		for _, expiry := range []time.Time{nearExpiry, farExpiry} {
			s.instruments = optionPair(s.instruments, models.UnderlyingNifty, models.ExchangeNFO, strike, expiry)
		}
	}
	for _, inst := range s.instruments {
		premium := 100 + (spot-inst.Strike)/10
		if premium < 5 {
			premium = 5
		}
		s.quotes["NFO:"+inst.Symbol] = models.Quote{Symbol: inst.Symbol, LastPrice: premium}
	}
	return s
}

func newTestProvider(q Quoter, cadence func(string) calendar.ExpiryCadence) *Provider {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProvider(q, logger, 15, 5, cadence)
}

func TestBuildSelectsNearestWeeklyExpiryAndATM(t *testing.T) {
	q := niftyDump(24812.5)
	p := newTestProvider(q, nil)

	chain, err := p.Build(context.Background(), models.UnderlyingNifty, q.quotes, buildTime)
	require.NoError(t, err)

	assert.Equal(t, models.UnderlyingNifty, chain.Underlying)
	assert.InDelta(t, 24812.5, chain.Spot, 1e-9)
	assert.Equal(t, "2026-03-12", chain.Expiry.Format("2006-01-02"), "nearest weekly wins")
	assert.InDelta(t, 24800.0, chain.ATMStrike, 1e-9)
	assert.Len(t, chain.Pairs, 31, "15 strikes each side of ATM")

	pair, ok := chain.ATMPair()
	require.True(t, ok)
	assert.True(t, pair.Call.HasQuote)
	assert.True(t, pair.Put.HasQuote)
	assert.Equal(t, models.OptionTypeCall, pair.Call.Instrument.OptionType)
	assert.Equal(t, models.OptionTypePut, pair.Put.Instrument.OptionType)

	for i := 1; i < len(chain.Pairs); i++ {
		assert.Greater(t, chain.Pairs[i].Strike, chain.Pairs[i-1].Strike, "pairs ascend by strike")
	}
}

func TestATMTieGoesToLowerStrike(t *testing.T) {
	// Spot exactly between 24800 and 24850.
	q := niftyDump(24825)
	p := newTestProvider(q, nil)

	chain, err := p.Build(context.Background(), models.UnderlyingNifty, q.quotes, buildTime)
	require.NoError(t, err)
	assert.InDelta(t, 24800.0, chain.ATMStrike, 1e-9)
}

func TestMonthlyCadencePicksLastExpiryOfMonth(t *testing.T) {
	weekly1 := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	weekly2 := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	monthly := time.Date(2026, 3, 26, 0, 0, 0, 0, time.UTC)

	s := &stubQuoter{quotes: map[string]models.Quote{
		"BSE:SENSEX": {Symbol: "BSE:SENSEX", LastPrice: 81000},
	}}
	for strike := 79000.0; strike <= 83000; strike += 100 {
		for _, expiry := range []time.Time{weekly1, weekly2, monthly} {
			s.instruments = optionPair(s.instruments, models.UnderlyingSensex, models.ExchangeBFO, strike, expiry)
		}
	}
	for _, inst := range s.instruments {
		s.quotes["BFO:"+inst.Symbol] = models.Quote{Symbol: inst.Symbol, LastPrice: 250}
	}

	p := newTestProvider(s, func(string) calendar.ExpiryCadence { return calendar.CadenceMonthly })
	chain, err := p.Build(context.Background(), models.UnderlyingSensex, s.quotes, buildTime)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-26", chain.Expiry.Format("2006-01-02"))
}

func TestBuildErrors(t *testing.T) {
	t.Run("spot unavailable", func(t *testing.T) {
		q := niftyDump(24812.5)
		p := newTestProvider(q, nil)
		_, err := p.Build(context.Background(), models.UnderlyingNifty,
			map[string]models.Quote{}, buildTime)
		require.ErrorIs(t, err, ErrSpotUnavailable)
	})

	t.Run("no contracts for underlying", func(t *testing.T) {
		q := niftyDump(52000)
		p := newTestProvider(q, nil)
		spots := map[string]models.Quote{
			"NSE:NIFTY BANK": {LastPrice: 52000},
		}
		_, err := p.Build(context.Background(), models.UnderlyingBankNifty, spots, buildTime)
		require.ErrorIs(t, err, ErrChainTooSparse)
	})

	t.Run("all expiries in the past", func(t *testing.T) {
		q := niftyDump(24812.5)
		p := newTestProvider(q, nil)
		_, err := p.Build(context.Background(), models.UnderlyingNifty, q.quotes,
			time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
		require.ErrorIs(t, err, ErrNoExpiry)
	})

	t.Run("too few paired strikes", func(t *testing.T) {
		expiry := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
		s := &stubQuoter{quotes: map[string]models.Quote{
			"NSE:NIFTY 50": {LastPrice: 24812.5},
		}}
		for _, strike := range []float64{24750, 24800, 24850} {
			s.instruments = optionPair(s.instruments, models.UnderlyingNifty, models.ExchangeNFO, strike, expiry)
		}
		p := newTestProvider(s, nil)
		_, err := p.Build(context.Background(), models.UnderlyingNifty, s.quotes, buildTime)
		require.ErrorIs(t, err, ErrChainTooSparse)
	})
}

func TestUnpairedStrikesAreDropped(t *testing.T) {
	expiry := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	s := &stubQuoter{quotes: map[string]models.Quote{
		"NSE:NIFTY 50": {LastPrice: 24800},
	}}
	for _, strike := range []float64{24600, 24650, 24700, 24750, 24800, 24850, 24900} {
		s.instruments = optionPair(s.instruments, models.UnderlyingNifty, models.ExchangeNFO, strike, expiry)
	}
	// A call with no matching put must not form a pair.
	s.instruments = append(s.instruments, models.Instrument{
		Token: 999, Symbol: "NIFTY26Mar1224950CE", Name: models.UnderlyingNifty,
		Exchange: models.ExchangeNFO, LotSize: 50, Expiry: expiry, Strike: 24950,
		OptionType: models.OptionTypeCall,
	})
	for _, inst := range s.instruments {
		s.quotes["NFO:"+inst.Symbol] = models.Quote{Symbol: inst.Symbol, LastPrice: 100}
	}

	p := newTestProvider(s, nil)
	chain, err := p.Build(context.Background(), models.UnderlyingNifty, s.quotes, buildTime)
	require.NoError(t, err)
	for _, pair := range chain.Pairs {
		assert.NotEqual(t, 24950.0, pair.Strike, "unpaired strike must be dropped")
	}
}

func TestStaleQuoteLeavesLegUnusable(t *testing.T) {
	q := niftyDump(24812.5)
	// Mark the ATM call quote stale.
	for key, quote := range q.quotes {
		if key == "NFO:NIFTY26Mar1224800CE" {
			quote.Stale = true
			q.quotes[key] = quote
		}
	}
	p := newTestProvider(q, nil)
	chain, err := p.Build(context.Background(), models.UnderlyingNifty, q.quotes, buildTime)
	require.NoError(t, err)

	pair, ok := chain.ATMPair()
	require.True(t, ok)
	assert.False(t, pair.Call.HasQuote, "stale quotes never back an order")
	assert.True(t, pair.Put.HasQuote)
}
