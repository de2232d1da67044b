// Package chain builds tradable option chains around the spot price: nearest
// expiry per cadence, a strike window centered on ATM, paired CE/PE legs and
// one bulk quote fetch per chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

var (
	// ErrSpotUnavailable is returned when no spot quote exists for the
	// underlying; the chain cannot be centered without it.
	ErrSpotUnavailable = errors.New("spot price unavailable")
	// ErrChainTooSparse is returned when fewer paired strikes survive than
	// the configured minimum.
	ErrChainTooSparse = errors.New("option chain too sparse")
	// ErrNoExpiry is returned when no contract expires on or after today
	// for the selected cadence.
	ErrNoExpiry = errors.New("no eligible expiry")
)

// Leg is one option contract with its live quote.
type Leg struct {
	Instrument models.Instrument
	Quote      models.Quote
	HasQuote   bool
}

// StrikePair is the CE and PE legs at one strike.
type StrikePair struct {
	Strike float64
	Call   Leg
	Put    Leg
}

// Chain is the constructed option chain for one underlying.
type Chain struct {
	Underlying string
	Spot       float64
	Expiry     time.Time
	ATMStrike  float64
	Pairs      []StrikePair // ascending by strike
}

// ATMPair returns the pair at the ATM strike.
func (c *Chain) ATMPair() (StrikePair, bool) {
	for _, p := range c.Pairs {
		if p.Strike == c.ATMStrike {
			return p, true
		}
	}
	return StrikePair{}, false
}

// Quoter is the slice of the broker client the provider needs.
type Quoter interface {
	DerivativeInstruments(ctx context.Context) ([]models.Instrument, error)
	Quotes(ctx context.Context, symbols []string, forceRefresh bool) (map[string]models.Quote, error)
}

// Provider constructs chains from the instrument dump and bulk quotes.
type Provider struct {
	client           Quoter
	logger           *logrus.Logger
	strikeHalfWidth  int
	minPairedStrikes int
	cadenceFor       func(underlying string) calendar.ExpiryCadence
}

// NewProvider builds a chain provider. cadenceFor maps an underlying to its
// contract cycle; nil defaults everything to weekly.
func NewProvider(client Quoter, logger *logrus.Logger, strikeHalfWidth, minPairedStrikes int,
	cadenceFor func(string) calendar.ExpiryCadence) *Provider {
	if strikeHalfWidth <= 0 {
		strikeHalfWidth = 15
	}
	if minPairedStrikes <= 0 {
		minPairedStrikes = 5
	}
	if cadenceFor == nil {
		cadenceFor = func(string) calendar.ExpiryCadence { return calendar.CadenceWeekly }
	}
	return &Provider{
		client:           client,
		logger:           logger,
		strikeHalfWidth:  strikeHalfWidth,
		minPairedStrikes: minPairedStrikes,
		cadenceFor:       cadenceFor,
	}
}

// Build constructs the chain for one underlying as of now. Spot comes from
// the supplied quote map so one bulk index fetch serves all chains in an
// iteration.
func (p *Provider) Build(ctx context.Context, underlying string, spotQuotes map[string]models.Quote,
	now time.Time) (*Chain, error) {
	spotSym := models.SpotSymbol(underlying)
	spotQuote, ok := spotQuotes[spotSym]
	if !ok || spotQuote.LastPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrSpotUnavailable, underlying)
	}
	spot := spotQuote.LastPrice

	instruments, err := p.client.DerivativeInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", underlying, err)
	}

	exchange := models.DerivativeExchange(underlying)
	options := filterOptions(instruments, underlying, exchange)
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no contracts for %s", ErrChainTooSparse, underlying)
	}

	expiry, err := selectExpiry(options, p.cadenceFor(underlying), now)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", underlying, err)
	}

	pairs := pairStrikes(options, expiry)
	atm, err := atmStrike(pairs, spot)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", underlying, err)
	}
	pairs = window(pairs, atm, p.strikeHalfWidth)
	if len(pairs) < p.minPairedStrikes {
		return nil, fmt.Errorf("%w: %s has %d paired strikes, need %d",
			ErrChainTooSparse, underlying, len(pairs), p.minPairedStrikes)
	}

	// One bulk fetch covers every leg in the window.
	symbols := make([]string, 0, 2*len(pairs))
	for _, pair := range pairs {
		symbols = append(symbols,
			string(exchange)+":"+pair.Call.Instrument.Symbol,
			string(exchange)+":"+pair.Put.Instrument.Symbol)
	}
	quotes, err := p.client.Quotes(ctx, symbols, false)
	if err != nil {
		return nil, fmt.Errorf("chain %s quotes: %w", underlying, err)
	}
	for i := range pairs {
		attachQuote(&pairs[i].Call, exchange, quotes)
		attachQuote(&pairs[i].Put, exchange, quotes)
	}

	p.logger.WithFields(logrus.Fields{
		"underlying": underlying,
		"spot":       spot,
		"expiry":     expiry.Format("2006-01-02"),
		"atm":        atm,
		"strikes":    len(pairs),
	}).Debug("chain constructed")

	return &Chain{
		Underlying: underlying,
		Spot:       spot,
		Expiry:     expiry,
		ATMStrike:  atm,
		Pairs:      pairs,
	}, nil
}

func attachQuote(leg *Leg, exchange models.Exchange, quotes map[string]models.Quote) {
	key := string(exchange) + ":" + leg.Instrument.Symbol
	if q, ok := quotes[key]; ok && q.LastPrice > 0 {
		leg.Quote = q
		leg.HasQuote = !q.Stale
	}
}

// filterOptions keeps option contracts of the underlying on its derivatives
// segment. Matching is on the instrument Name field, not symbol prefixes,
// so NIFTY never swallows BANKNIFTY or FINNIFTY contracts.
func filterOptions(instruments []models.Instrument, underlying string, exchange models.Exchange) []models.Instrument {
	var out []models.Instrument
	for _, inst := range instruments {
		if inst.Exchange != exchange || inst.Name != underlying {
			continue
		}
		if inst.OptionType != models.OptionTypeCall && inst.OptionType != models.OptionTypePut {
			continue
		}
		if inst.Strike <= 0 || inst.Expiry.IsZero() {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// selectExpiry picks the nearest eligible expiry on or after today. Weekly
// cadence takes the nearest of all expiries; monthly cadence takes the
// nearest expiry that is the last in its calendar month.
func selectExpiry(options []models.Instrument, cadence calendar.ExpiryCadence, now time.Time) (time.Time, error) {
	loc := calendar.IST()
	today := time.Date(now.In(loc).Year(), now.In(loc).Month(), now.In(loc).Day(), 0, 0, 0, 0, loc)

	seen := make(map[time.Time]bool)
	var expiries []time.Time
	for _, inst := range options {
		e := inst.Expiry
		day := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
		if day.Before(today) || seen[day] {
			continue
		}
		seen[day] = true
		expiries = append(expiries, day)
	}
	if len(expiries) == 0 {
		return time.Time{}, ErrNoExpiry
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	if cadence == calendar.CadenceMonthly {
		// Last expiry of each month is the monthly contract.
		lastOfMonth := make(map[string]time.Time)
		for _, e := range expiries {
			key := e.Format("2006-01")
			if cur, ok := lastOfMonth[key]; !ok || e.After(cur) {
				lastOfMonth[key] = e
			}
		}
		var monthlies []time.Time
		for _, e := range lastOfMonth {
			monthlies = append(monthlies, e)
		}
		sort.Slice(monthlies, func(i, j int) bool { return monthlies[i].Before(monthlies[j]) })
		return monthlies[0], nil
	}
	return expiries[0], nil
}

// pairStrikes groups contracts of one expiry into CE/PE pairs, keeping only
// strikes where both legs exist.
func pairStrikes(options []models.Instrument, expiry time.Time) []StrikePair {
	type legs struct {
		call, put *models.Instrument
	}
	byStrike := make(map[float64]*legs)
	for i := range options {
		inst := options[i]
		if !sameDay(inst.Expiry, expiry) {
			continue
		}
		l, ok := byStrike[inst.Strike]
		if !ok {
			l = &legs{}
			byStrike[inst.Strike] = l
		}
		if inst.OptionType == models.OptionTypeCall {
			l.call = &options[i]
		} else {
			l.put = &options[i]
		}
	}

	var pairs []StrikePair
	for strike, l := range byStrike {
		if l.call == nil || l.put == nil {
			continue
		}
		pairs = append(pairs, StrikePair{
			Strike: strike,
			Call:   Leg{Instrument: *l.call},
			Put:    Leg{Instrument: *l.put},
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Strike < pairs[j].Strike })
	return pairs
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

// atmStrike finds the strike nearest the spot. Ties go to the lower strike.
func atmStrike(pairs []StrikePair, spot float64) (float64, error) {
	if len(pairs) == 0 {
		return 0, ErrChainTooSparse
	}
	best := pairs[0].Strike
	bestDist := abs(pairs[0].Strike - spot)
	for _, p := range pairs[1:] {
		d := abs(p.Strike - spot)
		if d < bestDist || (d == bestDist && p.Strike < best) {
			best = p.Strike
			bestDist = d
		}
	}
	return best, nil
}

// window keeps at most halfWidth strikes on each side of the ATM strike.
func window(pairs []StrikePair, atm float64, halfWidth int) []StrikePair {
	atmIdx := -1
	for i, p := range pairs {
		if p.Strike == atm {
			atmIdx = i
			break
		}
	}
	if atmIdx < 0 {
		return pairs
	}
	lo := atmIdx - halfWidth
	if lo < 0 {
		lo = 0
	}
	hi := atmIdx + halfWidth + 1
	if hi > len(pairs) {
		hi = len(pairs)
	}
	return pairs[lo:hi]
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
