package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Cache TTLs. Instrument dumps change once a day; quotes go stale within the
// scan interval, so a short TTL keeps the bulk fetch per iteration honest.
const (
	DefaultInstrumentTTL = 30 * time.Minute
	DefaultQuoteTTL      = 60 * time.Second
)

type instrumentEntry struct {
	instruments []models.Instrument
	bySymbol    map[string]models.Instrument
	fetchedAt   time.Time
}

type quoteEntry struct {
	quote     models.Quote
	fetchedAt time.Time
}

// Client is the cache-backed front of the broker stack. It owns the
// instrument cache, the quote cache and the negative token cache, and
// delegates everything else to the decorated Broker underneath.
type Client struct {
	broker Broker
	clock  clock.Clock
	logger *logrus.Logger

	instrumentTTL time.Duration
	quoteTTL      time.Duration

	mu          sync.RWMutex
	instruments map[models.Exchange]*instrumentEntry
	quotes      map[string]quoteEntry
	// negative hits logged once per symbol per session
	missing map[string]bool
}

// NewClient builds the cache layer over an already-decorated broker.
func NewClient(broker Broker, clk clock.Clock, logger *logrus.Logger,
	instrumentTTL, quoteTTL time.Duration) *Client {
	if instrumentTTL <= 0 {
		instrumentTTL = DefaultInstrumentTTL
	}
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	return &Client{
		broker:        broker,
		clock:         clk,
		logger:        logger,
		instrumentTTL: instrumentTTL,
		quoteTTL:      quoteTTL,
		instruments:   make(map[models.Exchange]*instrumentEntry),
		quotes:        make(map[string]quoteEntry),
		missing:       make(map[string]bool),
	}
}

// Instruments returns the instrument dump for an exchange, fetching at most
// once per TTL. On refresh failure a stale cache is served if present.
func (c *Client) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	c.mu.RLock()
	entry, ok := c.instruments[exchange]
	c.mu.RUnlock()
	if ok && c.clock.Now().Sub(entry.fetchedAt) < c.instrumentTTL {
		return entry.instruments, nil
	}

	fresh, err := c.broker.GetInstruments(ctx, exchange)
	if err != nil {
		if ok {
			c.logger.WithError(err).WithField("exchange", exchange).
				Warn("instrument refresh failed, serving stale cache")
			return entry.instruments, nil
		}
		return nil, fmt.Errorf("instruments %s: %w", exchange, err)
	}

	bySymbol := make(map[string]models.Instrument, len(fresh))
	for _, inst := range fresh {
		bySymbol[inst.Symbol] = inst
	}
	c.mu.Lock()
	c.instruments[exchange] = &instrumentEntry{
		instruments: fresh,
		bySymbol:    bySymbol,
		fetchedAt:   c.clock.Now(),
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"count":    len(fresh),
	}).Info("instrument cache refreshed")
	return fresh, nil
}

// DerivativeInstruments returns the combined NFO+BFO universe. Both legs share
// the per-exchange cache, so a warm cache costs zero API calls. The combined
// slice itself is rebuilt on every call, never cached.
func (c *Client) DerivativeInstruments(ctx context.Context) ([]models.Instrument, error) {
	nfo, err := c.Instruments(ctx, models.ExchangeNFO)
	if err != nil {
		return nil, err
	}
	bfo, err := c.Instruments(ctx, models.ExchangeBFO)
	if err != nil {
		return nil, err
	}
	combined := make([]models.Instrument, 0, len(nfo)+len(bfo))
	combined = append(combined, nfo...)
	combined = append(combined, bfo...)
	return combined, nil
}

// Lookup resolves a trading symbol to its instrument on the given exchange.
// Unresolvable symbols land in the negative cache: the miss is logged once per
// session and subsequent lookups return ErrTokenNotFound without an API call.
func (c *Client) Lookup(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, error) {
	key := string(exchange) + ":" + symbol

	c.mu.RLock()
	neg := c.missing[key]
	c.mu.RUnlock()
	if neg {
		return models.Instrument{}, fmt.Errorf("%w: %s", ErrTokenNotFound, symbol)
	}

	if _, err := c.Instruments(ctx, exchange); err != nil {
		return models.Instrument{}, err
	}

	c.mu.RLock()
	entry := c.instruments[exchange]
	inst, ok := entry.bySymbol[symbol]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	c.mu.Lock()
	first := !c.missing[key]
	c.missing[key] = true
	c.mu.Unlock()
	if first {
		c.logger.WithFields(logrus.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Warn("symbol not found in instrument dump, negative-cached")
	}
	return models.Instrument{}, fmt.Errorf("%w: %s", ErrTokenNotFound, symbol)
}

// Quotes returns quotes for the requested symbols, serving cached entries
// younger than the quote TTL and fetching only the remainder in one bulk
// call. forceRefresh bypasses the cache entirely.
func (c *Client) Quotes(ctx context.Context, symbols []string, forceRefresh bool) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	var misses []string

	now := c.clock.Now()
	if forceRefresh {
		misses = symbols
	} else {
		c.mu.RLock()
		for _, s := range symbols {
			if e, ok := c.quotes[s]; ok && now.Sub(e.fetchedAt) < c.quoteTTL {
				out[s] = e.quote
			} else {
				misses = append(misses, s)
			}
		}
		c.mu.RUnlock()
	}

	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := c.broker.GetQuotes(ctx, misses)
	if err != nil {
		// Serve whatever aged entries we have, flagged stale, rather than
		// returning nothing for a transient quote outage.
		c.mu.RLock()
		for _, s := range misses {
			if e, ok := c.quotes[s]; ok {
				q := e.quote
				q.Stale = true
				out[s] = q
			}
		}
		c.mu.RUnlock()
		if len(out) == 0 {
			return nil, fmt.Errorf("quotes: %w", err)
		}
		c.logger.WithError(err).WithField("stale_count", len(out)).
			Warn("quote fetch failed, serving stale cache")
		return out, nil
	}

	c.mu.Lock()
	for s, q := range fresh {
		c.quotes[s] = quoteEntry{quote: q, fetchedAt: now}
		out[s] = q
	}
	c.mu.Unlock()
	return out, nil
}

// HistoricalCandles delegates to the broker stack.
func (c *Client) HistoricalCandles(ctx context.Context, token int64, interval string,
	from, to time.Time) ([]models.Candle, error) {
	return c.broker.GetHistoricalCandles(ctx, token, interval, from, to)
}

// PlaceOrder delegates to the broker stack. Orders are never cached.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return c.broker.PlaceOrder(ctx, req)
}

// Orders delegates to the broker stack.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	return c.broker.GetOrders(ctx)
}

// Positions delegates to the broker stack.
func (c *Client) Positions(ctx context.Context) ([]NetPosition, error) {
	return c.broker.GetPositions(ctx)
}

// OrderMargins delegates to the broker stack.
func (c *Client) OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	return c.broker.OrderMargins(ctx, reqs)
}

// InvalidateQuotes drops all cached quotes. Called at session boundaries.
func (c *Client) InvalidateQuotes() {
	c.mu.Lock()
	c.quotes = make(map[string]quoteEntry)
	c.mu.Unlock()
}

// BuildStack assembles the standard decorator chain around a raw API:
// retries outermost, then the token bucket, then the breaker, so every
// attempt consumes a limiter token and is observed by the breaker.
func BuildStack(api Broker, cps float64, burst int, cb CircuitBreakerSettings,
	logger *logrus.Logger) Broker {
	withBreaker := NewCircuitBreakerBroker(api, cb, logger)
	withLimit := NewRateLimitedBroker(withBreaker, cps, burst)
	return NewRetryBroker(withLimit, logger)
}
