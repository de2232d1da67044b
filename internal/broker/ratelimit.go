package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// RateLimitedBroker serialises outbound API traffic through a token bucket.
// One token per call; callers block until a token is available or their
// context is cancelled. The limiter is shared process-wide per API key.
type RateLimitedBroker struct {
	broker  Broker
	limiter *rate.Limiter
}

// NewRateLimitedBroker wraps broker with a token bucket of callsPerSecond
// refill rate and burst capacity.
func NewRateLimitedBroker(broker Broker, callsPerSecond float64, burst int) *RateLimitedBroker {
	if callsPerSecond <= 0 {
		callsPerSecond = 3
	}
	if burst <= 0 {
		burst = 5
	}
	return &RateLimitedBroker{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

// acquire takes one token, observing cancellation before blocking.
func (r *RateLimitedBroker) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Reserve exposes the limiter's next-token delay for tests and diagnostics.
func (r *RateLimitedBroker) Reserve() time.Duration {
	res := r.limiter.Reserve()
	d := res.Delay()
	res.Cancel()
	return d
}

// GetInstruments acquires a token then delegates.
func (r *RateLimitedBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetInstruments(ctx, exchange)
}

// GetQuotes acquires a token then delegates.
func (r *RateLimitedBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetQuotes(ctx, symbols)
}

// GetHistoricalCandles acquires a token then delegates.
func (r *RateLimitedBroker) GetHistoricalCandles(ctx context.Context, token int64, interval string,
	from, to time.Time) ([]models.Candle, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetHistoricalCandles(ctx, token, interval, from, to)
}

// PlaceOrder acquires a token then delegates.
func (r *RateLimitedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.PlaceOrder(ctx, req)
}

// GetOrders acquires a token then delegates.
func (r *RateLimitedBroker) GetOrders(ctx context.Context) ([]Order, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetOrders(ctx)
}

// GetPositions acquires a token then delegates.
func (r *RateLimitedBroker) GetPositions(ctx context.Context) ([]NetPosition, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetPositions(ctx)
}

// OrderMargins acquires a token then delegates.
func (r *RateLimitedBroker) OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.broker.OrderMargins(ctx, reqs)
}
