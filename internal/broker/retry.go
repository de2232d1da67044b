package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// RetryConfig tunes the retry decorator.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig matches the documented policy: up to 3 retries,
// exponential backoff from 1s capped at 10s, full jitter.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// RetryBroker retries transient failures with exponential backoff and full
// jitter. Permanent errors and breaker rejections pass through untouched.
type RetryBroker struct {
	broker Broker
	logger *logrus.Logger
	config RetryConfig
}

// NewRetryBroker wraps broker with the retry policy.
func NewRetryBroker(broker Broker, logger *logrus.Logger, config ...RetryConfig) *RetryBroker {
	cfg := DefaultRetryConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &RetryBroker{broker: broker, logger: logger, config: cfg}
}

// retryCall runs fn with the decorator's retry policy.
func retryCall[T any](ctx context.Context, c *RetryBroker, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}

		wait := fullJitter(backoff)
		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": wait.String(),
		}).WithError(err).Warn("transient broker error, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}

		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}

	return zero, lastErr
}

// fullJitter draws a uniform duration in (0, d].
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64()) + time.Millisecond
}

// GetInstruments retries transient failures.
func (c *RetryBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return retryCall(ctx, c, "instruments", func() ([]models.Instrument, error) {
		return c.broker.GetInstruments(ctx, exchange)
	})
}

// GetQuotes retries transient failures.
func (c *RetryBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return retryCall(ctx, c, "quotes", func() (map[string]models.Quote, error) {
		return c.broker.GetQuotes(ctx, symbols)
	})
}

// GetHistoricalCandles retries transient failures.
func (c *RetryBroker) GetHistoricalCandles(ctx context.Context, token int64, interval string,
	from, to time.Time) ([]models.Candle, error) {
	return retryCall(ctx, c, "historical", func() ([]models.Candle, error) {
		return c.broker.GetHistoricalCandles(ctx, token, interval, from, to)
	})
}

// PlaceOrder retries transient failures. Order placement carries an
// idempotency tag so a retried submit cannot double-fill.
func (c *RetryBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return retryCall(ctx, c, "place_order", func() (*OrderAck, error) {
		return c.broker.PlaceOrder(ctx, req)
	})
}

// GetOrders retries transient failures.
func (c *RetryBroker) GetOrders(ctx context.Context) ([]Order, error) {
	return retryCall(ctx, c, "orders", func() ([]Order, error) {
		return c.broker.GetOrders(ctx)
	})
}

// GetPositions retries transient failures.
func (c *RetryBroker) GetPositions(ctx context.Context) ([]NetPosition, error) {
	return retryCall(ctx, c, "positions", func() ([]NetPosition, error) {
		return c.broker.GetPositions(ctx)
	})
}

// OrderMargins retries transient failures.
func (c *RetryBroker) OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	return retryCall(ctx, c, "order_margins", func() (*MarginEstimate, error) {
		return c.broker.OrderMargins(ctx, reqs)
	})
}
