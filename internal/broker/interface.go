// Package broker provides the rate-limited, cache-backed, retry-wrapped
// client shell around the external quote/order API. It is the only code that
// sees the broker's wire format; everything outbound funnels through it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// OrderRequest describes one order to place or price.
type OrderRequest struct {
	Exchange models.Exchange `json:"exchange"`
	Symbol   string          `json:"tradingsymbol"`
	Side     models.Side     `json:"transaction_type"`
	Quantity int             `json:"quantity"`
	Price    float64         `json:"price"`
	Product  string          `json:"product"`
	Tag      string          `json:"tag,omitempty"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	AvgPrice  float64 `json:"average_price"`
	FilledQty int     `json:"filled_quantity"`
	Fees      float64 `json:"fees"`
}

// Order is a working or historical order as reported by the broker.
type Order struct {
	OrderID   string          `json:"order_id"`
	Exchange  models.Exchange `json:"exchange"`
	Symbol    string          `json:"tradingsymbol"`
	Side      models.Side     `json:"transaction_type"`
	Quantity  int             `json:"quantity"`
	Price     float64         `json:"price"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"order_timestamp"`
}

// NetPosition is a broker-side position row.
type NetPosition struct {
	Symbol   string          `json:"tradingsymbol"`
	Exchange models.Exchange `json:"exchange"`
	Quantity int             `json:"quantity"`
	AvgPrice float64         `json:"average_price"`
	PnL      float64         `json:"pnl"`
}

// MarginEstimate is the broker's answer to an order-margin query.
type MarginEstimate struct {
	Required  float64 `json:"required"`
	Available float64 `json:"available"`
}

// Broker defines the typed surface of the external quote/order API.
type Broker interface {
	GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	GetHistoricalCandles(ctx context.Context, token int64, interval string,
		from, to time.Time) ([]models.Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetOrders(ctx context.Context) ([]Order, error)
	GetPositions(ctx context.Context) ([]NetPosition, error)
	OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error)
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	Threshold uint32        // consecutive transient failures before opening
	Cooldown  time.Duration // open duration before a half-open probe
	Window    time.Duration // rolling interval for failure counts
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
// While open, every call fails immediately with ErrCircuitOpen; after the
// cool-down a single probe is admitted.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker creates a breaker decorator with the given settings.
func NewCircuitBreakerBroker(broker Broker, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	if settings.Threshold == 0 {
		settings.Threshold = 5
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 300 * time.Second
	}
	if settings.Window == 0 {
		settings.Window = 60 * time.Second
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: 1, // one probe while half-open
		Interval:    settings.Window,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Threshold
		},
		IsSuccessful: func(err error) bool {
			// Only transient failures count toward opening the breaker.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrCircuitOpen
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetInstruments wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Instrument, error) {
		return b.GetInstruments(ctx, exchange)
	})
}

// GetQuotes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.Quote, error) {
		return b.GetQuotes(ctx, symbols)
	})
}

// GetHistoricalCandles wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistoricalCandles(ctx context.Context, token int64, interval string,
	from, to time.Time) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.GetHistoricalCandles(ctx, token, interval, from, to)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) {
		return b.GetOrders(ctx)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]NetPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]NetPosition, error) {
		return b.GetPositions(ctx)
	})
}

// OrderMargins wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarginEstimate, error) {
		return b.OrderMargins(ctx, reqs)
	})
}

// Ensure decorators implement Broker at compile time.
var (
	_ Broker = (*CircuitBreakerBroker)(nil)
	_ Broker = (*RateLimitedBroker)(nil)
	_ Broker = (*RetryBroker)(nil)
)
