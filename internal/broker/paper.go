package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// PaperBroker is an in-memory Broker for paper mode and tests. Orders fill
// immediately at the current quote's last price; instruments and quotes are
// seeded by the caller.
type PaperBroker struct {
	mu          sync.RWMutex
	instruments map[models.Exchange][]models.Instrument
	quotes      map[string]models.Quote
	candles     map[int64][]models.Candle
	orders      []Order
	positions   map[string]*NetPosition
	margin      float64
}

// NewPaperBroker creates an empty paper broker with the given margin pool.
func NewPaperBroker(availableMargin float64) *PaperBroker {
	return &PaperBroker{
		instruments: make(map[models.Exchange][]models.Instrument),
		quotes:      make(map[string]models.Quote),
		candles:     make(map[int64][]models.Candle),
		positions:   make(map[string]*NetPosition),
		margin:      availableMargin,
	}
}

// SetInstruments replaces the instrument dump for an exchange.
func (p *PaperBroker) SetInstruments(exchange models.Exchange, instruments []models.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[exchange] = instruments
}

// SetQuote sets or updates the quote for a symbol.
func (p *PaperBroker) SetQuote(symbol string, quote models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	quote.Symbol = symbol
	p.quotes[symbol] = quote
}

// SetCandles seeds historical bars for an instrument token.
func (p *PaperBroker) SetCandles(token int64, candles []models.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[token] = candles
}

// GetInstruments returns the seeded dump for an exchange.
func (p *PaperBroker) GetInstruments(_ context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Instrument, len(p.instruments[exchange]))
	copy(out, p.instruments[exchange])
	return out, nil
}

// GetQuotes returns quotes for the symbols that have been seeded. Unknown
// symbols are silently absent from the result, matching the live API.
func (p *PaperBroker) GetQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := p.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

// GetHistoricalCandles returns seeded bars inside [from, to].
func (p *PaperBroker) GetHistoricalCandles(_ context.Context, token int64, _ string,
	from, to time.Time) ([]models.Candle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.Candle
	for _, c := range p.candles[token] {
		if !c.Timestamp.Before(from) && !c.Timestamp.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// PlaceOrder fills immediately at the last traded price.
func (p *PaperBroker) PlaceOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", ErrOrderRejected, req.Quantity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	quote, ok := p.quotes[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", ErrOrderRejected, req.Symbol)
	}
	fillPrice := quote.LastPrice
	if req.Price > 0 {
		fillPrice = req.Price
	}

	orderID := uuid.NewString()
	p.orders = append(p.orders, Order{
		OrderID:   orderID,
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     fillPrice,
		Status:    "COMPLETE",
		Timestamp: time.Now(),
	})

	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = &NetPosition{Symbol: req.Symbol, Exchange: req.Exchange}
		p.positions[req.Symbol] = pos
	}
	signed := req.Quantity
	if req.Side == models.SideSell {
		signed = -req.Quantity
	}
	pos.Quantity += signed
	if pos.Quantity == 0 {
		delete(p.positions, req.Symbol)
	} else {
		pos.AvgPrice = fillPrice
	}

	return &OrderAck{
		OrderID:   orderID,
		Status:    "COMPLETE",
		AvgPrice:  fillPrice,
		FilledQty: req.Quantity,
	}, nil
}

// GetOrders returns the order log.
func (p *PaperBroker) GetOrders(_ context.Context) ([]Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Order, len(p.orders))
	copy(out, p.orders)
	return out, nil
}

// GetPositions returns the net positions built from fills.
func (p *PaperBroker) GetPositions(_ context.Context) ([]NetPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NetPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// OrderMargins prices a basket against the seeded margin pool. Required
// margin for a long option is premium times quantity.
func (p *PaperBroker) OrderMargins(_ context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var required float64
	for _, req := range reqs {
		price := req.Price
		if price <= 0 {
			if q, ok := p.quotes[req.Symbol]; ok {
				price = q.LastPrice
			}
		}
		required += price * float64(req.Quantity)
	}
	return &MarginEstimate{Required: required, Available: p.margin}, nil
}

var _ Broker = (*PaperBroker)(nil)
