// Package dashboard pushes portfolio snapshots to an external dashboard
// sink. Delivery is best-effort: failures trip a local circuit breaker and
// never affect trading.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

// Event is the JSON body POSTed to <base_url>/api/update.
type Event struct {
	Mode         string          `json:"mode"`
	Timestamp    string          `json:"timestamp_iso8601_ist"`
	Cash         string          `json:"cash"`
	Positions    []EventPosition `json:"positions"`
	RecentTrades []models.Trade  `json:"recent_trades"`
	Cumulative   EventCumulative `json:"cumulative"`
}

// EventPosition is one open position in the event payload.
type EventPosition struct {
	Symbol        string  `json:"symbol"`
	Shares        int     `json:"shares"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealised_pnl"`
}

// EventCumulative is the day's running totals.
type EventCumulative struct {
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    string  `json:"total_pnl"`
}

// Publisher delivers events to the sink behind its own circuit breaker so a
// dead dashboard costs one breaker probe per cooldown, not a timeout per
// iteration.
type Publisher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
	loc     *time.Location
}

// NewPublisher builds a publisher. An empty baseURL disables publishing.
func NewPublisher(baseURL, apiKey string, logger *logrus.Logger) *Publisher {
	settings := gobreaker.Settings{
		Name:        "DashboardSink",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("dashboard breaker state change")
		},
	}
	return &Publisher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		loc:     calendar.IST(),
	}
}

// Enabled reports whether a sink is configured.
func (p *Publisher) Enabled() bool { return p.baseURL != "" }

// BuildEvent converts a ledger snapshot into the wire payload.
func (p *Publisher) BuildEvent(snap portfolio.Snapshot, prices map[string]float64) Event {
	positions := make([]EventPosition, 0, len(snap.Positions))
	for sym, pos := range snap.Positions {
		price := pos.EntryPrice
		if v, ok := prices[sym]; ok && v > 0 {
			price = v
		}
		positions = append(positions, EventPosition{
			Symbol:        sym,
			Shares:        pos.Shares,
			EntryPrice:    pos.EntryPrice,
			CurrentPrice:  price,
			UnrealizedPnL: pos.UnrealizedPnL(price),
		})
	}
	return Event{
		Mode:         string(snap.Mode),
		Timestamp:    snap.TakenAt.In(p.loc).Format(time.RFC3339),
		Cash:         snap.Cash.StringFixed(2),
		Positions:    positions,
		RecentTrades: snap.RecentTrades,
		Cumulative: EventCumulative{
			TotalTrades: snap.Counters.TotalTrades,
			WinRate:     snap.Counters.WinRatePct(),
			TotalPnL:    snap.Counters.TotalPnL.StringFixed(2),
		},
	}
}

// Publish POSTs one event. Errors are logged and swallowed; the caller never
// branches on delivery.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if !p.Enabled() {
		return
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.post(ctx, event)
	})
	if err != nil {
		p.logger.WithError(err).Debug("dashboard publish failed")
	}
}

func (p *Publisher) post(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding dashboard event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/update", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dashboard sink returned %d", resp.StatusCode)
	}
	return nil
}
