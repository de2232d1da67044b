package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleSnapshot() portfolio.Snapshot {
	return portfolio.Snapshot{
		Mode:        models.ModePaper,
		TradingDay:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		OpeningCash: decimal.NewFromInt(1_000_000),
		Cash:        decimal.NewFromFloat(994_950),
		Positions: map[string]models.Position{
			"NIFTY26MAR24800CE": {
				Symbol:     "NIFTY26MAR24800CE",
				Shares:     50,
				EntryPrice: 100,
				StopLoss:   90,
				TakeProfit: 130,
			},
		},
		Counters: portfolio.Counters{
			TotalTrades:   2,
			WinningTrades: 1,
			TotalPnL:      decimal.NewFromInt(250),
		},
		TakenAt: time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC),
	}
}

func TestBuildEventShape(t *testing.T) {
	p := NewPublisher("http://example.invalid", "", quietLogger())
	event := p.BuildEvent(sampleSnapshot(), map[string]float64{"NIFTY26MAR24800CE": 104})

	assert.Equal(t, "paper", event.Mode)
	assert.Equal(t, "994950.00", event.Cash)
	require.Len(t, event.Positions, 1)
	assert.Equal(t, "NIFTY26MAR24800CE", event.Positions[0].Symbol)
	assert.InDelta(t, 104.0, event.Positions[0].CurrentPrice, 1e-9)
	assert.InDelta(t, 200.0, event.Positions[0].UnrealizedPnL, 1e-9)
	assert.Equal(t, 2, event.Cumulative.TotalTrades)
	assert.Equal(t, "250.00", event.Cumulative.TotalPnL)
	// 05:00 UTC renders as 10:30 IST.
	assert.Contains(t, event.Timestamp, "10:30:00+05:30")
}

func TestBuildEventMarksUnquotedPositionsAtEntry(t *testing.T) {
	p := NewPublisher("http://example.invalid", "", quietLogger())
	event := p.BuildEvent(sampleSnapshot(), nil)

	require.Len(t, event.Positions, 1)
	assert.InDelta(t, 100.0, event.Positions[0].CurrentPrice, 1e-9)
	assert.Zero(t, event.Positions[0].UnrealizedPnL)
}

func TestPublishPostsEvent(t *testing.T) {
	var got Event
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, "dash-key", quietLogger())
	require.True(t, p.Enabled())
	p.Publish(context.Background(), p.BuildEvent(sampleSnapshot(), nil))

	assert.Equal(t, "/api/update", path)
	assert.Equal(t, "dash-key", key)
	assert.Equal(t, "paper", got.Mode)
	assert.Equal(t, "994950.00", got.Cash)
}

func TestPublishDisabledWithoutBaseURL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := NewPublisher("", "", quietLogger())
	assert.False(t, p.Enabled())
	p.Publish(context.Background(), p.BuildEvent(sampleSnapshot(), nil))
	assert.Zero(t, calls.Load())
}

func TestPublishSwallowsSinkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, "", quietLogger())
	// Must not panic or surface an error to the caller.
	p.Publish(context.Background(), p.BuildEvent(sampleSnapshot(), nil))
}

func TestRepeatedFailuresTripTheBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, "", quietLogger())
	event := p.BuildEvent(sampleSnapshot(), nil)
	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), event)
	}
	assert.EqualValues(t, 3, calls.Load(), "breaker opens after three consecutive failures")
}
