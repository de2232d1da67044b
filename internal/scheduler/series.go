package scheduler

import (
	"sync"
	"time"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// maxSeriesLen bounds per-symbol bar history; one session at a 10s scan is
// well under this.
const maxSeriesLen = 600

// seriesStore accumulates synthetic bars per symbol from the iteration's bulk
// quote fetch. Strategies evaluate on these series.
type seriesStore struct {
	mu     sync.RWMutex
	series map[string][]models.Candle
}

func newSeriesStore() *seriesStore {
	return &seriesStore{series: make(map[string][]models.Candle)}
}

// observe folds one quote into the symbol's series as a bar at ts.
func (s *seriesStore) observe(symbol string, q models.Quote, ts time.Time) {
	if q.LastPrice <= 0 || q.Stale {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.series[symbol]
	bar := models.Candle{
		Timestamp: ts,
		Open:      q.LastPrice,
		High:      q.LastPrice,
		Low:       q.LastPrice,
		Close:     q.LastPrice,
		Volume:    q.Volume,
	}
	if n := len(bars); n > 0 {
		prev := bars[n-1]
		bar.Open = prev.Close
		if prev.Close > bar.High {
			bar.High = prev.Close
		}
		if prev.Close < bar.Low {
			bar.Low = prev.Close
		}
	}
	bars = append(bars, bar)
	if len(bars) > maxSeriesLen {
		bars = bars[len(bars)-maxSeriesLen:]
	}
	s.series[symbol] = bars
}

// seed replaces a symbol's history with broker candles.
func (s *seriesStore) seed(symbol string, candles []models.Candle) {
	if len(candles) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.Candle, len(candles))
	copy(cp, candles)
	if len(cp) > maxSeriesLen {
		cp = cp[len(cp)-maxSeriesLen:]
	}
	s.series[symbol] = cp
}

// get returns a copy of the symbol's series.
func (s *seriesStore) get(symbol string) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := s.series[symbol]
	out := make([]models.Candle, len(bars))
	copy(out, bars)
	return out
}

// reset drops all accumulated series.
func (s *seriesStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string][]models.Candle)
}
