// Package ops serves the operator-facing status endpoints: health, open
// positions and daily stats as JSON. No UI is served here.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

// SnapshotFunc supplies the current ledger snapshot.
type SnapshotFunc func() portfolio.Snapshot

// Server is the ops HTTP endpoint.
type Server struct {
	httpServer *http.Server
	snapshot   SnapshotFunc
	authToken  string
	logger     *logrus.Logger
	startedAt  time.Time
	version    string
}

// NewServer builds the ops server on the given port. authToken of "" leaves
// the API open (local use only).
func NewServer(port int, authToken, version string, snapshot SnapshotFunc,
	logger *logrus.Logger) *Server {
	s := &Server{
		snapshot:  snapshot,
		authToken: authToken,
		logger:    logger,
		startedAt: time.Now(),
		version:   version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/positions", s.handlePositions)
		r.Get("/api/stats", s.handleStats)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.Header.Get("X-Auth-Token") != s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	type row struct {
		Symbol     string  `json:"symbol"`
		Underlying string  `json:"underlying"`
		Shares     int     `json:"shares"`
		EntryPrice float64 `json:"entry_price"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
		Trailing   bool    `json:"trailing_active"`
	}
	rows := make([]row, 0, len(snap.Positions))
	for _, pos := range snap.Positions {
		rows = append(rows, row{
			Symbol:     pos.Symbol,
			Underlying: pos.Underlying,
			Shares:     pos.Shares,
			EntryPrice: pos.EntryPrice,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			Trailing:   pos.TrailingActive,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(rows),
		"positions": rows,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           snap.Mode,
		"trading_day":    snap.TradingDay.Format("2006-01-02"),
		"cash":           snap.Cash.StringFixed(2),
		"opening_cash":   snap.OpeningCash.StringFixed(2),
		"open_positions": len(snap.Positions),
		"total_trades":   snap.Counters.TotalTrades,
		"winning_trades": snap.Counters.WinningTrades,
		"losing_trades":  snap.Counters.LosingTrades,
		"win_rate_pct":   snap.Counters.WinRatePct(),
		"total_pnl":      snap.Counters.TotalPnL.StringFixed(2),
		"total_fees":     snap.Counters.TotalFees.StringFixed(2),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
