package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

// Checkpoint is the small state file written every iteration so an operator
// can see live progress and a crashed process leaves a recent trail.
type Checkpoint struct {
	Mode       models.Mode     `json:"mode"`
	Iteration  int64           `json:"iteration"`
	TradingDay string          `json:"trading_day"`
	LastUpdate time.Time       `json:"last_update"`
	Portfolio  CheckpointState `json:"portfolio"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// CheckpointState summarises the ledger inside a checkpoint.
type CheckpointState struct {
	Cash          decimal.Decimal `json:"cash"`
	OpenPositions int             `json:"open_positions"`
	TotalTrades   int             `json:"total_trades"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// WriteCheckpoint persists the checkpoint atomically.
func WriteCheckpoint(path string, iteration int64, snap portfolio.Snapshot,
	prices map[string]float64, now time.Time) error {
	cp := Checkpoint{
		Mode:       snap.Mode,
		Iteration:  iteration,
		TradingDay: snap.TradingDay.Format("2006-01-02"),
		LastUpdate: now,
		Portfolio: CheckpointState{
			Cash:          snap.Cash,
			OpenPositions: len(snap.Positions),
			TotalTrades:   snap.Counters.TotalTrades,
			TotalPnL:      snap.Counters.TotalPnL,
		},
		TotalValue: snap.TotalValue(prices),
	}
	if err := writeJSONAtomic(path, &cp); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrWriteFailed, err)
	}
	return nil
}

// ReadCheckpoint loads a checkpoint file.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-controlled checkpoint path
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return &cp, nil
}
