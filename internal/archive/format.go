// Package archive persists the trading day: the daily trade archive with an
// integrity block and backup copy, the next-day position restoration file and
// the per-iteration state checkpoint.
package archive

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

// FormatVersion is bumped when the archive layout changes shape.
const FormatVersion = "2.0"

// Metadata identifies one archive document.
type Metadata struct {
	TradingDay        string    `json:"trading_day"`
	TradingMode       string    `json:"trading_mode"`
	ExportTimestamp   time.Time `json:"export_timestamp"`
	SystemVersion     string    `json:"system_version"`
	DataFormatVersion string    `json:"data_format_version"`
}

// DailySummary aggregates the day's activity.
type DailySummary struct {
	TotalTrades        int             `json:"total_trades"`
	BuyTrades          int             `json:"buy_trades"`
	SellTrades         int             `json:"sell_trades"`
	ClosedTrades       int             `json:"closed_trades"`
	OpenTrades         int             `json:"open_trades"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalFees          decimal.Decimal `json:"total_fees"`
	NetPnL             decimal.Decimal `json:"net_pnl"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	WinRatePct         float64         `json:"win_rate_pct"`
	SymbolsTraded      []string        `json:"symbols_traded"`
	UniqueSymbolsCount int             `json:"unique_symbols_count"`
	SectorDistribution map[string]int  `json:"sector_distribution"`
}

// PortfolioState captures cash and cumulative counters at archive time.
type PortfolioState struct {
	OpeningCash     decimal.Decimal    `json:"opening_cash"`
	ClosingCash     decimal.Decimal    `json:"closing_cash"`
	Cumulative      portfolio.Counters `json:"cumulative"`
	ActivePositions int                `json:"active_positions"`
}

// PositionSnapshot is an open position marked to its latest price.
type PositionSnapshot struct {
	models.Position
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// OpenPositions lists the positions still held at capture time.
type OpenPositions struct {
	CapturedAt time.Time          `json:"captured_at"`
	Positions  []PositionSnapshot `json:"positions"`
}

// DataIntegrity lets a reader detect truncation or tampering.
type DataIntegrity struct {
	TradeCount          int        `json:"trade_count"`
	Checksum            string     `json:"checksum"`
	FirstTradeTimestamp *time.Time `json:"first_trade_timestamp,omitempty"`
	LastTradeTimestamp  *time.Time `json:"last_trade_timestamp,omitempty"`
	LastTradeID         string     `json:"last_trade_id,omitempty"`
}

// Document is the complete daily archive.
type Document struct {
	Metadata       Metadata        `json:"metadata"`
	DailySummary   DailySummary    `json:"daily_summary"`
	PortfolioState PortfolioState  `json:"portfolio_state"`
	Trades         []models.Trade  `json:"trades"`
	OpenPositions  OpenPositions   `json:"open_positions"`
	DataIntegrity  DataIntegrity   `json:"data_integrity"`
}

// Checksum hashes the concatenated trade IDs in sequence order. Deterministic
// across write and read.
func Checksum(trades []models.Trade) string {
	h := xxhash.New()
	for _, t := range trades {
		_, _ = h.WriteString(t.ID)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Build assembles the archive document from a ledger snapshot, the full trade
// log and the last known prices.
func Build(snap portfolio.Snapshot, trades []models.Trade, prices map[string]float64,
	version string, now time.Time) *Document {
	symbols := make(map[string]bool)
	sectors := make(map[string]int)
	closed := 0
	for _, t := range trades {
		symbols[t.Symbol] = true
		if t.Sector != "" {
			sectors[t.Sector]++
		}
		if t.IsClosing() {
			closed++
		}
	}
	symbolList := make([]string, 0, len(symbols))
	for s := range symbols {
		symbolList = append(symbolList, s)
	}
	sort.Strings(symbolList)

	positions := make([]PositionSnapshot, 0, len(snap.Positions))
	for _, pos := range snap.Positions {
		price := pos.EntryPrice
		if p, ok := prices[pos.Symbol]; ok && p > 0 {
			price = p
		}
		positions = append(positions, PositionSnapshot{
			Position:      pos,
			CurrentPrice:  price,
			UnrealizedPnL: pos.UnrealizedPnL(price),
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	integrity := DataIntegrity{
		TradeCount: len(trades),
		Checksum:   Checksum(trades),
	}
	if len(trades) > 0 {
		first, last := trades[0].Timestamp, trades[len(trades)-1].Timestamp
		integrity.FirstTradeTimestamp = &first
		integrity.LastTradeTimestamp = &last
		integrity.LastTradeID = trades[len(trades)-1].ID
	}

	return &Document{
		Metadata: Metadata{
			TradingDay:        snap.TradingDay.Format("2006-01-02"),
			TradingMode:       string(snap.Mode),
			ExportTimestamp:   now,
			SystemVersion:     version,
			DataFormatVersion: FormatVersion,
		},
		DailySummary: DailySummary{
			TotalTrades:        snap.Counters.TotalTrades,
			BuyTrades:          snap.Counters.BuyTrades,
			SellTrades:         snap.Counters.SellTrades,
			ClosedTrades:       closed,
			OpenTrades:         len(snap.Positions),
			TotalPnL:           snap.Counters.TotalPnL,
			TotalFees:          snap.Counters.TotalFees,
			NetPnL:             snap.Counters.TotalPnL.Sub(snap.Counters.TotalFees),
			WinningTrades:      snap.Counters.WinningTrades,
			LosingTrades:       snap.Counters.LosingTrades,
			WinRatePct:         snap.Counters.WinRatePct(),
			SymbolsTraded:      symbolList,
			UniqueSymbolsCount: len(symbolList),
			SectorDistribution: sectors,
		},
		PortfolioState: PortfolioState{
			OpeningCash:     snap.OpeningCash,
			ClosingCash:     snap.Cash,
			Cumulative:      snap.Counters,
			ActivePositions: len(snap.Positions),
		},
		Trades: trades,
		OpenPositions: OpenPositions{
			CapturedAt: now,
			Positions:  positions,
		},
		DataIntegrity: integrity,
	}
}

// Verify recomputes the integrity block and reports a mismatch.
func (d *Document) Verify() error {
	if len(d.Trades) != d.DataIntegrity.TradeCount {
		return fmt.Errorf("%w: %d trades, integrity says %d",
			ErrChecksumMismatch, len(d.Trades), d.DataIntegrity.TradeCount)
	}
	if got := Checksum(d.Trades); got != d.DataIntegrity.Checksum {
		return fmt.Errorf("%w: recomputed %s, stored %s",
			ErrChecksumMismatch, got, d.DataIntegrity.Checksum)
	}
	return nil
}
