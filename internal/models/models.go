// Package models defines the core domain types shared across the engine:
// instruments, votes, aggregated signals, positions and trades.
package models

import "time"

// Mode selects how orders are executed and how the clock is driven.
type Mode string

const (
	// ModePaper simulates fills locally using last quotes.
	ModePaper Mode = "paper"
	// ModeLive routes every order through the broker before booking it.
	ModeLive Mode = "live"
	// ModeBacktest replays a finite historical bar sequence.
	ModeBacktest Mode = "backtest"
)

// Valid returns true if the mode is one of the defined constants.
func (m Mode) Valid() bool {
	switch m {
	case ModePaper, ModeLive, ModeBacktest:
		return true
	default:
		return false
	}
}

// Exchange identifies the venue a symbol trades on.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO"
	ExchangeBFO Exchange = "BFO"
)

// OptionType is the contract leg type.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// Underlyings tradable by the engine. NSE index derivatives settle on NFO,
// BSE index derivatives on BFO.
const (
	UnderlyingNifty      = "NIFTY"
	UnderlyingBankNifty  = "BANKNIFTY"
	UnderlyingFinNifty   = "FINNIFTY"
	UnderlyingMidcpNifty = "MIDCPNIFTY"
	UnderlyingSensex     = "SENSEX"
	UnderlyingBankex     = "BANKEX"
)

// SpotSymbol returns the exchange-qualified index quote symbol for an
// underlying, as accepted by the bulk quote endpoint.
func SpotSymbol(underlying string) string {
	switch underlying {
	case UnderlyingNifty:
		return "NSE:NIFTY 50"
	case UnderlyingBankNifty:
		return "NSE:NIFTY BANK"
	case UnderlyingFinNifty:
		return "NSE:NIFTY FIN SERVICE"
	case UnderlyingMidcpNifty:
		return "NSE:NIFTY MID SELECT"
	case UnderlyingSensex:
		return "BSE:SENSEX"
	case UnderlyingBankex:
		return "BSE:BANKEX"
	default:
		return ""
	}
}

// DerivativeExchange returns the derivatives segment for an index underlying.
func DerivativeExchange(underlying string) Exchange {
	switch underlying {
	case UnderlyingSensex, UnderlyingBankex:
		return ExchangeBFO
	default:
		return ExchangeNFO
	}
}

// Instrument is a broker-listed tradable contract, immutable per trading day.
type Instrument struct {
	Token      int64      `json:"instrument_token"`
	Symbol     string     `json:"tradingsymbol"`
	Name       string     `json:"name"`
	Exchange   Exchange   `json:"exchange"`
	Segment    string     `json:"segment"`
	LotSize    int        `json:"lot_size"`
	TickSize   float64    `json:"tick_size"`
	Expiry     time.Time  `json:"expiry"`
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"instrument_type"`
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Action is the aggregated decision for a symbol in one iteration.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// MarketBias is the process-wide regime supplied to the aggregator.
type MarketBias string

const (
	BiasBullish MarketBias = "bullish"
	BiasBearish MarketBias = "bearish"
	BiasNeutral MarketBias = "neutral"
)

// Signal directions as voted by strategies.
const (
	DirectionBuy  = 1
	DirectionHold = 0
	DirectionSell = -1
)

// SignalVote is one strategy's opinion on one symbol. Ephemeral.
type SignalVote struct {
	Source    string  `json:"source"`
	Direction int     `json:"direction"` // +1 buy, 0 hold, -1 sell
	Strength  float64 `json:"strength"`  // [0,1]
	Reason    string  `json:"reason,omitempty"`
}

// AggregatedSignal is the single decision the aggregator emits per symbol.
type AggregatedSignal struct {
	Symbol     string       `json:"symbol"`
	Action     Action       `json:"action"`
	Confidence float64      `json:"confidence"`
	Votes      []SignalVote `json:"contributing_votes,omitempty"`
	IsExit     bool         `json:"is_exit"`
}

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitMarketClose ExitReason = "market_close"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitTrail       ExitReason = "trailing_stop"
	ExitIntelligent ExitReason = "intelligent"
	ExitAggregator  ExitReason = "aggregator"
)

// Candle is one OHLCV bar of historical data.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Quote is a point-in-time snapshot for one symbol.
type Quote struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Timestamp    time.Time `json:"timestamp"`
	Stale        bool      `json:"stale,omitempty"`
}
