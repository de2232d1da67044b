// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Defaults applied by normalize() when a key is unset.
const (
	defaultInitialCapital       = 1_000_000.0
	defaultRiskPerTradePaper    = 0.01
	defaultRiskPerTradeLive     = 0.015
	defaultMaxPositionPct       = 0.20
	defaultMaxPerUnderlying     = 6
	defaultMinRRR               = 1.5
	defaultScanIntervalSecs     = 10
	defaultCallsPerSecond       = 3
	defaultBurstLimit           = 5
	defaultBreakerThreshold     = 5
	defaultBreakerCooldownSecs  = 300
	defaultInstrumentTTLSecs    = 1800
	defaultQuoteTTLSecs         = 60
	defaultTrailingActivation   = 1.1
	defaultTrailingStop         = 0.9
	defaultIntelligentThreshold = 0.70
	defaultEntryAgreement       = 0.40
	defaultMinEntryConfidence   = 0.65
	defaultTopNEntries          = 5
	defaultCooldownMinutes      = 15
	defaultStopCooldownMinutes  = 60
	defaultFlattenWindowMinutes = 5
	defaultStrikeHalfWidth      = 15
	defaultMinPairedStrikes     = 5
	defaultChainFanout          = 4
	defaultDuplicateWindowSecs  = 2
	defaultRequestTimeoutSecs   = 10
	defaultShutdownTimeoutSecs  = 30
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig        `yaml:"environment"`
	Broker      BrokerConfig             `yaml:"broker"`
	Portfolio   PortfolioConfig          `yaml:"portfolio"`
	Risk        RiskConfig               `yaml:"risk"`
	Schedule    ScheduleConfig           `yaml:"schedule"`
	Chain       ChainConfig              `yaml:"chain"`
	Signals     SignalsConfig            `yaml:"signals"`
	Exits       ExitsConfig              `yaml:"exits"`
	Watchlist   []string                 `yaml:"watchlist"`
	Cadence     map[string]string        `yaml:"expiry_cadence"`
	Strategies  []StrategyInstanceConfig `yaml:"strategies"`
	Dashboard   DashboardConfig          `yaml:"dashboard"`
	Ops         OpsConfig                `yaml:"ops"`
	Storage     StorageConfig            `yaml:"storage"`
}

// EnvironmentConfig defines the run environment.
type EnvironmentConfig struct {
	Mode     models.Mode `yaml:"mode"`      // paper | live | backtest
	LogLevel string      `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API and client-shell settings.
type BrokerConfig struct {
	APIKey                 string  `yaml:"api_key"`
	APISecret              string  `yaml:"api_secret"`
	APIEndpoint            string  `yaml:"api_endpoint"`
	CallsPerSecond         float64 `yaml:"calls_per_second"`
	BurstLimit             int     `yaml:"burst_limit"`
	BreakerThreshold       int     `yaml:"circuit_breaker_threshold"`
	BreakerCooldownSeconds int     `yaml:"circuit_breaker_cooldown_seconds"`
	InstrumentTTLSeconds   int     `yaml:"instrument_cache_ttl_seconds"`
	QuoteTTLSeconds        int     `yaml:"quote_cache_ttl_seconds"`
	RequestTimeoutSeconds  int     `yaml:"request_timeout_seconds"`
}

// FeesConfig is the paper-mode fee schedule.
type FeesConfig struct {
	FlatPerTrade float64 `yaml:"flat_per_trade"`
	SlippagePct  float64 `yaml:"slippage_pct"`
}

// PortfolioConfig defines ledger settings.
type PortfolioConfig struct {
	InitialCapital float64    `yaml:"initial_capital"`
	Fees           FeesConfig `yaml:"fees"`
}

// RiskConfig defines the pre-trade compliance gates.
type RiskConfig struct {
	RiskPerTradePct        float64 `yaml:"risk_per_trade_pct"`
	MaxPositionPct         float64 `yaml:"max_position_pct"`
	MaxPerUnderlying       int     `yaml:"max_positions_per_underlying"`
	MinRRR                 float64 `yaml:"min_rrr"`
	DuplicateWindowSeconds int     `yaml:"duplicate_window_seconds"`
	BanListFile            string  `yaml:"ban_list_file"`
}

// ScheduleConfig defines the session loop.
type ScheduleConfig struct {
	ScanIntervalSeconds    int    `yaml:"scan_interval_seconds"`
	BypassMarketHours      bool   `yaml:"bypass_market_hours"`
	FlattenWindowMinutes   int    `yaml:"flatten_window_minutes"`
	HolidaysFile           string `yaml:"holidays_file"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// ChainConfig defines option-chain assembly parameters.
type ChainConfig struct {
	StrikeHalfWidth  int `yaml:"strike_half_width"`
	MinPairedStrikes int `yaml:"min_paired_strikes"`
}

// SignalsConfig defines aggregation thresholds and fan-out.
type SignalsConfig struct {
	MarketBias              models.MarketBias `yaml:"market_bias"`
	EntryAgreementThreshold float64           `yaml:"entry_agreement_threshold"`
	MinEntryConfidence      float64           `yaml:"min_entry_confidence"`
	TopNEntries             int               `yaml:"top_n_entries"`
	CooldownMinutes         int               `yaml:"cooldown_minutes"`
	StopLossCooldownMinutes int               `yaml:"stop_loss_cooldown_minutes"`
	MaxParallelChainBuilds  int               `yaml:"max_parallel_chain_builds"`
	TrendFilterEnabled      bool              `yaml:"trend_filter_enabled"`
}

// ExitsConfig defines the position-manager thresholds.
type ExitsConfig struct {
	TrailingActivationMultiplier float64 `yaml:"trailing_activation_multiplier"`
	TrailingStopMultiplier       float64 `yaml:"trailing_stop_multiplier"`
	IntelligentExitThreshold     float64 `yaml:"intelligent_exit_threshold"`
	ForceFlattenLive             bool    `yaml:"force_flatten_live"`
}

// StrategyInstanceConfig names a registered strategy and its parameters.
type StrategyInstanceConfig struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// DashboardConfig defines the outbound event sink.
type DashboardConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// OpsConfig defines the local status endpoint.
type OpsConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines archive and checkpoint paths.
type StorageConfig struct {
	ArchiveDir     string `yaml:"archive_dir"`
	BackupDir      string `yaml:"backup_dir"`
	SavedTradesDir string `yaml:"saved_trades_dir"`
	CheckpointPath string `yaml:"checkpoint_path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills unset keys with the documented defaults.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = models.ModePaper
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Portfolio.InitialCapital == 0 {
		c.Portfolio.InitialCapital = defaultInitialCapital
	}
	if c.Risk.RiskPerTradePct == 0 {
		if c.Environment.Mode == models.ModeLive {
			c.Risk.RiskPerTradePct = defaultRiskPerTradeLive
		} else {
			c.Risk.RiskPerTradePct = defaultRiskPerTradePaper
		}
	}
	// Live sizing is hard-capped regardless of what the file says.
	if c.Environment.Mode == models.ModeLive && c.Risk.RiskPerTradePct > defaultRiskPerTradeLive {
		c.Risk.RiskPerTradePct = defaultRiskPerTradeLive
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = defaultMaxPositionPct
	}
	if c.Risk.MaxPerUnderlying == 0 {
		c.Risk.MaxPerUnderlying = defaultMaxPerUnderlying
	}
	if c.Risk.MinRRR == 0 {
		c.Risk.MinRRR = defaultMinRRR
	}
	if c.Risk.DuplicateWindowSeconds == 0 {
		c.Risk.DuplicateWindowSeconds = defaultDuplicateWindowSecs
	}
	if c.Schedule.ScanIntervalSeconds == 0 {
		c.Schedule.ScanIntervalSeconds = defaultScanIntervalSecs
	}
	if c.Schedule.FlattenWindowMinutes == 0 {
		c.Schedule.FlattenWindowMinutes = defaultFlattenWindowMinutes
	}
	if c.Schedule.ShutdownTimeoutSeconds == 0 {
		c.Schedule.ShutdownTimeoutSeconds = defaultShutdownTimeoutSecs
	}
	if c.Broker.CallsPerSecond == 0 {
		c.Broker.CallsPerSecond = defaultCallsPerSecond
	}
	if c.Broker.BurstLimit == 0 {
		c.Broker.BurstLimit = defaultBurstLimit
	}
	if c.Broker.BreakerThreshold == 0 {
		c.Broker.BreakerThreshold = defaultBreakerThreshold
	}
	if c.Broker.BreakerCooldownSeconds == 0 {
		c.Broker.BreakerCooldownSeconds = defaultBreakerCooldownSecs
	}
	if c.Broker.InstrumentTTLSeconds == 0 {
		c.Broker.InstrumentTTLSeconds = defaultInstrumentTTLSecs
	}
	if c.Broker.QuoteTTLSeconds == 0 {
		c.Broker.QuoteTTLSeconds = defaultQuoteTTLSecs
	}
	if c.Broker.RequestTimeoutSeconds == 0 {
		c.Broker.RequestTimeoutSeconds = defaultRequestTimeoutSecs
	}
	if c.Chain.StrikeHalfWidth == 0 {
		c.Chain.StrikeHalfWidth = defaultStrikeHalfWidth
	}
	if c.Chain.MinPairedStrikes == 0 {
		c.Chain.MinPairedStrikes = defaultMinPairedStrikes
	}
	if c.Signals.MarketBias == "" {
		c.Signals.MarketBias = models.BiasNeutral
	}
	if c.Signals.EntryAgreementThreshold == 0 {
		c.Signals.EntryAgreementThreshold = defaultEntryAgreement
	}
	if c.Signals.MinEntryConfidence == 0 {
		c.Signals.MinEntryConfidence = defaultMinEntryConfidence
	}
	if c.Signals.TopNEntries == 0 {
		c.Signals.TopNEntries = defaultTopNEntries
	}
	if c.Signals.CooldownMinutes == 0 {
		c.Signals.CooldownMinutes = defaultCooldownMinutes
	}
	if c.Signals.StopLossCooldownMinutes == 0 {
		c.Signals.StopLossCooldownMinutes = defaultStopCooldownMinutes
	}
	if c.Signals.MaxParallelChainBuilds == 0 {
		c.Signals.MaxParallelChainBuilds = defaultChainFanout
	}
	if c.Exits.TrailingActivationMultiplier == 0 {
		c.Exits.TrailingActivationMultiplier = defaultTrailingActivation
	}
	if c.Exits.TrailingStopMultiplier == 0 {
		c.Exits.TrailingStopMultiplier = defaultTrailingStop
	}
	if c.Exits.IntelligentExitThreshold == 0 {
		c.Exits.IntelligentExitThreshold = defaultIntelligentThreshold
	}
	if len(c.Watchlist) == 0 {
		c.Watchlist = []string{models.UnderlyingNifty, models.UnderlyingBankNifty}
	}
	if c.Cadence == nil {
		c.Cadence = map[string]string{}
	}
	for _, u := range []string{
		models.UnderlyingNifty, models.UnderlyingBankNifty,
		models.UnderlyingFinNifty, models.UnderlyingMidcpNifty,
	} {
		if _, ok := c.Cadence[u]; !ok {
			c.Cadence[u] = string(calendar.CadenceWeekly)
		}
	}
	for _, u := range []string{models.UnderlyingSensex, models.UnderlyingBankex} {
		if _, ok := c.Cadence[u]; !ok {
			c.Cadence[u] = string(calendar.CadenceMonthly)
		}
	}
	if c.Storage.ArchiveDir == "" {
		c.Storage.ArchiveDir = "trade_archives"
	}
	if c.Storage.BackupDir == "" {
		c.Storage.BackupDir = "trade_archives_backup"
	}
	if c.Storage.SavedTradesDir == "" {
		c.Storage.SavedTradesDir = "saved_trades"
	}
	if c.Storage.CheckpointPath == "" {
		c.Storage.CheckpointPath = "state_checkpoint.json"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if !c.Environment.Mode.Valid() {
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'backtest'")
	}
	if c.Environment.Mode == models.ModeLive && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required in live mode")
	}
	if c.Portfolio.InitialCapital <= 0 {
		return fmt.Errorf("portfolio.initial_capital must be > 0")
	}
	if c.Portfolio.Fees.SlippagePct < 0 || c.Portfolio.Fees.SlippagePct > 0.05 {
		return fmt.Errorf("portfolio.fees.slippage_pct must be in [0, 0.05]")
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 0.10 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 0.10]")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1.0 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1.0]")
	}
	if c.Risk.MaxPerUnderlying <= 0 {
		return fmt.Errorf("risk.max_positions_per_underlying must be > 0")
	}
	if c.Risk.MinRRR < 1.0 {
		return fmt.Errorf("risk.min_rrr must be >= 1.0")
	}
	if c.Schedule.ScanIntervalSeconds < 5 {
		return fmt.Errorf("schedule.scan_interval_seconds must be >= 5")
	}
	if c.Broker.CallsPerSecond <= 0 {
		return fmt.Errorf("broker.calls_per_second must be > 0")
	}
	if c.Broker.BurstLimit <= 0 {
		return fmt.Errorf("broker.burst_limit must be > 0")
	}
	if c.Signals.EntryAgreementThreshold <= 0 || c.Signals.EntryAgreementThreshold > 1 {
		return fmt.Errorf("signals.entry_agreement_threshold must be in (0,1]")
	}
	if c.Signals.MinEntryConfidence <= 0 || c.Signals.MinEntryConfidence > 1 {
		return fmt.Errorf("signals.min_entry_confidence must be in (0,1]")
	}
	switch c.Signals.MarketBias {
	case models.BiasBullish, models.BiasBearish, models.BiasNeutral:
	default:
		return fmt.Errorf("signals.market_bias must be bullish, bearish or neutral")
	}
	if c.Signals.StopLossCooldownMinutes < c.Signals.CooldownMinutes {
		return fmt.Errorf("signals.stop_loss_cooldown_minutes (%d) must be >= cooldown_minutes (%d)",
			c.Signals.StopLossCooldownMinutes, c.Signals.CooldownMinutes)
	}
	if c.Exits.TrailingStopMultiplier <= 0 || c.Exits.TrailingActivationMultiplier <= 0 {
		return fmt.Errorf("exits trailing multipliers must be > 0")
	}
	if c.Exits.IntelligentExitThreshold <= 0 || c.Exits.IntelligentExitThreshold > 1 {
		return fmt.Errorf("exits.intelligent_exit_threshold must be in (0,1]")
	}
	known := map[string]bool{
		models.UnderlyingNifty: true, models.UnderlyingBankNifty: true,
		models.UnderlyingFinNifty: true, models.UnderlyingMidcpNifty: true,
		models.UnderlyingSensex: true, models.UnderlyingBankex: true,
	}
	for _, u := range c.Watchlist {
		if !known[u] {
			return fmt.Errorf("watchlist: unknown underlying %q", u)
		}
	}
	for u, cad := range c.Cadence {
		if !known[u] {
			return fmt.Errorf("expiry_cadence: unknown underlying %q", u)
		}
		if !calendar.ExpiryCadence(cad).Valid() {
			return fmt.Errorf("expiry_cadence.%s: must be weekly or monthly, got %q", u, cad)
		}
	}
	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategies: entry with empty name")
		}
	}
	return nil
}

// IsPaperTrading returns true unless the engine runs in live mode.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode != models.ModeLive
}

// ScanInterval returns the iteration period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Schedule.ScanIntervalSeconds) * time.Second
}

// FlattenWindow returns the pre-close force-flatten window.
func (c *Config) FlattenWindow() time.Duration {
	return time.Duration(c.Schedule.FlattenWindowMinutes) * time.Minute
}

// ShutdownTimeout bounds the wait for an in-flight iteration on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Schedule.ShutdownTimeoutSeconds) * time.Second
}

// CadenceFor returns the expiry cadence for an underlying.
func (c *Config) CadenceFor(underlying string) calendar.ExpiryCadence {
	if cad, ok := c.Cadence[underlying]; ok {
		return calendar.ExpiryCadence(cad)
	}
	return calendar.CadenceWeekly
}
