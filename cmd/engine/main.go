// Command engine runs the intraday F&O trading engine: session-gated scan
// loop, exit-first trading cycle, end-of-day archival.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/archive"
	"github.com/rpatel-algo/fno_intraday/internal/broker"
	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/chain"
	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/config"
	"github.com/rpatel-algo/fno_intraday/internal/dashboard"
	"github.com/rpatel-algo/fno_intraday/internal/exits"
	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/ops"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
	"github.com/rpatel-algo/fno_intraday/internal/risk"
	"github.com/rpatel-algo/fno_intraday/internal/scheduler"
	signals "github.com/rpatel-algo/fno_intraday/internal/signal"
	"github.com/rpatel-algo/fno_intraday/internal/strategy"
)

const version = "1.4.0"

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitAuth      = 2
	exitArchival  = 3
	exitInterrupt = 130
)

// liveConfirmEnv must be set alongside --confirm-live before live mode
// starts. Two independent switches make an accidental live session unlikely.
const liveConfirmEnv = "FNO_LIVE_CONFIRMED"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		modeFlag    = flag.String("mode", "", "execution mode: paper, live or backtest (overrides config)")
		configPath  = flag.String("config", "config.yaml", "path to config file")
		dryRun      = flag.Bool("dry-run", false, "force paper execution regardless of config")
		confirmLive = flag.Bool("confirm-live", false, "required to start in live mode")
		forceArch   = flag.String("force-archive", "", "run archival alone for YYYY-MM-DD and exit")
		restoreDate = flag.String("restore-positions", "", "restore saved positions for YYYY-MM-DD at boot")
	)
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		logger.WithError(err).Error("configuration error")
		return exitConfig
	}
	if *modeFlag != "" {
		cfg.Environment.Mode = models.Mode(*modeFlag)
		if !cfg.Environment.Mode.Valid() {
			fmt.Fprintf(os.Stderr, "invalid --mode %q\n", *modeFlag)
			return exitConfig
		}
	}
	if *dryRun && cfg.Environment.Mode == models.ModeLive {
		logger.Warn("--dry-run set, downgrading live to paper")
		cfg.Environment.Mode = models.ModePaper
	}
	if level, lerr := logrus.ParseLevel(cfg.Environment.LogLevel); lerr == nil {
		logger.SetLevel(level)
	}

	if cfg.Environment.Mode == models.ModeLive {
		if !*confirmLive || os.Getenv(liveConfirmEnv) == "" {
			fmt.Fprintf(os.Stderr, "live mode requires --confirm-live and %s to be set\n", liveConfirmEnv)
			return exitConfig
		}
		logger.Warn("LIVE trading enabled, real orders will be placed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	interrupted := watchInterrupt(ctx)

	code := runEngine(ctx, cfg, logger, *forceArch, *restoreDate)
	if code == exitOK && interrupted() {
		return exitInterrupt
	}
	return code
}

// watchInterrupt reports, after the fact, whether the run was cut short by a
// signal.
func watchInterrupt(ctx context.Context) func() bool {
	done := make(chan struct{})
	var hit bool
	go func() {
		<-ctx.Done()
		hit = true
		close(done)
	}()
	return func() bool {
		select {
		case <-done:
			return hit
		default:
			return false
		}
	}
}

func runEngine(ctx context.Context, cfg *config.Config, logger *logrus.Logger,
	forceArchive, restoreDate string) int {
	clk := clock.Real{}
	ist := calendar.IST()

	cal, err := loadCalendar(cfg)
	if err != nil {
		logger.WithError(err).Error("holiday calendar")
		return exitConfig
	}

	client := buildBrokerClient(cfg, clk, logger)

	// A live session must be able to talk to the broker before anything
	// else happens.
	if cfg.Environment.Mode == models.ModeLive {
		if _, err := client.Instruments(ctx, models.ExchangeNFO); err != nil {
			if errors.Is(err, broker.ErrAuthFailed) {
				fmt.Fprintf(os.Stderr, "broker authentication failed: %v\n", err)
				logger.WithError(err).Error("broker authentication failed")
				return exitAuth
			}
			logger.WithError(err).Warn("initial instrument fetch failed, continuing")
		}
	}

	now := clk.Now().In(ist)
	tradingDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, ist)
	ledger := portfolio.NewLedger(cfg.Environment.Mode, cfg.Portfolio.InitialCapital,
		tradingDay, clk, logger)

	if restoreDate != "" {
		if err := restorePositions(ledger, cfg, restoreDate, logger); err != nil {
			logger.WithError(err).Error("position restoration failed")
			return exitConfig
		}
	}

	strategies, err := buildStrategies(cfg, clk)
	if err != nil {
		logger.WithError(err).Error("strategy configuration")
		return exitConfig
	}

	agg := signals.New(signals.Config{
		EntryAgreementThreshold: cfg.Signals.EntryAgreementThreshold,
		MinEntryConfidence:      cfg.Signals.MinEntryConfidence,
		TopNEntries:             cfg.Signals.TopNEntries,
		Cooldown:                time.Duration(cfg.Signals.CooldownMinutes) * time.Minute,
		StopLossCooldown:        time.Duration(cfg.Signals.StopLossCooldownMinutes) * time.Minute,
		TrendFilterEnabled:      cfg.Signals.TrendFilterEnabled,
	}, cfg.Signals.MarketBias, clk, nil, logger)

	var banFetcher risk.BanFetcher
	if cfg.Risk.BanListFile != "" {
		banFetcher = risk.FileBanFetcher(cfg.Risk.BanListFile)
	}
	checker := risk.NewChecker(risk.Config{
		RiskPerTradePct:  cfg.Risk.RiskPerTradePct,
		MaxPositionPct:   cfg.Risk.MaxPositionPct,
		MaxPerUnderlying: cfg.Risk.MaxPerUnderlying,
		MinRRR:           cfg.Risk.MinRRR,
		DuplicateWindow:  time.Duration(cfg.Risk.DuplicateWindowSeconds) * time.Second,
	}, clk, banFetcher, client, logger)

	sched := scheduler.New(scheduler.Deps{
		Config:   cfg,
		Clock:    clk,
		Calendar: cal,
		Client:   client,
		Ledger:   ledger,
		Chains: chain.NewProvider(client, logger, cfg.Chain.StrikeHalfWidth,
			cfg.Chain.MinPairedStrikes, cfg.CadenceFor),
		Strategies: strategies,
		Aggregator: agg,
		Exits: exits.NewManager(exits.Config{
			TrailingActivationMult:   cfg.Exits.TrailingActivationMultiplier,
			TrailingStopMult:         cfg.Exits.TrailingStopMultiplier,
			IntelligentExitThreshold: cfg.Exits.IntelligentExitThreshold,
			FlattenWindow:            cfg.FlattenWindow(),
			ForceFlattenLive:         cfg.Exits.ForceFlattenLive,
			MinEntryConfidence:       cfg.Signals.MinEntryConfidence,
		}, logger),
		Risk:      checker,
		Publisher: dashboard.NewPublisher(cfg.Dashboard.BaseURL, cfg.Dashboard.APIKey, logger),
		Archiver:  archive.NewWriter(cfg.Storage.ArchiveDir, cfg.Storage.BackupDir, logger),
		Saved:     archive.NewRestorationStore(cfg.Storage.SavedTradesDir, logger),
		Logger:    logger,
		Version:   version,
	})
	agg.SetTrendFunc(sched.Trend)

	if forceArchive != "" {
		day, err := time.ParseInLocation("2006-01-02", forceArchive, ist)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --force-archive date %q\n", forceArchive)
			return exitConfig
		}
		if err := sched.ForceArchive(ctx, day); err != nil {
			if errors.Is(err, scheduler.ErrNoSessionData) {
				fmt.Fprintf(os.Stderr, "force-archive refused: %v\n", err)
				return exitConfig
			}
			logger.WithError(err).Error("forced archival failed")
			return exitArchival
		}
		return exitOK
	}

	opsServer := startOpsServer(cfg, ledger, logger)
	defer stopOpsServer(opsServer, cfg, logger)

	logger.WithFields(logrus.Fields{
		"mode":      cfg.Environment.Mode,
		"version":   version,
		"watchlist": cfg.Watchlist,
	}).Info("engine starting")

	if err := sched.Run(ctx); err != nil {
		if errors.Is(err, scheduler.ErrArchivalFailed) {
			fmt.Fprintf(os.Stderr, "archival failed: %v\n", err)
			return exitArchival
		}
		if errors.Is(err, broker.ErrAuthFailed) {
			return exitAuth
		}
		logger.WithError(err).Error("engine stopped with error")
		return exitConfig
	}
	return exitOK
}

func loadCalendar(cfg *config.Config) (*calendar.Calendar, error) {
	if cfg.Schedule.HolidaysFile == "" {
		return calendar.New(nil), nil
	}
	return calendar.LoadFile(cfg.Schedule.HolidaysFile)
}

// buildBrokerClient assembles the decorated broker stack. Without an API key
// in a non-live mode the in-process paper broker backs the client so offline
// runs still work end to end.
func buildBrokerClient(cfg *config.Config, clk clock.Clock, logger *logrus.Logger) *broker.Client {
	var api broker.Broker
	if cfg.Broker.APIKey == "" && cfg.Environment.Mode != models.ModeLive {
		logger.Info("no broker credentials, using in-process paper broker")
		api = broker.NewPaperBroker(cfg.Portfolio.InitialCapital)
	} else {
		api = broker.NewRestAPI(cfg.Broker.APIKey, cfg.Broker.APISecret,
			cfg.Broker.APIEndpoint, logger).
			WithTimeout(time.Duration(cfg.Broker.RequestTimeoutSeconds) * time.Second)
	}
	stack := broker.BuildStack(api, cfg.Broker.CallsPerSecond, cfg.Broker.BurstLimit,
		broker.CircuitBreakerSettings{
			Threshold: uint32(cfg.Broker.BreakerThreshold),
			Cooldown:  time.Duration(cfg.Broker.BreakerCooldownSeconds) * time.Second,
		}, logger)
	return broker.NewClient(stack, clk, logger,
		time.Duration(cfg.Broker.InstrumentTTLSeconds)*time.Second,
		time.Duration(cfg.Broker.QuoteTTLSeconds)*time.Second)
}

// buildStrategies resolves the configured strategy list, defaulting to the
// full registry when none are named.
func buildStrategies(cfg *config.Config, clk clock.Clock) ([]strategy.Strategy, error) {
	specs := cfg.Strategies
	if len(specs) == 0 {
		for _, name := range strategy.Names() {
			specs = append(specs, config.StrategyInstanceConfig{Name: name})
		}
	}
	out := make([]strategy.Strategy, 0, len(specs))
	for _, sc := range specs {
		s, err := strategy.New(sc.Name, sc.Params, clk)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func restorePositions(ledger *portfolio.Ledger, cfg *config.Config, date string,
	logger *logrus.Logger) error {
	day, err := time.ParseInLocation("2006-01-02", date, calendar.IST())
	if err != nil {
		return fmt.Errorf("invalid --restore-positions date %q", date)
	}
	store := archive.NewRestorationStore(cfg.Storage.SavedTradesDir, logger)
	file, err := store.Load(day)
	if err != nil {
		return err
	}
	if file == nil {
		logger.WithField("date", date).Info("no restoration file, nothing to restore")
		return nil
	}
	for _, pos := range file.PositionList() {
		if err := ledger.RestorePosition(pos); err != nil {
			return err
		}
	}
	logger.WithField("count", file.TotalPositions).Info("positions restored")
	return nil
}

func startOpsServer(cfg *config.Config, ledger *portfolio.Ledger, logger *logrus.Logger) *ops.Server {
	if cfg.Ops.Port <= 0 {
		return nil
	}
	server := ops.NewServer(cfg.Ops.Port, cfg.Ops.AuthToken, version, ledger.Snapshot, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Warn("ops server stopped")
		}
	}()
	return server
}

func stopOpsServer(server *ops.Server, cfg *config.Config, logger *logrus.Logger) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ops server shutdown")
	}
}
