// Package scheduler drives the trading session: it classifies the session
// state from the clock and holiday calendar, runs the scan loop while the
// market is open, and archives the day exactly once after the close.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/archive"
	"github.com/rpatel-algo/fno_intraday/internal/broker"
	"github.com/rpatel-algo/fno_intraday/internal/calendar"
	"github.com/rpatel-algo/fno_intraday/internal/chain"
	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/config"
	"github.com/rpatel-algo/fno_intraday/internal/dashboard"
	"github.com/rpatel-algo/fno_intraday/internal/exits"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
	"github.com/rpatel-algo/fno_intraday/internal/risk"
	"github.com/rpatel-algo/fno_intraday/internal/signal"
	"github.com/rpatel-algo/fno_intraday/internal/strategy"
)

// ErrArchivalFailed marks an end-of-day archival that could not complete on
// either path. The process exits with a dedicated code so operators rerun it.
var ErrArchivalFailed = errors.New("end-of-day archival failed")

// ErrNoSessionData marks a forced archival for a day this process holds no
// ledger data for.
var ErrNoSessionData = errors.New("no session data for requested day")

// Sleep cadences outside the open session.
const (
	sleepClosed    = 10 * time.Minute
	sleepPreMarket = 30 * time.Second
	banRefreshCade = time.Hour
)

// Deps wires the scheduler's collaborators. Everything is injected; the
// scheduler owns no construction.
type Deps struct {
	Config     *config.Config
	Clock      clock.Clock
	Calendar   *calendar.Calendar
	Client     *broker.Client
	Ledger     *portfolio.Ledger
	Chains     *chain.Provider
	Strategies []strategy.Strategy
	Aggregator *signal.Aggregator
	Exits      *exits.Manager
	Risk       *risk.Checker
	Publisher  *dashboard.Publisher
	Archiver   *archive.Writer
	Saved      *archive.RestorationStore
	Logger     *logrus.Logger
	Version    string
}

// Scheduler is the session state machine and scan loop.
type Scheduler struct {
	Deps

	series         *seriesStore
	iteration      int64
	openIterations int64
	archived       bool
	bypassWarned   bool
}

// New builds a scheduler from its dependencies.
func New(deps Deps) *Scheduler {
	return &Scheduler{Deps: deps, series: newSeriesStore()}
}

// Run executes the state machine until the day completes or ctx is
// cancelled. Cancellation is observed at every sleep boundary and between
// position evaluations, so shutdown never waits longer than one evaluation.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.refreshLoop(ctx)

	if err := s.Risk.RefreshBanList(ctx); err != nil {
		s.Logger.WithError(err).Warn("initial ban list refresh failed")
	}

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		now := s.Clock.Now().In(s.Calendar.Location())
		state := s.Calendar.State(now)

		if s.Config.Schedule.BypassMarketHours && state != calendar.StateOpen {
			if !s.bypassWarned {
				s.Logger.WithField("session_state", state).
					Warn("bypass_market_hours set, trading outside market hours")
				s.bypassWarned = true
			}
			// Day boundary still archives.
			if now.After(s.Ledger.TradingDay().AddDate(0, 0, 1)) && !s.archived {
				return s.archiveDay(ctx)
			}
			state = calendar.StateOpen
		}

		switch state {
		case calendar.StateOpen:
			if err := s.runIteration(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return s.shutdown()
				}
				s.Logger.WithError(err).Error("iteration failed, continuing")
			}
			if err := s.Clock.Sleep(ctx, s.Config.ScanInterval()); err != nil {
				return s.shutdown()
			}

		case calendar.StatePostMarket:
			if s.openIterations > 0 && !s.archived {
				return s.archiveDay(ctx)
			}
			s.Logger.Info("market closed, nothing to archive, exiting")
			return nil

		case calendar.StatePreMarket:
			s.Logger.Debug("pre-market, waiting for open")
			if err := s.Clock.Sleep(ctx, sleepPreMarket); err != nil {
				return s.shutdown()
			}

		default: // holiday, weekend
			s.Logger.WithField("session_state", state).Info("market closed today")
			if err := s.Clock.Sleep(ctx, sleepClosed); err != nil {
				return s.shutdown()
			}
		}
	}
}

// refreshLoop periodically refreshes the F&O ban list and warms the
// instrument cache in the background.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	for {
		if err := s.Clock.Sleep(ctx, banRefreshCade); err != nil {
			return
		}
		if err := s.Risk.RefreshBanList(ctx); err != nil {
			s.Logger.WithError(err).Warn("ban list refresh failed")
		}
		if _, err := s.Client.DerivativeInstruments(ctx); err != nil {
			s.Logger.WithError(err).Warn("instrument cache refresh failed")
		}
	}
}

// shutdown flushes a final checkpoint. It never liquidates positions; the
// force-flatten step of the exit ladder is the only closing pathway.
func (s *Scheduler) shutdown() error {
	snap := s.Ledger.Snapshot()
	if err := archive.WriteCheckpoint(s.Config.Storage.CheckpointPath, s.iteration,
		snap, nil, s.Clock.Now()); err != nil {
		s.Logger.WithError(err).Warn("checkpoint on shutdown failed")
	}
	s.Logger.WithFields(logrus.Fields{
		"iterations": s.iteration,
		"trades":     snap.Counters.TotalTrades,
	}).Info("scheduler stopped")
	return nil
}

// archiveDay runs the end-of-day sequence: archive with verification and
// backup, next-day restoration file, final dashboard event.
func (s *Scheduler) archiveDay(ctx context.Context) error {
	snap := s.Ledger.Snapshot()
	trades := s.Ledger.Trades()
	prices := s.lastPrices(snap)
	now := s.Clock.Now()

	doc := archive.Build(snap, trades, prices, s.Version, now)
	if _, err := s.Archiver.Write(doc); err != nil {
		s.Logger.WithError(err).Error("archival failed")
		return errors.Join(ErrArchivalFailed, err)
	}
	s.archived = true

	nextDay := s.Calendar.NextTradingDay(s.Ledger.TradingDay())
	if err := s.Saved.Save(snap, prices, nextDay, now); err != nil {
		s.Logger.WithError(err).Error("restoration file write failed")
		return errors.Join(ErrArchivalFailed, err)
	}

	s.Publisher.Publish(ctx, s.Publisher.BuildEvent(snap, prices))
	s.Logger.WithFields(logrus.Fields{
		"trading_day": snap.TradingDay.Format("2006-01-02"),
		"trades":      len(trades),
		"open":        len(snap.Positions),
	}).Info("trading day archived")
	return nil
}

// lastPrices marks held symbols to the freshest bar we have.
func (s *Scheduler) lastPrices(snap portfolio.Snapshot) map[string]float64 {
	prices := make(map[string]float64, len(snap.Positions))
	for sym := range snap.Positions {
		if bars := s.series.get(sym); len(bars) > 0 {
			prices[sym] = bars[len(bars)-1].Close
		}
	}
	return prices
}

// ForceArchive runs the archival path alone for the given day. Used by the
// --force-archive CLI flag. Days the live ledger does not cover, and empty
// ledgers, are refused so the idempotency marker is never stamped for a day
// this process never traded.
func (s *Scheduler) ForceArchive(ctx context.Context, day time.Time) error {
	loc := s.Calendar.Location()
	want := day.In(loc).Format("2006-01-02")
	have := s.Ledger.TradingDay().In(loc).Format("2006-01-02")
	if want != have {
		return fmt.Errorf("%w: ledger holds %s, requested %s", ErrNoSessionData, have, want)
	}
	snap := s.Ledger.Snapshot()
	if snap.Counters.TotalTrades == 0 && len(snap.Positions) == 0 {
		return fmt.Errorf("%w: ledger for %s is empty", ErrNoSessionData, want)
	}
	return s.archiveDay(ctx)
}
