package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/broker"
	"github.com/rpatel-algo/fno_intraday/internal/clock"
	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Rejection reasons, matched with errors.Is and logged as reason codes.
var (
	ErrTradeTooRisky    = errors.New("trade too risky")
	ErrRRRTooLow        = errors.New("risk-reward below minimum")
	ErrPositionTooLarge = errors.New("position exceeds size cap")
	ErrConcentration    = errors.New("too many positions per underlying")
	ErrBannedUnderlying = errors.New("underlying in F&O ban")
	ErrMarginExceeded   = errors.New("margin requirement too high")
	ErrDuplicateOrder   = errors.New("duplicate order fingerprint")
)

// marginHeadroom is the fraction of available margin an order may consume.
const marginHeadroom = 0.95

// Config tunes the checker.
type Config struct {
	RiskPerTradePct  float64
	MaxPositionPct   float64
	MaxPerUnderlying int
	MinRRR           float64
	DuplicateWindow  time.Duration
}

// DefaultConfig carries the documented defaults for paper mode.
var DefaultConfig = Config{
	RiskPerTradePct:  0.01,
	MaxPositionPct:   0.20,
	MaxPerUnderlying: 6,
	MinRRR:           1.5,
	DuplicateWindow:  2 * time.Second,
}

// Candidate is one prospective entry.
type Candidate struct {
	Symbol     string
	Underlying string
	Exchange   models.Exchange
	Side       models.Side
	Entry      float64
	Stop       float64
	Target     float64
	LotSize    int
	Confidence float64
}

// BanFetcher returns the current F&O ban list of underlyings.
type BanFetcher func(ctx context.Context) ([]string, error)

// MarginEstimator is the slice of the broker the margin check needs.
type MarginEstimator interface {
	OrderMargins(ctx context.Context, reqs []broker.OrderRequest) (*broker.MarginEstimate, error)
}

// Checker runs the pre-trade gauntlet. Ban list and fingerprint state are
// mutex-guarded; everything else is pure.
type Checker struct {
	cfg    Config
	clk    clock.Clock
	logger *logrus.Logger

	fetchBans BanFetcher
	margins   MarginEstimator

	mu           sync.Mutex
	banned       map[string]bool
	bansLoadedAt time.Time
	fingerprints map[string]time.Time
}

// NewChecker builds a checker. fetchBans and margins may be nil, which
// disables the corresponding checks.
func NewChecker(cfg Config, clk clock.Clock, fetchBans BanFetcher, margins MarginEstimator,
	logger *logrus.Logger) *Checker {
	if cfg.MaxPerUnderlying <= 0 {
		cfg.MaxPerUnderlying = DefaultConfig.MaxPerUnderlying
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultConfig.DuplicateWindow
	}
	return &Checker{
		cfg:          cfg,
		clk:          clk,
		logger:       logger,
		fetchBans:    fetchBans,
		margins:      margins,
		banned:       make(map[string]bool),
		fingerprints: make(map[string]time.Time),
	}
}

// RefreshBanList reloads the F&O ban set. Called at startup and hourly by the
// scheduler's background task.
func (c *Checker) RefreshBanList(ctx context.Context) error {
	if c.fetchBans == nil {
		return nil
	}
	list, err := c.fetchBans(ctx)
	if err != nil {
		return fmt.Errorf("refreshing ban list: %w", err)
	}
	banned := make(map[string]bool, len(list))
	for _, u := range list {
		banned[u] = true
	}
	c.mu.Lock()
	c.banned = banned
	c.bansLoadedAt = c.clk.Now()
	c.mu.Unlock()
	c.logger.WithField("count", len(list)).Info("F&O ban list refreshed")
	return nil
}

// BanListAge returns how long ago the ban list was loaded.
func (c *Checker) BanListAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bansLoadedAt.IsZero() {
		return -1
	}
	return c.clk.Now().Sub(c.bansLoadedAt)
}

// Check runs every gate for one candidate and returns the sized lot count.
// equity is current portfolio value; perUnderlying counts open positions.
func (c *Checker) Check(ctx context.Context, cand Candidate, equity float64,
	perUnderlying map[string]int, live bool) (lots int, err error) {
	// Sizing (1% rule).
	lots = Lots(equity, c.cfg.RiskPerTradePct, cand.Entry, cand.Stop, cand.LotSize)
	if lots < 1 {
		return 0, fmt.Errorf("%w: %s sized to 0 lots (entry %.2f stop %.2f)",
			ErrTradeTooRisky, cand.Symbol, cand.Entry, cand.Stop)
	}

	// Risk-reward.
	if rrr := RRR(cand.Entry, cand.Stop, cand.Target); rrr < c.cfg.MinRRR {
		return 0, fmt.Errorf("%w: %s rrr %.2f < %.2f", ErrRRRTooLow, cand.Symbol, rrr, c.cfg.MinRRR)
	}

	// Per-position value cap. Shrink lots to fit before rejecting.
	positionValue := func(n int) float64 { return cand.Entry * float64(n*cand.LotSize) }
	sizeCap := c.cfg.MaxPositionPct * equity
	for lots > 0 && positionValue(lots) > sizeCap {
		lots--
	}
	if lots < 1 {
		return 0, fmt.Errorf("%w: %s one lot worth %.0f exceeds cap %.0f",
			ErrPositionTooLarge, cand.Symbol, positionValue(1), sizeCap)
	}

	// Concentration per underlying.
	if perUnderlying[cand.Underlying] >= c.cfg.MaxPerUnderlying {
		return 0, fmt.Errorf("%w: %s already has %d open", ErrConcentration,
			cand.Underlying, perUnderlying[cand.Underlying])
	}

	// F&O ban.
	c.mu.Lock()
	isBanned := c.banned[cand.Underlying]
	c.mu.Unlock()
	if isBanned {
		return 0, fmt.Errorf("%w: %s", ErrBannedUnderlying, cand.Underlying)
	}

	// Margin, live mode only.
	if live && c.margins != nil {
		est, merr := c.margins.OrderMargins(ctx, []broker.OrderRequest{{
			Exchange: cand.Exchange,
			Symbol:   cand.Symbol,
			Side:     cand.Side,
			Quantity: lots * cand.LotSize,
			Price:    cand.Entry,
			Product:  "MIS",
		}})
		if merr != nil {
			return 0, fmt.Errorf("margin estimate for %s: %w", cand.Symbol, merr)
		}
		if est.Required > est.Available*marginHeadroom {
			return 0, fmt.Errorf("%w: need %.0f, usable %.0f", ErrMarginExceeded,
				est.Required, est.Available*marginHeadroom)
		}
	}

	// Duplicate fingerprint.
	if err := c.checkFingerprint(cand, lots); err != nil {
		return 0, err
	}
	return lots, nil
}

// Fingerprint canonicalises an order for duplicate detection.
func Fingerprint(symbol string, side models.Side, qty int, price float64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.2f", symbol, side, qty, price)))
	return hex.EncodeToString(h[:16])
}

func (c *Checker) checkFingerprint(cand Candidate, lots int) error {
	fp := Fingerprint(cand.Symbol, cand.Side, lots*cand.LotSize, cand.Entry)
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if at, seen := c.fingerprints[fp]; seen && now.Sub(at) < c.cfg.DuplicateWindow {
		return fmt.Errorf("%w: %s within %s", ErrDuplicateOrder, cand.Symbol, c.cfg.DuplicateWindow)
	}
	c.fingerprints[fp] = now
	for k, at := range c.fingerprints {
		if now.Sub(at) >= c.cfg.DuplicateWindow {
			delete(c.fingerprints, k)
		}
	}
	return nil
}
