// Package risk implements the risk / position guard (C5): three pre-trade
// checks (position size, daily loss, portfolio exposure) plus a RecordTrade
// hook that feeds realized P&L back into the daily-loss accumulator.
// Grounded on the teacher's richer risk manager's violation-recording style,
// trimmed to the three checks this spec names.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/metrics"
	"github.com/tradecore/engine/pkg/types"
)

// Config bounds the three checks as fractions of portfolio value, in [0,1],
// the same scale Signal's pct fields use.
type Config struct {
	MaxPositionSizePct      decimal.Decimal
	MaxDailyLossPct         decimal.Decimal
	MaxPortfolioExposurePct decimal.Decimal
	PortfolioValue          decimal.Decimal
}

// DefaultConfig returns conservative limits for a $10k reference portfolio.
func DefaultConfig() Config {
	return Config{
		MaxPositionSizePct:      decimal.NewFromFloat(0.10),
		MaxDailyLossPct:         decimal.NewFromFloat(0.05),
		MaxPortfolioExposurePct: decimal.NewFromFloat(0.50),
		PortfolioValue:          decimal.NewFromInt(10000),
	}
}

// Guard enforces position-size, daily-loss, and portfolio-exposure limits.
type Guard struct {
	log     *zap.Logger
	metrics *metrics.Registry
	exchangeName string

	mu               sync.RWMutex
	cfg              Config
	dailyRealizedPnL decimal.Decimal
	dailyResetAt     time.Time
	openNotional     decimal.Decimal
}

// New builds a Guard.
func New(log *zap.Logger, reg *metrics.Registry, exchangeName string, cfg Config) *Guard {
	return &Guard{log: log, metrics: reg, exchangeName: exchangeName, cfg: cfg, dailyResetAt: time.Now().UTC()}
}

func (g *Guard) maybeResetDaily(now time.Time) {
	if now.Sub(g.dailyResetAt) >= 24*time.Hour {
		g.dailyRealizedPnL = decimal.Zero
		g.dailyResetAt = now
	}
}

func (g *Guard) recordCheck(checkType string, passed bool) {
	if g.metrics == nil {
		return
	}
	result := "pass"
	if !passed {
		result = "fail"
	}
	g.metrics.RiskChecksTotal.WithLabelValues(checkType, result, g.exchangeName).Inc()
}

func (g *Guard) recordRejection(reason, symbol string) {
	if g.metrics == nil {
		return
	}
	g.metrics.RiskRejectionsTotal.WithLabelValues(reason, symbol, g.exchangeName).Inc()
}

// CheckSignal is the coarse pre-dispatch gate consulted by the signal
// aggregator (C4 §4.4 step 4): position-size and daily-loss only, since no
// concrete order notional exists yet at signal time.
func (g *Guard) CheckSignal(ctx context.Context, symbol string, side types.PositionSide, positionSizePct decimal.Decimal) (bool, string, error) {
	now := time.Now().UTC()

	g.mu.Lock()
	g.maybeResetDaily(now)
	cfg := g.cfg
	dailyPnL := g.dailyRealizedPnL
	g.mu.Unlock()

	if positionSizePct.GreaterThan(cfg.MaxPositionSizePct) {
		g.recordCheck("position_size", false)
		g.recordRejection("position_size", symbol)
		return false, fmt.Sprintf("position size %s exceeds max %s", positionSizePct, cfg.MaxPositionSizePct), nil
	}
	g.recordCheck("position_size", true)

	floor := cfg.MaxDailyLossPct.Neg().Mul(cfg.PortfolioValue)
	if dailyPnL.LessThan(floor) {
		g.recordCheck("daily_loss", false)
		g.recordRejection("daily_loss", symbol)
		return false, "daily realized loss limit breached", nil
	}
	g.recordCheck("daily_loss", true)

	return true, "", nil
}

// CandidateOrder is the dispatcher's richer pre-trade check input, which
// additionally carries a notional so exposure can be checked prospectively.
type CandidateOrder struct {
	Symbol          string
	Side            types.PositionSide
	PositionSizePct decimal.Decimal
	Notional        decimal.Decimal
}

// CheckOrder runs all three checks (spec §4.5) against a concrete candidate
// order, including the prospective portfolio-exposure check that requires a
// notional. Invoked inside C6 under the per-symbol lock.
func (g *Guard) CheckOrder(ctx context.Context, order CandidateOrder) (bool, string, error) {
	ok, reason, err := g.CheckSignal(ctx, order.Symbol, order.Side, order.PositionSizePct)
	if err != nil || !ok {
		return ok, reason, err
	}

	g.mu.RLock()
	cfg := g.cfg
	existingNotional := g.openNotional
	g.mu.RUnlock()

	prospective := existingNotional.Add(order.Notional)
	if cfg.PortfolioValue.IsZero() {
		g.recordCheck("portfolio_exposure", false)
		return false, "portfolio value is zero", nil
	}
	exposurePct := prospective.Div(cfg.PortfolioValue)
	if exposurePct.GreaterThan(cfg.MaxPortfolioExposurePct) {
		g.recordCheck("portfolio_exposure", false)
		g.recordRejection("portfolio_exposure", order.Symbol)
		return false, fmt.Sprintf("portfolio exposure %s would exceed max %s", exposurePct, cfg.MaxPortfolioExposurePct), nil
	}
	g.recordCheck("portfolio_exposure", true)

	return true, "", nil
}

// RecordOpenNotional tracks notional added to or removed from the book as
// positions open and close, so CheckOrder's exposure check stays current.
func (g *Guard) RecordOpenNotional(delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openNotional = g.openNotional.Add(delta)
	if g.openNotional.IsNegative() {
		g.openNotional = decimal.Zero
	}
}

// RecordTrade feeds realized P&L back into the daily-loss accumulator
// whenever C3 closes a strategy position, so CheckSignal/CheckOrder reflect
// same-day activity without a separate reconciliation job.
func (g *Guard) RecordTrade(ctx context.Context, realizedPnL decimal.Decimal) {
	now := time.Now().UTC()
	g.mu.Lock()
	g.maybeResetDaily(now)
	g.dailyRealizedPnL = g.dailyRealizedPnL.Add(realizedPnL)
	daily := g.dailyRealizedPnL
	g.mu.Unlock()

	if g.metrics != nil {
		f, _ := daily.Float64()
		g.metrics.DailyPnLUSD.WithLabelValues(g.exchangeName).Set(f)
	}
}
