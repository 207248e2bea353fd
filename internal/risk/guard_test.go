package risk_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/metrics"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/pkg/types"
)

func newGuard(t *testing.T, cfg risk.Config) *risk.Guard {
	t.Helper()
	return risk.New(zap.NewNop(), metrics.New(), "sim", cfg)
}

func TestCheckSignalAllowsWithinPositionSizeLimit(t *testing.T) {
	g := newGuard(t, risk.DefaultConfig())

	ok, reason, err := g.CheckSignal(context.Background(), "BTCUSDT", types.PositionSideLong, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckSignalRejectsOversizedPosition(t *testing.T) {
	g := newGuard(t, risk.DefaultConfig())

	ok, reason, err := g.CheckSignal(context.Background(), "BTCUSDT", types.PositionSideLong, decimal.NewFromFloat(0.25))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "position size")
}

func TestCheckSignalRejectsWhenDailyLossLimitBreached(t *testing.T) {
	cfg := risk.DefaultConfig()
	g := newGuard(t, cfg)

	loss := cfg.MaxDailyLossPct.Mul(cfg.PortfolioValue).Neg().Sub(decimal.NewFromInt(1))
	g.RecordTrade(context.Background(), loss)

	ok, reason, err := g.CheckSignal(context.Background(), "BTCUSDT", types.PositionSideLong, decimal.NewFromFloat(0.01))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "daily realized loss limit breached", reason)
}

func TestRecordTradeAccumulatesAcrossCalls(t *testing.T) {
	cfg := risk.DefaultConfig()
	g := newGuard(t, cfg)

	half := cfg.MaxDailyLossPct.Mul(cfg.PortfolioValue).Neg().Div(decimal.NewFromInt(2))
	g.RecordTrade(context.Background(), half)

	ok, _, err := g.CheckSignal(context.Background(), "BTCUSDT", types.PositionSideLong, decimal.NewFromFloat(0.01))
	require.NoError(t, err)
	assert.True(t, ok, "half the daily loss budget alone must not trip the limit")

	g.RecordTrade(context.Background(), half.Sub(decimal.NewFromInt(10)))

	ok2, _, err := g.CheckSignal(context.Background(), "BTCUSDT", types.PositionSideLong, decimal.NewFromFloat(0.01))
	require.NoError(t, err)
	assert.False(t, ok2, "accumulated losses across two trades must trip the limit")
}

func TestCheckOrderRejectsExcessPortfolioExposure(t *testing.T) {
	cfg := risk.DefaultConfig()
	g := newGuard(t, cfg)

	order := risk.CandidateOrder{
		Symbol:          "BTCUSDT",
		Side:            types.PositionSideLong,
		PositionSizePct: decimal.NewFromFloat(0.05),
		Notional:        cfg.MaxPortfolioExposurePct.Mul(cfg.PortfolioValue).Add(decimal.NewFromInt(1)),
	}

	ok, reason, err := g.CheckOrder(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio exposure")
}

func TestCheckOrderAllowsWithinExposureAfterRecordingNotional(t *testing.T) {
	cfg := risk.DefaultConfig()
	g := newGuard(t, cfg)

	g.RecordOpenNotional(decimal.NewFromInt(100))

	order := risk.CandidateOrder{
		Symbol:          "BTCUSDT",
		Side:            types.PositionSideLong,
		PositionSizePct: decimal.NewFromFloat(0.01),
		Notional:        decimal.NewFromInt(100),
	}
	ok, _, err := g.CheckOrder(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordOpenNotionalNeverGoesNegative(t *testing.T) {
	g := newGuard(t, risk.DefaultConfig())

	g.RecordOpenNotional(decimal.NewFromInt(50))
	g.RecordOpenNotional(decimal.NewFromInt(-1000))

	order := risk.CandidateOrder{
		Symbol:          "BTCUSDT",
		PositionSizePct: decimal.NewFromFloat(0.01),
		Notional:        decimal.NewFromInt(1),
	}
	ok, reason, err := g.CheckOrder(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, ok, "clamped-to-zero notional must not itself cause a rejection: %s", reason)
}

func TestCheckOrderRejectsWhenPortfolioValueIsZero(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.PortfolioValue = decimal.Zero
	g := newGuard(t, cfg)

	order := risk.CandidateOrder{Symbol: "BTCUSDT", PositionSizePct: decimal.NewFromFloat(0.01), Notional: decimal.NewFromInt(1)}
	ok, reason, err := g.CheckOrder(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "portfolio value is zero", reason)
}
