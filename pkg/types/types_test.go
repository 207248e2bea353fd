package types_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tradecore/engine/pkg/types"
)

func TestStrengthMultiplier(t *testing.T) {
	assert.True(t, types.StrengthWeak.Multiplier().Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, types.StrengthMedium.Multiplier().Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, types.StrengthStrong.Multiplier().Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, types.StrengthExtreme.Multiplier().Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, types.SignalStrength("bogus").Multiplier().Equal(decimal.NewFromFloat(1.0)))
}

func TestStrategyModeMultiplier(t *testing.T) {
	assert.True(t, types.ModeDeterministic.Multiplier().Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, types.ModeMLLight.Multiplier().Equal(decimal.NewFromFloat(1.2)))
	assert.True(t, types.ModeLLMReasoning.Multiplier().Equal(decimal.NewFromFloat(1.5)))
}

func TestStrategyModeTimeframeModeMultiplier(t *testing.T) {
	assert.True(t, types.ModeDeterministic.TimeframeModeMultiplier().Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, types.ModeMLLight.TimeframeModeMultiplier().Equal(decimal.NewFromFloat(1.1)))
	assert.True(t, types.ModeLLMReasoning.TimeframeModeMultiplier().Equal(decimal.NewFromFloat(1.3)))
}

func TestTimeframeRank(t *testing.T) {
	assert.Less(t, types.TimeframeTick.Rank(), types.Timeframe1m.Rank())
	assert.Less(t, types.Timeframe1h.Rank(), types.Timeframe1d.Rank())
	assert.Less(t, types.Timeframe1d.Rank(), types.Timeframe1w.Rank())
	assert.True(t, types.Timeframe1h.Valid())
	assert.False(t, types.Timeframe("5y").Valid())
	assert.Equal(t, 0, types.Timeframe("5y").Rank())
}

func TestExchangePositionKey(t *testing.T) {
	assert.Equal(t, "BTCUSDT_LONG", types.ExchangePositionKey("BTCUSDT", types.PositionSideLong))
	assert.Equal(t, "BTCUSDT_SHORT", types.ExchangePositionKey("BTCUSDT", types.PositionSideShort))
}

func TestParseSignalTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	assert.Equal(t, now, types.ParseSignalTimestamp(now))

	parsed := types.ParseSignalTimestamp(now.Format(time.RFC3339))
	assert.Equal(t, now.Unix(), parsed.Unix())

	parsed = types.ParseSignalTimestamp(now.Unix())
	assert.Equal(t, now.Unix(), parsed.Unix())

	parsed = types.ParseSignalTimestamp(float64(now.Unix()))
	assert.Equal(t, now.Unix(), parsed.Unix())

	// Unrecognised input falls back to "now" rather than zero-time or panic.
	fallback := types.ParseSignalTimestamp(struct{}{})
	assert.WithinDuration(t, time.Now().UTC(), fallback, 5*time.Second)
}

func TestScopeKeyFor(t *testing.T) {
	assert.Equal(t, "BTCUSDT:LONG", types.ScopeKeyFor("BTCUSDT", "LONG"))
	assert.Equal(t, "BTCUSDT", types.ScopeKeyFor("BTCUSDT", ""))
	assert.Equal(t, "global", types.ScopeKeyFor("", ""))
}

func TestTradingConfigScopeKey(t *testing.T) {
	cfg := &types.TradingConfig{Symbol: "ETHUSDT", Side: types.PositionSideShort}
	assert.Equal(t, "ETHUSDT:SHORT", cfg.ScopeKey())

	global := &types.TradingConfig{}
	assert.Equal(t, "global", global.ScopeKey())
}

func TestLeverageStatusSynced(t *testing.T) {
	actual := 5
	synced := &types.LeverageStatus{ConfiguredLeverage: 5, ActualLeverage: &actual}
	assert.True(t, synced.IsSynced())
	assert.False(t, synced.NeedsSync())

	unsynced := &types.LeverageStatus{ConfiguredLeverage: 5, ActualLeverage: nil}
	assert.False(t, unsynced.IsSynced())
	assert.True(t, unsynced.NeedsSync())

	wrong := 3
	mismatched := &types.LeverageStatus{ConfiguredLeverage: 5, ActualLeverage: &wrong}
	assert.False(t, mismatched.IsSynced())
}
