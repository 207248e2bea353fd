package leverage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/leverage"
	"github.com/tradecore/engine/internal/store"
)

// fakeAdapter lets tests script ChangeLeverage's outcome per call, which
// SimulatedAdapter (always succeeds) cannot express.
type fakeAdapter struct {
	exchange.Adapter
	changeLeverageErr error
	changeLeverageFn  func(symbol string, leverage int)
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) ChangeLeverage(ctx context.Context, symbol string, lev int) error {
	if f.changeLeverageFn != nil {
		f.changeLeverageFn(symbol, lev)
	}
	return f.changeLeverageErr
}

func newManager(t *testing.T, adapter exchange.Adapter) (*leverage.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return leverage.New(zap.NewNop(), st, adapter), st
}

func TestEnsureLeverageSuccessRecordsSyncedStatus(t *testing.T) {
	m, _ := newManager(t, &fakeAdapter{})

	require.NoError(t, m.EnsureLeverage(context.Background(), "BTCUSDT", 5))

	status, err := m.GetStatus(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 5, status.ConfiguredLeverage)
	require.NotNil(t, status.ActualLeverage)
	assert.Equal(t, 5, *status.ActualLeverage)
	assert.True(t, status.LastSyncSuccess)
	assert.True(t, status.IsSynced())
}

func TestEnsureLeverageNotChangedIsNonFatal(t *testing.T) {
	m, _ := newManager(t, &fakeAdapter{changeLeverageErr: exchange.ErrLeverageNotChanged})

	err := m.EnsureLeverage(context.Background(), "BTCUSDT", 10)
	assert.NoError(t, err, "ErrLeverageNotChanged must not propagate as a fatal error")

	status, err := m.GetStatus(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, status.LastSyncSuccess, "venue refused the leverage change; recorded as a failed sync even though the caller is not blocked")
	assert.Nil(t, status.ActualLeverage)
	assert.False(t, status.IsSynced())
}

func TestEnsureLeverageHardFailurePropagates(t *testing.T) {
	wantErr := errors.New("venue unreachable")
	m, _ := newManager(t, &fakeAdapter{changeLeverageErr: wantErr})

	err := m.EnsureLeverage(context.Background(), "BTCUSDT", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	status, err := m.GetStatus(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, status.LastSyncSuccess)
	assert.Equal(t, wantErr.Error(), status.LastSyncError)
}

func TestForceLeveragePropagatesErrLeverageNotChanged(t *testing.T) {
	m, _ := newManager(t, &fakeAdapter{changeLeverageErr: exchange.ErrLeverageNotChanged})

	err := m.ForceLeverage(context.Background(), "BTCUSDT", 10)
	assert.ErrorIs(t, err, exchange.ErrLeverageNotChanged)
}

func TestGetStatusUnknownSymbolReturnsNil(t *testing.T) {
	m, _ := newManager(t, &fakeAdapter{})
	status, err := m.GetStatus(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestSyncAllLeverageReappliesEverySymbol(t *testing.T) {
	var seen []string
	adapter := &fakeAdapter{changeLeverageFn: func(symbol string, lev int) { seen = append(seen, symbol) }}
	m, _ := newManager(t, adapter)

	require.NoError(t, m.EnsureLeverage(context.Background(), "BTCUSDT", 3))
	require.NoError(t, m.EnsureLeverage(context.Background(), "ETHUSDT", 5))
	seen = nil

	require.NoError(t, m.SyncAllLeverage(context.Background()))
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, seen)
}
