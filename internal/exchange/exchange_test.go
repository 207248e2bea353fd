package exchange_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/pkg/types"
)

func TestSimulatedAdapterExecuteMarketFillsImmediately(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	result, err := a.Execute(context.Background(), types.Order{
		OrderID: "ord_1",
		Symbol:  "BTCUSDT",
		Side:    types.OrderSideBuy,
		Type:    types.OrderTypeMarket,
		Amount:  decimal.NewFromFloat(0.1),
	})

	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, result.Status)
	assert.True(t, result.FillPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, result.Amount.Equal(decimal.NewFromFloat(0.1)))
}

func TestSimulatedAdapterExecuteTriggerTypeStaysPending(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	sl := decimal.NewFromInt(48000)

	result, err := a.Execute(context.Background(), types.Order{
		OrderID:    "ord_2",
		Symbol:     "BTCUSDT",
		Side:       types.OrderSideSell,
		Type:       types.OrderTypeStop,
		Amount:     decimal.NewFromFloat(0.1),
		StopLoss:   &sl,
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusPending, result.Status)

	open, err := a.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ord_2", open[0].OrderID)
	assert.True(t, open[0].StopPrice.Equal(sl))
}

func TestSimulatedAdapterFailNextOrder(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	wantErr := errors.New("insufficient margin")
	a.FailNextOrder("ord_3", wantErr)

	result, err := a.Execute(context.Background(), types.Order{OrderID: "ord_3", Symbol: "BTCUSDT", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusRejected, result.Status)
	assert.ErrorIs(t, result.Error, wantErr)

	// Only the next call is affected; the fault is consumed.
	result2, err := a.Execute(context.Background(), types.Order{OrderID: "ord_3", Symbol: "BTCUSDT", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, result2.Status)
}

func TestSimulatedAdapterCancelOrder(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	sl := decimal.NewFromInt(48000)
	_, err := a.Execute(context.Background(), types.Order{OrderID: "ord_4", Symbol: "BTCUSDT", Type: types.OrderTypeStop, Amount: decimal.NewFromInt(1), StopLoss: &sl})
	require.NoError(t, err)

	res, err := a.CancelOrder(context.Background(), "BTCUSDT", "ord_4")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	open, _ := a.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, open)

	res2, err := a.CancelOrder(context.Background(), "BTCUSDT", "ord_4")
	require.NoError(t, err)
	assert.False(t, res2.Cancelled)
}

func TestSimulatedAdapterRemoveOpenOrderSimulatesFill(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	sl := decimal.NewFromInt(48000)
	_, err := a.Execute(context.Background(), types.Order{OrderID: "ord_5", Symbol: "BTCUSDT", Type: types.OrderTypeStop, Amount: decimal.NewFromInt(1), StopLoss: &sl})
	require.NoError(t, err)

	a.RemoveOpenOrder("BTCUSDT", "ord_5")

	open, _ := a.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, open)
}

func TestSimulatedAdapterGetSymbolPriceUnconfigured(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	_, err := a.GetSymbolPrice(context.Background(), "UNKNOWN")
	assert.Error(t, err)
}

func TestSimulatedAdapterGetSymbolInfo(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	info := exchange.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinNotional: exchange.NotionalFilter{MinNotional: decimal.NewFromInt(10)},
		LotSize:     exchange.LotSizeFilter{MinQty: decimal.NewFromFloat(0.001), StepSize: decimal.NewFromFloat(0.001)},
	}
	a.SetSymbolInfo("BTCUSDT", info)

	got, err := a.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.MinNotional.MinNotional.Equal(decimal.NewFromInt(10)))

	_, err = a.GetSymbolInfo(context.Background(), "UNKNOWN")
	assert.Error(t, err)
}

func TestSimulatedAdapterChangeLeverageAndName(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	assert.Equal(t, "simulated", a.Name())
	assert.NoError(t, a.ChangeLeverage(context.Background(), "BTCUSDT", 5))
	assert.NoError(t, a.SetPositionMode(context.Background(), exchange.PositionModeHedge))
	assert.NoError(t, a.Ping(context.Background()))
}

func TestSimulatedAdapterBatchCancel(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	sl := decimal.NewFromInt(48000)
	_, _ = a.Execute(context.Background(), types.Order{OrderID: "ord_6", Symbol: "BTCUSDT", Type: types.OrderTypeStop, Amount: decimal.NewFromInt(1), StopLoss: &sl})
	_, _ = a.Execute(context.Background(), types.Order{OrderID: "ord_7", Symbol: "BTCUSDT", Type: types.OrderTypeStop, Amount: decimal.NewFromInt(1), StopLoss: &sl})

	results, err := a.BatchCancel(context.Background(), "BTCUSDT", []string{"ord_6", "ord_7"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Cancelled)
	assert.True(t, results[1].Cancelled)
}
