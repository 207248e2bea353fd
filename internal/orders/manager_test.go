package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/orders"
	"github.com/tradecore/engine/pkg/types"
)

func newManager(t *testing.T, adapter exchange.Adapter, cfg orders.Config) *orders.Manager {
	t.Helper()
	m := orders.New(zap.NewNop(), adapter, cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestTrackOrderFilledGoesStraightToHistory(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	m := newManager(t, a, orders.DefaultConfig())

	order := types.Order{OrderID: "ord-1", Symbol: "BTCUSDT", Type: types.OrderTypeMarket}
	m.TrackOrder(order, exchange.ExecutionResult{Status: exchange.StatusFilled, FillPrice: decimal.NewFromInt(50000)})

	tracked := m.GetOrder("ord-1")
	require.NotNil(t, tracked)
	assert.Equal(t, types.OrderStatusFilled, tracked.Status)
	assert.Empty(t, m.GetActiveOrders())
	assert.Len(t, m.GetOrderHistory(), 1)
}

func TestTrackOrderPendingGoesToActive(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	m := newManager(t, a, orders.DefaultConfig())

	order := types.Order{OrderID: "ord-2", Symbol: "BTCUSDT", Type: types.OrderTypeLimit}
	m.TrackOrder(order, exchange.ExecutionResult{Status: exchange.StatusPending})

	assert.Len(t, m.GetActiveOrders(), 1)
	assert.Empty(t, m.GetOrderHistory())
}

func TestTrackOrderConditionalAwaitsTriggerThenFills(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	cfg := orders.Config{PriceMonitoringInterval: 20 * time.Millisecond, ConditionalTimeout: time.Hour, PriceCacheTTL: time.Millisecond}
	m := newManager(t, a, cfg)

	target := decimal.NewFromInt(49000)
	order := types.Order{
		OrderID:     "ord-3",
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeConditionalLimit,
		TargetPrice: &target,
	}
	m.TrackOrder(order, exchange.ExecutionResult{Status: exchange.StatusPending})

	require.Len(t, m.GetConditionalOrders(), 1)

	a.SetPrice("BTCUSDT", decimal.NewFromInt(48000))

	require.Eventually(t, func() bool {
		return len(m.GetOrderHistory()) == 1
	}, time.Second, 10*time.Millisecond)

	history := m.GetOrderHistory()
	assert.Equal(t, types.OrderStatusFilled, history[0].Status)
	assert.Empty(t, m.GetConditionalOrders())
}

func TestTrackOrderConditionalTimesOut(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	cfg := orders.Config{PriceMonitoringInterval: 10 * time.Millisecond, ConditionalTimeout: 30 * time.Millisecond, PriceCacheTTL: time.Millisecond}
	m := newManager(t, a, cfg)

	target := decimal.NewFromInt(1)
	order := types.Order{OrderID: "ord-4", Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeConditionalLimit, TargetPrice: &target}
	m.TrackOrder(order, exchange.ExecutionResult{Status: exchange.StatusPending})

	require.Eventually(t, func() bool {
		return len(m.GetOrderHistory()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	history := m.GetOrderHistory()
	assert.Equal(t, types.OrderStatusTimeout, history[0].Status)
}

func TestGetOrderSummaryCountsByBagAndStatus(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	m := newManager(t, a, orders.DefaultConfig())

	m.TrackOrder(types.Order{OrderID: "ord-5", Type: types.OrderTypeMarket}, exchange.ExecutionResult{Status: exchange.StatusFilled})
	m.TrackOrder(types.Order{OrderID: "ord-6", Type: types.OrderTypeLimit}, exchange.ExecutionResult{Status: exchange.StatusPending})

	summary := m.GetOrderSummary()
	assert.Equal(t, 1, summary.Active)
	assert.Equal(t, 0, summary.Conditional)
	assert.Equal(t, 1, summary.History)
	assert.Equal(t, 1, summary.ByStatus[types.OrderStatusFilled])
	assert.Equal(t, 1, summary.ByStatus[types.OrderStatusPending])
}

func TestCancelOrderMovesActiveOrderToHistory(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	a.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	m := newManager(t, a, orders.DefaultConfig())

	sl := decimal.NewFromInt(48000)
	_, err := a.Execute(context.Background(), types.Order{OrderID: "ord-7", Symbol: "BTCUSDT", Type: types.OrderTypeStop, Amount: decimal.NewFromInt(1), StopLoss: &sl})
	require.NoError(t, err)
	m.TrackOrder(types.Order{OrderID: "ord-7", Symbol: "BTCUSDT", Type: types.OrderTypeStop}, exchange.ExecutionResult{Status: exchange.StatusPending})

	require.NoError(t, m.CancelOrder(context.Background(), "BTCUSDT", "ord-7"))

	tracked := m.GetOrder("ord-7")
	require.NotNil(t, tracked)
	assert.Equal(t, types.OrderStatusCancelled, tracked.Status)
	assert.Empty(t, m.GetActiveOrders())
}

func TestCancelOrderErrorsForUntrackedOrder(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	m := newManager(t, a, orders.DefaultConfig())
	assert.Error(t, m.CancelOrder(context.Background(), "BTCUSDT", "nonexistent"))
}

func TestGetOrderReturnsNilForUnknownID(t *testing.T) {
	a := exchange.NewSimulatedAdapter()
	m := newManager(t, a, orders.DefaultConfig())
	assert.Nil(t, m.GetOrder("nonexistent"))
}
