package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/events"
	"github.com/tradecore/engine/pkg/types"
)

func TestNewOCOFilledEvent(t *testing.T) {
	e := events.NewOCOFilledEvent("sp-1", "BTCUSDT", types.PositionSideLong, types.CloseReasonStopLoss, decimal.NewFromInt(100))
	assert.Equal(t, events.EventTypeOCOFilled, e.GetType())
	assert.NotEmpty(t, e.GetID())
	assert.WithinDuration(t, time.Now().UTC(), e.GetTimestamp(), time.Second)
	assert.Equal(t, "sp-1", e.StrategyPositionID)
}

func TestBusPublishSyncDeliversToSubscriber(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	var received events.Event
	var mu sync.Mutex
	bus.Subscribe(events.EventTypeOCOFilled, func(e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = e
		return nil
	})

	evt := events.NewOCOFilledEvent("sp-2", "ETHUSDT", types.PositionSideShort, types.CloseReasonTakeProfit, decimal.NewFromInt(50))
	bus.PublishSync(evt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, evt, received)
}

func TestBusPublishAsyncDeliversEventually(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	done := make(chan struct{})
	bus.Subscribe(events.EventTypeOCOFilled, func(e events.Event) error {
		close(done)
		return nil
	})

	bus.Publish(events.NewOCOFilledEvent("sp-3", "BTCUSDT", types.PositionSideLong, types.CloseReasonManual, decimal.Zero))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered within timeout")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	var calls int
	var mu sync.Mutex
	sub := bus.Subscribe(events.EventTypeOCOFilled, func(e events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	bus.Unsubscribe(sub)

	bus.PublishSync(events.NewOCOFilledEvent("sp-4", "BTCUSDT", types.PositionSideLong, types.CloseReasonManual, decimal.Zero))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestBusHandlerPanicIsRecovered(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	bus.Subscribe(events.EventTypeOCOFilled, func(e events.Event) error {
		panic("boom")
	})

	assert.NotPanics(t, func() {
		bus.PublishSync(events.NewOCOFilledEvent("sp-5", "BTCUSDT", types.PositionSideLong, types.CloseReasonManual, decimal.Zero))
	})
}
