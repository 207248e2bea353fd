// Package events inverts the OCO-manager-to-ledger cyclic reference the
// dispatcher would otherwise need: instead of the OCO monitor holding a
// pointer back into the strategy position ledger, it publishes events on a
// channel and the dispatcher's consumer calls the ledger.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/pkg/types"
)

// EventType categorizes events flowing through the bus.
type EventType string

const (
	EventTypeOCOFilled       EventType = "oco_filled"
	EventTypePositionClosed  EventType = "position_closed"
)

// Event is the interface every published event satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	ID        string
	Type      EventType
	Timestamp time.Time
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetID() string           { return e.ID }

// OCOFilledEvent is emitted by the OCO monitor when it infers that one leg
// of a pair filled (the sibling is no longer present on the venue).
type OCOFilledEvent struct {
	BaseEvent
	StrategyPositionID string
	Symbol             string
	PositionSide       types.PositionSide
	CloseReason        types.CloseReason
	ExitPrice          decimal.Decimal
}

var eventCounter atomic.Int64

func nextEventID(prefix string) string {
	n := eventCounter.Add(1)
	return prefix + "_" + time.Now().UTC().Format("20060102150405.000000000") + "_" + itoa(n)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// NewOCOFilledEvent constructs an OCOFilledEvent with a fresh ID and timestamp.
func NewOCOFilledEvent(strategyPositionID, symbol string, side types.PositionSide, reason types.CloseReason, exitPrice decimal.Decimal) *OCOFilledEvent {
	return &OCOFilledEvent{
		BaseEvent: BaseEvent{
			ID:        nextEventID("evt"),
			Type:      EventTypeOCOFilled,
			Timestamp: time.Now().UTC(),
		},
		StrategyPositionID: strategyPositionID,
		Symbol:             symbol,
		PositionSide:       side,
		CloseReason:        reason,
		ExitPrice:          exitPrice,
	}
}

// EventHandler processes one event. A returned error is logged, not propagated.
type EventHandler func(event Event) error

// Subscription is a handle returned by Subscribe, used to Unsubscribe later.
type Subscription struct {
	id        string
	eventType EventType
	handler   EventHandler
	active    atomic.Bool
}

// Bus is a small pub/sub router scoped to this engine's own event types.
// Subscribers run synchronously on the publishing goroutine unless Publish
// is used, which hands the event to a bounded worker pool so a slow
// handler never blocks the OCO monitor loop that published it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription
	eventChan   chan Event
	workerCount int

	eventsPublished atomic.Int64
	eventsProcessed atomic.Int64
	eventsDropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// Config controls the bus's internal worker pool.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns a small worker pool suitable for this engine's
// event volume (OCO fills, position closes — not market data).
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 1024}
}

// NewBus creates and starts an event bus with its own worker pool.
func NewBus(logger *zap.Logger, cfg Config) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		workerCount: cfg.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
			b.eventsProcessed.Add(1)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sub.handler(event); err != nil {
		b.logger.Warn("event handler error",
			zap.String("subscription_id", sub.id),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{id: nextEventID("sub"), eventType: eventType, handler: handler}
	sub.active.Store(true)
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	return sub
}

// Unsubscribe deactivates a subscription; it stays in the subscriber slice
// and is skipped on dispatch.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish enqueues an event for asynchronous processing. If the buffer is
// full the event is dropped and counted, never blocking the caller.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync delivers an event to subscribers on the calling goroutine.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.dispatch(event)
	b.eventsProcessed.Add(1)
}

// Stop cancels the worker pool and waits for in-flight handlers to return.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
