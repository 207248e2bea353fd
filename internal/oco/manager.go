// Package oco implements the OCO manager (C7): stop-loss/take-profit pair
// placement, a background fill-inference monitor fanned across a bounded
// worker pool, and atomic cancellation on partial placement failure.
// Grounded on the teacher's order-linking/cancellation pattern, adapted to
// emit OCOFilled events instead of calling back into the position ledger
// directly (spec §9's cyclic-reference inversion).
package oco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/events"
	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/workers"
	"github.com/tradecore/engine/pkg/types"
	"github.com/tradecore/engine/pkg/utils"
)

// PlaceResult is the outcome of PlaceOCOOrders.
type PlaceResult struct {
	Status    string
	SLOrderID string
	TPOrderID string
	Error     error
}

// Config configures the Manager's monitor loop.
type Config struct {
	PollInterval  time.Duration
	BackoffOnFail time.Duration
}

// DefaultConfig polls every second per spec §4.7.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second, BackoffOnFail: 5 * time.Second}
}

// Manager implements C7.
type Manager struct {
	log      *zap.Logger
	exchange exchange.Adapter
	bus      *events.Bus
	pool     *workers.Pool
	cfg      Config

	mu    sync.Mutex
	pairs map[string][]*types.OCOPair // exchange_position_key -> pairs

	// monitorMu guards the monitor loop's lifecycle. The loop exits once the
	// pairs map drains to empty, so it must be restartable: every
	// PlaceOCOOrders call after a drain needs a fresh goroutine, not a
	// one-shot start.
	monitorMu      sync.Mutex
	monitorRunning bool
	stopped        bool
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// New builds a Manager. The monitor loop starts lazily on first placement.
func New(log *zap.Logger, adapter exchange.Adapter, bus *events.Bus, pool *workers.Pool, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffOnFail <= 0 {
		cfg.BackoffOnFail = 5 * time.Second
	}
	return &Manager{
		log:      log,
		exchange: adapter,
		bus:      bus,
		pool:     pool,
		cfg:      cfg,
		pairs:    make(map[string][]*types.OCOPair),
	}
}

// PlaceOCOOrders submits a reduce-only stop-loss/take-profit pair. Side
// derives from position_side (LONG -> both SELL, SHORT -> both BUY); both
// legs share the same quantity (spec §4.7's invariants). On partial failure
// the successful leg is cancelled to preserve OCO atomicity.
func (m *Manager) PlaceOCOOrders(ctx context.Context, positionID, symbol string, side types.PositionSide, quantity, entryPrice, stopLossPrice, takeProfitPrice decimal.Decimal, strategyPositionID string) (PlaceResult, error) {
	if err := validatePriceInvariants(side, entryPrice, stopLossPrice, takeProfitPrice); err != nil {
		return PlaceResult{Status: "error", Error: err}, err
	}

	orderSide := types.OrderSideSell
	if side == types.PositionSideShort {
		orderSide = types.OrderSideBuy
	}

	slOrder := types.Order{
		OrderID:      utils.GenerateOrderID(),
		Symbol:       symbol,
		Side:         orderSide,
		Type:         types.OrderTypeStop,
		Amount:       quantity,
		StopLoss:     &stopLossPrice,
		PositionSide: side,
		ReduceOnly:   true,
	}
	slResult, slErr := m.exchange.Execute(ctx, slOrder)

	tpOrder := types.Order{
		OrderID:      utils.GenerateOrderID(),
		Symbol:       symbol,
		Side:         orderSide,
		Type:         types.OrderTypeTakeProfit,
		Amount:       quantity,
		TakeProfit:   &takeProfitPrice,
		PositionSide: side,
		ReduceOnly:   true,
	}
	tpResult, tpErr := m.exchange.Execute(ctx, tpOrder)

	switch {
	case slErr != nil && tpErr != nil:
		return PlaceResult{Status: "failed", Error: fmt.Errorf("both legs failed: sl=%w tp=%v", slErr, tpErr)}, slErr
	case slErr != nil:
		m.cancelLeg(ctx, symbol, tpResult.OrderID)
		return PlaceResult{Status: "failed", Error: fmt.Errorf("stop-loss leg failed, take-profit cancelled: %w", slErr)}, slErr
	case tpErr != nil:
		m.cancelLeg(ctx, symbol, slResult.OrderID)
		return PlaceResult{Status: "failed", Error: fmt.Errorf("take-profit leg failed, stop-loss cancelled: %w", tpErr)}, tpErr
	}

	key := types.ExchangePositionKey(symbol, side)
	pair := &types.OCOPair{
		PositionID:         positionID,
		StrategyPositionID: strategyPositionID,
		Symbol:             symbol,
		PositionSide:       side,
		Quantity:           quantity,
		EntryPrice:         entryPrice,
		StopLossOrderID:    slResult.OrderID,
		TakeProfitOrderID:  tpResult.OrderID,
		StopLossPrice:      stopLossPrice,
		TakeProfitPrice:    takeProfitPrice,
		Status:             types.OCOPairActive,
		CreatedAt:          time.Now().UTC(),
	}

	m.mu.Lock()
	m.pairs[key] = append(m.pairs[key], pair)
	m.mu.Unlock()

	m.ensureMonitorStarted()

	return PlaceResult{Status: "placed", SLOrderID: slResult.OrderID, TPOrderID: tpResult.OrderID}, nil
}

func (m *Manager) cancelLeg(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	if _, err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		m.log.Warn("failed to cancel surviving OCO leg after partial failure", zap.String("symbol", symbol), zap.String("order_id", orderID), zap.Error(err))
	}
}

func validatePriceInvariants(side types.PositionSide, entry, sl, tp decimal.Decimal) error {
	if side == types.PositionSideLong {
		if !(sl.LessThan(entry) && entry.LessThan(tp)) {
			return fmt.Errorf("LONG requires stop_loss < entry < take_profit")
		}
		return nil
	}
	if !(tp.LessThan(entry) && entry.LessThan(sl)) {
		return fmt.Errorf("SHORT requires take_profit < entry < stop_loss")
	}
	return nil
}

// CancelOCOPair cancels both legs of the pair identified by positionID.
func (m *Manager) CancelOCOPair(ctx context.Context, positionID string) error {
	pair := m.findPair(positionID)
	if pair == nil {
		return fmt.Errorf("no OCO pair for position %s", positionID)
	}
	_, err := m.exchange.BatchCancel(ctx, pair.Symbol, []string{pair.StopLossOrderID, pair.TakeProfitOrderID})
	if err != nil {
		return fmt.Errorf("cancel oco pair %s: %w", positionID, err)
	}
	m.markStatus(pair, types.OCOPairCancelled)
	return nil
}

// CancelOtherOrder cancels whichever leg of the pair is not filledOrderID,
// used by the monitor when one leg has already filled.
func (m *Manager) CancelOtherOrder(ctx context.Context, positionID, filledOrderID string) error {
	pair := m.findPair(positionID)
	if pair == nil {
		return fmt.Errorf("no OCO pair for position %s", positionID)
	}
	other := pair.TakeProfitOrderID
	if filledOrderID == pair.TakeProfitOrderID {
		other = pair.StopLossOrderID
	}
	if _, err := m.exchange.CancelOrder(ctx, pair.Symbol, other); err != nil {
		return fmt.Errorf("cancel other leg: %w", err)
	}
	return nil
}

func (m *Manager) findPair(positionID string) *types.OCOPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pairs := range m.pairs {
		for _, p := range pairs {
			if p.PositionID == positionID {
				return p
			}
		}
	}
	return nil
}

func (m *Manager) markStatus(pair *types.OCOPair, status types.OCOPairStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair.Status = status
}

// Stop halts the monitor loop, if one is currently running, and prevents any
// later PlaceOCOOrders call from restarting it.
func (m *Manager) Stop() {
	m.monitorMu.Lock()
	m.stopped = true
	running := m.monitorRunning
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.monitorMu.Unlock()

	if !running {
		return
	}
	close(stopCh)
	<-doneCh
}
