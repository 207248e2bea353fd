package oco

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/events"
	"github.com/tradecore/engine/internal/workers"
	"github.com/tradecore/engine/pkg/types"
)

// ensureMonitorStarted starts the monitor goroutine if none is currently
// running. The loop exits once pairs drains to empty, so this is called on
// every successful placement, not just the first: it must be able to
// restart the loop after a prior run has drained and exited.
func (m *Manager) ensureMonitorStarted() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorRunning || m.stopped {
		return
	}
	m.monitorRunning = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitorLoop(m.stopCh, m.doneCh)
}

// monitorLoop polls open orders for every symbol with active pairs until
// either stopCh closes or the pairs map drains to empty, at which point it
// marks itself not-running so a later placement can start a fresh loop.
func (m *Manager) monitorLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer m.markMonitorStopped()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := m.tick(context.Background()); err != nil {
				m.log.Error("oco monitor tick failed, backing off", zap.Error(err))
				time.Sleep(m.cfg.BackoffOnFail)
			}
			if m.isEmpty() {
				return
			}
		}
	}
}

func (m *Manager) markMonitorStopped() {
	m.monitorMu.Lock()
	m.monitorRunning = false
	m.monitorMu.Unlock()
}

func (m *Manager) isEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pairs := range m.pairs {
		for _, p := range pairs {
			if p.Status == types.OCOPairActive {
				return false
			}
		}
	}
	return true
}

// tick fans the set of symbols with active pairs across the bounded worker
// pool so a slow venue response for one symbol never delays another.
func (m *Manager) tick(ctx context.Context) error {
	bySymbol := m.snapshotBySymbol()

	tasks := make([]workers.Task, 0, len(bySymbol))
	for symbol, pairs := range bySymbol {
		symbol, pairs := symbol, pairs
		tasks = append(tasks, workers.TaskFunc(func(ctx context.Context) error {
			return m.checkSymbol(ctx, symbol, pairs)
		}))
	}
	if len(tasks) == 0 {
		return nil
	}
	return m.pool.SubmitAndWait(tasks)
}

func (m *Manager) snapshotBySymbol() map[string][]*types.OCOPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySymbol := make(map[string][]*types.OCOPair)
	for _, pairs := range m.pairs {
		for _, p := range pairs {
			if p.Status != types.OCOPairActive {
				continue
			}
			bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
		}
	}
	return bySymbol
}

func (m *Manager) checkSymbol(ctx context.Context, symbol string, pairs []*types.OCOPair) error {
	openOrders, err := m.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	open := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		open[o.OrderID] = true
	}

	for _, pair := range pairs {
		slExists := open[pair.StopLossOrderID]
		tpExists := open[pair.TakeProfitOrderID]

		switch {
		case slExists && tpExists:
			continue
		case !slExists && !tpExists:
			// Open Question #3 resolution: both legs missing is treated as
			// already-settled; no synthetic fill event is emitted.
			m.markStatus(pair, types.OCOPairCompleted)
		case !slExists:
			m.completeFilledLeg(ctx, pair, pair.StopLossOrderID, pair.StopLossPrice, types.CloseReasonStopLoss)
		case !tpExists:
			m.completeFilledLeg(ctx, pair, pair.TakeProfitOrderID, pair.TakeProfitPrice, types.CloseReasonTakeProfit)
		}
	}

	m.prune()
	return nil
}

func (m *Manager) completeFilledLeg(ctx context.Context, pair *types.OCOPair, filledOrderID string, exitPrice decimal.Decimal, reason types.CloseReason) {
	if err := m.CancelOtherOrder(ctx, pair.PositionID, filledOrderID); err != nil {
		m.log.Warn("failed to cancel sibling OCO leg", zap.String("position_id", pair.PositionID), zap.Error(err))
	}
	m.markStatus(pair, types.OCOPairCompleted)
	m.bus.Publish(events.NewOCOFilledEvent(pair.StrategyPositionID, pair.Symbol, pair.PositionSide, reason, exitPrice))
}

func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pairs := range m.pairs {
		kept := pairs[:0]
		for _, p := range pairs {
			if p.Status == types.OCOPairActive {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.pairs, key)
		} else {
			m.pairs[key] = kept
		}
	}
}
