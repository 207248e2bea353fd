package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/events"
	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/signals"
	"github.com/tradecore/engine/pkg/types"
	"github.com/tradecore/engine/pkg/utils"
)

// executeLocked runs risk/leverage gating and venue submission under the
// per-(symbol, position_side) lock, then routes SL/TP placement and ledger
// recording. Invoked by Dispatch via Locker.ExecuteWithLock.
func (d *Dispatcher) executeLocked(ctx context.Context, signal types.Signal, order types.Order) DispatchResult {
	start := time.Now()

	sizePct := decimal.Zero
	if signal.PositionSizePct != nil {
		sizePct = *signal.PositionSizePct
	}
	notional := order.Amount.Mul(signal.CurrentPrice)

	if d.riskGuard != nil {
		ok, reason, err := d.riskGuard.CheckOrder(ctx, risk.CandidateOrder{
			Symbol:          signal.Symbol,
			Side:            order.PositionSide,
			PositionSizePct: sizePct,
			Notional:        notional,
		})
		if err != nil {
			return DispatchResult{Status: signals.StatusError, Reason: err.Error()}
		}
		if !ok {
			return DispatchResult{Status: signals.StatusRejected, Reason: reason}
		}
	}

	if d.leverage != nil {
		leverageTarget := d.cfg.DefaultLeverage
		if leverageTarget <= 0 {
			leverageTarget = 1
		}
		if err := d.leverage.EnsureLeverage(ctx, signal.Symbol, leverageTarget); err != nil {
			d.log.Warn("leverage sync failed, proceeding with existing leverage",
				zap.String("symbol", signal.Symbol), zap.Error(err))
		}
	}

	result, err := utils.Retry(ctx, utils.DefaultRetryConfig(), func(ctx context.Context) (exchange.ExecutionResult, error) {
		return d.exchange.Execute(ctx, order)
	})
	latency := time.Since(start)
	if d.metrics != nil {
		d.metrics.OrderExecutionLatencySeconds.WithLabelValues(signal.Symbol, d.exchange.Name()).Observe(latency.Seconds())
	}
	if err != nil {
		d.recordFailure(signal.Symbol, order.Type, "venue_error")
		return DispatchResult{Status: signals.StatusError, Reason: err.Error()}
	}
	if d.orders != nil {
		d.orders.TrackOrder(order, result)
	}
	if result.Status == exchange.StatusRejected || result.Status == exchange.StatusFailed {
		reason := "order rejected by venue"
		if result.Error != nil {
			reason = result.Error.Error()
		}
		d.recordFailure(signal.Symbol, order.Type, "rejected")
		return DispatchResult{Status: signals.StatusRejected, Reason: reason}
	}

	if d.metrics != nil {
		d.metrics.OrdersExecutedByTypeTotal.WithLabelValues(string(order.Type), string(order.Side), signal.Symbol, d.exchange.Name()).Inc()
	}
	if d.riskGuard != nil {
		d.riskGuard.RecordOpenNotional(notional)
	}

	strategyPositionID := ""
	if d.ledger != nil {
		id, err := d.ledger.CreateStrategyPosition(ctx, signal, order, result)
		if err != nil {
			d.log.Error("failed to record strategy position", zap.Error(err))
		} else {
			strategyPositionID = id
		}
	}

	d.routeProtectiveOrders(ctx, signal, order, result, strategyPositionID)

	d.reportPositionMetrics(ctx, signal.Symbol, order.PositionSide)

	return DispatchResult{Status: signals.StatusExecuted, OrderID: result.OrderID}
}

// reportPositionMetrics refreshes the current_position_size and
// unrealized_pnl_usd gauges (spec §6) from the ledger's aggregated exchange
// position and the venue's live mark price. Best-effort: a lookup failure
// just skips the refresh rather than failing the caller's operation.
func (d *Dispatcher) reportPositionMetrics(ctx context.Context, symbol string, side types.PositionSide) {
	if d.metrics == nil || d.ledger == nil {
		return
	}
	key := types.ExchangePositionKey(symbol, side)
	pos, err := d.ledger.GetExchangePosition(ctx, key)
	if err != nil || pos == nil {
		return
	}

	qty := pos.CurrentQuantity
	if pos.Status == types.ExchangePositionClosed {
		qty = decimal.Zero
	}
	d.metrics.CurrentPositionSize.WithLabelValues(symbol, string(side), d.exchange.Name()).Set(toFloat(qty))

	if qty.IsZero() {
		d.metrics.UnrealizedPnLUSD.WithLabelValues(d.exchange.Name()).Set(0)
		return
	}
	markPrice, err := d.exchange.GetSymbolPrice(ctx, symbol)
	if err != nil {
		return
	}
	var unrealized decimal.Decimal
	if side == types.PositionSideShort {
		unrealized = pos.WeightedAvgPrice.Sub(markPrice).Mul(qty)
	} else {
		unrealized = markPrice.Sub(pos.WeightedAvgPrice).Mul(qty)
	}
	d.metrics.UnrealizedPnLUSD.WithLabelValues(d.exchange.Name()).Set(toFloat(unrealized))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// routeProtectiveOrders places an OCO pair when both SL and TP are present,
// or a lone stop/take-profit order when only one is, per spec §4.6 step 5.
func (d *Dispatcher) routeProtectiveOrders(ctx context.Context, signal types.Signal, order types.Order, result exchange.ExecutionResult, strategyPositionID string) {
	if order.ReduceOnly || strategyPositionID == "" || d.ocoMgr == nil {
		return
	}

	tp, sl := computeAbsoluteTPSL(order.PositionSide, result.FillPrice, signal)
	switch {
	case tp != nil && sl != nil:
		key := types.ExchangePositionKey(signal.Symbol, order.PositionSide)
		if _, err := d.ocoMgr.PlaceOCOOrders(ctx, key, signal.Symbol, order.PositionSide, result.Amount, result.FillPrice, *sl, *tp, strategyPositionID); err != nil {
			d.log.Warn("failed to place oco pair", zap.String("symbol", signal.Symbol), zap.Error(err))
		}
	case sl != nil:
		d.placeLoneProtectiveOrder(ctx, signal, order, result, types.OrderTypeStop, sl)
	case tp != nil:
		d.placeLoneProtectiveOrder(ctx, signal, order, result, types.OrderTypeTakeProfit, tp)
	}
}

func (d *Dispatcher) placeLoneProtectiveOrder(ctx context.Context, signal types.Signal, order types.Order, result exchange.ExecutionResult, orderType types.OrderType, price *decimal.Decimal) {
	side := types.OrderSideSell
	if order.PositionSide == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	protective := types.Order{
		OrderID:      utils.GenerateOrderID(),
		Symbol:       signal.Symbol,
		Side:         side,
		Type:         orderType,
		Amount:       result.Amount,
		PositionSide: order.PositionSide,
		ReduceOnly:   true,
	}
	if orderType == types.OrderTypeStop {
		protective.StopLoss = price
	} else {
		protective.TakeProfit = price
	}
	if _, err := d.exchange.Execute(ctx, protective); err != nil {
		d.log.Warn("failed to place lone protective order", zap.String("symbol", signal.Symbol), zap.String("type", string(orderType)), zap.Error(err))
	}
}

func computeAbsoluteTPSL(side types.PositionSide, entryPrice decimal.Decimal, signal types.Signal) (*decimal.Decimal, *decimal.Decimal) {
	var tp, sl *decimal.Decimal
	if signal.TakeProfitPct != nil {
		pct := *signal.TakeProfitPct
		var v decimal.Decimal
		if side == types.PositionSideLong {
			v = entryPrice.Mul(decimal.NewFromInt(1).Add(pct))
		} else {
			v = entryPrice.Mul(decimal.NewFromInt(1).Sub(pct))
		}
		tp = &v
	}
	if signal.StopLossPct != nil {
		pct := *signal.StopLossPct
		var v decimal.Decimal
		if side == types.PositionSideLong {
			v = entryPrice.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			v = entryPrice.Mul(decimal.NewFromInt(1).Add(pct))
		}
		sl = &v
	}
	return tp, sl
}

func (d *Dispatcher) recordFailure(symbol string, orderType types.OrderType, reason string) {
	if d.metrics == nil {
		return
	}
	d.metrics.OrderFailuresTotal.WithLabelValues(symbol, string(orderType), reason, d.exchange.Name()).Inc()
}

// ClosePositionWithCleanup cancels any OCO pair guarding the position,
// submits a reduce-only market close, and closes the owning strategy
// positions with reason, feeding each closed position's realized P&L to the
// risk guard. Invoked by external callers; monitor-inferred fills are
// handled by handleOCOFilled instead.
func (d *Dispatcher) ClosePositionWithCleanup(ctx context.Context, strategyPositionID, symbol string, side types.PositionSide, quantity decimal.Decimal, reason types.CloseReason) error {
	key := types.ExchangePositionKey(symbol, side)

	if d.ocoMgr != nil {
		if err := d.ocoMgr.CancelOCOPair(ctx, key); err != nil {
			d.log.Info("no active oco pair to cancel during cleanup", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	closeSide := types.OrderSideSell
	if side == types.PositionSideShort {
		closeSide = types.OrderSideBuy
	}
	closeOrder := types.Order{
		OrderID:      utils.GenerateOrderID(),
		Symbol:       symbol,
		Side:         closeSide,
		Type:         types.OrderTypeMarket,
		Amount:       quantity,
		PositionSide: side,
		ReduceOnly:   true,
	}
	result, err := d.exchange.Execute(ctx, closeOrder)
	if err != nil {
		return fmt.Errorf("close position %s: %w", key, err)
	}

	if d.ledger == nil {
		return nil
	}

	if strategyPositionID != "" {
		pos, err := d.ledger.GetStrategyPosition(ctx, strategyPositionID)
		if err != nil {
			return fmt.Errorf("look up strategy position %s: %w", strategyPositionID, err)
		}
		if err := d.ledger.CloseStrategyPosition(ctx, strategyPositionID, result.FillPrice, &quantity, reason, result.OrderID); err != nil {
			return fmt.Errorf("close strategy position %s: %w", strategyPositionID, err)
		}
		if d.riskGuard != nil && pos != nil {
			d.riskGuard.RecordOpenNotional(quantity.Mul(pos.EntryPrice).Neg())
			if closed, err := d.ledger.GetStrategyPosition(ctx, strategyPositionID); err == nil && closed != nil {
				d.riskGuard.RecordTrade(ctx, closed.RealizedPnL)
			}
		}
		d.reportPositionMetrics(ctx, symbol, side)
		return nil
	}

	positions, err := d.ledger.ListPositionsForExchangeKey(ctx, key)
	if err != nil {
		return fmt.Errorf("list positions for %s: %w", key, err)
	}
	for _, p := range positions {
		if p.Status == types.StrategyPositionClosed {
			continue
		}
		if err := d.ledger.CloseStrategyPosition(ctx, p.ID, result.FillPrice, nil, reason, result.OrderID); err != nil {
			d.log.Error("failed to close strategy position during cleanup", zap.String("strategy_position_id", p.ID), zap.Error(err))
			continue
		}
		if d.riskGuard != nil {
			d.riskGuard.RecordOpenNotional(p.EntryQuantity.Mul(p.EntryPrice).Neg())
			if closed, err := d.ledger.GetStrategyPosition(ctx, p.ID); err == nil && closed != nil {
				d.riskGuard.RecordTrade(ctx, closed.RealizedPnL)
			}
		}
	}
	d.reportPositionMetrics(ctx, symbol, side)
	return nil
}

// handleOCOFilled is the Bus subscriber that completes the event-inversion
// wiring: when the OCO monitor infers a fill, it publishes OCOFilledEvent
// instead of calling back into the ledger directly (spec §9).
func (d *Dispatcher) handleOCOFilled(event events.Event) error {
	e, ok := event.(*events.OCOFilledEvent)
	if !ok {
		return fmt.Errorf("unexpected event type for oco_filled handler")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.ledger.CloseStrategyPosition(ctx, e.StrategyPositionID, e.ExitPrice, nil, e.CloseReason, ""); err != nil {
		return fmt.Errorf("close strategy position %s on oco fill: %w", e.StrategyPositionID, err)
	}
	pos, err := d.ledger.GetStrategyPosition(ctx, e.StrategyPositionID)
	if err == nil && pos != nil {
		if d.riskGuard != nil {
			d.riskGuard.RecordTrade(ctx, pos.RealizedPnL)
			d.riskGuard.RecordOpenNotional(pos.EntryQuantity.Mul(pos.EntryPrice).Neg())
		}
		d.reportPositionMetrics(ctx, pos.Symbol, pos.Side)
	}
	return nil
}
