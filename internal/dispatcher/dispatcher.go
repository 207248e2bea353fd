// Package dispatcher implements C6: arbitrated-signal-to-order conversion,
// per-(symbol, position_side) locking, risk/leverage gating, venue
// submission, and SL/TP routing. Grounded on the teacher's executor's
// lock-then-submit discipline and metrics emission style.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/events"
	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/ledger"
	"github.com/tradecore/engine/internal/leverage"
	"github.com/tradecore/engine/internal/lock"
	"github.com/tradecore/engine/internal/metrics"
	"github.com/tradecore/engine/internal/oco"
	"github.com/tradecore/engine/internal/orders"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/signals"
	"github.com/tradecore/engine/pkg/types"
	"github.com/tradecore/engine/pkg/utils"
)

// Status mirrors signals.Status plus dispatcher-only outcomes.
type Status = signals.Status

const (
	StatusNoOp Status = "no_op"
)

// DispatchResult is the aggregate outcome of dispatch(signal).
type DispatchResult struct {
	Status              Status
	Reason              string
	OrderID             string
	DuplicateAgeSeconds float64
}

// Config configures the dispatcher's duplicate-fingerprint cache and
// accumulation cooldown.
type Config struct {
	FingerprintTTL    time.Duration
	CooldownWindow    time.Duration
	DefaultLeverage   int
	MinNotionalFloor  decimal.Decimal
}

// DefaultConfig returns spec-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		FingerprintTTL:   10 * time.Second,
		CooldownWindow:   2 * time.Second,
		DefaultLeverage:  1,
		MinNotionalFloor: decimal.NewFromInt(10),
	}
}

// Dispatcher implements C6.
type Dispatcher struct {
	log        *zap.Logger
	cfg        Config
	aggregator *signals.Aggregator
	riskGuard  *risk.Guard
	leverage   *leverage.Manager
	ledger     *ledger.Ledger
	ocoMgr     *oco.Manager
	orders     *orders.Manager
	exchange   exchange.Adapter
	locker     lock.Locker
	metrics    *metrics.Registry
	bus        *events.Bus

	mu                sync.Mutex
	fingerprintCache  map[string]time.Time
	lastAccumulation  map[string]time.Time
}

// New builds a Dispatcher and subscribes to OCOFilled events so positions
// close automatically when a stop-loss or take-profit leg fills. orderMgr
// may be nil, in which case executed orders are simply not tracked in C8's
// active/history bookkeeping.
func New(log *zap.Logger, cfg Config, aggregator *signals.Aggregator, guard *risk.Guard, lev *leverage.Manager, led *ledger.Ledger, ocoMgr *oco.Manager, orderMgr *orders.Manager, adapter exchange.Adapter, locker lock.Locker, reg *metrics.Registry, bus *events.Bus) *Dispatcher {
	if cfg.FingerprintTTL <= 0 {
		cfg.FingerprintTTL = 10 * time.Second
	}
	if cfg.MinNotionalFloor.IsZero() {
		cfg.MinNotionalFloor = decimal.NewFromInt(10)
	}
	d := &Dispatcher{
		log:              log,
		cfg:              cfg,
		aggregator:       aggregator,
		riskGuard:        guard,
		leverage:         lev,
		ledger:           led,
		ocoMgr:           ocoMgr,
		orders:           orderMgr,
		exchange:         adapter,
		locker:           locker,
		metrics:          reg,
		bus:              bus,
		fingerprintCache: make(map[string]time.Time),
		lastAccumulation: make(map[string]time.Time),
	}
	bus.Subscribe(events.EventTypeOCOFilled, d.handleOCOFilled)
	return d
}

func fingerprint(s types.Signal) string {
	return fmt.Sprintf("%s|%s|%s|%d", s.StrategyID, s.Symbol, s.Action, s.Timestamp.Truncate(time.Second).Unix())
}

// Dispatch runs the full dispatch(signal) pipeline (spec §4.6).
func (d *Dispatcher) Dispatch(ctx context.Context, signal types.Signal) (DispatchResult, error) {
	if dup, age := d.checkFingerprint(signal); dup {
		d.recordSignalMetric(signal, true)
		return DispatchResult{Status: signals.StatusDuplicate, Reason: "duplicate fingerprint", DuplicateAgeSeconds: age}, nil
	}
	d.recordSignalMetric(signal, false)

	verdict, err := d.aggregator.ProcessSignal(ctx, signal)
	if err != nil {
		return DispatchResult{Status: signals.StatusError, Reason: err.Error()}, nil
	}
	if verdict.Status != signals.StatusExecuted {
		return DispatchResult{Status: verdict.Status, Reason: verdict.Reason}, nil
	}

	side := verdict.OrderParams.Side
	if d.inCooldown(signal.Symbol, side) {
		d.log.Info("accumulation cooldown active, downgrading to no-op",
			zap.String("symbol", signal.Symbol), zap.String("side", string(side)))
		return DispatchResult{Status: StatusNoOp, Reason: "accumulation cooldown active"}, nil
	}

	order := d.signalToOrder(signal, verdict)

	lockKey := fmt.Sprintf("%s:%s", signal.Symbol, side)
	var result DispatchResult
	err = d.locker.ExecuteWithLock(ctx, lockKey, func(ctx context.Context) error {
		result = d.executeLocked(ctx, signal, order)
		return nil
	})
	if err != nil {
		return DispatchResult{Status: signals.StatusError, Reason: err.Error()}, nil
	}

	d.markAccumulation(signal.Symbol, side)
	return result, nil
}

func (d *Dispatcher) checkFingerprint(s types.Signal) (bool, float64) {
	fp := fingerprint(s)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if seenAt, ok := d.fingerprintCache[fp]; ok && now.Sub(seenAt) < d.cfg.FingerprintTTL {
		return true, now.Sub(seenAt).Seconds()
	}
	d.fingerprintCache[fp] = now
	return false, 0
}

func (d *Dispatcher) inCooldown(symbol string, side types.PositionSide) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fmt.Sprintf("%s:%s", symbol, side)
	last, ok := d.lastAccumulation[key]
	return ok && time.Since(last) < d.cfg.CooldownWindow
}

func (d *Dispatcher) markAccumulation(symbol string, side types.PositionSide) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccumulation[fmt.Sprintf("%s:%s", symbol, side)] = time.Now()
}

func (d *Dispatcher) recordSignalMetric(s types.Signal, duplicate bool) {
	if d.metrics == nil {
		return
	}
	if duplicate {
		d.metrics.SignalsDuplicateTotal.WithLabelValues(s.StrategyID, s.Symbol, string(s.Action)).Inc()
		return
	}
	d.metrics.SignalsReceivedTotal.WithLabelValues(s.StrategyID, s.Symbol, string(s.Action)).Inc()
}

// signalToOrder converts an arbitrated signal into an Order: side = action,
// type from signal.order_type (default market), amount = max(quantity,
// venue-minimum-derived floor), position_side is always hedge-mode derived.
func (d *Dispatcher) signalToOrder(signal types.Signal, verdict signals.ProcessResult) types.Order {
	orderSide := types.OrderSideBuy
	if verdict.OrderParams.Action == types.ActionSell {
		orderSide = types.OrderSideSell
	}

	orderType := verdict.OrderParams.OrderType
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}

	amount := d.resolveAmount(signal, verdict)

	return types.Order{
		OrderID:      utils.GenerateOrderID(),
		Symbol:       signal.Symbol,
		Side:         orderSide,
		Type:         orderType,
		Amount:       amount,
		TargetPrice:  verdict.OrderParams.TargetPrice,
		PositionSide: verdict.OrderParams.Side,
		StrategyID:   signal.StrategyID,
		SignalID:     signal.SignalID,
	}
}

// resolveAmount picks max(signal quantity, a venue-minimum-derived floor);
// if the venue's symbol info is unavailable it falls back to the quantity
// approximating MinNotionalFloor at current price, else a fixed floor.
func (d *Dispatcher) resolveAmount(signal types.Signal, verdict signals.ProcessResult) decimal.Decimal {
	qty := verdict.OrderParams.Quantity

	info, err := d.exchange.GetSymbolInfo(context.Background(), signal.Symbol)
	if err == nil && !info.MinNotional.MinNotional.IsZero() && !signal.CurrentPrice.IsZero() {
		minQty := info.MinNotional.MinNotional.Div(signal.CurrentPrice)
		if qty.LessThan(minQty) {
			qty = minQty
		}
		return qty
	}

	if !signal.CurrentPrice.IsZero() {
		floorQty := d.cfg.MinNotionalFloor.Div(signal.CurrentPrice)
		if qty.LessThan(floorQty) {
			qty = floorQty
		}
		return qty
	}

	if qty.IsZero() {
		qty = decimal.NewFromFloat(0.001)
	}
	return qty
}
