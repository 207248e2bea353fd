// Package orders implements the order manager (C8): a record of active,
// conditional, and historical orders, plus client-side trigger monitors for
// conditional_limit/conditional_stop orders that the venue itself does not
// support natively. Grounded on the teacher's order_manager.go bookkeeping
// and price-cache pattern.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/pkg/types"
)

// TrackedOrder is one order under management, spanning both venue-submitted
// and client-side conditional orders.
type TrackedOrder struct {
	Order       types.Order
	Status      types.OrderStatus
	FillPrice   decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
	TriggerDone chan struct{} `json:"-"`
}

// Summary counts tracked orders by status, per get_order_summary.
type Summary struct {
	Active      int
	Conditional int
	History     int
	ByStatus    map[types.OrderStatus]int
}

// Config configures conditional-order monitoring and the price cache.
type Config struct {
	PriceMonitoringInterval time.Duration
	ConditionalTimeout      time.Duration
	PriceCacheTTL           time.Duration
}

// DefaultConfig matches spec §4.8's defaults.
func DefaultConfig() Config {
	return Config{
		PriceMonitoringInterval: 2 * time.Second,
		ConditionalTimeout:      1 * time.Hour,
		PriceCacheTTL:           30 * time.Second,
	}
}

// Manager implements C8.
type Manager struct {
	log      *zap.Logger
	exchange exchange.Adapter
	cfg      Config

	mu              sync.RWMutex
	activeOrders    map[string]*TrackedOrder
	conditionalOrders map[string]*TrackedOrder
	orderHistory    []*TrackedOrder

	priceMu    sync.Mutex
	priceCache map[string]cachedPrice

	stopOnce sync.Once
	stopCh   chan struct{}
}

type cachedPrice struct {
	price  decimal.Decimal
	cachedAt time.Time
}

// New builds a Manager.
func New(log *zap.Logger, adapter exchange.Adapter, cfg Config) *Manager {
	if cfg.PriceMonitoringInterval <= 0 {
		cfg.PriceMonitoringInterval = 2 * time.Second
	}
	if cfg.ConditionalTimeout <= 0 {
		cfg.ConditionalTimeout = time.Hour
	}
	if cfg.PriceCacheTTL <= 0 {
		cfg.PriceCacheTTL = 30 * time.Second
	}
	return &Manager{
		log:               log,
		exchange:          adapter,
		cfg:               cfg,
		activeOrders:      make(map[string]*TrackedOrder),
		conditionalOrders: make(map[string]*TrackedOrder),
		priceCache:        make(map[string]cachedPrice),
		stopCh:            make(chan struct{}),
	}
}

// Stop signals every conditional-order monitor goroutine to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func isConditionalType(t types.OrderType) bool {
	return t == types.OrderTypeConditionalLimit || t == types.OrderTypeConditionalStop
}

func isTerminalStatus(s types.OrderStatus) bool {
	switch s {
	case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRejected,
		types.OrderStatusExpired, types.OrderStatusTimeout:
		return true
	default:
		return false
	}
}

// TrackOrder records order's submission result, routing it to active orders
// if its status is pending/partial, to conditional_orders if it is a
// client-side conditional type awaiting trigger, or directly to history if
// already terminal.
func (m *Manager) TrackOrder(order types.Order, result exchange.ExecutionResult) {
	now := time.Now().UTC()
	status := mapExecutionStatus(result.Status)
	tracked := &TrackedOrder{
		Order:     order,
		Status:    status,
		FillPrice: result.FillPrice,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	switch {
	case isConditionalType(order.Type) && !isTerminalStatus(status):
		tracked.TriggerDone = make(chan struct{})
		m.conditionalOrders[order.OrderID] = tracked
		m.mu.Unlock()
		go m.monitorConditional(order.OrderID)
		return
	case isTerminalStatus(status):
		m.orderHistory = append(m.orderHistory, tracked)
	default:
		m.activeOrders[order.OrderID] = tracked
	}
	m.mu.Unlock()
}

func mapExecutionStatus(s exchange.ExecuteStatus) types.OrderStatus {
	switch s {
	case exchange.StatusFilled:
		return types.OrderStatusFilled
	case exchange.StatusPartial:
		return types.OrderStatusPartial
	case exchange.StatusPending:
		return types.OrderStatusPending
	case exchange.StatusRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusRejected
	}
}

// monitorConditional polls the price source every PriceMonitoringInterval
// until the order's trigger condition fires, it times out, or Stop is
// called. A fire or a timeout migrates the order to history; on Stop it
// stays in the conditional bag.
func (m *Manager) monitorConditional(orderID string) {
	m.mu.RLock()
	tracked, ok := m.conditionalOrders[orderID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	defer close(tracked.TriggerDone)

	deadline := tracked.CreatedAt.Add(m.cfg.ConditionalTimeout)
	ticker := time.NewTicker(m.cfg.PriceMonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				m.resolveConditional(orderID, types.OrderStatusTimeout, decimal.Zero)
				return
			}
			price, err := m.currentPrice(context.Background(), tracked.Order.Symbol)
			if err != nil {
				m.log.Warn("conditional order monitor: price fetch failed", zap.String("symbol", tracked.Order.Symbol), zap.Error(err))
				continue
			}
			if conditionMet(tracked.Order, price) {
				m.resolveConditional(orderID, types.OrderStatusFilled, price)
				return
			}
		}
	}
}

// conditionMet evaluates a conditional order's trigger: conditional_limit
// fires when price crosses favorably past the target, conditional_stop
// fires when price crosses adversely past the stop.
func conditionMet(order types.Order, price decimal.Decimal) bool {
	if order.TargetPrice == nil {
		return false
	}
	target := *order.TargetPrice
	switch order.Type {
	case types.OrderTypeConditionalLimit:
		if order.Side == types.OrderSideBuy {
			return price.LessThanOrEqual(target)
		}
		return price.GreaterThanOrEqual(target)
	case types.OrderTypeConditionalStop:
		if order.Side == types.OrderSideSell {
			return price.LessThanOrEqual(target)
		}
		return price.GreaterThanOrEqual(target)
	default:
		return false
	}
}

func (m *Manager) resolveConditional(orderID string, status types.OrderStatus, fillPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.conditionalOrders[orderID]
	if !ok {
		return
	}
	delete(m.conditionalOrders, orderID)
	tracked.Status = status
	tracked.FillPrice = fillPrice
	tracked.UpdatedAt = time.Now().UTC()
	m.orderHistory = append(m.orderHistory, tracked)
}

// currentPrice returns the cached price if fresh (<=PriceCacheTTL), else
// fetches and caches a new one.
func (m *Manager) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.priceMu.Lock()
	cached, ok := m.priceCache[symbol]
	m.priceMu.Unlock()
	if ok && time.Since(cached.cachedAt) <= m.cfg.PriceCacheTTL {
		return cached.price, nil
	}

	price, err := m.exchange.GetSymbolPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price for %s: %w", symbol, err)
	}
	m.priceMu.Lock()
	m.priceCache[symbol] = cachedPrice{price: price, cachedAt: time.Now().UTC()}
	m.priceMu.Unlock()
	return price, nil
}

// GetOrder returns the tracked order matching orderID from whichever bag
// currently holds it, or nil if unknown.
func (m *Manager) GetOrder(orderID string) *TrackedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.activeOrders[orderID]; ok {
		return o
	}
	if o, ok := m.conditionalOrders[orderID]; ok {
		return o
	}
	for _, o := range m.orderHistory {
		if o.Order.OrderID == orderID {
			return o
		}
	}
	return nil
}

// GetActiveOrders returns a snapshot of every venue-pending order.
func (m *Manager) GetActiveOrders() []*TrackedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackedOrder, 0, len(m.activeOrders))
	for _, o := range m.activeOrders {
		out = append(out, o)
	}
	return out
}

// GetConditionalOrders returns a snapshot of every order awaiting a
// client-side trigger.
func (m *Manager) GetConditionalOrders() []*TrackedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackedOrder, 0, len(m.conditionalOrders))
	for _, o := range m.conditionalOrders {
		out = append(out, o)
	}
	return out
}

// GetOrderHistory returns a snapshot of every order that has reached a
// terminal state.
func (m *Manager) GetOrderHistory() []*TrackedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackedOrder, len(m.orderHistory))
	copy(out, m.orderHistory)
	return out
}

// GetOrderSummary counts tracked orders by bag and by status.
func (m *Manager) GetOrderSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Summary{
		Active:      len(m.activeOrders),
		Conditional: len(m.conditionalOrders),
		History:     len(m.orderHistory),
		ByStatus:    make(map[types.OrderStatus]int),
	}
	for _, o := range m.activeOrders {
		s.ByStatus[o.Status]++
	}
	for _, o := range m.conditionalOrders {
		s.ByStatus[o.Status]++
	}
	for _, o := range m.orderHistory {
		s.ByStatus[o.Status]++
	}
	return s
}

// CancelOrder removes orderID from whichever bag owns it (active or
// conditional), sends a cancel for it to the venue in either case, and
// writes a terminal history record.
func (m *Manager) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	var tracked *TrackedOrder
	if o, ok := m.activeOrders[orderID]; ok {
		tracked = o
		delete(m.activeOrders, orderID)
	} else if o, ok := m.conditionalOrders[orderID]; ok {
		tracked = o
		delete(m.conditionalOrders, orderID)
	}
	m.mu.Unlock()

	if tracked == nil {
		return fmt.Errorf("order %s not tracked", orderID)
	}

	if _, err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		m.log.Warn("cancel at venue failed, still removing from tracking", zap.String("order_id", orderID), zap.Error(err))
	}

	m.mu.Lock()
	tracked.Status = types.OrderStatusCancelled
	tracked.UpdatedAt = time.Now().UTC()
	m.orderHistory = append(m.orderHistory, tracked)
	m.mu.Unlock()
	return nil
}
