// Package exchange defines the venue capability the dispatcher, OCO manager,
// and order manager consume (spec §6), mirroring the teacher's
// ExchangeAdapter interface shape. The exchange client itself is out of
// scope (spec §1) — this package is the boundary plus one deterministic
// in-memory reference implementation.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// ExecuteStatus is the outcome of submitting an order.
type ExecuteStatus string

const (
	StatusFilled   ExecuteStatus = "filled"
	StatusPartial  ExecuteStatus = "partial"
	StatusPending  ExecuteStatus = "pending"
	StatusRejected ExecuteStatus = "rejected"
	StatusFailed   ExecuteStatus = "failed"
	StatusError    ExecuteStatus = "error"
)

// ExecutionResult is the result of Execute.
type ExecutionResult struct {
	Status     ExecuteStatus
	OrderID    string
	FillPrice  decimal.Decimal
	Amount     decimal.Decimal
	Commission decimal.Decimal
	Error      error
}

// CancelResult is the result of CancelOrder.
type CancelResult struct {
	Status    string
	Cancelled bool
}

// OpenOrder is one order the venue reports as still working.
type OpenOrder struct {
	OrderID      string
	Symbol       string
	Type         types.OrderType
	Side         types.OrderSide
	PositionSide types.PositionSide
	StopPrice    decimal.Decimal
	Quantity     decimal.Decimal
	ReduceOnly   bool
	Status       types.OrderStatus
}

// NotionalFilter mirrors the venue's MIN_NOTIONAL filter.
type NotionalFilter struct {
	MinNotional decimal.Decimal
}

// LotSizeFilter mirrors the venue's LOT_SIZE filter.
type LotSizeFilter struct {
	MinQty   decimal.Decimal
	StepSize decimal.Decimal
}

// PriceFilter mirrors the venue's PRICE_FILTER filter.
type PriceFilter struct {
	TickSize decimal.Decimal
}

// PercentPriceFilter mirrors the venue's PERCENT_PRICE filter, bounding how
// far an order price may deviate from the current mark.
type PercentPriceFilter struct {
	MultiplierUp   decimal.Decimal
	MultiplierDown decimal.Decimal
}

// SymbolInfo bundles the filters used to round/validate an order amount.
type SymbolInfo struct {
	Symbol       string
	MinNotional  NotionalFilter
	LotSize      LotSizeFilter
	Price        PriceFilter
	PercentPrice PercentPriceFilter
}

// PositionMode selects netted vs. hedge-mode position tracking.
type PositionMode string

const (
	PositionModeOneway PositionMode = "oneway"
	PositionModeHedge  PositionMode = "hedge"
)

// Adapter is the venue capability consumed by C2, C6, C7, and C8.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, order types.Order) (ExecutionResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error)
	BatchCancel(ctx context.Context, symbol string, orderIDs []string) ([]CancelResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetSymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, mode PositionMode) error
	Ping(ctx context.Context) error
}

// ErrLeverageNotChanged is the sentinel ChangeLeverage returns when the
// venue refuses to change leverage because a position is already open —
// a business error the leverage manager treats as non-fatal (spec §4.2).
var ErrLeverageNotChanged = fmt.Errorf("leverage not changed: open position exists")

// SimulatedAdapter is a deterministic in-memory Adapter used for tests and
// for local/paper operation, grounded on the teacher's executor.go paper
// trading branch and adapters/binance.go's filter shape, without any real
// network I/O.
type SimulatedAdapter struct {
	mu sync.Mutex

	prices      map[string]decimal.Decimal
	symbolInfo  map[string]SymbolInfo
	openOrders  map[string][]OpenOrder
	leverage    map[string]int
	rejectNext  map[string]error
}

// NewSimulatedAdapter creates a SimulatedAdapter with no configured symbols;
// call SetPrice/SetSymbolInfo to configure it before use.
func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{
		prices:     make(map[string]decimal.Decimal),
		symbolInfo: make(map[string]SymbolInfo),
		openOrders: make(map[string][]OpenOrder),
		leverage:   make(map[string]int),
		rejectNext: make(map[string]error),
	}
}

func (a *SimulatedAdapter) Name() string { return "simulated" }

// SetPrice configures the mark price returned for symbol.
func (a *SimulatedAdapter) SetPrice(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[symbol] = price
}

// SetSymbolInfo configures the exchange filters returned for symbol.
func (a *SimulatedAdapter) SetSymbolInfo(symbol string, info SymbolInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbolInfo[symbol] = info
}

// FailNextOrder makes the next Execute call for orderID return a rejected
// result carrying err (with a nil error); CancelOrder is unaffected.
func (a *SimulatedAdapter) FailNextOrder(orderID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejectNext[orderID] = err
}

func (a *SimulatedAdapter) Execute(ctx context.Context, order types.Order) (ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	orderID := order.OrderID
	if orderID == "" {
		orderID = fmt.Sprintf("sim_%d", time.Now().UnixNano())
	}
	if err, ok := a.rejectNext[orderID]; ok {
		delete(a.rejectNext, orderID)
		return ExecutionResult{Status: StatusRejected, OrderID: orderID, Error: err}, nil
	}

	price := a.prices[order.Symbol]
	if order.TargetPrice != nil {
		price = *order.TargetPrice
	}

	result := ExecutionResult{
		Status:    StatusFilled,
		OrderID:   orderID,
		FillPrice: price,
		Amount:    order.Amount,
	}

	if isTriggerType(order.Type) {
		stopPrice := decimal.Zero
		switch {
		case order.StopLoss != nil:
			stopPrice = *order.StopLoss
		case order.TakeProfit != nil:
			stopPrice = *order.TakeProfit
		case order.TargetPrice != nil:
			stopPrice = *order.TargetPrice
		}
		a.openOrders[order.Symbol] = append(a.openOrders[order.Symbol], OpenOrder{
			OrderID:      orderID,
			Symbol:       order.Symbol,
			Type:         order.Type,
			Side:         order.Side,
			PositionSide: order.PositionSide,
			StopPrice:    stopPrice,
			Quantity:     order.Amount,
			ReduceOnly:   order.ReduceOnly,
			Status:       types.OrderStatusOpen,
		})
		result.Status = StatusPending
	}

	return result, nil
}

func isTriggerType(t types.OrderType) bool {
	switch t {
	case types.OrderTypeStop, types.OrderTypeStopLimit, types.OrderTypeTakeProfit,
		types.OrderTypeTakeProfitLimit, types.OrderTypeConditionalLimit, types.OrderTypeConditionalStop:
		return true
	default:
		return false
	}
}

func (a *SimulatedAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	orders := a.openOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			a.openOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return CancelResult{Status: "cancelled", Cancelled: true}, nil
		}
	}
	return CancelResult{Status: "not_found", Cancelled: false}, nil
}

func (a *SimulatedAdapter) BatchCancel(ctx context.Context, symbol string, orderIDs []string) ([]CancelResult, error) {
	results := make([]CancelResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		r, err := a.CancelOrder(ctx, symbol, id)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (a *SimulatedAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OpenOrder, len(a.openOrders[symbol]))
	copy(out, a.openOrders[symbol])
	return out, nil
}

// RemoveOpenOrder simulates the venue filling an order out-of-band, used by
// tests exercising the OCO monitor's fill-by-absence inference.
func (a *SimulatedAdapter) RemoveOpenOrder(symbol, orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	orders := a.openOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			a.openOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return
		}
	}
}

func (a *SimulatedAdapter) GetSymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	price, ok := a.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for %s", symbol)
	}
	return price, nil
}

func (a *SimulatedAdapter) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.symbolInfo[symbol]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("no symbol info configured for %s", symbol)
	}
	return info, nil
}

func (a *SimulatedAdapter) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leverage[symbol] = leverage
	return nil
}

func (a *SimulatedAdapter) SetPositionMode(ctx context.Context, mode PositionMode) error {
	return nil
}

func (a *SimulatedAdapter) Ping(ctx context.Context) error {
	return nil
}
