// Package types provides shared type definitions for the trading engine core.
package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SignalAction is the action a strategy signal is requesting.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionHold  SignalAction = "hold"
	ActionClose SignalAction = "close"
)

// SignalStrength is a coarse confidence band used by arbitration, independent
// of the signal's numeric confidence.
type SignalStrength string

const (
	StrengthWeak    SignalStrength = "weak"
	StrengthMedium  SignalStrength = "medium"
	StrengthStrong  SignalStrength = "strong"
	StrengthExtreme SignalStrength = "extreme"
)

// Multiplier returns the arbitration multiplier for a strength band.
// Unknown values fall back to the medium multiplier.
func (s SignalStrength) Multiplier() decimal.Decimal {
	switch s {
	case StrengthWeak:
		return decimal.NewFromFloat(0.5)
	case StrengthStrong:
		return decimal.NewFromFloat(1.5)
	case StrengthExtreme:
		return decimal.NewFromFloat(2.0)
	default:
		return decimal.NewFromFloat(1.0)
	}
}

// StrategyMode identifies which processor handles a signal in the aggregator.
type StrategyMode string

const (
	ModeDeterministic StrategyMode = "deterministic"
	ModeMLLight       StrategyMode = "ml_light"
	ModeLLMReasoning  StrategyMode = "llm_reasoning"
)

// Multiplier returns the arbitration mode multiplier.
func (m StrategyMode) Multiplier() decimal.Decimal {
	switch m {
	case ModeMLLight:
		return decimal.NewFromFloat(1.2)
	case ModeLLMReasoning:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromFloat(1.0)
	}
}

// TimeframeModeMultiplier returns the mode multiplier used when scaling a
// timeframe weight, a distinct (smaller) scale from the base mode multiplier.
func (m StrategyMode) TimeframeModeMultiplier() decimal.Decimal {
	switch m {
	case ModeMLLight:
		return decimal.NewFromFloat(1.1)
	case ModeLLMReasoning:
		return decimal.NewFromFloat(1.3)
	default:
		return decimal.NewFromFloat(1.0)
	}
}

// Timeframe is an ordered trading timeframe. Ordering is by explicit rank,
// not string comparison, so arbitration stays deterministic.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1m   Timeframe = "1m"
	Timeframe3m   Timeframe = "3m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe2h   Timeframe = "2h"
	Timeframe4h   Timeframe = "4h"
	Timeframe6h   Timeframe = "6h"
	Timeframe8h   Timeframe = "8h"
	Timeframe12h  Timeframe = "12h"
	Timeframe1d   Timeframe = "1d"
	Timeframe3d   Timeframe = "3d"
	Timeframe1w   Timeframe = "1w"
	Timeframe1mo  Timeframe = "1mo"
)

var timeframeRank = map[Timeframe]int{
	TimeframeTick: 1,
	Timeframe1m:   2,
	Timeframe3m:   3,
	Timeframe5m:   4,
	Timeframe15m:  5,
	Timeframe30m:  6,
	Timeframe1h:   7,
	Timeframe2h:   8,
	Timeframe4h:   9,
	Timeframe6h:   10,
	Timeframe8h:   11,
	Timeframe12h:  12,
	Timeframe1d:   13,
	Timeframe3d:   14,
	Timeframe1w:   15,
	Timeframe1mo:  16,
}

// Rank returns the timeframe's position in the canonical ordering, or 0 for
// an unrecognised timeframe.
func (t Timeframe) Rank() int {
	return timeframeRank[t]
}

// Valid reports whether the timeframe is one of the recognised values.
func (t Timeframe) Valid() bool {
	_, ok := timeframeRank[t]
	return ok
}

// OrderType enumerates the order shapes the dispatcher and OCO manager can
// submit to the exchange capability.
type OrderType string

const (
	OrderTypeMarket             OrderType = "market"
	OrderTypeLimit              OrderType = "limit"
	OrderTypeStop               OrderType = "stop"
	OrderTypeStopLimit          OrderType = "stop_limit"
	OrderTypeTakeProfit         OrderType = "take_profit"
	OrderTypeTakeProfitLimit    OrderType = "take_profit_limit"
	OrderTypeConditionalLimit   OrderType = "conditional_limit"
	OrderTypeConditionalStop    OrderType = "conditional_stop"
)

// OrderStatus represents the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial_fill"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusTimeout   OrderStatus = "timeout"
)

// PositionSide distinguishes hedge-mode long and short legs of a symbol.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// ExchangePositionKey returns the aggregated-position key for a (symbol, side) pair.
func ExchangePositionKey(symbol string, side PositionSide) string {
	return fmt.Sprintf("%s_%s", symbol, side)
}

// TimeInForce mirrors the venue's order lifetime policy.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Signal is an immutable trading intent published by a strategy.
type Signal struct {
	StrategyID      string
	SignalID        string
	Symbol          string
	Action          SignalAction
	Confidence      decimal.Decimal
	Strength        SignalStrength
	Timeframe       Timeframe
	StrategyMode    StrategyMode
	CurrentPrice    decimal.Decimal
	TargetPrice     *decimal.Decimal
	Quantity        *decimal.Decimal
	PositionSizePct *decimal.Decimal
	StopLossPct     *decimal.Decimal
	TakeProfitPct   *decimal.Decimal
	OrderType       OrderType
	Timestamp       time.Time
	Meta            map[string]string
}

// ParseSignalTimestamp converts a loosely-typed timestamp value (ISO-8601
// string, epoch seconds, or time.Time) into a time.Time, falling back to now
// when the value cannot be interpreted.
func ParseSignalTimestamp(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Unix(int64(secs), 0).UTC()
		}
	case int64:
		return time.Unix(t, 0).UTC()
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Now().UTC()
}

// Order is a mutable-status order submitted to the exchange capability.
type Order struct {
	OrderID      string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Amount       decimal.Decimal
	TargetPrice  *decimal.Decimal
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	TimeInForce  TimeInForce
	PositionSide PositionSide
	ReduceOnly   bool
	Simulate     bool
	StrategyID   string
	SignalID     string
	Meta         map[string]string
}

// StrategyPositionStatus is the lifecycle status of a virtual strategy position.
type StrategyPositionStatus string

const (
	StrategyPositionOpen    StrategyPositionStatus = "open"
	StrategyPositionPartial StrategyPositionStatus = "partial"
	StrategyPositionClosed  StrategyPositionStatus = "closed"
)

// CloseReason identifies why a strategy position was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
)

// StrategyPosition is a virtual, per-strategy record of what one strategy
// believes it owns on a symbol.
type StrategyPosition struct {
	ID                  string
	StrategyID          string
	SignalID            string
	Symbol              string
	Side                PositionSide
	EntryQuantity        decimal.Decimal
	EntryPrice           decimal.Decimal
	EntryTime            time.Time
	TakeProfitPrice      *decimal.Decimal
	StopLossPrice        *decimal.Decimal
	TakeProfitOrderID    string
	StopLossOrderID      string
	Status               StrategyPositionStatus
	ExchangePositionKey  string
	RealizedPnL          decimal.Decimal
	PnLPct               decimal.Decimal
	ClosedAt             *time.Time
	CloseReason          CloseReason
}

// ExchangePositionStatus is the lifecycle status of an aggregated exchange position.
type ExchangePositionStatus string

const (
	ExchangePositionOpen   ExchangePositionStatus = "open"
	ExchangePositionClosed ExchangePositionStatus = "closed"
)

// ExchangePosition is the aggregated view of every strategy position sharing
// the same (symbol, side) key as tracked on the venue.
type ExchangePosition struct {
	Key                    string
	Symbol                 string
	Side                   PositionSide
	CurrentQuantity        decimal.Decimal
	WeightedAvgPrice       decimal.Decimal
	ContributingStrategies map[string]struct{}
	TotalContributions     int
	Status                 ExchangePositionStatus
}

// PositionContribution links one strategy position's slice of quantity to
// the exchange position it contributed to.
type PositionContribution struct {
	ID                  string
	StrategyPositionID  string
	ExchangePositionKey string
	Quantity            decimal.Decimal
	EntryPrice          decimal.Decimal
	Sequence            int
	QuantityBefore      decimal.Decimal
	QuantityAfter       decimal.Decimal
	ExitPrice           *decimal.Decimal
	PnL                 *decimal.Decimal
	ClosedAt            *time.Time
}

// OCOPairStatus is the lifecycle status of a stop-loss/take-profit pair.
type OCOPairStatus string

const (
	OCOPairActive    OCOPairStatus = "active"
	OCOPairCancelled OCOPairStatus = "cancelled"
	OCOPairCompleted OCOPairStatus = "completed"
)

// OCOPair tracks one stop-loss/take-profit order pair guarding a strategy
// position's slice of an exchange position.
type OCOPair struct {
	PositionID         string
	StrategyPositionID string
	Symbol             string
	PositionSide       PositionSide
	Quantity           decimal.Decimal
	EntryPrice         decimal.Decimal
	StopLossOrderID    string
	TakeProfitOrderID  string
	StopLossPrice      decimal.Decimal
	TakeProfitPrice    decimal.Decimal
	Status             OCOPairStatus
	CreatedAt          time.Time
}
