// Package metrics defines the single process-wide Prometheus registry and
// the tradeengine_-prefixed series every component reports against (spec
// §6 and §9's "single per-process metrics registry" design note).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this engine exposes behind one injectable
// value, so components never reach for prometheus' global default registry.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	SignalsReceivedTotal  *prometheus.CounterVec
	SignalsDuplicateTotal *prometheus.CounterVec

	OrdersExecutedByTypeTotal *prometheus.CounterVec
	OrderFailuresTotal        *prometheus.CounterVec

	RiskChecksTotal      *prometheus.CounterVec
	RiskRejectionsTotal  *prometheus.CounterVec

	OrderExecutionLatencySeconds *prometheus.HistogramVec

	CurrentPositionSize *prometheus.GaugeVec
	UnrealizedPnLUSD    *prometheus.GaugeVec
	DailyPnLUSD         *prometheus.GaugeVec
}

// New constructs a fresh Registry on a new prometheus.Registry, so tests can
// create one per case without leaking series across tests (spec §9).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		SignalsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_signals_received_total",
			Help: "Signals received by the aggregator, labeled by strategy/symbol/action.",
		}, []string{"strategy", "symbol", "action"}),
		SignalsDuplicateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_signals_duplicate_total",
			Help: "Signals rejected as duplicates, labeled by strategy/symbol/action.",
		}, []string{"strategy", "symbol", "action"}),
		OrdersExecutedByTypeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_orders_executed_by_type_total",
			Help: "Orders executed, labeled by order_type/side/symbol/exchange.",
		}, []string{"order_type", "side", "symbol", "exchange"}),
		OrderFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_order_failures_total",
			Help: "Order failures, labeled by symbol/order_type/failure_reason/exchange.",
		}, []string{"symbol", "order_type", "failure_reason", "exchange"}),
		RiskChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_risk_checks_total",
			Help: "Pre-trade risk checks performed, labeled by check_type/result/exchange.",
		}, []string{"check_type", "result", "exchange"}),
		RiskRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_risk_rejections_total",
			Help: "Pre-trade risk rejections, labeled by reason/symbol/exchange.",
		}, []string{"reason", "symbol", "exchange"}),
		OrderExecutionLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeengine_order_execution_latency_seconds",
			Help:    "Latency of order execution from dispatch to fill observation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol", "exchange"}),
		CurrentPositionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeengine_current_position_size",
			Help: "Current aggregated position size, labeled by symbol/position_side/exchange.",
		}, []string{"symbol", "position_side", "exchange"}),
		UnrealizedPnLUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeengine_unrealized_pnl_usd",
			Help: "Unrealized P&L in USD, labeled by exchange.",
		}, []string{"exchange"}),
		DailyPnLUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeengine_daily_pnl_usd",
			Help: "Realized P&L for the current day in USD, labeled by exchange.",
		}, []string{"exchange"}),
	}

	reg.MustRegister(
		r.SignalsReceivedTotal,
		r.SignalsDuplicateTotal,
		r.OrdersExecutedByTypeTotal,
		r.OrderFailuresTotal,
		r.RiskChecksTotal,
		r.RiskRejectionsTotal,
		r.OrderExecutionLatencySeconds,
		r.CurrentPositionSize,
		r.UnrealizedPnLUSD,
		r.DailyPnLUSD,
	)

	return r
}
