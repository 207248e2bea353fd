// Package main wires up the trade engine: a signal-arbitration and
// order-dispatch service built from eight cooperating components (config
// resolution, leverage sync, position ledger, signal aggregation, risk
// guarding, dispatch, OCO management, and order tracking) sharing one
// sqlite-backed store and one Prometheus registry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/dispatcher"
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
	"github.com/tradecore/engine/internal/store"
	"github.com/tradecore/engine/internal/workers"
)

func main() {
	logLevelFlag := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	bootCfg := loadBootConfig()
	if *logLevelFlag != "" {
		bootCfg.LogLevel = *logLevelFlag
	}

	logger := setupLogger(bootCfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting trade engine",
		zap.String("sqlite_dsn", bootCfg.SqliteDSN),
		zap.String("exchange", bootCfg.Exchange),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- leaf infrastructure: store, metrics, exchange, events, workers, lock ---

	st, err := store.Open(logger, bootCfg.SqliteDSN)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	reg := metrics.New()

	adapter := exchange.NewSimulatedAdapter()

	bus := events.NewBus(logger, events.DefaultConfig())

	pool := workers.New(logger, workers.DefaultConfig("oco-monitor"))

	locker := lock.NewMemoryLocker()

	// --- C1: config resolver ---

	configResolver := config.New(logger, st, config.Config{
		Defaults: config.Defaults{
			"leverage":           bootCfg.DefaultLeverage,
			"position_size_pct":  0.05,
			"stop_loss_pct":      0.02,
			"take_profit_pct":    0.04,
		},
		TTL: bootCfg.ConfigCacheTTL,
	})

	// --- C2: leverage manager ---

	leverageManager := leverage.New(logger, st, adapter)
	if err := leverageManager.SyncAllLeverage(ctx); err != nil {
		logger.Warn("initial leverage sync failed", zap.Error(err))
	}

	// --- C3: strategy position ledger ---

	positionLedger := ledger.New(logger, st)

	// --- C5: risk guard ---

	riskGuard := risk.New(logger, reg, adapter.Name(), risk.Config{
		MaxPositionSizePct:      decimal.NewFromFloat(bootCfg.RiskMaxPositionSizePct),
		MaxDailyLossPct:         decimal.NewFromFloat(bootCfg.RiskMaxDailyLossPct),
		MaxPortfolioExposurePct: decimal.NewFromFloat(bootCfg.RiskMaxPortfolioExposurePct),
		PortfolioValue:          decimal.NewFromFloat(bootCfg.RiskPortfolioValue),
	})

	// --- C4: signal aggregator ---
	// ml_light/llm_reasoning are pluggable capabilities; none is wired in by
	// default, so those modes return StatusError until an operator supplies one.

	aggregatorCfg := signals.DefaultConfig()
	signalAggregator := signals.New(logger, aggregatorCfg, riskGuard, nil, nil, nil)

	// --- C7: OCO manager ---

	ocoCfg := oco.DefaultConfig()
	ocoCfg.PollInterval = bootCfg.OCOPollInterval
	ocoManager := oco.New(logger, adapter, bus, pool, ocoCfg)

	// --- C8: order manager ---

	orderManagerCfg := orders.DefaultConfig()
	orderManagerCfg.PriceMonitoringInterval = bootCfg.ConditionalMonitorInterval
	orderManager := orders.New(logger, adapter, orderManagerCfg)

	// --- C6: dispatcher, orchestrating C1-C5/C7/C8 ---

	dispatcherCfg := dispatcher.DefaultConfig()
	dispatcherCfg.FingerprintTTL = bootCfg.DispatcherFingerprintTTL
	dispatcherCfg.DefaultLeverage = bootCfg.DefaultLeverage
	tradeDispatcher := dispatcher.New(logger, dispatcherCfg, signalAggregator, riskGuard, leverageManager, positionLedger, ocoManager, orderManager, adapter, locker, reg, bus)
	_ = tradeDispatcher // signals are submitted to Dispatch by an inbound transport, out of scope here

	logger.Info("trade engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	// Ordered shutdown: monitors and sweepers first, then the event bus and
	// worker pool they publish/submit into, then the store they all read
	// through, bounded by one final timeout.
	done := make(chan struct{})
	go func() {
		defer close(done)
		signalAggregator.Stop()
		ocoManager.Stop()
		orderManager.Stop()
		configResolver.Stop()
		pool.Stop()
		bus.Stop()
		if err := st.Close(); err != nil {
			logger.Error("error closing store", zap.Error(err))
		}
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}

	logger.Info("trade engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
