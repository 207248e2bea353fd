package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// bootConfig is process-level startup configuration, loaded once at boot via
// viper from TRADECORE_-prefixed environment variables and an optional
// config.yaml. Distinct from the runtime TradingConfig resolved by C1, which
// is domain state persisted via internal/store: this governs how the
// process itself boots.
type bootConfig struct {
	LogLevel    string
	SqliteDSN   string
	Exchange    string
	DefaultLeverage int

	OCOPollInterval      time.Duration
	DispatcherFingerprintTTL time.Duration
	ConditionalMonitorInterval time.Duration

	RiskMaxPositionSizePct      float64
	RiskMaxDailyLossPct         float64
	RiskMaxPortfolioExposurePct float64
	RiskPortfolioValue          float64

	ConfigCacheTTL time.Duration
}

func loadBootConfig() bootConfig {
	v := viper.New()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // absence is fine; defaults + env carry the process

	v.SetDefault("log_level", "info")
	v.SetDefault("sqlite_dsn", "tradecore.db")
	v.SetDefault("exchange", "simulated")
	v.SetDefault("default_leverage", 1)
	v.SetDefault("oco_poll_interval", "1s")
	v.SetDefault("dispatcher_fingerprint_ttl", "10s")
	v.SetDefault("conditional_monitor_interval", "2s")
	v.SetDefault("risk_max_position_size_pct", 0.10)
	v.SetDefault("risk_max_daily_loss_pct", 0.05)
	v.SetDefault("risk_max_portfolio_exposure_pct", 0.50)
	v.SetDefault("risk_portfolio_value", 10000.0)
	v.SetDefault("config_cache_ttl", "60s")

	return bootConfig{
		LogLevel:        v.GetString("log_level"),
		SqliteDSN:       v.GetString("sqlite_dsn"),
		Exchange:        v.GetString("exchange"),
		DefaultLeverage: v.GetInt("default_leverage"),

		OCOPollInterval:            v.GetDuration("oco_poll_interval"),
		DispatcherFingerprintTTL:   v.GetDuration("dispatcher_fingerprint_ttl"),
		ConditionalMonitorInterval: v.GetDuration("conditional_monitor_interval"),

		RiskMaxPositionSizePct:      v.GetFloat64("risk_max_position_size_pct"),
		RiskMaxDailyLossPct:         v.GetFloat64("risk_max_daily_loss_pct"),
		RiskMaxPortfolioExposurePct: v.GetFloat64("risk_max_portfolio_exposure_pct"),
		RiskPortfolioValue:          v.GetFloat64("risk_portfolio_value"),

		ConfigCacheTTL: v.GetDuration("config_cache_ttl"),
	}
}
