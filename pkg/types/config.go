package types

import "time"

// ConfigAction identifies the kind of mutation an audit record describes.
type ConfigAction string

const (
	ConfigActionCreate ConfigAction = "create"
	ConfigActionUpdate ConfigAction = "update"
	ConfigActionDelete ConfigAction = "delete"
)

// ConfigScopeType is the granularity a TradingConfig applies at.
type ConfigScopeType string

const (
	ScopeGlobal     ConfigScopeType = "global"
	ScopeSymbol     ConfigScopeType = "symbol"
	ScopeSymbolSide ConfigScopeType = "symbol_side"
)

// TradingConfig is a versioned set of resolved trading parameters at one
// scope (global, symbol, or symbol+side).
type TradingConfig struct {
	ID         string
	Symbol     string
	Side       PositionSide
	Parameters map[string]interface{}
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CreatedBy  string
	Metadata   map[string]string
}

// ScopeKey returns the cache/persistence key for this config's scope,
// matching the "{symbol}:{side}" / "{symbol}" / "global" convention.
func (c *TradingConfig) ScopeKey() string {
	return ScopeKeyFor(c.Symbol, string(c.Side))
}

// ScopeKeyFor computes the scope key for an arbitrary (symbol, side) pair
// without requiring a TradingConfig instance.
func ScopeKeyFor(symbol, side string) string {
	if symbol != "" && side != "" {
		return symbol + ":" + side
	}
	if symbol != "" {
		return symbol
	}
	return "global"
}

// TradingConfigAudit is an append-only record of one TradingConfig mutation.
type TradingConfigAudit struct {
	ID               string
	ConfigType       ConfigScopeType
	Symbol           string
	Side             PositionSide
	Action           ConfigAction
	ParametersBefore map[string]interface{}
	ParametersAfter  map[string]interface{}
	VersionBefore    int
	VersionAfter     int
	ChangedBy        string
	Reason           string
	Timestamp        time.Time
	Metadata         map[string]string
}

// LeverageStatus tracks the last known reconciliation between the desired
// and venue-reported leverage for a symbol.
type LeverageStatus struct {
	Symbol             string
	ConfiguredLeverage int
	ActualLeverage     *int
	LastSyncAt         time.Time
	LastSyncSuccess    bool
	LastSyncError      string
	UpdatedAt          time.Time
}

// IsSynced reports whether the venue's actual leverage matches the configured value.
func (l *LeverageStatus) IsSynced() bool {
	return l.ActualLeverage != nil && *l.ActualLeverage == l.ConfiguredLeverage
}

// NeedsSync reports the negation of IsSynced, named for call-site readability.
func (l *LeverageStatus) NeedsSync() bool {
	return !l.IsSynced()
}
