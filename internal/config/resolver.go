// Package config implements the runtime configuration resolver (C1): a
// layered, TTL-cached view over global / symbol / symbol-side TradingConfig
// records, with versioning and an audit trail, grounded on
// poorman-SynapseStrike's store/tactics.go persistence pattern and the
// original trading_config.py contract's get_scope_key() layering.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/store"
	"github.com/tradecore/engine/pkg/types"
	"github.com/tradecore/engine/pkg/utils"
)

// Defaults are the built-in parameter floor merged beneath every scope.
type Defaults map[string]interface{}

type cacheEntry struct {
	parameters map[string]interface{}
	insertedAt time.Time
}

// Resolver merges built-in defaults, global, symbol, and symbol-side
// TradingConfig layers, caching the merged view per (symbol, side) for TTL.
type Resolver struct {
	log      *zap.Logger
	store    *store.Store
	defaults Defaults
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures a Resolver.
type Config struct {
	Defaults Defaults
	TTL      time.Duration
}

// DefaultConfig returns the 60s cache TTL spec §4.1 names.
func DefaultConfig() Config {
	return Config{Defaults: Defaults{}, TTL: 60 * time.Second}
}

// New builds a Resolver over st and starts its background cache sweeper.
func New(log *zap.Logger, st *store.Store, cfg Config) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	r := &Resolver{
		log:      log,
		store:    st,
		defaults: cfg.Defaults,
		ttl:      cfg.TTL,
		cache:    make(map[string]cacheEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func cacheKey(symbol string, side types.PositionSide) string {
	s := symbol
	if s == "" {
		s = "global"
	}
	sd := string(side)
	if sd == "" {
		sd = "all"
	}
	return fmt.Sprintf("%s:%s", s, sd)
}

func (r *Resolver) sweepLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Resolver) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.cache {
		if now.Sub(e.insertedAt) >= r.ttl {
			delete(r.cache, k)
		}
	}
}

// Stop cancels the background sweeper and waits for it to exit.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// GetConfig resolves the merged parameter view for (symbol, side), using the
// cache when fresh and falling through to persistence otherwise.
func (r *Resolver) GetConfig(ctx context.Context, symbol string, side types.PositionSide) (map[string]interface{}, error) {
	key := cacheKey(symbol, side)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.insertedAt) < r.ttl {
		return cloneParams(entry.parameters), nil
	}

	merged, err := r.resolve(ctx, symbol, side)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{parameters: merged, insertedAt: time.Now()}
	r.mu.Unlock()

	return cloneParams(merged), nil
}

type configLayer struct {
	scope  types.ConfigScopeType
	symbol string
	side   types.PositionSide
}

func (r *Resolver) resolve(ctx context.Context, symbol string, side types.PositionSide) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	for k, v := range r.defaults {
		merged[k] = v
	}

	layers := []configLayer{{types.ScopeGlobal, "", ""}}
	if symbol != "" {
		layers = append(layers, configLayer{types.ScopeSymbol, symbol, ""})
	}
	if symbol != "" && side != "" {
		layers = append(layers, configLayer{types.ScopeSymbolSide, symbol, side})
	}

	for _, l := range layers {
		cfg, err := r.load(ctx, l.scope, l.symbol, l.side)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			continue
		}
		for k, v := range cfg.Parameters {
			merged[k] = v
		}
	}

	return merged, nil
}

func (r *Resolver) load(ctx context.Context, scope types.ConfigScopeType, symbol string, side types.PositionSide) (*types.TradingConfig, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT id, parameters, version, created_by, metadata, created_at, updated_at
		FROM trading_configs
		WHERE scope_type = ? AND symbol = ? AND side = ?
	`, string(scope), symbol, string(side))

	var id, paramsRaw, createdBy, metaRaw string
	var version int
	var createdAt, updatedAt time.Time
	if err := row.Scan(&id, &paramsRaw, &version, &createdBy, &metaRaw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load config %s/%s/%s: %w", scope, symbol, side, err)
	}

	params, err := unmarshalJSON(paramsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	meta, err := unmarshalJSONStrings(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &types.TradingConfig{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Parameters: params,
		Version:    version,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		CreatedBy:  createdBy,
		Metadata:   meta,
	}, nil
}

// SetResult is the outcome of SetConfig.
type SetResult struct {
	OK     bool
	Config *types.TradingConfig
	Errors []string
}

// SetConfig validates, versions, and persists a config layer, writing an
// audit record and invalidating the affected cache entry. validateOnly skips
// persistence and returns the validation outcome only.
func (r *Resolver) SetConfig(ctx context.Context, params map[string]interface{}, changedBy, symbol string, side types.PositionSide, reason string, validateOnly bool) (SetResult, error) {
	if errs := validateParameters(params); len(errs) > 0 {
		return SetResult{OK: false, Errors: errs}, nil
	}
	if validateOnly {
		return SetResult{OK: true}, nil
	}

	scope := scopeFor(symbol, side)
	existing, err := r.load(ctx, scope, symbol, side)
	if err != nil {
		return SetResult{}, err
	}

	versionBefore := 0
	var before map[string]interface{}
	if existing != nil {
		versionBefore = existing.Version
		before = existing.Parameters
	}
	versionAfter := versionBefore + 1

	now := time.Now().UTC()
	id := utils.GenerateID("cfg")
	if existing != nil {
		id = existing.ID
	}

	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return SetResult{}, err
	}
	metaJSON, err := marshalJSON(map[string]interface{}{})
	if err != nil {
		return SetResult{}, err
	}

	_, err = r.store.DB().ExecContext(ctx, `
		INSERT INTO trading_configs (id, scope_type, symbol, side, parameters, version, created_by, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_type, symbol, side) DO UPDATE SET
			parameters = excluded.parameters,
			version = excluded.version,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, id, string(scope), symbol, string(side), paramsJSON, versionAfter, changedBy, metaJSON, now, now)
	if err != nil {
		return SetResult{}, fmt.Errorf("persist config: %w", err)
	}

	action := types.ConfigActionUpdate
	if existing == nil {
		action = types.ConfigActionCreate
	}
	if err := r.writeAudit(ctx, scope, symbol, side, action, before, params, versionBefore, versionAfter, changedBy, reason); err != nil {
		return SetResult{}, err
	}

	r.InvalidateCache(symbol, side)

	return SetResult{OK: true, Config: &types.TradingConfig{
		ID: id, Symbol: symbol, Side: side, Parameters: params,
		Version: versionAfter, CreatedAt: now, UpdatedAt: now, CreatedBy: changedBy,
	}}, nil
}

// DeleteConfig removes a config layer and writes an audit record.
func (r *Resolver) DeleteConfig(ctx context.Context, changedBy, symbol string, side types.PositionSide, reason string) error {
	scope := scopeFor(symbol, side)
	existing, err := r.load(ctx, scope, symbol, side)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no config for scope %s/%s/%s", scope, symbol, side)
	}

	if _, err := r.store.DB().ExecContext(ctx, `
		DELETE FROM trading_configs WHERE scope_type = ? AND symbol = ? AND side = ?
	`, string(scope), symbol, string(side)); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}

	if err := r.writeAudit(ctx, scope, symbol, side, types.ConfigActionDelete, existing.Parameters, nil, existing.Version, existing.Version, changedBy, reason); err != nil {
		return err
	}

	r.InvalidateCache(symbol, side)
	return nil
}

// InvalidateCache evicts every cached resolved view that merges the
// (symbol, side) layer: a symbol+side change evicts that one entry, a
// symbol-only change evicts every entry for the symbol, and empty arguments
// (the global layer) clear the whole cache.
func (r *Resolver) InvalidateCache(symbol string, side types.PositionSide) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if side != "" {
		delete(r.cache, cacheKey(symbol, side))
		return
	}
	prefix := symbol + ":"
	for key := range r.cache {
		if symbol == "" || (len(key) >= len(prefix) && key[:len(prefix)] == prefix) {
			delete(r.cache, key)
		}
	}
}

// AuditRecord is a read-path projection of a persisted audit row.
type AuditRecord = types.TradingConfigAudit

// GetAuditTrail returns up to limit audit records for (symbol, side), most
// recent first — a supplemental read path grounded on the original
// contract's TradingConfigAudit.get_change_summary().
func (r *Resolver) GetAuditTrail(ctx context.Context, symbol string, side types.PositionSide, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT id, config_type, symbol, side, action, parameters_before, parameters_after,
		       version_before, version_after, changed_by, reason, metadata, timestamp
		FROM trading_config_audit
		WHERE symbol = ? AND side = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, symbol, string(side), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var configType, sd, before, after, meta string
		if err := rows.Scan(&rec.ID, &configType, &rec.Symbol, &sd, &rec.Action, &before, &after,
			&rec.VersionBefore, &rec.VersionAfter, &rec.ChangedBy, &rec.Reason, &meta, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.ConfigType = types.ConfigScopeType(configType)
		rec.Side = types.PositionSide(sd)
		rec.ParametersBefore, _ = unmarshalJSON(before)
		rec.ParametersAfter, _ = unmarshalJSON(after)
		rec.Metadata, _ = unmarshalJSONStrings(meta)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Resolver) writeAudit(ctx context.Context, scope types.ConfigScopeType, symbol string, side types.PositionSide, action types.ConfigAction, before, after map[string]interface{}, versionBefore, versionAfter int, changedBy, reason string) error {
	beforeJSON, err := marshalJSON(before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalJSON(after)
	if err != nil {
		return err
	}
	_, err = r.store.DB().ExecContext(ctx, `
		INSERT INTO trading_config_audit
			(id, config_type, symbol, side, action, parameters_before, parameters_after,
			 version_before, version_after, changed_by, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, utils.GenerateID("audit"), string(scope), symbol, string(side), string(action),
		beforeJSON, afterJSON, versionBefore, versionAfter, changedBy, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

func scopeFor(symbol string, side types.PositionSide) types.ConfigScopeType {
	if symbol != "" && side != "" {
		return types.ScopeSymbolSide
	}
	if symbol != "" {
		return types.ScopeSymbol
	}
	return types.ScopeGlobal
}

// percentKeys are the recognised fractional parameters that must fall in
// [0,1], the same scale Signal's pct fields use.
var percentKeys = []string{"position_size_pct", "stop_loss_pct", "take_profit_pct"}

func validateParameters(params map[string]interface{}) []string {
	var errs []string
	if params == nil {
		errs = append(errs, "parameters must not be nil")
		return errs
	}

	if v, ok := numericValue(params["leverage"]); ok {
		if v < 1 || v > 125 {
			errs = append(errs, fmt.Sprintf("leverage %v out of range [1,125]", v))
		}
	}
	for _, key := range percentKeys {
		v, ok := numericValue(params[key])
		if !ok {
			continue
		}
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s %v out of range [0,1]", key, v))
		}
	}
	return errs
}

// numericValue extracts a float64 from the handful of numeric types
// set_config callers realistically pass (JSON decodes to float64; callers
// may also pass an int or a decimal.Decimal directly).
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	default:
		return 0, false
	}
}

func cloneParams(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
