// Package store persists trading configuration, audit records, leverage
// status, strategy positions, exchange positions, and position
// contributions via database/sql over a pure-Go SQLite driver. It is the
// concrete stand-in for spec §6's data-manager capability; C1, C2 and C3
// are its only callers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// Store wraps a *sql.DB with the schema this engine needs.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or reuses) a SQLite database at dsn and ensures the schema
// exists. dsn of ":memory:" is suitable for tests.
func Open(logger *zap.Logger, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trading_configs (
			id TEXT PRIMARY KEY,
			scope_type TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			created_by TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trading_configs_scope ON trading_configs(scope_type, symbol, side)`,
		`CREATE TABLE IF NOT EXISTS trading_config_audit (
			id TEXT PRIMARY KEY,
			config_type TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			parameters_before TEXT NOT NULL DEFAULT '{}',
			parameters_after TEXT NOT NULL DEFAULT '{}',
			version_before INTEGER NOT NULL DEFAULT 0,
			version_after INTEGER NOT NULL DEFAULT 0,
			changed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_scope ON trading_config_audit(symbol, side)`,
		`CREATE TABLE IF NOT EXISTS leverage_status (
			symbol TEXT PRIMARY KEY,
			configured_leverage INTEGER NOT NULL,
			actual_leverage INTEGER,
			last_sync_at DATETIME,
			last_sync_success BOOLEAN NOT NULL DEFAULT 0,
			last_sync_error TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_positions (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			signal_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			take_profit_price TEXT,
			stop_loss_price TEXT,
			take_profit_order_id TEXT NOT NULL DEFAULT '',
			stop_loss_order_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			exchange_position_key TEXT NOT NULL,
			realized_pnl TEXT NOT NULL DEFAULT '0',
			pnl_pct TEXT NOT NULL DEFAULT '0',
			closed_at DATETIME,
			close_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_positions_key ON strategy_positions(exchange_position_key)`,
		`CREATE TABLE IF NOT EXISTS exchange_positions (
			key TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			current_quantity TEXT NOT NULL DEFAULT '0',
			weighted_avg_price TEXT NOT NULL DEFAULT '0',
			contributing_strategies TEXT NOT NULL DEFAULT '[]',
			total_contributions INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open'
		)`,
		`CREATE TABLE IF NOT EXISTS position_contributions (
			id TEXT PRIMARY KEY,
			strategy_position_id TEXT NOT NULL,
			exchange_position_key TEXT NOT NULL,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			quantity_before TEXT NOT NULL,
			quantity_after TEXT NOT NULL,
			exit_price TEXT,
			pnl TEXT,
			closed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contributions_key ON position_contributions(exchange_position_key)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// Health checks connectivity, satisfying the data-manager capability's health() op.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that need bespoke queries
// (internal/config, internal/leverage, internal/ledger).
func (s *Store) DB() *sql.DB {
	return s.db
}

// marshalParams JSON-encodes a parameter map for storage.
func marshalParams(params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(raw string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
