// Package leverage implements the leverage manager (C2): best-effort
// leverage synchronization against the venue, recording outcomes into
// LeverageStatus rows. Grounded on the original trading_config.py
// LeverageStatus contract and the teacher's violation-recording style in
// its risk manager.
package leverage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/store"
	"github.com/tradecore/engine/pkg/types"
)

// Manager synchronizes configured leverage with the venue's actual leverage.
type Manager struct {
	log      *zap.Logger
	store    *store.Store
	exchange exchange.Adapter
}

// New builds a Manager.
func New(log *zap.Logger, st *store.Store, adapter exchange.Adapter) *Manager {
	return &Manager{log: log, store: st, exchange: adapter}
}

// EnsureLeverage attempts to set symbol's leverage to target. If the venue
// reports that leverage could not be changed because a position is already
// open (ErrLeverageNotChanged), the call still returns nil so the trade
// proceeds with the existing leverage, but LeverageStatus records the sync
// as failed since the configured and actual leverage now disagree. Every
// outcome updates LeverageStatus.
func (m *Manager) EnsureLeverage(ctx context.Context, symbol string, target int) error {
	err := m.exchange.ChangeLeverage(ctx, symbol, target)
	switch {
	case err == nil:
		return m.recordStatus(ctx, symbol, target, &target, true, "")
	case errors.Is(err, exchange.ErrLeverageNotChanged):
		m.log.Info("leverage not changed, position exists; proceeding with existing leverage",
			zap.String("symbol", symbol), zap.Int("target", target))
		return m.recordStatus(ctx, symbol, target, nil, false, err.Error())
	default:
		recErr := m.recordStatus(ctx, symbol, target, nil, false, err.Error())
		if recErr != nil {
			m.log.Error("failed to record leverage status", zap.Error(recErr))
		}
		return fmt.Errorf("ensure leverage for %s: %w", symbol, err)
	}
}

// ForceLeverage sets leverage and returns any venue error unchanged,
// including ErrLeverageNotChanged, for callers that need the hard signal.
func (m *Manager) ForceLeverage(ctx context.Context, symbol string, target int) error {
	err := m.exchange.ChangeLeverage(ctx, symbol, target)
	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	var actual *int
	if success {
		actual = &target
	}
	if recErr := m.recordStatus(ctx, symbol, target, actual, success, errMsg); recErr != nil {
		m.log.Error("failed to record leverage status", zap.Error(recErr))
	}
	return err
}

// SyncAllLeverage re-applies the configured leverage for every symbol known
// to leverage_status, run once at startup.
func (m *Manager) SyncAllLeverage(ctx context.Context) error {
	rows, err := m.store.DB().QueryContext(ctx, `SELECT symbol, configured_leverage FROM leverage_status`)
	if err != nil {
		return fmt.Errorf("query leverage symbols: %w", err)
	}
	type pair struct {
		symbol string
		target int
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.symbol, &p.target); err != nil {
			rows.Close()
			return fmt.Errorf("scan leverage row: %w", err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()

	for _, p := range pairs {
		if err := m.EnsureLeverage(ctx, p.symbol, p.target); err != nil {
			m.log.Warn("sync_all_leverage: symbol failed", zap.String("symbol", p.symbol), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) recordStatus(ctx context.Context, symbol string, configured int, actual *int, success bool, errMsg string) error {
	now := time.Now().UTC()
	_, err := m.store.DB().ExecContext(ctx, `
		INSERT INTO leverage_status (symbol, configured_leverage, actual_leverage, last_sync_at, last_sync_success, last_sync_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			configured_leverage = excluded.configured_leverage,
			actual_leverage = excluded.actual_leverage,
			last_sync_at = excluded.last_sync_at,
			last_sync_success = excluded.last_sync_success,
			last_sync_error = excluded.last_sync_error,
			updated_at = excluded.updated_at
	`, symbol, configured, nullableInt(actual), now, success, errMsg, now)
	if err != nil {
		return fmt.Errorf("record leverage status: %w", err)
	}
	return nil
}

// GetStatus returns the current LeverageStatus for symbol.
func (m *Manager) GetStatus(ctx context.Context, symbol string) (*types.LeverageStatus, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT symbol, configured_leverage, actual_leverage, last_sync_at, last_sync_success, last_sync_error, updated_at
		FROM leverage_status WHERE symbol = ?
	`, symbol)

	var st types.LeverageStatus
	var actual sql.NullInt64
	var lastSyncAt sql.NullTime
	if err := row.Scan(&st.Symbol, &st.ConfiguredLeverage, &actual, &lastSyncAt, &st.LastSyncSuccess, &st.LastSyncError, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get leverage status %s: %w", symbol, err)
	}
	if actual.Valid {
		v := int(actual.Int64)
		st.ActualLeverage = &v
	}
	if lastSyncAt.Valid {
		st.LastSyncAt = lastSyncAt.Time
	}
	return &st, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
