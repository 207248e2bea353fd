// Package ledger implements the strategy position ledger (C3): per-strategy
// position bookkeeping layered on top of aggregated per-(symbol,side)
// exchange positions, with contribution-weighted average pricing. Grounded
// on the teacher's fill-recording style, reimplemented from scratch since
// the position/order bookkeeping it came from is out of scope here.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/internal/exchange"
	"github.com/tradecore/engine/internal/store"
	"github.com/tradecore/engine/pkg/types"
	"github.com/tradecore/engine/pkg/utils"
)

// Ledger owns strategy_positions, exchange_positions, and
// position_contributions.
type Ledger struct {
	log   *zap.Logger
	store *store.Store
}

// New builds a Ledger.
func New(log *zap.Logger, st *store.Store) *Ledger {
	return &Ledger{log: log, store: st}
}

func positionSideFor(action types.SignalAction) types.PositionSide {
	if action == types.ActionSell {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}

// CreateStrategyPosition records a new strategy position from a filled
// order, updates the aggregated exchange position using a
// contribution-weighted mean, and appends the contribution record.
func (l *Ledger) CreateStrategyPosition(ctx context.Context, signal types.Signal, order types.Order, result exchange.ExecutionResult) (string, error) {
	side := positionSideFor(signal.Action)
	entryPrice := result.FillPrice
	entryQty := result.Amount

	tp, sl := computeTPSL(side, entryPrice, signal)

	id := utils.GenerateStrategyPositionID()
	key := types.ExchangePositionKey(signal.Symbol, side)
	now := time.Now().UTC()

	tx, err := l.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_positions
			(id, strategy_id, signal_id, symbol, side, entry_quantity, entry_price, entry_time,
			 take_profit_price, stop_loss_price, status, exchange_position_key, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, '0')
	`, id, signal.StrategyID, signal.SignalID, signal.Symbol, string(side),
		entryQty.String(), entryPrice.String(), now, decimalPtrString(tp), decimalPtrString(sl), key); err != nil {
		return "", fmt.Errorf("insert strategy position: %w", err)
	}

	seq, qtyBefore, qtyAfter, err := l.upsertExchangePosition(ctx, tx, key, signal.Symbol, side, entryQty, entryPrice, signal.StrategyID)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO position_contributions
			(id, strategy_position_id, exchange_position_key, quantity, entry_price, sequence, quantity_before, quantity_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, utils.GenerateID("contrib"), id, key, entryQty.String(), entryPrice.String(), seq,
		qtyBefore.String(), qtyAfter.String()); err != nil {
		return "", fmt.Errorf("insert contribution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// computeTPSL derives absolute TP/SL prices from entry price and the
// signal's fractional pct fields (in [0,1], the same scale as
// TradingConfig's pct parameters).
func computeTPSL(side types.PositionSide, entryPrice decimal.Decimal, signal types.Signal) (*decimal.Decimal, *decimal.Decimal) {
	var tp, sl *decimal.Decimal
	if signal.TakeProfitPct != nil {
		pct := *signal.TakeProfitPct
		var v decimal.Decimal
		if side == types.PositionSideLong {
			v = entryPrice.Mul(decimal.NewFromInt(1).Add(pct))
		} else {
			v = entryPrice.Mul(decimal.NewFromInt(1).Sub(pct))
		}
		tp = &v
	}
	if signal.StopLossPct != nil {
		pct := *signal.StopLossPct
		var v decimal.Decimal
		if side == types.PositionSideLong {
			v = entryPrice.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			v = entryPrice.Mul(decimal.NewFromInt(1).Add(pct))
		}
		sl = &v
	}
	return tp, sl
}

// upsertExchangePosition folds a new contribution into the aggregated
// exchange position, using the contribution-weighted mean:
// new_avg = (q_old*p_old + q_new*p_new) / (q_old + q_new).
// Returns the new contribution's sequence number.
func (l *Ledger) upsertExchangePosition(ctx context.Context, tx *sql.Tx, key, symbol string, side types.PositionSide, qty, price decimal.Decimal, strategyID string) (seq int, qtyBefore, qtyAfter decimal.Decimal, err error) {
	var qtyOldStr, avgOldStr, stratsRaw string
	var total int
	row := tx.QueryRowContext(ctx, `SELECT current_quantity, weighted_avg_price, contributing_strategies, total_contributions FROM exchange_positions WHERE key = ?`, key)
	scanErr := row.Scan(&qtyOldStr, &avgOldStr, &stratsRaw, &total)

	qtyOld := decimal.Zero
	avgOld := decimal.Zero
	strategies := map[string]struct{}{}
	exists := true
	if errors.Is(scanErr, sql.ErrNoRows) {
		exists = false
	} else if scanErr != nil {
		return 0, decimal.Zero, decimal.Zero, fmt.Errorf("load exchange position: %w", scanErr)
	} else {
		qtyOld, _ = decimal.NewFromString(qtyOldStr)
		avgOld, _ = decimal.NewFromString(avgOldStr)
		strategies, _ = unmarshalStrategySet(stratsRaw)
	}

	qtyNew := qtyOld.Add(qty)
	var avgNew decimal.Decimal
	if qtyNew.IsZero() {
		avgNew = decimal.Zero
	} else {
		avgNew = qtyOld.Mul(avgOld).Add(qty.Mul(price)).Div(qtyNew)
	}
	strategies[strategyID] = struct{}{}
	seq = total + 1

	stratsJSON, err := marshalStrategySet(strategies)
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, err
	}

	if !exists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exchange_positions (key, symbol, side, current_quantity, weighted_avg_price, contributing_strategies, total_contributions, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'open')
		`, key, symbol, string(side), qtyNew.String(), avgNew.String(), stratsJSON, seq)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE exchange_positions SET current_quantity = ?, weighted_avg_price = ?, contributing_strategies = ?, total_contributions = ?, status = 'open'
			WHERE key = ?
		`, qtyNew.String(), avgNew.String(), stratsJSON, seq, key)
	}
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, fmt.Errorf("upsert exchange position: %w", err)
	}
	return seq, qtyOld, qtyNew, nil
}

// CloseStrategyPosition realizes P&L for (a portion of) a strategy
// position, reduces the aggregated exchange position, and transitions it
// to closed once its quantity reaches zero.
func (l *Ledger) CloseStrategyPosition(ctx context.Context, strategyPositionID string, exitPrice decimal.Decimal, exitQuantity *decimal.Decimal, reason types.CloseReason, exitOrderID string) error {
	pos, err := l.GetStrategyPosition(ctx, strategyPositionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("strategy position %s not found", strategyPositionID)
	}

	qty := pos.EntryQuantity
	if exitQuantity != nil {
		qty = *exitQuantity
	}

	var pnl decimal.Decimal
	if pos.Side == types.PositionSideLong {
		pnl = exitPrice.Sub(pos.EntryPrice).Mul(qty)
	} else {
		pnl = pos.EntryPrice.Sub(exitPrice).Mul(qty)
	}

	// pnl_pct = pnl / (entry_price * qty) * 100, per spec.md:80.
	pnlPct := decimal.Zero
	entryNotional := pos.EntryPrice.Mul(qty)
	if !entryNotional.IsZero() {
		pnlPct = pnl.Div(entryNotional).Mul(decimal.NewFromInt(100))
	}

	status := types.StrategyPositionClosed
	if qty.LessThan(pos.EntryQuantity) {
		status = types.StrategyPositionPartial
	}

	now := time.Now().UTC()
	tx, err := l.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE strategy_positions SET status = ?, realized_pnl = ?, pnl_pct = ?, closed_at = ?, close_reason = ?
		WHERE id = ?
	`, string(status), pnl.String(), pnlPct.String(), now, string(reason), strategyPositionID); err != nil {
		return fmt.Errorf("update strategy position: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE position_contributions SET exit_price = ?, pnl = ?, closed_at = ?
		WHERE strategy_position_id = ? AND exit_price IS NULL
	`, exitPrice.String(), pnl.String(), now, strategyPositionID); err != nil {
		return fmt.Errorf("update contribution: %w", err)
	}

	if err := l.reduceExchangePosition(ctx, tx, pos.ExchangePositionKey, qty); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *Ledger) reduceExchangePosition(ctx context.Context, tx *sql.Tx, key string, qty decimal.Decimal) error {
	var qtyOldStr string
	row := tx.QueryRowContext(ctx, `SELECT current_quantity FROM exchange_positions WHERE key = ?`, key)
	if err := row.Scan(&qtyOldStr); err != nil {
		return fmt.Errorf("load exchange position for reduce: %w", err)
	}
	qtyOld, _ := decimal.NewFromString(qtyOldStr)
	qtyNew := qtyOld.Sub(qty)
	if qtyNew.IsNegative() {
		qtyNew = decimal.Zero
	}
	status := "open"
	if qtyNew.LessThanOrEqual(decimal.Zero) {
		status = "closed"
	}
	_, err := tx.ExecContext(ctx, `UPDATE exchange_positions SET current_quantity = ?, status = ? WHERE key = ?`, qtyNew.String(), status, key)
	if err != nil {
		return fmt.Errorf("reduce exchange position: %w", err)
	}
	return nil
}

// GetStrategyPosition returns one strategy position by ID, or nil if absent.
func (l *Ledger) GetStrategyPosition(ctx context.Context, id string) (*types.StrategyPosition, error) {
	row := l.store.DB().QueryRowContext(ctx, `
		SELECT id, strategy_id, signal_id, symbol, side, entry_quantity, entry_price, entry_time,
		       take_profit_price, stop_loss_price, take_profit_order_id, stop_loss_order_id,
		       status, exchange_position_key, realized_pnl, pnl_pct, closed_at, close_reason
		FROM strategy_positions WHERE id = ?
	`, id)
	return scanStrategyPosition(row)
}

// ListOpenPositions returns open/partial positions, optionally filtered by
// symbol and/or side.
func (l *Ledger) ListOpenPositions(ctx context.Context, symbol string, side types.PositionSide) ([]*types.StrategyPosition, error) {
	query := `
		SELECT id, strategy_id, signal_id, symbol, side, entry_quantity, entry_price, entry_time,
		       take_profit_price, stop_loss_price, take_profit_order_id, stop_loss_order_id,
		       status, exchange_position_key, realized_pnl, pnl_pct, closed_at, close_reason
		FROM strategy_positions WHERE status IN ('open', 'partial')`
	var args []interface{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if side != "" {
		query += ` AND side = ?`
		args = append(args, string(side))
	}
	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()
	return scanStrategyPositions(rows)
}

// ListPositionsForExchangeKey returns every strategy position contributing
// to the aggregated exchange position identified by key.
func (l *Ledger) ListPositionsForExchangeKey(ctx context.Context, key string) ([]*types.StrategyPosition, error) {
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, strategy_id, signal_id, symbol, side, entry_quantity, entry_price, entry_time,
		       take_profit_price, stop_loss_price, take_profit_order_id, stop_loss_order_id,
		       status, exchange_position_key, realized_pnl, pnl_pct, closed_at, close_reason
		FROM strategy_positions WHERE exchange_position_key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list positions for exchange key: %w", err)
	}
	defer rows.Close()
	return scanStrategyPositions(rows)
}

// GetExchangePosition returns the aggregated exchange position for key, or
// nil if no contribution has ever been recorded under it.
func (l *Ledger) GetExchangePosition(ctx context.Context, key string) (*types.ExchangePosition, error) {
	var symbol, side, qtyStr, avgStr, stratsRaw, status string
	var total int
	row := l.store.DB().QueryRowContext(ctx, `
		SELECT symbol, side, current_quantity, weighted_avg_price, contributing_strategies, total_contributions, status
		FROM exchange_positions WHERE key = ?
	`, key)
	if err := row.Scan(&symbol, &side, &qtyStr, &avgStr, &stratsRaw, &total, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get exchange position: %w", err)
	}
	qty, _ := decimal.NewFromString(qtyStr)
	avg, _ := decimal.NewFromString(avgStr)
	strategies, _ := unmarshalStrategySet(stratsRaw)
	return &types.ExchangePosition{
		Key:                    key,
		Symbol:                 symbol,
		Side:                   types.PositionSide(side),
		CurrentQuantity:        qty,
		WeightedAvgPrice:       avg,
		ContributingStrategies: strategies,
		TotalContributions:     total,
		Status:                 types.ExchangePositionStatus(status),
	}, nil
}

func scanStrategyPositions(rows *sql.Rows) ([]*types.StrategyPosition, error) {
	var out []*types.StrategyPosition
	for rows.Next() {
		p, err := scanStrategyPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategyPosition(row rowScanner) (*types.StrategyPosition, error) {
	p, err := scanStrategyPositionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanStrategyPositionRow(row rowScanner) (*types.StrategyPosition, error) {
	var p types.StrategyPosition
	var side, status, closeReason, entryQty, entryPrice, realizedPnL, pnlPct string
	var tp, sl sql.NullString
	var tpOrderID, slOrderID sql.NullString
	var closedAt sql.NullTime

	if err := row.Scan(&p.ID, &p.StrategyID, &p.SignalID, &p.Symbol, &side, &entryQty, &entryPrice, &p.EntryTime,
		&tp, &sl, &tpOrderID, &slOrderID, &status, &p.ExchangePositionKey, &realizedPnL, &pnlPct, &closedAt, &closeReason); err != nil {
		return nil, fmt.Errorf("scan strategy position: %w", err)
	}

	p.Side = types.PositionSide(side)
	p.Status = types.StrategyPositionStatus(status)
	p.CloseReason = types.CloseReason(closeReason)
	p.EntryQuantity, _ = decimal.NewFromString(entryQty)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.RealizedPnL, _ = decimal.NewFromString(realizedPnL)
	p.PnLPct, _ = decimal.NewFromString(pnlPct)
	p.TakeProfitOrderID = tpOrderID.String
	p.StopLossOrderID = slOrderID.String
	if tp.Valid {
		v, _ := decimal.NewFromString(tp.String)
		p.TakeProfitPrice = &v
	}
	if sl.Valid {
		v, _ := decimal.NewFromString(sl.String)
		p.StopLossPrice = &v
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}

func decimalPtrString(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
