package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = `id, position_id, wallet_id, symbol, side, trading_mode, strategy_name,
	entry_price, exit_price, quantity, pnl_usdt, pnl_percent, commission, total_fees_usdt,
	exit_reason, max_favorable_excursion, max_adverse_excursion, peak_profit_usdt,
	peak_profit_percent, peak_loss_usdt, peak_loss_percent, distance_to_sl_at_exit,
	distance_to_tp_at_exit, sl_hit, tp_hit, entry_slippage, exit_slippage,
	time_in_profit_hours, time_in_loss_hours, entry_analytics, exit_analytics,
	entry_timestamp, exit_timestamp, created_date, updated_date`

// InsertTrade writes a trade. A conflicting id merges the exit-enrichment
// fields into the existing row instead of creating a second one, so
// late-arriving exit analytics never duplicate a trade.
func (db *DB) InsertTrade(ctx context.Context, t *Trade) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	err := db.insertCommitted(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trades (
				id, position_id, wallet_id, symbol, side, trading_mode, strategy_name,
				entry_price, exit_price, quantity, pnl_usdt, pnl_percent, commission,
				total_fees_usdt, exit_reason, max_favorable_excursion,
				max_adverse_excursion, peak_profit_usdt, peak_profit_percent,
				peak_loss_usdt, peak_loss_percent, distance_to_sl_at_exit,
				distance_to_tp_at_exit, sl_hit, tp_hit, entry_slippage, exit_slippage,
				time_in_profit_hours, time_in_loss_hours, entry_analytics,
				exit_analytics, entry_timestamp, exit_timestamp, created_date, updated_date
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
				$29, $30, $31, $32, $33, $34, $35
			)
			ON CONFLICT (id) DO UPDATE SET
				exit_price = EXCLUDED.exit_price,
				pnl_usdt = EXCLUDED.pnl_usdt,
				pnl_percent = EXCLUDED.pnl_percent,
				commission = EXCLUDED.commission,
				total_fees_usdt = EXCLUDED.total_fees_usdt,
				exit_reason = EXCLUDED.exit_reason,
				max_favorable_excursion = EXCLUDED.max_favorable_excursion,
				max_adverse_excursion = EXCLUDED.max_adverse_excursion,
				peak_profit_usdt = EXCLUDED.peak_profit_usdt,
				peak_profit_percent = EXCLUDED.peak_profit_percent,
				peak_loss_usdt = EXCLUDED.peak_loss_usdt,
				peak_loss_percent = EXCLUDED.peak_loss_percent,
				distance_to_sl_at_exit = EXCLUDED.distance_to_sl_at_exit,
				distance_to_tp_at_exit = EXCLUDED.distance_to_tp_at_exit,
				sl_hit = EXCLUDED.sl_hit,
				tp_hit = EXCLUDED.tp_hit,
				exit_slippage = EXCLUDED.exit_slippage,
				time_in_profit_hours = EXCLUDED.time_in_profit_hours,
				time_in_loss_hours = EXCLUDED.time_in_loss_hours,
				exit_analytics = EXCLUDED.exit_analytics,
				exit_timestamp = EXCLUDED.exit_timestamp,
				updated_date = EXCLUDED.updated_date`,
			t.ID, t.PositionID, t.WalletID, t.Symbol, t.Side, t.TradingMode, t.StrategyName,
			t.EntryPrice, t.ExitPrice, t.Quantity, t.PnLUSDT, t.PnLPercent, t.Commission,
			t.TotalFeesUSDT, t.ExitReason, t.MaxFavorableExcursion,
			t.MaxAdverseExcursion, t.PeakProfitUSDT, t.PeakProfitPercent,
			t.PeakLossUSDT, t.PeakLossPercent, t.DistanceToSLAtExit,
			t.DistanceToTPAtExit, t.SLHit, t.TPHit, t.EntrySlippage, t.ExitSlippage,
			t.TimeInProfitHours, t.TimeInLossHours, t.EntryAnalytics,
			t.ExitAnalytics, t.EntryTimestamp, t.ExitTimestamp, t.CreatedDate, t.UpdatedDate,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}

	db.verifyVisible(ctx, "trades", t.ID)
	return nil
}

// ListTrades returns every trade row, newest first.
func (db *DB) ListTrades(ctx context.Context) ([]Trade, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM trades ORDER BY created_date DESC`, tradeColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetTradeByPositionID returns the trade carrying a position_id, if any.
func (db *DB) GetTradeByPositionID(ctx context.Context, positionID string) (*Trade, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM trades WHERE position_id = $1 LIMIT 1`, tradeColumns), positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade by position_id %s: %w", positionID, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}

// UpdateTradePnL rewrites the recomputed P&L fields for one trade.
func (db *DB) UpdateTradePnL(ctx context.Context, id string, pnlUSDT, pnlPercent, totalFees float64) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE trades SET pnl_usdt = $2, pnl_percent = $3, total_fees_usdt = $4,
			updated_date = NOW()
		WHERE id = $1`,
		id, pnlUSDT, pnlPercent, totalFees)
	if err != nil {
		return fmt.Errorf("failed to update trade pnl %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTradeEntryPrice rewrites a repaired entry price and the P&L values
// rederived from it.
func (db *DB) UpdateTradeEntryPrice(ctx context.Context, id string, entryPrice, pnlUSDT, pnlPercent float64) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE trades SET entry_price = $2, pnl_usdt = $3, pnl_percent = $4,
			updated_date = NOW()
		WHERE id = $1`,
		id, entryPrice, pnlUSDT, pnlPercent)
	if err != nil {
		return fmt.Errorf("failed to update trade entry price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrade removes one trade by primary key.
func (db *DB) DeleteTrade(ctx context.Context, id string) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trade %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTradesByIDs removes a batch of trades and reports how many went.
func (db *DB) DeleteTradesByIDs(ctx context.Context, ids []string) (int64, error) {
	if !db.Connected() {
		return 0, ErrUnavailable
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete trades by ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAllTrades truncates the ledger table.
func (db *DB) DeleteAllTrades(ctx context.Context) (int64, error) {
	if !db.Connected() {
		return 0, ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM trades`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete all trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountTrades returns the number of rows in the trades table.
func (db *DB) CountTrades(ctx context.Context) (int64, error) {
	if !db.Connected() {
		return 0, ErrUnavailable
	}

	var count int64
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

func scanTrades(rows pgx.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		var t Trade
		err := rows.Scan(
			&t.ID, &t.PositionID, &t.WalletID, &t.Symbol, &t.Side, &t.TradingMode,
			&t.StrategyName, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnLUSDT,
			&t.PnLPercent, &t.Commission, &t.TotalFeesUSDT, &t.ExitReason,
			&t.MaxFavorableExcursion, &t.MaxAdverseExcursion, &t.PeakProfitUSDT,
			&t.PeakProfitPercent, &t.PeakLossUSDT, &t.PeakLossPercent,
			&t.DistanceToSLAtExit, &t.DistanceToTPAtExit, &t.SLHit, &t.TPHit,
			&t.EntrySlippage, &t.ExitSlippage, &t.TimeInProfitHours,
			&t.TimeInLossHours, &t.EntryAnalytics, &t.ExitAnalytics,
			&t.EntryTimestamp, &t.ExitTimestamp, &t.CreatedDate, &t.UpdatedDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}
