package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const positionColumns = `id, position_id, wallet_id, symbol, side, trading_mode, status,
	strategy_name, entry_price, current_price, quantity, entry_value, unrealized_pnl,
	stop_loss_price, take_profit_price, trailing_stop_percent, trailing_stop_activated,
	peak_price, trough_price, time_exit_hours, exit_time, analytics,
	entry_timestamp, last_price_update, created_date, updated_date`

// InsertPosition writes a position inside an explicit transaction and then
// verifies the row is visible to readers.
func (db *DB) InsertPosition(ctx context.Context, p *Position) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	err := db.insertCommitted(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO live_positions (
				id, position_id, wallet_id, symbol, side, trading_mode, status,
				strategy_name, entry_price, current_price, quantity, entry_value,
				unrealized_pnl, stop_loss_price, take_profit_price,
				trailing_stop_percent, trailing_stop_activated, peak_price,
				trough_price, time_exit_hours, exit_time, analytics,
				entry_timestamp, last_price_update, created_date, updated_date
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
			)`,
			p.ID, p.PositionID, p.WalletID, p.Symbol, p.Side, p.TradingMode, p.Status,
			p.StrategyName, p.EntryPrice, p.CurrentPrice, p.Quantity, p.EntryValue,
			p.UnrealizedPnL, p.StopLossPrice, p.TakeProfitPrice,
			p.TrailingStopPercent, p.TrailingStopActivated, p.PeakPrice,
			p.TroughPrice, p.TimeExitHours, p.ExitTime, p.Analytics,
			p.EntryTimestamp, p.LastPriceUpdate, p.CreatedDate, p.UpdatedDate,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", p.ID, err)
	}

	db.verifyVisible(ctx, "live_positions", p.ID)
	return nil
}

// ListPositions returns every position row, newest first. This is the main
// listing query the merge rule runs against.
func (db *DB) ListPositions(ctx context.Context) ([]Position, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM live_positions ORDER BY created_date DESC`, positionColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// UpdatePosition rewrites the full row for a position id.
func (db *DB) UpdatePosition(ctx context.Context, p *Position) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE live_positions SET
			position_id = $2, wallet_id = $3, symbol = $4, side = $5,
			trading_mode = $6, status = $7, strategy_name = $8, entry_price = $9,
			current_price = $10, quantity = $11, entry_value = $12,
			unrealized_pnl = $13, stop_loss_price = $14, take_profit_price = $15,
			trailing_stop_percent = $16, trailing_stop_activated = $17,
			peak_price = $18, trough_price = $19, time_exit_hours = $20,
			exit_time = $21, analytics = $22, entry_timestamp = $23,
			last_price_update = $24, updated_date = $25
		WHERE id = $1`,
		p.ID, p.PositionID, p.WalletID, p.Symbol, p.Side,
		p.TradingMode, p.Status, p.StrategyName, p.EntryPrice,
		p.CurrentPrice, p.Quantity, p.EntryValue,
		p.UnrealizedPnL, p.StopLossPrice, p.TakeProfitPrice,
		p.TrailingStopPercent, p.TrailingStopActivated,
		p.PeakPrice, p.TroughPrice, p.TimeExitHours,
		p.ExitTime, p.Analytics, p.EntryTimestamp,
		p.LastPriceUpdate, p.UpdatedDate,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePositionHotFields writes only the price-tracking columns. Price
// refresh runs for every open position on every tick, so the full-row
// update would amplify writes badly.
func (db *DB) UpdatePositionHotFields(ctx context.Context, id string, currentPrice, unrealizedPnL, timeExitHours float64, exitTime, lastPriceUpdate *time.Time) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE live_positions SET
			current_price = $2, unrealized_pnl = $3, time_exit_hours = $4,
			exit_time = $5, last_price_update = $6, updated_date = NOW()
		WHERE id = $1`,
		id, currentPrice, unrealizedPnL, timeExitHours, exitTime, lastPriceUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to update position hot fields %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePosition removes a position row by primary key.
func (db *DB) DeletePosition(ctx context.Context, id string) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM live_positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOpenPositions removes open rows for (symbol, mode) directly in the
// DB. Fallback path for dust reconciliation when memory holds no match.
func (db *DB) DeleteOpenPositions(ctx context.Context, symbol, mode string) (int64, error) {
	if !db.Connected() {
		return 0, ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM live_positions WHERE symbol = $1 AND trading_mode = $2 AND status = 'open'`,
		symbol, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to delete open positions %s/%s: %w", symbol, mode, err)
	}
	return tag.RowsAffected(), nil
}

func scanPositions(rows pgx.Rows) ([]Position, error) {
	var positions []Position
	for rows.Next() {
		var p Position
		err := rows.Scan(
			&p.ID, &p.PositionID, &p.WalletID, &p.Symbol, &p.Side, &p.TradingMode,
			&p.Status, &p.StrategyName, &p.EntryPrice, &p.CurrentPrice, &p.Quantity,
			&p.EntryValue, &p.UnrealizedPnL, &p.StopLossPrice, &p.TakeProfitPrice,
			&p.TrailingStopPercent, &p.TrailingStopActivated, &p.PeakPrice,
			&p.TroughPrice, &p.TimeExitHours, &p.ExitTime, &p.Analytics,
			&p.EntryTimestamp, &p.LastPriceUpdate, &p.CreatedDate, &p.UpdatedDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPosition fetches one position by primary key.
func (db *DB) GetPosition(ctx context.Context, id string) (*Position, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM live_positions WHERE id = $1`, positionColumns), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

// IsNotFound reports whether err is the repository's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
