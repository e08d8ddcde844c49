package database

import (
	"context"
	"fmt"
)

// RunMigrations creates the schema. Statements are idempotent so startup can
// run them unconditionally.
func (db *DB) RunMigrations(ctx context.Context) error {
	if !db.Connected() {
		return ErrUnavailable
	}
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS live_positions (
			id UUID PRIMARY KEY,
			position_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL DEFAULT 'BUY',
			trading_mode TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			strategy_name TEXT NOT NULL DEFAULT '',
			entry_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			quantity DOUBLE PRECISION NOT NULL,
			entry_value DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_loss_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			take_profit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			trailing_stop_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			trailing_stop_activated BOOLEAN NOT NULL DEFAULT FALSE,
			peak_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			trough_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			time_exit_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_time TIMESTAMPTZ,
			analytics JSONB NOT NULL DEFAULT '{}',
			entry_timestamp TIMESTAMPTZ,
			last_price_update TIMESTAMPTZ,
			created_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// position_id is the idempotency key against the trade ledger; at
		// most one open position may carry it at any instant.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_live_positions_position_id
			ON live_positions (position_id) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_live_positions_mode_status
			ON live_positions (trading_mode, status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			position_id TEXT NOT NULL DEFAULT '',
			wallet_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL DEFAULT 'BUY',
			trading_mode TEXT NOT NULL,
			strategy_name TEXT NOT NULL DEFAULT '',
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			pnl_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			commission DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_fees_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT 'unknown',
			max_favorable_excursion DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_adverse_excursion DOUBLE PRECISION NOT NULL DEFAULT 0,
			peak_profit_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			peak_profit_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			peak_loss_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			peak_loss_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			distance_to_sl_at_exit DOUBLE PRECISION NOT NULL DEFAULT 0,
			distance_to_tp_at_exit DOUBLE PRECISION NOT NULL DEFAULT 0,
			sl_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp_hit BOOLEAN NOT NULL DEFAULT FALSE,
			entry_slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
			time_in_profit_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			time_in_loss_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_analytics JSONB NOT NULL DEFAULT '{}',
			exit_analytics JSONB NOT NULL DEFAULT '{}',
			entry_timestamp TIMESTAMPTZ,
			exit_timestamp TIMESTAMPTZ,
			created_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_position_id ON trades (position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_mode ON trades (trading_mode)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades (strategy_name)`,

		`CREATE TABLE IF NOT EXISTS backtest_combinations (
			id UUID PRIMARY KEY,
			strategy_name TEXT NOT NULL,
			combination_name TEXT NOT NULL DEFAULT '',
			combination_signature TEXT,
			coin TEXT NOT NULL DEFAULT '',
			timeframe TEXT NOT NULL DEFAULT '',
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			occurrences INTEGER NOT NULL DEFAULT 0,
			profit_factor DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_price_move DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_drawdown_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			win_loss_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			consecutive_wins INTEGER NOT NULL DEFAULT 0,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			regime_performance JSONB NOT NULL DEFAULT '{}',
			exit_time_stats JSONB NOT NULL DEFAULT '{}',
			backtest_exit_stats JSONB NOT NULL DEFAULT '{}',
			included_in_scanner BOOLEAN NOT NULL DEFAULT FALSE,
			included_in_live_scanner BOOLEAN NOT NULL DEFAULT FALSE,
			is_event_driven BOOLEAN NOT NULL DEFAULT FALSE,
			live_success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_occurrences INTEGER NOT NULL DEFAULT 0,
			live_avg_price_move DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_profit_factor DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_max_drawdown_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_win_loss_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_gross_profit_total DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_gross_loss_total DOUBLE PRECISION NOT NULL DEFAULT 0,
			performance_gap_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			live_exit_reason_breakdown JSONB NOT NULL DEFAULT '{}',
			last_live_trade_date TIMESTAMPTZ,
			created_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Signature-bearing rows are unique per (signature, coin,
		// timeframe); rows without a signature fall back to the name key.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_combinations_signature
			ON backtest_combinations (combination_signature, coin, timeframe)
			WHERE combination_signature IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_combinations_name
			ON backtest_combinations (strategy_name, coin, timeframe)
			WHERE combination_signature IS NULL`,

		`CREATE TABLE IF NOT EXISTS wallet_config (
			id UUID PRIMARY KEY,
			trading_mode TEXT NOT NULL UNIQUE,
			primary_wallet_id TEXT NOT NULL DEFAULT '',
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			winning_count INTEGER NOT NULL DEFAULT 0,
			losing_count INTEGER NOT NULL DEFAULT 0,
			gross_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
			gross_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_fees DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Older deployments carried NULL statuses that readers coerced to
		// 'open'. Backfill and forbid the ambiguity going forward.
		`UPDATE live_positions SET status = 'open' WHERE status IS NULL`,
		`ALTER TABLE live_positions ALTER COLUMN status SET NOT NULL`,
		`ALTER TABLE live_positions ALTER COLUMN status SET DEFAULT 'open'`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}

// OptimizeTrades creates the partial indexes behind the hot trade queries.
// Exposed as an admin endpoint so operators can run it after bulk loads.
func (db *DB) OptimizeTrades(ctx context.Context) ([]string, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_trades_closed
			ON trades (exit_timestamp DESC) WHERE exit_timestamp IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_mode
			ON trades (trading_mode, exit_timestamp DESC) WHERE exit_timestamp IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_symbol
			ON trades (symbol, exit_timestamp DESC) WHERE exit_timestamp IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_strategy
			ON trades (strategy_name, trading_mode) WHERE exit_timestamp IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_winners
			ON trades (strategy_name) WHERE exit_timestamp IS NOT NULL AND pnl_usdt > 0`,
		`CREATE INDEX IF NOT EXISTS idx_trades_losers
			ON trades (strategy_name) WHERE exit_timestamp IS NOT NULL AND pnl_usdt < 0`,
	}

	created := make([]string, 0, len(indexes))
	for _, ddl := range indexes {
		if _, err := db.Pool.Exec(ctx, ddl); err != nil {
			return created, fmt.Errorf("index creation failed: %w", err)
		}
		created = append(created, ddl)
	}
	return created, nil
}
