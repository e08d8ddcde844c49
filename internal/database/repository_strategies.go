package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// NormalizeStrategyName collapses regime variants onto their base strategy
// name by stripping a trailing parenthetical: "Momentum Surge (BULL)" and
// "Momentum Surge" are the same strategy. Every storage path applies it so
// variants collide and merge instead of forking rows.
func NormalizeStrategyName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, ")") {
		if idx := strings.LastIndex(name, " ("); idx > 0 {
			return name[:idx]
		}
	}
	return name
}

const strategyColumns = `id, strategy_name, combination_name, combination_signature, coin,
	timeframe, success_rate, occurrences, profit_factor, avg_price_move,
	max_drawdown_percent, win_loss_ratio, consecutive_wins, consecutive_losses,
	regime_performance, exit_time_stats, backtest_exit_stats, included_in_scanner,
	included_in_live_scanner, is_event_driven, live_success_rate, live_occurrences,
	live_avg_price_move, live_profit_factor, live_max_drawdown_percent,
	live_win_loss_ratio, live_gross_profit_total, live_gross_loss_total,
	performance_gap_percent, live_exit_reason_breakdown, last_live_trade_date,
	created_date, updated_date`

// UpsertStrategy inserts or refreshes a backtest combination. The strategy
// name is normalized before storage. Rows carrying a signature conflict on
// (signature, coin, timeframe); rows without one fall back to
// (strategy_name, coin, timeframe). Only client-owned backtest fields are
// overwritten; derived live stats stay untouched.
func (db *DB) UpsertStrategy(ctx context.Context, s *Strategy) error {
	s.StrategyName = NormalizeStrategyName(s.StrategyName)
	if !db.Connected() {
		return ErrUnavailable
	}

	conflict := `(strategy_name, coin, timeframe) WHERE combination_signature IS NULL`
	if s.CombinationSignature != nil && *s.CombinationSignature != "" {
		conflict = `(combination_signature, coin, timeframe) WHERE combination_signature IS NOT NULL`
	}

	query := fmt.Sprintf(`
		INSERT INTO backtest_combinations (
			id, strategy_name, combination_name, combination_signature, coin,
			timeframe, success_rate, occurrences, profit_factor, avg_price_move,
			max_drawdown_percent, win_loss_ratio, consecutive_wins,
			consecutive_losses, regime_performance, exit_time_stats,
			backtest_exit_stats, included_in_scanner, included_in_live_scanner,
			is_event_driven, created_date, updated_date
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, NOW(), NOW()
		)
		ON CONFLICT %s DO UPDATE SET
			strategy_name = EXCLUDED.strategy_name,
			combination_name = EXCLUDED.combination_name,
			success_rate = EXCLUDED.success_rate,
			occurrences = EXCLUDED.occurrences,
			profit_factor = EXCLUDED.profit_factor,
			avg_price_move = EXCLUDED.avg_price_move,
			max_drawdown_percent = EXCLUDED.max_drawdown_percent,
			win_loss_ratio = EXCLUDED.win_loss_ratio,
			consecutive_wins = EXCLUDED.consecutive_wins,
			consecutive_losses = EXCLUDED.consecutive_losses,
			regime_performance = EXCLUDED.regime_performance,
			exit_time_stats = EXCLUDED.exit_time_stats,
			backtest_exit_stats = EXCLUDED.backtest_exit_stats,
			included_in_scanner = EXCLUDED.included_in_scanner,
			included_in_live_scanner = EXCLUDED.included_in_live_scanner,
			is_event_driven = EXCLUDED.is_event_driven,
			updated_date = NOW()
		RETURNING id`, conflict)

	err := db.Pool.QueryRow(ctx, query,
		s.ID, s.StrategyName, s.CombinationName, s.CombinationSignature, s.Coin,
		s.Timeframe, s.SuccessRate, s.Occurrences, s.ProfitFactor, s.AvgPriceMove,
		s.MaxDrawdownPercent, s.WinLossRatio, s.ConsecutiveWins,
		s.ConsecutiveLosses, s.RegimePerformance, s.ExitTimeStats,
		s.BacktestExitStats, s.IncludedInScanner, s.IncludedInLiveScanner,
		s.IsEventDriven,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy %s: %w", s.StrategyName, err)
	}
	return nil
}

// ListStrategies returns strategies ordered by a vetted column.
func (db *DB) ListStrategies(ctx context.Context, orderBy string, limit int) ([]Strategy, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	// Only known columns are allowed into the ORDER BY clause.
	switch orderBy {
	case "success_rate", "occurrences", "profit_factor", "live_success_rate",
		"live_occurrences", "updated_date", "created_date":
	default:
		orderBy = "created_date"
	}
	if limit <= 0 {
		limit = 10000
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM backtest_combinations ORDER BY %s DESC LIMIT $1`,
		strategyColumns, orderBy), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	return scanStrategies(rows)
}

// GetStrategiesByName returns every combination registered under one
// strategy name (regime variants collapse onto the same name).
func (db *DB) GetStrategiesByName(ctx context.Context, strategyName string) ([]Strategy, error) {
	strategyName = NormalizeStrategyName(strategyName)
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM backtest_combinations WHERE strategy_name = $1`, strategyColumns),
		strategyName)
	if err != nil {
		return nil, fmt.Errorf("failed to get strategies by name %s: %w", strategyName, err)
	}
	defer rows.Close()

	return scanStrategies(rows)
}

// LiveStats is the derived slice of a strategy row.
type LiveStats struct {
	SuccessRate         float64
	Occurrences         int
	AvgPriceMove        float64
	ProfitFactor        float64
	MaxDrawdownPercent  float64
	WinLossRatio        float64
	GrossProfitTotal    float64
	GrossLossTotal      float64
	PerformanceGap      float64
	ExitReasonBreakdown map[string]ExitReasonStat
	LastLiveTradeDate   *time.Time
}

// UpdateStrategyLiveStats overwrites only the derived live columns.
func (db *DB) UpdateStrategyLiveStats(ctx context.Context, id string, stats LiveStats) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE backtest_combinations SET
			live_success_rate = $2, live_occurrences = $3, live_avg_price_move = $4,
			live_profit_factor = $5, live_max_drawdown_percent = $6,
			live_win_loss_ratio = $7, live_gross_profit_total = $8,
			live_gross_loss_total = $9, performance_gap_percent = $10,
			live_exit_reason_breakdown = $11, last_live_trade_date = $12,
			updated_date = NOW()
		WHERE id = $1`,
		id, stats.SuccessRate, stats.Occurrences, stats.AvgPriceMove,
		stats.ProfitFactor, stats.MaxDrawdownPercent,
		stats.WinLossRatio, stats.GrossProfitTotal,
		stats.GrossLossTotal, stats.PerformanceGap,
		stats.ExitReasonBreakdown, stats.LastLiveTradeDate,
	)
	if err != nil {
		return fmt.Errorf("failed to update live stats %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStrategy removes one combination by id.
func (db *DB) DeleteStrategy(ctx context.Context, id string) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM backtest_combinations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStrategiesByIDs removes a batch of combinations.
func (db *DB) DeleteStrategiesByIDs(ctx context.Context, ids []string) (int64, error) {
	if !db.Connected() {
		return 0, ErrUnavailable
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := db.Pool.Exec(ctx, `DELETE FROM backtest_combinations WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete strategies: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanStrategies(rows pgx.Rows) ([]Strategy, error) {
	var strategies []Strategy
	for rows.Next() {
		var s Strategy
		err := rows.Scan(
			&s.ID, &s.StrategyName, &s.CombinationName, &s.CombinationSignature,
			&s.Coin, &s.Timeframe, &s.SuccessRate, &s.Occurrences, &s.ProfitFactor,
			&s.AvgPriceMove, &s.MaxDrawdownPercent, &s.WinLossRatio,
			&s.ConsecutiveWins, &s.ConsecutiveLosses, &s.RegimePerformance,
			&s.ExitTimeStats, &s.BacktestExitStats, &s.IncludedInScanner,
			&s.IncludedInLiveScanner, &s.IsEventDriven, &s.LiveSuccessRate,
			&s.LiveOccurrences, &s.LiveAvgPriceMove, &s.LiveProfitFactor,
			&s.LiveMaxDrawdownPercent, &s.LiveWinLossRatio, &s.LiveGrossProfitTotal,
			&s.LiveGrossLossTotal, &s.PerformanceGapPercent,
			&s.LiveExitReasonBreakdown, &s.LastLiveTradeDate,
			&s.CreatedDate, &s.UpdatedDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return strategies, nil
}
