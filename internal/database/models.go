package database

import "time"

// Trading modes. "backtest" rows can appear in the trades table but are
// excluded from live KPI derivation.
const (
	ModeTestnet = "testnet"
	ModeMainnet = "mainnet"
)

// Position statuses.
const (
	StatusOpen    = "open"
	StatusClosed  = "closed"
	StatusDeleted = "deleted"
)

// Exit reasons recorded on closed trades.
const (
	ExitReasonTakeProfit = "take_profit"
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTimeout    = "timeout"
	ExitReasonManual     = "manual"
	ExitReasonDustClose  = "dust_virtual_close"
	ExitReasonGhostPurge = "ghost_position_purge"
	ExitReasonUnknown    = "unknown"
)

// Position is an open exposure. ID is the UUID primary key; PositionID is
// the stable external correlation id that later links the position to its
// closed trade.
type Position struct {
	ID          string `json:"id"`
	PositionID  string `json:"position_id"`
	WalletID    string `json:"wallet_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	TradingMode string `json:"trading_mode"`
	Status      string `json:"status"`

	StrategyName string `json:"strategy_name"`

	EntryPrice      float64 `json:"entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	Quantity        float64 `json:"quantity"`
	EntryValue      float64 `json:"entry_value"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`

	TrailingStopPercent   float64 `json:"trailing_stop_percent"`
	TrailingStopActivated bool    `json:"trailing_stop_activated"`
	PeakPrice             float64 `json:"peak_price"`
	TroughPrice           float64 `json:"trough_price"`

	TimeExitHours float64    `json:"time_exit_hours"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`

	// Analytics snapshot at open: market regime, volatility, ATR,
	// fear-greed, conviction breakdown, entry-quality metrics. Stored as
	// JSONB; the engine never computes these, it only carries them.
	Analytics map[string]interface{} `json:"analytics,omitempty"`

	EntryTimestamp  *time.Time `json:"entry_timestamp,omitempty"`
	LastPriceUpdate *time.Time `json:"last_price_update,omitempty"`
	CreatedDate     *time.Time `json:"created_date,omitempty"`
	UpdatedDate     *time.Time `json:"updated_date,omitempty"`
}

// Trade is a closed position. Immutable once inserted for a position_id,
// except for the exit-enrichment fields merged via ON CONFLICT.
type Trade struct {
	ID           string `json:"id"`
	PositionID   string `json:"position_id"`
	WalletID     string `json:"wallet_id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	TradingMode  string `json:"trading_mode"`
	StrategyName string `json:"strategy_name"`

	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`

	PnLUSDT       float64 `json:"pnl_usdt"`
	PnLPercent    float64 `json:"pnl_percent"`
	Commission    float64 `json:"commission"`
	TotalFeesUSDT float64 `json:"total_fees_usdt"`

	ExitReason string `json:"exit_reason"`

	// Excursion and exit-quality metrics.
	MaxFavorableExcursion float64 `json:"max_favorable_excursion"`
	MaxAdverseExcursion   float64 `json:"max_adverse_excursion"`
	PeakProfitUSDT        float64 `json:"peak_profit_usdt"`
	PeakProfitPercent     float64 `json:"peak_profit_percent"`
	PeakLossUSDT          float64 `json:"peak_loss_usdt"`
	PeakLossPercent       float64 `json:"peak_loss_percent"`
	DistanceToSLAtExit    float64 `json:"distance_to_sl_at_exit"`
	DistanceToTPAtExit    float64 `json:"distance_to_tp_at_exit"`
	SLHit                 bool    `json:"sl_hit"`
	TPHit                 bool    `json:"tp_hit"`
	EntrySlippage         float64 `json:"entry_slippage"`
	ExitSlippage          float64 `json:"exit_slippage"`
	TimeInProfitHours     float64 `json:"time_in_profit_hours"`
	TimeInLossHours       float64 `json:"time_in_loss_hours"`

	// Analytics carried from the position at open, plus exit-time market
	// snapshot and strategy-context metrics at entry (strategy win rate,
	// consecutive streaks, similar-trade count). JSONB bags.
	EntryAnalytics map[string]interface{} `json:"entry_analytics,omitempty"`
	ExitAnalytics  map[string]interface{} `json:"exit_analytics,omitempty"`

	EntryTimestamp *time.Time `json:"entry_timestamp,omitempty"`
	ExitTimestamp  *time.Time `json:"exit_timestamp,omitempty"`
	CreatedDate    *time.Time `json:"created_date,omitempty"`
	UpdatedDate    *time.Time `json:"updated_date,omitempty"`
}

// ExitReasonStat is one bucket of a live exit-reason breakdown.
type ExitReasonStat struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
	AvgPnL     float64 `json:"avg_pnl"`
}

// Strategy is a backtest combination with derived live performance.
// Uniqueness is (combination_signature, coin, timeframe) when the signature
// is present, falling back to (strategy_name, coin, timeframe).
type Strategy struct {
	ID                   string  `json:"id"`
	StrategyName         string  `json:"strategy_name"`
	CombinationName      string  `json:"combination_name"`
	CombinationSignature *string `json:"combination_signature,omitempty"`
	Coin                 string  `json:"coin"`
	Timeframe            string  `json:"timeframe"`

	// Backtest stats flow through from the client unchanged.
	SuccessRate        float64                `json:"success_rate"`
	Occurrences        int                    `json:"occurrences"`
	ProfitFactor       float64                `json:"profit_factor"`
	AvgPriceMove       float64                `json:"avg_price_move"`
	MaxDrawdownPercent float64                `json:"max_drawdown_percent"`
	WinLossRatio       float64                `json:"win_loss_ratio"`
	ConsecutiveWins    int                    `json:"consecutive_wins"`
	ConsecutiveLosses  int                    `json:"consecutive_losses"`
	RegimePerformance  map[string]interface{} `json:"regime_performance,omitempty"`
	ExitTimeStats      map[string]interface{} `json:"exit_time_stats,omitempty"`
	BacktestExitStats  map[string]interface{} `json:"backtest_exit_stats,omitempty"`

	IncludedInScanner     bool `json:"included_in_scanner"`
	IncludedInLiveScanner bool `json:"included_in_live_scanner"`
	IsEventDriven         bool `json:"is_event_driven_strategy"`

	// Derived live stats. Pure functions of the trade ledger; never
	// accepted from the client.
	LiveSuccessRate         float64                   `json:"live_success_rate"`
	LiveOccurrences         int                       `json:"live_occurrences"`
	LiveAvgPriceMove        float64                   `json:"live_avg_price_move"`
	LiveProfitFactor        float64                   `json:"live_profit_factor"`
	LiveMaxDrawdownPercent  float64                   `json:"live_max_drawdown_percent"`
	LiveWinLossRatio        float64                   `json:"live_win_loss_ratio"`
	LiveGrossProfitTotal    float64                   `json:"live_gross_profit_total"`
	LiveGrossLossTotal      float64                   `json:"live_gross_loss_total"`
	PerformanceGapPercent   float64                   `json:"performance_gap_percent"`
	LiveExitReasonBreakdown map[string]ExitReasonStat `json:"live_exit_reason_breakdown,omitempty"`
	LastLiveTradeDate       *time.Time                `json:"last_live_trade_date,omitempty"`

	CreatedDate *time.Time `json:"created_date,omitempty"`
	UpdatedDate *time.Time `json:"updated_date,omitempty"`
}

// WalletState is the per-mode aggregate counters row (wallet_config table).
// The reconciler guarantees it agrees with the trade ledger within 0.01 USDT.
type WalletState struct {
	ID              string     `json:"id"`
	TradingMode     string     `json:"trading_mode"`
	PrimaryWalletID string     `json:"primary_wallet_id"`
	Balance         float64    `json:"balance"`
	RealizedPnL     float64    `json:"realized_pnl"`
	TradeCount      int        `json:"trade_count"`
	WinningCount    int        `json:"winning_count"`
	LosingCount     int        `json:"losing_count"`
	GrossProfit     float64    `json:"gross_profit"`
	GrossLoss       float64    `json:"gross_loss"`
	TotalFees       float64    `json:"total_fees"`
	CreatedDate     *time.Time `json:"created_date,omitempty"`
	UpdatedDate     *time.Time `json:"updated_date,omitempty"`
}
