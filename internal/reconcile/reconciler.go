// Package reconcile repairs drift between the three views of trading
// state: in-memory collections, the database, and the exchange itself.
// Every operation is idempotent.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinel-backend/internal/binance"
	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
	"sentinel-backend/internal/marketdata"
	"sentinel-backend/internal/positions"
)

// Config holds the ghost-purge thresholds and fee rate.
type Config struct {
	GhostThresholdTestnet float64
	GhostThresholdMainnet float64
	CommissionRate        float64
}

// Reconciler wires the position manager, trade ledger, market data and
// exchange account views together.
type Reconciler struct {
	positions *positions.Manager
	ledger    *ledger.Ledger
	fetcher   *marketdata.Fetcher
	provider  *binance.Provider
	db        *database.DB
	cfg       Config
	logger    zerolog.Logger
}

func New(pm *positions.Manager, lg *ledger.Ledger, fetcher *marketdata.Fetcher, provider *binance.Provider, db *database.DB, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.GhostThresholdTestnet == 0 {
		cfg.GhostThresholdTestnet = 0.01
	}
	if cfg.GhostThresholdMainnet == 0 {
		cfg.GhostThresholdMainnet = 0.05
	}
	if cfg.CommissionRate == 0 {
		cfg.CommissionRate = 0.001
	}
	return &Reconciler{
		positions: pm, ledger: lg, fetcher: fetcher,
		provider: provider, db: db, cfg: cfg, logger: logger,
	}
}

// WalletReport shows the wallet counters before and after a recompute so
// callers can display drift magnitude.
type WalletReport struct {
	Before *database.WalletState `json:"before"`
	After  *database.WalletState `json:"after"`
	Diff   map[string]float64    `json:"diff"`
}

// RecomputeWalletState rebuilds a mode's wallet counters from the trade
// ledger and overwrites the stored row.
func (r *Reconciler) RecomputeWalletState(ctx context.Context, mode string) (*WalletReport, error) {
	if !r.db.Connected() {
		return nil, database.ErrUnavailable
	}

	if _, err := r.db.EnsureWalletConfig(ctx, mode); err != nil {
		return nil, err
	}
	before, err := r.db.GetWalletState(ctx, mode)
	if err != nil {
		return nil, err
	}

	computed := &database.WalletState{TradingMode: mode}
	for _, t := range r.ledger.ForMode(mode) {
		computed.TradeCount++
		computed.RealizedPnL += t.PnLUSDT
		computed.TotalFees += t.TotalFeesUSDT
		if t.PnLUSDT > 0 {
			computed.WinningCount++
			computed.GrossProfit += t.PnLUSDT
		} else if t.PnLUSDT < 0 {
			computed.LosingCount++
			computed.GrossLoss += -t.PnLUSDT
		}
	}

	if err := r.db.UpdateWalletCounters(ctx, mode, computed); err != nil {
		return nil, err
	}
	after, err := r.db.GetWalletState(ctx, mode)
	if err != nil {
		return nil, err
	}

	return &WalletReport{
		Before: before,
		After:  after,
		Diff: map[string]float64{
			"realized_pnl":  after.RealizedPnL - before.RealizedPnL,
			"trade_count":   float64(after.TradeCount - before.TradeCount),
			"winning_count": float64(after.WinningCount - before.WinningCount),
			"losing_count":  float64(after.LosingCount - before.LosingCount),
			"gross_profit":  after.GrossProfit - before.GrossProfit,
			"gross_loss":    after.GrossLoss - before.GrossLoss,
			"total_fees":    after.TotalFees - before.TotalFees,
		},
	}, nil
}

// ClosedTradeSummary is one row of a dust-close or ghost-purge report.
type ClosedTradeSummary struct {
	TradeID    string  `json:"trade_id"`
	ID         string  `json:"id"`
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	ExitPrice  float64 `json:"exit_price"`
	PnLUSDT    float64 `json:"pnl_usdt"`
	PnLPercent float64 `json:"pnl_percentage"`
	ExitReason string  `json:"exit_reason"`
}

// DustResult reports a virtual-close sweep.
type DustResult struct {
	VirtualClosed int                  `json:"virtualClosed"`
	ClosedTrades  []ClosedTradeSummary `json:"closedTrades"`
	DeletedFromDB int64                `json:"deletedFromDb,omitempty"`
	Skipped       []string             `json:"skipped,omitempty"`
}

// VirtualCloseDust closes every open position for (symbol, mode) at the
// current market price, writing dust_virtual_close trades. Positions whose
// price cannot be validated are skipped with an error log rather than
// producing an invalid trade.
func (r *Reconciler) VirtualCloseDust(ctx context.Context, symbol, mode string) (*DustResult, error) {
	result := &DustResult{}

	open := r.positions.OpenForSymbol(ctx, symbol, mode)
	if len(open) == 0 {
		// Memory holds nothing; clear any stragglers directly in the DB.
		if r.db.Connected() {
			deleted, err := r.db.DeleteOpenPositions(ctx, symbol, mode)
			if err != nil {
				return nil, err
			}
			result.DeletedFromDB = deleted
		}
		return result, nil
	}

	var freshPrice float64
	ticker, err := r.fetcher.GetPrice(ctx, symbol, mode)
	if err != nil {
		r.logger.Error().Str("symbol", symbol).Err(err).Msg("price fetch failed during dust close")
	} else {
		freshPrice = ticker.Price
	}

	for _, p := range open {
		exitPrice := freshPrice
		if exitPrice <= 0 || !marketdata.InBand(symbol, exitPrice) {
			// Fall back to the entry price, but only when it is itself
			// plausible.
			if marketdata.InBand(symbol, p.EntryPrice) && p.EntryPrice > 0 {
				exitPrice = p.EntryPrice
			} else {
				r.logger.Error().Str("position_id", p.PositionID).Str("symbol", symbol).
					Float64("fresh_price", freshPrice).Float64("entry_price", p.EntryPrice).
					Msg("no plausible exit price, position skipped")
				result.Skipped = append(result.Skipped, p.PositionID)
				continue
			}
		}

		entryValue := p.EntryPrice * p.Quantity
		exitValue := exitPrice * p.Quantity
		commission := r.cfg.CommissionRate*entryValue + r.cfg.CommissionRate*exitValue
		pnl := (exitPrice-p.EntryPrice)*p.Quantity - commission
		pct := 0.0
		if entryValue > 0 {
			pct = pnl / entryValue * 100
		}

		now := time.Now().UTC()
		trade := &database.Trade{
			ID:             uuid.NewString(),
			PositionID:     p.PositionID,
			WalletID:       p.WalletID,
			Symbol:         p.Symbol,
			Side:           "BUY",
			TradingMode:    mode,
			StrategyName:   p.StrategyName,
			EntryPrice:     p.EntryPrice,
			ExitPrice:      exitPrice,
			Quantity:       p.Quantity,
			PnLUSDT:        pnl,
			PnLPercent:     pct,
			Commission:     commission,
			TotalFeesUSDT:  commission,
			ExitReason:     database.ExitReasonDustClose,
			EntryAnalytics: p.Analytics,
			EntryTimestamp: p.EntryTimestamp,
			ExitTimestamp:  &now,
		}

		if _, err := r.ledger.Insert(ctx, trade); err != nil {
			r.logger.Error().Str("position_id", p.PositionID).Err(err).
				Msg("dust close trade insert failed")
			result.Skipped = append(result.Skipped, p.PositionID)
			continue
		}

		if err := r.positions.Delete(ctx, p.ID); err != nil {
			r.logger.Error().Str("id", p.ID).Err(err).Msg("dust close position delete failed")
		}

		result.VirtualClosed++
		result.ClosedTrades = append(result.ClosedTrades, ClosedTradeSummary{
			TradeID:    p.PositionID + "-vc",
			ID:         trade.ID,
			PositionID: p.PositionID,
			Symbol:     p.Symbol,
			ExitPrice:  exitPrice,
			PnLUSDT:    pnl,
			PnLPercent: pct,
			ExitReason: trade.ExitReason,
		})
	}

	return result, nil
}

// GhostResult reports a ghost-purge sweep.
type GhostResult struct {
	Purged              int                  `json:"purged"`
	GhostPositions      []ClosedTradeSummary `json:"ghostPositions"`
	LegitimatePositions int                  `json:"legitimatePositions"`
}

// PurgeGhosts removes positions that have no corresponding exchange
// balance. A position is a ghost when the free balance of its base asset
// is below quantity * threshold; ghosts book a 100% loss.
func (r *Reconciler) PurgeGhosts(ctx context.Context, mode, walletID string) (*GhostResult, error) {
	result := &GhostResult{}

	opts := positions.FilterOptions{TradingMode: mode, Statuses: []string{database.StatusOpen}}
	if walletID != "" {
		opts.WalletID = walletID
	}
	open := r.positions.Filter(ctx, opts)
	if len(open) == 0 {
		return result, nil
	}

	account, err := r.provider.ForMode(mode).GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account fetch failed: %w", err)
	}
	free := make(map[string]float64, len(account.Balances))
	for _, b := range account.Balances {
		free[b.Asset] = b.Free
	}

	threshold := r.cfg.GhostThresholdMainnet
	if mode == database.ModeTestnet {
		threshold = r.cfg.GhostThresholdTestnet
	}

	for _, p := range open {
		base := marketdata.BaseAsset(p.Symbol)
		balance := free[base]
		if balance >= p.Quantity*threshold {
			result.LegitimatePositions++
			continue
		}

		r.logger.Warn().Str("position_id", p.PositionID).Str("symbol", p.Symbol).
			Float64("balance", balance).Float64("quantity", p.Quantity).
			Msg("ghost position detected")

		entryValue := p.EntryPrice * p.Quantity
		now := time.Now().UTC()
		trade := &database.Trade{
			ID:             uuid.NewString(),
			PositionID:     p.PositionID,
			WalletID:       p.WalletID,
			Symbol:         p.Symbol,
			Side:           "BUY",
			TradingMode:    mode,
			StrategyName:   p.StrategyName,
			EntryPrice:     p.EntryPrice,
			ExitPrice:      p.EntryPrice,
			Quantity:       p.Quantity,
			PnLUSDT:        -entryValue,
			PnLPercent:     -100,
			ExitReason:     database.ExitReasonGhostPurge,
			EntryAnalytics: p.Analytics,
			EntryTimestamp: p.EntryTimestamp,
			ExitTimestamp:  &now,
		}

		if _, err := r.ledger.Insert(ctx, trade); err != nil {
			r.logger.Error().Str("position_id", p.PositionID).Err(err).
				Msg("ghost purge trade insert failed")
			result.LegitimatePositions++
			continue
		}
		if err := r.positions.Delete(ctx, p.ID); err != nil {
			r.logger.Error().Str("id", p.ID).Err(err).Msg("ghost purge position delete failed")
		}

		result.Purged++
		result.GhostPositions = append(result.GhostPositions, ClosedTradeSummary{
			TradeID:    p.PositionID + "-ghost",
			ID:         trade.ID,
			PositionID: p.PositionID,
			Symbol:     p.Symbol,
			ExitPrice:  p.EntryPrice,
			PnLUSDT:    -entryValue,
			PnLPercent: -100,
			ExitReason: trade.ExitReason,
		})
	}

	return result, nil
}

// CleanupResult reports an invalid-trade sweep.
type CleanupResult struct {
	DeletedCount   int64 `json:"deletedCount"`
	RemainingCount int64 `json:"remainingCount"`
}

// CleanInvalidTrades deletes trades violating the critical-column set or
// the per-symbol minimum-price floor.
func (r *Reconciler) CleanInvalidTrades(ctx context.Context) (*CleanupResult, error) {
	deleted, remaining, err := r.ledger.CleanInvalid(ctx)
	if err != nil {
		return nil, err
	}
	return &CleanupResult{DeletedCount: deleted, RemainingCount: remaining}, nil
}
