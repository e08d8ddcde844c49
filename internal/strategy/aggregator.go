// Package strategy derives live performance stats for backtest
// combinations from the closed-trade ledger. Live stats are pure
// functions of the ledger; a refresh can always be re-run.
package strategy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
)

const (
	refreshBatchSize  = 10
	refreshBatchPause = 100 * time.Millisecond
)

// Aggregator recomputes live KPIs and pushes them into the database and
// the KPI cache. Refresh requests are coalesced per strategy name and
// drained by a single worker, so a burst of trade inserts costs one
// recompute.
type Aggregator struct {
	db     *database.DB
	ledger *ledger.Ledger
	cache  *KPICache
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewAggregator(db *database.DB, lg *ledger.Ledger, cache *KPICache, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		db:      db,
		ledger:  lg,
		cache:   cache,
		logger:  logger,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NormalizeName collapses regime variants onto their base strategy name by
// stripping a trailing parenthetical: "Momentum Surge (BULL)" and
// "Momentum Surge" are the same strategy.
func NormalizeName(name string) string {
	return database.NormalizeStrategyName(name)
}

// Start launches the refresh worker.
func (a *Aggregator) Start() {
	go a.worker()
}

// Stop drains and stops the worker.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

// Enqueue schedules a refresh for a strategy. Duplicate requests for the
// same name coalesce while one is pending.
func (a *Aggregator) Enqueue(name string) {
	name = NormalizeName(name)
	if name == "" {
		return
	}

	a.mu.Lock()
	a.pending[name] = struct{}{}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports how many strategies are waiting for a refresh.
func (a *Aggregator) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Aggregator) worker() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}

		for {
			a.mu.Lock()
			var name string
			for n := range a.pending {
				name = n
				break
			}
			if name == "" {
				a.mu.Unlock()
				break
			}
			delete(a.pending, name)
			a.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := a.RefreshStrategy(ctx, name); err != nil {
				a.logger.Error().Str("strategy", name).Err(err).Msg("live stats refresh failed")
			}
			cancel()
		}
	}
}

// RefreshStrategy recomputes live stats for every combination registered
// under a strategy name and writes them to the database and the cache.
func (a *Aggregator) RefreshStrategy(ctx context.Context, name string) error {
	name = NormalizeName(name)

	combos, err := a.db.GetStrategiesByName(ctx, name)
	if err != nil {
		return err
	}
	if len(combos) == 0 {
		return nil
	}

	trades := a.ledger.ForStrategy(name)

	for i := range combos {
		stats := ComputeLiveStats(trades, combos[i].SuccessRate)
		if err := a.db.UpdateStrategyLiveStats(ctx, combos[i].ID, stats); err != nil {
			a.logger.Error().Str("strategy", name).Str("id", combos[i].ID).Err(err).
				Msg("live stats update failed")
			continue
		}
	}

	if err := a.cache.SetSnapshot(ctx, name, ComputeLiveStats(trades, combos[0].SuccessRate)); err != nil && a.cache.Healthy() {
		a.logger.Debug().Str("strategy", name).Err(err).Msg("kpi snapshot write skipped")
	}

	a.logger.Debug().Str("strategy", name).Int("trades", len(trades)).
		Int("combinations", len(combos)).Msg("live stats refreshed")
	return nil
}

// RefreshAll recomputes live stats for every registered strategy name, in
// batches with a short pause so a full refresh cannot monopolize the pool.
func (a *Aggregator) RefreshAll(ctx context.Context) (int, error) {
	strategies, err := a.db.ListStrategies(ctx, "updated_date", 0)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	var names []string
	for _, s := range strategies {
		name := NormalizeName(s.StrategyName)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	refreshed := 0
	for i, name := range names {
		if i > 0 && i%refreshBatchSize == 0 {
			select {
			case <-ctx.Done():
				return refreshed, ctx.Err()
			case <-time.After(refreshBatchPause):
			}
		}
		if err := a.RefreshStrategy(ctx, name); err != nil {
			a.logger.Error().Str("strategy", name).Err(err).Msg("live stats refresh failed")
			continue
		}
		refreshed++
	}

	a.logger.Info().Int("strategies", refreshed).Msg("full live stats refresh complete")
	return refreshed, nil
}

// CacheStats exposes the KPI cache health for the monitoring endpoint.
func (a *Aggregator) CacheStats() CacheStats {
	return a.cache.Stats()
}

// ComputeLiveStats derives the full KPI set from a strategy's closed
// trades. Division by zero collapses to 999 where the quotient would be
// infinite and 0 where it would be undefined.
func ComputeLiveStats(trades []database.Trade, backtestSuccessRate float64) database.LiveStats {
	stats := database.LiveStats{
		ExitReasonBreakdown: make(map[string]database.ExitReasonStat),
	}

	total := len(trades)
	stats.Occurrences = total
	if total == 0 {
		stats.PerformanceGap = -backtestSuccessRate
		return stats
	}

	var (
		winners, losers int
		winPctSum       float64
		lossPctAbsSum   float64
		lastTrade       *time.Time
		reasonPnL       = make(map[string]float64)
		reasonCount     = make(map[string]int)
	)

	for _, t := range trades {
		switch {
		case t.PnLUSDT > 0:
			winners++
			stats.GrossProfitTotal += t.PnLUSDT
			winPctSum += t.PnLPercent
		case t.PnLUSDT < 0:
			losers++
			stats.GrossLossTotal += -t.PnLUSDT
			lossPctAbsSum += math.Abs(t.PnLPercent)
			if dd := math.Abs(t.PnLPercent); dd > stats.MaxDrawdownPercent {
				stats.MaxDrawdownPercent = dd
			}
		}

		reason := t.ExitReason
		if reason == "" {
			reason = "unknown"
		}
		reasonCount[reason]++
		reasonPnL[reason] += t.PnLUSDT

		if t.ExitTimestamp != nil && (lastTrade == nil || t.ExitTimestamp.After(*lastTrade)) {
			ts := *t.ExitTimestamp
			lastTrade = &ts
		}
	}

	stats.SuccessRate = float64(winners) / float64(total) * 100
	stats.AvgPriceMove = (winPctSum - lossPctAbsSum) / float64(total)
	// Both ratios are percent-based: position sizes must not skew them.
	stats.ProfitFactor = safeRatio(winPctSum, lossPctAbsSum)

	var avgWinPct, avgLossPct float64
	if winners > 0 {
		avgWinPct = winPctSum / float64(winners)
	}
	if losers > 0 {
		avgLossPct = lossPctAbsSum / float64(losers)
	}
	stats.WinLossRatio = safeRatio(avgWinPct, avgLossPct)

	stats.PerformanceGap = stats.SuccessRate - backtestSuccessRate
	stats.LastLiveTradeDate = lastTrade

	for reason, count := range reasonCount {
		stats.ExitReasonBreakdown[reason] = database.ExitReasonStat{
			Count:      count,
			Percentage: float64(count) / float64(total) * 100,
			AvgPnL:     reasonPnL[reason] / float64(count),
		}
	}

	return stats
}

// safeRatio divides num by den, returning 999 for an infinite quotient and
// 0 for 0/0.
func safeRatio(num, den float64) float64 {
	if den > 0 {
		return num / den
	}
	if num > 0 {
		return 999
	}
	return 0
}
