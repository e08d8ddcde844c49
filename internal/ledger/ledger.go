// Package ledger owns the append-only journal of closed trades. All insert
// paths funnel through it so duplicate detection lives in exactly one
// place.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/marketdata"
	"sentinel-backend/internal/storage"
)

// ErrInvalidTrade is returned when a candidate row is missing critical
// fields (a row without an exit_timestamp is not a trade).
var ErrInvalidTrade = errors.New("invalid trade")

// Tolerances for the characteristic-tuple duplicate check.
const (
	priceTolerance    = 0.0001
	quantityTolerance = 1e-6
	timeTolerance     = time.Second
)

// Config holds ledger tuning.
type Config struct {
	CommissionRate float64 // per side
	DriftEpsilon   float64 // P&L recompute rewrite threshold
	DedupGridSecs  int     // entry-timestamp grid bucket
}

// Ledger is the in-memory journal backed by the trades table and the
// trades.json mirror.
type Ledger struct {
	db     *database.DB
	fs     *storage.FileStore
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	trades []database.Trade

	onInsert func(strategyName string)
}

func New(db *database.DB, fs *storage.FileStore, cfg Config, logger zerolog.Logger) *Ledger {
	if cfg.CommissionRate == 0 {
		cfg.CommissionRate = 0.001
	}
	if cfg.DriftEpsilon == 0 {
		cfg.DriftEpsilon = 0.01
	}
	if cfg.DedupGridSecs == 0 {
		cfg.DedupGridSecs = 2
	}
	return &Ledger{db: db, fs: fs, cfg: cfg, logger: logger}
}

// SetInsertHook registers the callback fired (in its own goroutine) after
// every successful insert. Hook failures never fail the insert.
func (l *Ledger) SetInsertHook(fn func(strategyName string)) {
	l.onInsert = fn
}

// InsertResult reports what an insert did.
type InsertResult struct {
	Inserted   bool            `json:"inserted"`
	ExistingID string          `json:"existing_id,omitempty"`
	Trade      *database.Trade `json:"trade,omitempty"`
}

// Insert appends a closed trade. Duplicate inserts are a silent no-op:
// first by position_id, then by the characteristic tuple for rows without
// one. The incoming id is replaced when it is not a valid UUID.
func (l *Ledger) Insert(ctx context.Context, t *database.Trade) (*InsertResult, error) {
	if t.ExitTimestamp == nil {
		return nil, fmt.Errorf("%w: missing exit_timestamp", ErrInvalidTrade)
	}
	if t.Symbol == "" || t.EntryPrice <= 0 || t.Quantity <= 0 {
		return nil, fmt.Errorf("%w: missing symbol, entry price or quantity", ErrInvalidTrade)
	}

	if _, err := uuid.Parse(t.ID); err != nil {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedDate == nil {
		t.CreatedDate = &now
	}
	t.UpdatedDate = &now
	if t.ExitReason == "" {
		t.ExitReason = database.ExitReasonUnknown
	}
	// Regime variants collapse onto the base strategy name so a trade from
	// "Momentum Surge (BULL)" feeds the "Momentum Surge" live stats.
	t.StrategyName = database.NormalizeStrategyName(t.StrategyName)

	if existing := l.findDuplicate(t); existing != nil {
		l.logger.Warn().Str("position_id", t.PositionID).Str("existing_id", existing.ID).
			Msg("duplicate trade insert skipped")
		return &InsertResult{Inserted: false, ExistingID: existing.ID, Trade: existing}, nil
	}

	// Race fallback: memory may lag a concurrent insert that already
	// committed.
	if t.PositionID != "" && l.db.Connected() {
		if existing, err := l.db.GetTradeByPositionID(ctx, t.PositionID); err == nil {
			l.logger.Warn().Str("position_id", t.PositionID).Str("existing_id", existing.ID).
				Msg("duplicate trade found in database, insert skipped")
			return &InsertResult{Inserted: false, ExistingID: existing.ID, Trade: existing}, nil
		}
	}

	if l.db.Connected() {
		if err := l.db.InsertTrade(ctx, t); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	l.trades = append(l.trades, *t)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.refreshMirror(snapshot)

	if l.onInsert != nil && t.StrategyName != "" {
		go l.onInsert(t.StrategyName)
	}

	return &InsertResult{Inserted: true, Trade: t}, nil
}

// findDuplicate applies the dual dedup check against the in-memory journal.
func (l *Ledger) findDuplicate(t *database.Trade) *database.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if t.PositionID != "" {
		for i := range l.trades {
			if l.trades[i].PositionID == t.PositionID {
				return &l.trades[i]
			}
		}
		// A distinct position_id is a distinct trade even when every
		// other field matches.
		return nil
	}

	// Characteristic tuple: catches retries that lost their position_id
	// and races inside the same entry-time grid bucket.
	grid := time.Duration(l.cfg.DedupGridSecs) * time.Second
	for i := range l.trades {
		existing := &l.trades[i]
		if existing.ExitTimestamp == nil ||
			existing.Symbol != t.Symbol ||
			existing.StrategyName != t.StrategyName ||
			existing.TradingMode != t.TradingMode {
			continue
		}
		if math.Abs(existing.EntryPrice-t.EntryPrice) > priceTolerance ||
			math.Abs(existing.ExitPrice-t.ExitPrice) > priceTolerance ||
			math.Abs(existing.Quantity-t.Quantity) > quantityTolerance {
			continue
		}
		if t.EntryTimestamp == nil || existing.EntryTimestamp == nil {
			continue
		}
		a := existing.EntryTimestamp.Truncate(grid)
		b := t.EntryTimestamp.Truncate(grid)
		if a.Equal(b) || absDuration(existing.EntryTimestamp.Sub(*t.EntryTimestamp)) <= timeTolerance {
			return existing
		}
	}
	return nil
}

// BulkResult reports per-row outcomes of a bulk insert.
type BulkResult struct {
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// BulkInsert applies the same dedup rules row by row. Dedup hits count as
// updated.
func (l *Ledger) BulkInsert(ctx context.Context, trades []database.Trade) *BulkResult {
	result := &BulkResult{}
	for i := range trades {
		res, err := l.Insert(ctx, &trades[i])
		switch {
		case err != nil:
			result.Failed++
		case res.Inserted:
			result.Saved++
		default:
			result.Updated++
		}
	}
	return result
}

// Filters narrows List results. Only rows with an exit timestamp are ever
// returned.
type Filters struct {
	TradingMode   string
	Symbol        string
	TradeID       string
	ExitTimestamp *time.Time // exact match when set
	OrderBy       string
	Offset        int
	Limit         int
}

// List returns matching trades ordered by exit_timestamp descending (or
// created_date when requested).
func (l *Ledger) List(filters Filters) []database.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []database.Trade
	for _, t := range l.trades {
		if t.ExitTimestamp == nil {
			continue
		}
		if filters.TradingMode != "" && t.TradingMode != filters.TradingMode {
			continue
		}
		if filters.Symbol != "" && t.Symbol != filters.Symbol {
			continue
		}
		if filters.TradeID != "" && t.ID != filters.TradeID {
			continue
		}
		if filters.ExitTimestamp != nil && !t.ExitTimestamp.Equal(*filters.ExitTimestamp) {
			continue
		}
		out = append(out, t)
	}

	if filters.OrderBy == "created_date" {
		sort.Slice(out, func(i, j int) bool {
			return timeOrZero(out[i].CreatedDate).After(timeOrZero(out[j].CreatedDate))
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			return timeOrZero(out[i].ExitTimestamp).After(timeOrZero(out[j].ExitTimestamp))
		})
	}

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

// ForMode returns every valid trade in a trading mode.
func (l *Ledger) ForMode(mode string) []database.Trade {
	return l.List(Filters{TradingMode: mode})
}

// ForStrategy returns live trades for a strategy, excluding backtest rows.
// Both sides of the match are normalized so suffixed legacy rows and
// suffixed lookups land on the base name.
func (l *Ledger) ForStrategy(strategyName string) []database.Trade {
	name := database.NormalizeStrategyName(strategyName)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []database.Trade
	for _, t := range l.trades {
		if t.ExitTimestamp == nil || t.TradingMode == "backtest" {
			continue
		}
		if database.NormalizeStrategyName(t.StrategyName) == name {
			out = append(out, t)
		}
	}
	return out
}

// Get returns one trade by id.
func (l *Ledger) Get(id string) (*database.Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.trades {
		if l.trades[i].ID == id {
			t := l.trades[i]
			return &t, true
		}
	}
	return nil, false
}

// Delete removes a trade from the journal, the database and the mirror.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	if l.db.Connected() {
		if err := l.db.DeleteTrade(ctx, id); err != nil && !database.IsNotFound(err) {
			return err
		}
	}

	l.mu.Lock()
	for i := range l.trades {
		if l.trades[i].ID == id {
			l.trades = append(l.trades[:i], l.trades[i+1:]...)
			break
		}
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.refreshMirror(snapshot)
	return nil
}

// DeleteByIDs removes a batch of trades, returning how many went.
func (l *Ledger) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	if l.db.Connected() {
		n, err := l.db.DeleteTradesByIDs(ctx, ids)
		if err != nil {
			return 0, err
		}
		deleted = n
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	l.mu.Lock()
	kept := l.trades[:0]
	for _, t := range l.trades {
		if !wanted[t.ID] {
			kept = append(kept, t)
		}
	}
	l.trades = kept
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.refreshMirror(snapshot)
	return deleted, nil
}

// DeleteAll clears the journal.
func (l *Ledger) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	if l.db.Connected() {
		n, err := l.db.DeleteAllTrades(ctx)
		if err != nil {
			return 0, err
		}
		deleted = n
	}

	l.mu.Lock()
	l.trades = nil
	l.mu.Unlock()

	l.refreshMirror([]database.Trade{})
	return deleted, nil
}

// LoadFromStore rebuilds the in-memory journal: database first, file
// mirror when the database is absent. Invalid rows stay in the DB but are
// excluded from memory and from every derived statistic.
func (l *Ledger) LoadFromStore(ctx context.Context) (loaded, filtered int, err error) {
	var all []database.Trade
	if l.db.Connected() {
		all, err = l.db.ListTrades(ctx)
		if err != nil {
			return 0, 0, err
		}
	} else {
		if err := l.fs.Read(storage.FileTrades, &all); err != nil {
			return 0, 0, err
		}
	}

	valid := make([]database.Trade, 0, len(all))
	for _, t := range all {
		if reason := invalidReason(&t); reason != "" {
			filtered++
			l.logger.Warn().Str("trade_id", t.ID).Str("symbol", t.Symbol).
				Str("reason", reason).Msg("invalid trade excluded from ledger")
			continue
		}
		valid = append(valid, t)
	}

	l.mu.Lock()
	l.trades = valid
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if l.db.Connected() {
		l.refreshMirror(snapshot)
	}
	return len(valid), filtered, nil
}

// invalidReason applies the critical-column and minimum-price filters.
func invalidReason(t *database.Trade) string {
	switch {
	case t.Symbol == "":
		return "missing symbol"
	case t.StrategyName == "":
		return "missing strategy_name"
	case t.TradingMode == "":
		return "missing trading_mode"
	case t.EntryPrice <= 0:
		return "missing entry_price"
	case t.ExitPrice <= 0:
		return "missing exit_price"
	case t.Quantity <= 0:
		return "missing quantity"
	case t.EntryTimestamp == nil:
		return "missing entry_timestamp"
	case t.ExitTimestamp == nil:
		return "missing exit_timestamp"
	case !marketdata.AboveMinPrice(t.Symbol, t.EntryPrice):
		return "entry_price below symbol minimum"
	case !marketdata.AboveMinPrice(t.Symbol, t.ExitPrice):
		return "exit_price below symbol minimum"
	}
	return ""
}

// RecalculatePnL re-derives P&L for every complete trade and rewrites rows
// whose stored value drifted past the epsilon. Commission is the per-side
// rate applied to both entry and exit notionals.
func (l *Ledger) RecalculatePnL(ctx context.Context) (updated int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.trades {
		t := &l.trades[i]
		if t.ExitTimestamp == nil || t.EntryPrice <= 0 || t.ExitPrice <= 0 || t.Quantity <= 0 {
			continue
		}

		pnl, pct, fees := ComputePnL(t.EntryPrice, t.ExitPrice, t.Quantity, t.Side, l.cfg.CommissionRate)
		if math.Abs(pnl-t.PnLUSDT) <= l.cfg.DriftEpsilon {
			continue
		}

		if l.db.Connected() {
			if err := l.db.UpdateTradePnL(ctx, t.ID, pnl, pct, fees); err != nil {
				l.logger.Error().Str("trade_id", t.ID).Err(err).Msg("pnl rewrite failed")
				continue
			}
		}
		t.PnLUSDT = pnl
		t.PnLPercent = pct
		t.TotalFeesUSDT = fees
		updated++
	}

	l.refreshMirror(l.snapshotLocked())
	return updated, nil
}

// ComputePnL returns net P&L, percent and total fees for a round trip with
// the given per-side commission rate.
func ComputePnL(entryPrice, exitPrice, quantity float64, side string, rate float64) (pnlUSDT, pnlPercent, fees float64) {
	direction := 1.0
	if side == "SELL" {
		direction = -1.0
	}
	entryValue := entryPrice * quantity
	exitValue := exitPrice * quantity
	fees = rate*entryValue + rate*exitValue
	pnlUSDT = (exitPrice-entryPrice)*quantity*direction - fees
	if entryValue > 0 {
		pnlPercent = pnlUSDT / entryValue * 100
	}
	return pnlUSDT, pnlPercent, fees
}

// RemoveDuplicates keeps the oldest row of every duplicate cluster and
// deletes the rest. Clusters form on position_id when present, falling
// back to the characteristic tuple.
func (l *Ledger) RemoveDuplicates(ctx context.Context) (removed int, err error) {
	l.mu.Lock()

	sort.SliceStable(l.trades, func(i, j int) bool {
		return timeOrZero(l.trades[i].CreatedDate).Before(timeOrZero(l.trades[j].CreatedDate))
	})

	seen := make(map[string]bool)
	var keep []database.Trade
	var doomed []string
	grid := time.Duration(l.cfg.DedupGridSecs) * time.Second
	for _, t := range l.trades {
		key := t.PositionID
		if key == "" {
			bucket := int64(0)
			if t.EntryTimestamp != nil {
				bucket = t.EntryTimestamp.Truncate(grid).Unix()
			}
			key = fmt.Sprintf("%s|%s|%.4f|%.4f|%.6f|%d|%s",
				t.Symbol, t.StrategyName, t.EntryPrice, t.ExitPrice, t.Quantity, bucket, t.TradingMode)
		}
		if seen[key] {
			doomed = append(doomed, t.ID)
			continue
		}
		seen[key] = true
		keep = append(keep, t)
	}
	l.trades = keep
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if len(doomed) > 0 && l.db.Connected() {
		if _, err := l.db.DeleteTradesByIDs(ctx, doomed); err != nil {
			return 0, err
		}
	}
	l.refreshMirror(snapshot)
	return len(doomed), nil
}

// FixEntryPrices repairs trades whose entry price fails the data-quality
// floor by rederiving it from the stored net P&L and fees, then validating
// against the plausibility band.
func (l *Ledger) FixEntryPrices(ctx context.Context) (updated int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.trades {
		t := &l.trades[i]
		if t.ExitTimestamp == nil || t.Quantity <= 0 || t.ExitPrice <= 0 {
			continue
		}
		if marketdata.AboveMinPrice(t.Symbol, t.EntryPrice) {
			continue
		}

		direction := 1.0
		if t.Side == "SELL" {
			direction = -1.0
		}
		// pnl = (exit-entry)*qty*dir - fees  =>  entry = exit - (pnl+fees)/(qty*dir)
		derived := t.ExitPrice - (t.PnLUSDT+t.TotalFeesUSDT)/(t.Quantity*direction)
		if derived <= 0 || !marketdata.InBand(t.Symbol, derived) {
			l.logger.Warn().Str("trade_id", t.ID).Float64("derived", derived).
				Msg("derived entry price implausible, left unchanged")
			continue
		}

		pnl, pct, _ := ComputePnL(derived, t.ExitPrice, t.Quantity, t.Side, l.cfg.CommissionRate)
		if l.db.Connected() {
			if err := l.db.UpdateTradeEntryPrice(ctx, t.ID, derived, pnl, pct); err != nil {
				l.logger.Error().Str("trade_id", t.ID).Err(err).Msg("entry price repair failed")
				continue
			}
		}
		t.EntryPrice = derived
		t.PnLUSDT = pnl
		t.PnLPercent = pct
		updated++
	}

	l.refreshMirror(l.snapshotLocked())
	return updated, nil
}

// CleanInvalid deletes rows violating the critical-column set or the
// minimum-price floor from the database as well as from memory.
func (l *Ledger) CleanInvalid(ctx context.Context) (deleted, remaining int64, err error) {
	var all []database.Trade
	if l.db.Connected() {
		all, err = l.db.ListTrades(ctx)
		if err != nil {
			return 0, 0, err
		}
	} else {
		l.mu.RLock()
		all = append(all, l.trades...)
		l.mu.RUnlock()
	}

	var doomed []string
	for i := range all {
		if invalidReason(&all[i]) != "" {
			doomed = append(doomed, all[i].ID)
		}
	}

	if l.db.Connected() {
		deleted, err = l.db.DeleteTradesByIDs(ctx, doomed)
		if err != nil {
			return 0, 0, err
		}
		remaining, err = l.db.CountTrades(ctx)
		if err != nil {
			return deleted, 0, err
		}
	} else {
		deleted = int64(len(doomed))
		remaining = int64(len(all) - len(doomed))
	}

	wanted := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		wanted[id] = true
	}
	l.mu.Lock()
	kept := l.trades[:0]
	for _, t := range l.trades {
		if !wanted[t.ID] {
			kept = append(kept, t)
		}
	}
	l.trades = kept
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.refreshMirror(snapshot)
	return deleted, remaining, nil
}

// Count returns the size of the in-memory journal.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

func (l *Ledger) snapshotLocked() []database.Trade {
	out := make([]database.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *Ledger) refreshMirror(trades []database.Trade) {
	if err := l.fs.Write(storage.FileTrades, trades); err != nil {
		l.logger.Error().Err(err).Msg("failed to refresh trades mirror")
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
