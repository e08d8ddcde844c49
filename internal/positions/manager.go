// Package positions manages open positions with a memory-authoritative but
// database-reconciled model. Memory closes the write-visibility race; the
// database wins everywhere else.
package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/storage"
)

// ErrNotFound is returned when no position matches the requested id.
var ErrNotFound = errors.New("position not found")

// ErrValidation wraps rejected position payloads.
var ErrValidation = errors.New("invalid position")

// hotFields are the columns the narrow UPDATE path covers. Updates touching
// only these avoid the full-row write.
var hotFields = map[string]bool{
	"current_price":          true,
	"unrealized_pnl":         true,
	"last_price_update":      true,
	"time_exit_hours":        true,
	"last_updated_timestamp": true,
	"updated_date":           true,
}

// Manager owns the in-memory open-position array and its DB/file mirrors.
type Manager struct {
	db          *database.DB
	fs          *storage.FileStore
	logger      zerolog.Logger
	mergeWindow time.Duration

	mu        sync.RWMutex
	positions []database.Position

	idLocks sync.Map // position id -> *sync.Mutex
}

func NewManager(db *database.DB, fs *storage.FileStore, mergeWindow time.Duration, logger zerolog.Logger) *Manager {
	if mergeWindow <= 0 {
		mergeWindow = 30 * time.Second
	}
	return &Manager{db: db, fs: fs, mergeWindow: mergeWindow, logger: logger}
}

// lockID serializes writes for a single position id.
func (m *Manager) lockID(id string) func() {
	actual, _ := m.idLocks.LoadOrStore(id, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// LoadFromStore initializes memory. The database is authoritative when it
// has rows; an empty database is seeded from the file mirror.
func (m *Manager) LoadFromStore(ctx context.Context) (int, error) {
	if m.db.Connected() {
		fromDB, err := m.db.ListPositions(ctx)
		if err != nil {
			return 0, err
		}
		if len(fromDB) > 0 {
			m.replaceMemory(fromDB)
			m.refreshMirror()
			return len(fromDB), nil
		}

		var fromFile []database.Position
		if err := m.fs.Read(storage.FileLivePositions, &fromFile); err != nil {
			return 0, err
		}
		for i := range fromFile {
			normalizeLoaded(&fromFile[i], m.logger)
			if err := m.db.InsertPosition(ctx, &fromFile[i]); err != nil {
				m.logger.Error().Str("id", fromFile[i].ID).Err(err).
					Msg("failed to push mirrored position into database")
			}
		}
		m.replaceMemory(fromFile)
		return len(fromFile), nil
	}

	var fromFile []database.Position
	if err := m.fs.Read(storage.FileLivePositions, &fromFile); err != nil {
		return 0, err
	}
	for i := range fromFile {
		normalizeLoaded(&fromFile[i], m.logger)
	}
	m.replaceMemory(fromFile)
	return len(fromFile), nil
}

// normalizeLoaded backfills legacy rows: a missing status reads as open,
// and exit_time is rederived lazily when both inputs are present.
func normalizeLoaded(p *database.Position, logger zerolog.Logger) {
	if p.Status == "" {
		p.Status = database.StatusOpen
	}
	if p.ExitTime == nil && p.EntryTimestamp != nil {
		exit := deriveExitTime(p.EntryTimestamp, p.TimeExitHours)
		if exit != nil {
			p.ExitTime = exit
			logger.Debug().Str("id", p.ID).Msg("exit_time rederived on load")
		}
	}
}

// deriveExitTime computes entry_timestamp + time_exit_hours. Zero hours is
// a valid immediate exit; a missing entry timestamp yields nil.
func deriveExitTime(entry *time.Time, hours float64) *time.Time {
	if entry == nil {
		return nil
	}
	exit := entry.Add(time.Duration(hours * float64(time.Hour)))
	return &exit
}

// List returns the authoritative open-position view after applying the
// merge rule against the database snapshot.
func (m *Manager) List(ctx context.Context) []database.Position {
	if !m.db.Connected() {
		return m.snapshot()
	}

	fromDB, err := m.db.ListPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("position listing query failed, serving memory")
		return m.snapshot()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	memory := m.positions
	switch {
	case len(fromDB) == 0 && len(memory) > 0:
		// Assume DB visibility lag; never wipe memory on an empty read.
	case len(fromDB) < len(memory):
		inDB := make(map[string]bool, len(fromDB))
		for _, p := range fromDB {
			inDB[p.ID] = true
		}
		merged := fromDB
		for _, p := range memory {
			if inDB[p.ID] {
				continue
			}
			// Missing created_date counts as recent: the row was just
			// built in this process.
			if p.CreatedDate == nil || time.Since(*p.CreatedDate) <= m.mergeWindow {
				merged = append(merged, p)
			}
		}
		m.positions = merged
	default:
		m.positions = fromDB
	}

	out := make([]database.Position, len(m.positions))
	copy(out, m.positions)
	return out
}

// FilterOptions narrows Filter results. Status accepts one or many values;
// a stored NULL/empty status matches 'open'.
type FilterOptions struct {
	WalletID    string
	TradingMode string
	Statuses    []string
}

// Filter applies the merge rule, then the filters.
func (m *Manager) Filter(ctx context.Context, opts FilterOptions) []database.Position {
	all := m.List(ctx)

	var out []database.Position
	for _, p := range all {
		if opts.WalletID != "" && p.WalletID != opts.WalletID {
			continue
		}
		if opts.TradingMode != "" && p.TradingMode != opts.TradingMode {
			continue
		}
		if len(opts.Statuses) > 0 {
			status := p.Status
			if status == "" {
				status = database.StatusOpen
			}
			match := false
			for _, want := range opts.Statuses {
				if status == want {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// OpenForSymbol returns open positions for (symbol, mode) from the merged
// view.
func (m *Manager) OpenForSymbol(ctx context.Context, symbol, mode string) []database.Position {
	var out []database.Position
	for _, p := range m.Filter(ctx, FilterOptions{TradingMode: mode, Statuses: []string{database.StatusOpen}}) {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// Get returns one position by id from memory.
func (m *Manager) Get(id string) (*database.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.positions {
		if m.positions[i].ID == id {
			p := m.positions[i]
			return &p, true
		}
	}
	return nil, false
}

// Create validates and stores a new position. Memory is pushed first so the
// race window closes immediately; a DB failure surfaces to the caller but
// does not roll the memory copy back.
func (m *Manager) Create(ctx context.Context, p *database.Position) error {
	if p.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry_price must be positive", ErrValidation)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if p.Symbol == "" || p.TradingMode == "" {
		return fmt.Errorf("%w: symbol and trading_mode are required", ErrValidation)
	}

	if _, err := uuid.Parse(p.ID); err != nil {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = database.StatusOpen
	}
	if p.PositionID != "" {
		m.mu.RLock()
		for i := range m.positions {
			if m.positions[i].PositionID == p.PositionID && m.positions[i].Status == database.StatusOpen {
				m.mu.RUnlock()
				return fmt.Errorf("%w: open position with position_id %s already exists", ErrValidation, p.PositionID)
			}
		}
		m.mu.RUnlock()
	}

	now := time.Now().UTC()
	if p.CreatedDate == nil {
		p.CreatedDate = &now
	}
	p.UpdatedDate = &now
	if p.EntryValue == 0 {
		p.EntryValue = p.EntryPrice * p.Quantity
	}
	p.ExitTime = deriveExitTime(p.EntryTimestamp, p.TimeExitHours)

	m.mu.Lock()
	m.positions = append([]database.Position{*p}, m.positions...)
	m.mu.Unlock()

	var dbErr error
	if m.db.Connected() {
		dbErr = m.db.InsertPosition(ctx, p)
	}
	m.refreshMirror()

	if dbErr != nil {
		return fmt.Errorf("position stored in memory but database write failed: %w", dbErr)
	}
	return nil
}

// Update merges a JSON patch into the position. Hot-field-only patches take
// the narrow UPDATE path to avoid write amplification.
func (m *Manager) Update(ctx context.Context, id string, patch map[string]interface{}) (*database.Position, error) {
	unlock := m.lockID(id)
	defer unlock()

	m.mu.Lock()
	idx := -1
	for i := range m.positions {
		if m.positions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	updated := m.positions[idx]
	if err := applyPatch(&updated, patch); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	updated.UpdatedDate = &now
	if patchTouches(patch, "time_exit_hours") || patchTouches(patch, "entry_timestamp") {
		updated.ExitTime = deriveExitTime(updated.EntryTimestamp, updated.TimeExitHours)
	}

	m.positions[idx] = updated
	m.mu.Unlock()

	if m.db.Connected() {
		var err error
		if onlyHotFields(patch) {
			err = m.db.UpdatePositionHotFields(ctx, id, updated.CurrentPrice,
				updated.UnrealizedPnL, updated.TimeExitHours, updated.ExitTime, updated.LastPriceUpdate)
		} else {
			err = m.db.UpdatePosition(ctx, &updated)
		}
		if err != nil && !database.IsNotFound(err) {
			return nil, err
		}
	}

	m.refreshMirror()
	return &updated, nil
}

// Delete removes a position from memory, database and mirror.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.lockID(id)
	defer unlock()

	m.mu.Lock()
	found := false
	for i := range m.positions {
		if m.positions[i].ID == id {
			m.positions = append(m.positions[:i], m.positions[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if m.db.Connected() {
		if err := m.db.DeletePosition(ctx, id); err != nil {
			if !database.IsNotFound(err) {
				return err
			}
		} else {
			found = true
		}
	}

	if !found {
		return ErrNotFound
	}
	m.refreshMirror()
	return nil
}

// Count returns the in-memory position count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

func (m *Manager) snapshot() []database.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.Position, len(m.positions))
	copy(out, m.positions)
	return out
}

func (m *Manager) replaceMemory(positions []database.Position) {
	m.mu.Lock()
	m.positions = positions
	m.mu.Unlock()
}

func (m *Manager) refreshMirror() {
	snapshot := m.snapshot()
	if err := m.fs.Write(storage.FileLivePositions, snapshot); err != nil {
		m.logger.Error().Err(err).Msg("failed to refresh positions mirror")
	}
}

// applyPatch merges patch fields through a JSON round trip so the field
// names match the wire format exactly.
func applyPatch(p *database.Position, patch map[string]interface{}) error {
	delete(patch, "id")
	delete(patch, "created_date")

	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, p)
}

func patchTouches(patch map[string]interface{}, field string) bool {
	_, ok := patch[field]
	return ok
}

func onlyHotFields(patch map[string]interface{}) bool {
	if len(patch) == 0 {
		return false
	}
	for k := range patch {
		if !hotFields[k] {
			return false
		}
	}
	return true
}
