package positions

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.FileStore) {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return NewManager(nil, fs, 30*time.Second, zerolog.Nop()), fs
}

func testPosition(positionID string) *database.Position {
	entry := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &database.Position{
		PositionID:     positionID,
		Symbol:         "BTC/USDT",
		Status:         database.StatusOpen,
		TradingMode:    "testnet",
		WalletID:       "w1",
		EntryPrice:     50000,
		Quantity:       0.01,
		TimeExitHours:  24,
		EntryTimestamp: &entry,
	}
}

func TestCreateDerivesExitTimeAndValue(t *testing.T) {
	m, _ := newTestManager(t)

	p := testPosition("p3")
	require.NoError(t, m.Create(context.Background(), p))

	require.NotNil(t, p.ExitTime)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), p.ExitTime.UTC())
	assert.Equal(t, 500.0, p.EntryValue)
	assert.NotEmpty(t, p.ID)
}

func TestCreateZeroTimeExitHours(t *testing.T) {
	m, _ := newTestManager(t)

	p := testPosition("p1")
	p.TimeExitHours = 0
	require.NoError(t, m.Create(context.Background(), p))

	// Zero hours is an immediate exit, not a missing one.
	require.NotNil(t, p.ExitTime)
	assert.True(t, p.ExitTime.Equal(*p.EntryTimestamp))
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p1")
	p.EntryPrice = 0
	assert.ErrorIs(t, m.Create(ctx, p), ErrValidation)

	p = testPosition("p1")
	p.Quantity = -1
	assert.ErrorIs(t, m.Create(ctx, p), ErrValidation)

	p = testPosition("p1")
	p.TradingMode = ""
	assert.ErrorIs(t, m.Create(ctx, p), ErrValidation)
}

func TestCreateRejectsDuplicateOpenPositionID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, testPosition("p1")))
	err := m.Create(ctx, testPosition("p1"))
	assert.ErrorIs(t, err, ErrValidation)

	// A closed position with the same id does not block a new open one.
	closed := testPosition("p2")
	require.NoError(t, m.Create(ctx, closed))
	_, err = m.Update(ctx, closed.ID, map[string]interface{}{"status": "closed"})
	require.NoError(t, err)
	assert.NoError(t, m.Create(ctx, testPosition("p2")))
}

func TestCreateVisibleImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p3")
	require.NoError(t, m.Create(ctx, p))

	filtered := m.Filter(ctx, FilterOptions{TradingMode: "testnet", Statuses: []string{"open"}})
	require.Len(t, filtered, 1)
	assert.Equal(t, p.ID, filtered[0].ID)
}

func TestFilterEmptyStatusMatchesOpen(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p1")
	require.NoError(t, m.Create(ctx, p))

	// Blank out the stored status as a legacy row would have it.
	m.mu.Lock()
	m.positions[0].Status = ""
	m.mu.Unlock()

	filtered := m.Filter(ctx, FilterOptions{Statuses: []string{database.StatusOpen}})
	assert.Len(t, filtered, 1)
}

func TestUpdateRecomputesExitTime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p1")
	require.NoError(t, m.Create(ctx, p))

	updated, err := m.Update(ctx, p.ID, map[string]interface{}{"time_exit_hours": 48.0})
	require.NoError(t, err)
	require.NotNil(t, updated.ExitTime)
	assert.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), updated.ExitTime.UTC())
}

func TestUpdateProtectsIDAndCreatedDate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p1")
	require.NoError(t, m.Create(ctx, p))
	created := *p.CreatedDate

	updated, err := m.Update(ctx, p.ID, map[string]interface{}{
		"id":            "hijacked",
		"created_date":  "2020-01-01T00:00:00Z",
		"current_price": 51000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.True(t, updated.CreatedDate.Equal(created))
	assert.Equal(t, 51000.0, updated.CurrentPrice)
}

func TestUpdateUnknownID(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Update(context.Background(), "missing", map[string]interface{}{"current_price": 1.0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := testPosition("p1")
	require.NoError(t, m.Create(ctx, p))
	require.NoError(t, m.Delete(ctx, p.ID))
	assert.Zero(t, m.Count())
	assert.ErrorIs(t, m.Delete(ctx, p.ID), ErrNotFound)
}

func TestLoadFromStoreNormalizesLegacyRows(t *testing.T) {
	m, fs := newTestManager(t)

	entry := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	legacy := database.Position{
		ID:             "66666666-6666-6666-6666-666666666666",
		PositionID:     "p9",
		Symbol:         "ETH/USDT",
		TradingMode:    "testnet",
		EntryPrice:     3800,
		Quantity:       0.01,
		TimeExitHours:  12,
		EntryTimestamp: &entry,
		// Status and ExitTime missing.
	}
	require.NoError(t, fs.Write(storage.FileLivePositions, []database.Position{legacy}))

	loaded, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	got, ok := m.Get(legacy.ID)
	require.True(t, ok)
	assert.Equal(t, database.StatusOpen, got.Status)
	require.NotNil(t, got.ExitTime)
	assert.Equal(t, entry.Add(12*time.Hour), got.ExitTime.UTC())
}

func TestOpenForSymbol(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	btc := testPosition("p1")
	eth := testPosition("p2")
	eth.Symbol = "ETH/USDT"
	require.NoError(t, m.Create(ctx, btc))
	require.NoError(t, m.Create(ctx, eth))

	got := m.OpenForSymbol(ctx, "ETH/USDT", "testnet")
	require.Len(t, got, 1)
	assert.Equal(t, eth.ID, got[0].ID)

	assert.Empty(t, m.OpenForSymbol(ctx, "ETH/USDT", "mainnet"))
}

func TestCreateRefreshesMirror(t *testing.T) {
	m, fs := newTestManager(t)

	p := testPosition("p1")
	require.NoError(t, m.Create(context.Background(), p))

	var mirrored []database.Position
	require.NoError(t, fs.Read(storage.FileLivePositions, &mirrored))
	require.Len(t, mirrored, 1)
	assert.Equal(t, p.ID, mirrored[0].ID)
}
