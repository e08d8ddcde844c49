package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-backend/internal/binance"
	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
	"sentinel-backend/internal/marketdata"
	"sentinel-backend/internal/positions"
	"sentinel-backend/internal/storage"
)

type testEnv struct {
	reconciler *Reconciler
	positions  *positions.Manager
	ledger     *ledger.Ledger
}

// newTestEnv wires a reconciler against a stub exchange. price maps
// symbol ("ETHUSDT") to the ticker price; free maps asset to the free
// account balance.
func newTestEnv(t *testing.T, price map[string]string, free map[string]string) *testEnv {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/ticker/price":
			symbol := r.URL.Query().Get("symbol")
			p, ok := price[symbol]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"symbol": symbol, "price": p})
		case "/api/v3/account":
			balances := make([]map[string]string, 0, len(free))
			for asset, amount := range free {
				balances = append(balances, map[string]string{
					"asset": asset, "free": amount, "locked": "0",
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"balances": balances, "permissions": []string{"SPOT"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)

	fs, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	creds := binance.Credentials{APIKey: "k", SecretKey: "s", BaseURL: ts.URL}
	provider := binance.NewProvider(creds, creds)
	fetcher := marketdata.NewFetcher(provider, zerolog.Nop())
	pm := positions.NewManager(nil, fs, 30*time.Second, zerolog.Nop())
	lg := ledger.New(nil, fs, ledger.Config{}, zerolog.Nop())

	return &testEnv{
		reconciler: New(pm, lg, fetcher, provider, nil, Config{}, zerolog.Nop()),
		positions:  pm,
		ledger:     lg,
	}
}

func openPosition(positionID, symbol, mode string, entryPrice, quantity float64) *database.Position {
	entry := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &database.Position{
		PositionID:     positionID,
		Symbol:         symbol,
		Status:         database.StatusOpen,
		TradingMode:    mode,
		WalletID:       "w1",
		StrategyName:   "Momentum Surge",
		EntryPrice:     entryPrice,
		Quantity:       quantity,
		TimeExitHours:  24,
		EntryTimestamp: &entry,
	}
}

func TestVirtualCloseDustWithFreshPrice(t *testing.T) {
	env := newTestEnv(t, map[string]string{"ETHUSDT": "3850"}, nil)
	ctx := context.Background()

	p := openPosition("p1", "ETH/USDT", "testnet", 3800, 0.001)
	require.NoError(t, env.positions.Create(ctx, p))

	result, err := env.reconciler.VirtualCloseDust(ctx, "ETH/USDT", "testnet")
	require.NoError(t, err)
	assert.Equal(t, 1, result.VirtualClosed)
	assert.Empty(t, result.Skipped)

	require.Len(t, result.ClosedTrades, 1)
	closed := result.ClosedTrades[0]
	assert.Equal(t, "p1-vc", closed.TradeID)
	assert.Equal(t, 3850.0, closed.ExitPrice)
	assert.Equal(t, database.ExitReasonDustClose, closed.ExitReason)
	// (3850-3800)*0.001 minus 0.1% of both legs.
	assert.InDelta(t, 0.04235, closed.PnLUSDT, 1e-6)

	// The position is gone and the ledger holds the closing trade.
	assert.Zero(t, env.positions.Count())
	trades := env.ledger.ForMode("testnet")
	require.Len(t, trades, 1)
	assert.Equal(t, database.ExitReasonDustClose, trades[0].ExitReason)
}

func TestVirtualCloseDustFallsBackToEntryPrice(t *testing.T) {
	// Fresh price is far outside the plausible band, so the close uses
	// the entry price and books only the fees as loss.
	env := newTestEnv(t, map[string]string{"ETHUSDT": "99999"}, nil)
	ctx := context.Background()

	p := openPosition("p1", "ETH/USDT", "testnet", 3800, 0.001)
	require.NoError(t, env.positions.Create(ctx, p))

	result, err := env.reconciler.VirtualCloseDust(ctx, "ETH/USDT", "testnet")
	require.NoError(t, err)
	require.Equal(t, 1, result.VirtualClosed)
	closed := result.ClosedTrades[0]
	assert.Equal(t, 3800.0, closed.ExitPrice)
	assert.InDelta(t, -0.001*3.8*2, closed.PnLUSDT, 1e-9)
}

func TestVirtualCloseDustSkipsImplausiblePositions(t *testing.T) {
	env := newTestEnv(t, map[string]string{"ETHUSDT": "99999"}, nil)
	ctx := context.Background()

	// Entry price is also out of band; there is no defensible exit price.
	p := openPosition("p1", "ETH/USDT", "testnet", 1.0, 0.001)
	require.NoError(t, env.positions.Create(ctx, p))

	result, err := env.reconciler.VirtualCloseDust(ctx, "ETH/USDT", "testnet")
	require.NoError(t, err)
	assert.Zero(t, result.VirtualClosed)
	assert.Equal(t, []string{"p1"}, result.Skipped)
	assert.Equal(t, 1, env.positions.Count())
	assert.Zero(t, env.ledger.Count())
}

func TestVirtualCloseDustNothingOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	result, err := env.reconciler.VirtualCloseDust(context.Background(), "ETH/USDT", "testnet")
	require.NoError(t, err)
	assert.Equal(t, &DustResult{}, result)
}

func TestPurgeGhosts(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"SOL": "0.2", "BTC": "1.0"})
	ctx := context.Background()

	ghost := openPosition("p1", "SOL/USDT", "mainnet", 150, 10)
	legit := openPosition("p2", "BTC/USDT", "mainnet", 50000, 0.01)
	require.NoError(t, env.positions.Create(ctx, ghost))
	require.NoError(t, env.positions.Create(ctx, legit))

	result, err := env.reconciler.PurgeGhosts(ctx, "mainnet", "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Purged)
	assert.Equal(t, 1, result.LegitimatePositions)

	require.Len(t, result.GhostPositions, 1)
	purged := result.GhostPositions[0]
	assert.Equal(t, "p1-ghost", purged.TradeID)
	assert.Equal(t, -1500.0, purged.PnLUSDT)
	assert.Equal(t, -100.0, purged.PnLPercent)
	assert.Equal(t, database.ExitReasonGhostPurge, purged.ExitReason)

	// The legitimate position survives.
	assert.Equal(t, 1, env.positions.Count())
	trades := env.ledger.ForMode("mainnet")
	require.Len(t, trades, 1)
	assert.Equal(t, ghost.EntryPrice, trades[0].ExitPrice)
}

func TestPurgeGhostsTestnetThreshold(t *testing.T) {
	// Free 0.15 clears the testnet threshold (10 * 0.01 = 0.1) but would
	// fail the mainnet one.
	env := newTestEnv(t, nil, map[string]string{"SOL": "0.15"})
	ctx := context.Background()

	p := openPosition("p1", "SOL/USDT", "testnet", 150, 10)
	require.NoError(t, env.positions.Create(ctx, p))

	result, err := env.reconciler.PurgeGhosts(ctx, "testnet", "")
	require.NoError(t, err)
	assert.Zero(t, result.Purged)
	assert.Equal(t, 1, result.LegitimatePositions)
}

func TestPurgeGhostsNothingOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	result, err := env.reconciler.PurgeGhosts(context.Background(), "mainnet", "")
	require.NoError(t, err)
	assert.Equal(t, &GhostResult{}, result)
}

func TestCleanInvalidTrades(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	result, err := env.reconciler.CleanInvalidTrades(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.DeletedCount)
	assert.Zero(t, result.RemainingCount)
}

func TestRecomputeWalletStateRequiresDatabase(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.reconciler.RecomputeWalletState(context.Background(), "testnet")
	assert.ErrorIs(t, err, database.ErrUnavailable)
}
