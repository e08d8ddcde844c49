package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-backend/config"
	"sentinel-backend/internal/binance"
	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
	"sentinel-backend/internal/marketdata"
	"sentinel-backend/internal/positions"
	"sentinel-backend/internal/reconcile"
	"sentinel-backend/internal/storage"
	"sentinel-backend/internal/strategy"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(exchange.Close)

	fs, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	creds := binance.Credentials{APIKey: "k", SecretKey: "s", BaseURL: exchange.URL}
	provider := binance.NewProvider(creds, creds)
	fetcher := marketdata.NewFetcher(provider, zerolog.Nop())
	pm := positions.NewManager(nil, fs, 30*time.Second, zerolog.Nop())
	lg := ledger.New(nil, fs, ledger.Config{}, zerolog.Nop())
	reconciler := reconcile.New(pm, lg, fetcher, provider, nil, reconcile.Config{}, zerolog.Nop())
	aggregator := strategy.NewAggregator(nil, lg, nil, zerolog.Nop())

	summaries, err := storage.NewEntityStore(fs, storage.FileWalletSummaries)
	require.NoError(t, err)

	return NewServer(config.ServerConfig{Host: "127.0.0.1"}, Deps{
		Provider:   provider,
		Fetcher:    fetcher,
		Positions:  pm,
		Ledger:     lg,
		Reconciler: reconciler,
		Aggregator: aggregator,
		Entities:   map[string]*storage.EntityStore{EntityWalletSummaries: summaries},
	}, zerolog.Nop())
}

func perform(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func testPositionBody(positionID string) map[string]interface{} {
	return map[string]interface{}{
		"position_id":     positionID,
		"symbol":          "ETH/USDT",
		"trading_mode":    "testnet",
		"wallet_id":       "w1",
		"status":          "open",
		"entry_price":     3800,
		"quantity":        0.01,
		"time_exit_hours": 24,
		"entry_timestamp": "2025-01-01T12:00:00Z",
	}
}

func testTradeBody(positionID string) map[string]interface{} {
	return map[string]interface{}{
		"position_id":     positionID,
		"symbol":          "ETH/USDT",
		"side":            "BUY",
		"trading_mode":    "testnet",
		"strategy_name":   "Momentum Surge",
		"entry_price":     3800,
		"exit_price":      3900,
		"quantity":        0.01,
		"pnl_usdt":        0.923,
		"pnl_percent":     2.43,
		"exit_reason":     "take_profit",
		"entry_timestamp": "2025-01-01T12:00:00Z",
		"exit_timestamp":  "2025-01-01T14:00:00Z",
	}
}

func TestHealthEnvelope(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	env := decode(t, w)
	assert.True(t, env.Success)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["database"])
	assert.Contains(t, health, "klineCache")
	assert.Contains(t, health, "kpiCache")
	assert.Contains(t, health, "refreshQueue")
}

func TestCreatePositionThenFilterSeesIt(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/livePositions", testPositionBody("p1"))
	require.Equal(t, http.StatusOK, w.Code)
	created := decode(t, w)
	assert.True(t, created.Success)

	// The entity-style filter must see the row immediately.
	w = perform(s, http.MethodPost, "/api/entities/LivePosition/filter", map[string]interface{}{
		"trading_mode": "testnet",
		"status":       "open",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0]["position_id"])
}

func TestCreatePositionValidation(t *testing.T) {
	s := newTestServer(t)

	body := testPositionBody("p1")
	body["entry_price"] = 0
	w := perform(s, http.MethodPost, "/api/livePositions", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decode(t, w).Success)
}

func TestUpdatePositionNotFound(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPut, "/api/livePositions/missing",
		map[string]interface{}{"current_price": 3900})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTradeDeduplicates(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/trades", testTradeBody("p1"))
	require.Equal(t, http.StatusOK, w.Code)
	var first struct {
		Inserted bool `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &first))
	assert.True(t, first.Inserted)

	// The retry is still a success, but nothing new lands.
	w = perform(s, http.MethodPost, "/api/trades", testTradeBody("p1"))
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		Inserted   bool   `json:"inserted"`
		ExistingID string `json:"existing_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &second))
	assert.False(t, second.Inserted)
	assert.NotEmpty(t, second.ExistingID)

	w = perform(s, http.MethodGet, "/api/trades?trading_mode=testnet", nil)
	var trades []map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &trades))
	assert.Len(t, trades, 1)
}

func TestCreateTradeRejectsIncomplete(t *testing.T) {
	s := newTestServer(t)

	body := testTradeBody("p1")
	delete(body, "exit_timestamp")
	w := perform(s, http.MethodPost, "/api/trades", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTradesEmptyIsArray(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodGet, "/api/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", string(decode(t, w).Data))
}

func TestListTradesFiltersByExitTimestamp(t *testing.T) {
	s := newTestServer(t)

	first := testTradeBody("p1")
	second := testTradeBody("p2")
	second["exit_timestamp"] = "2025-01-01T16:00:00Z"
	for _, body := range []map[string]interface{}{first, second} {
		w := perform(s, http.MethodPost, "/api/trades", body)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := perform(s, http.MethodGet, "/api/trades?exit_timestamp=2025-01-01T16:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "p2", trades[0]["position_id"])

	w = perform(s, http.MethodGet, "/api/trades?exit_timestamp=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// Listing strategies schedules their live stats refresh without blocking;
// regime variants coalesce onto one queue slot.
func TestListStrategiesQueuesRefresh(t *testing.T) {
	s := newTestServer(t)

	s.queueLiveStatsRefresh([]database.Strategy{
		{StrategyName: "Momentum Surge (BULL)"},
		{StrategyName: "Momentum Surge"},
		{StrategyName: "Mean Reversion"},
	})

	assert.Equal(t, 2, s.aggregator.QueueDepth())
}

func TestDeleteTradesByIDsRequiresIDs(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/trades/delete-by-ids", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletReconciliationUnknownAction(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/functions/walletReconciliation",
		map[string]interface{}{"action": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Error, "nonsense")
}

func TestWalletReconciliationDustRequiresSymbolAndMode(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/functions/walletReconciliation",
		map[string]interface{}{"action": "virtualCloseDustPositions"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntityCRUDOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/walletSummaries",
		map[string]interface{}{"label": "main"})
	require.Equal(t, http.StatusOK, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	w = perform(s, http.MethodPut, "/api/walletSummaries/"+id,
		map[string]interface{}{"label": "renamed"})
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(s, http.MethodGet, "/api/walletSummaries", nil)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "renamed", rows[0]["label"])

	w = perform(s, http.MethodDelete, "/api/walletSummaries/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(s, http.MethodDelete, "/api/walletSummaries/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenAIChatUnconfigured(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/openai/chat",
		map[string]interface{}{"model": "gpt-4o-mini"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestScanCycleStartFiresHook(t *testing.T) {
	s := newTestServer(t)

	fired := false
	s.SetScanCycleHook(func() { fired = true })

	w := perform(s, http.MethodPost, "/api/functions/scanCycleStart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fired)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Contains(t, data, "cacheRemoved")
}

func TestReconcileWalletStateUnavailableWithoutDatabase(t *testing.T) {
	s := newTestServer(t)

	w := perform(s, http.MethodPost, "/api/functions/reconcileWalletState",
		map[string]interface{}{"mode": "testnet"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
