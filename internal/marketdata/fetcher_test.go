package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-backend/internal/binance"
)

func klineRow(openTime int64, close float64) []interface{} {
	return []interface{}{
		openTime, "3800.0", "3850.0", "3750.0", close, "120.5",
		openTime + 3599999, "458000.0", 1500, "60.2", "229000.0",
	}
}

func newTestFetcher(t *testing.T, handler http.Handler) (*Fetcher, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	creds := binance.Credentials{APIKey: "k", SecretKey: "s", BaseURL: ts.URL}
	provider := binance.NewProvider(creds, creds)
	return NewFetcher(provider, zerolog.Nop()), ts
}

func TestGetKlinesCachesSecondCall(t *testing.T) {
	var calls atomic.Int64
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	first, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, first.Klines, 1)
	assert.Equal(t, 3800.5, first.Klines[0].Close)

	second, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetKlinesKeyIncludesAllParams(t *testing.T) {
	var calls atomic.Int64
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	_, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.NoError(t, err)
	_, err = fetcher.GetKlines(ctx, "ETHUSDT", "4h", 100, 0, "testnet")
	require.NoError(t, err)
	_, err = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 200, 0, "testnet")
	require.NoError(t, err)
	_, err = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "mainnet")
	require.NoError(t, err)

	assert.Equal(t, int64(4), calls.Load())
}

func TestGetKlinesDeduplicatesInflight(t *testing.T) {
	var calls atomic.Int64
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]*KlinesResult, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	}()
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, results[1].Deduplicated)
	assert.Equal(t, results[0].Klines, results[1].Klines)
}

func TestGetKlinesFailureNotCached(t *testing.T) {
	var calls atomic.Int64
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":-1000,"msg":"boom"}`))
			return
		}
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	_, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.Error(t, err)

	result, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetPriceValidatesEcho(t *testing.T) {
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"symbol": "BTCUSDT", "price": "50000"})
	}))

	_, err := fetcher.GetPrice(context.Background(), "ETH/USDT", "testnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
}

func TestGetPriceOutOfBandStillReturned(t *testing.T) {
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"symbol": "ETHUSDT", "price": "99999"})
	}))

	ticker, err := fetcher.GetPrice(context.Background(), "ETH/USDT", "testnet")
	require.NoError(t, err)
	assert.Equal(t, 99999.0, ticker.Price)
}

func TestGetExchangeInfoServesStaleOnFailure(t *testing.T) {
	var calls atomic.Int64
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			json.NewEncoder(w).Encode(binance.ExchangeInfo{Timezone: "UTC", Symbols: []binance.SymbolInfo{{Symbol: "ETHUSDT"}}})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"banned"}`))
	}))

	ctx := context.Background()
	first, err := fetcher.GetExchangeInfo(ctx, "testnet")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Fresh entry: served from cache without an upstream call.
	second, err := fetcher.GetExchangeInfo(ctx, "testnet")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetPriceBatchPartialFailure(t *testing.T) {
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "BADUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"symbol": symbol, "price": "3800"})
	}))

	batch := fetcher.GetPriceBatch(context.Background(), []string{"ETHUSDT", "BADUSDT"}, "testnet")
	assert.Equal(t, 2, batch.Summary.Requested)
	assert.Equal(t, 1, batch.Summary.Successful)
	assert.Equal(t, 1, batch.Summary.Failed)
	assert.Contains(t, batch.Results, "ETHUSDT")
	assert.Contains(t, batch.Failed, "BADUSDT")
}

func TestCleanupKlineCache(t *testing.T) {
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	_, err := fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	require.NoError(t, err)

	// Fresh entries survive.
	removed, remaining := fetcher.CleanupKlineCache()
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, remaining)

	// Backdate the entry past the TTL.
	fetcher.mu.Lock()
	for _, entry := range fetcher.klineCache {
		entry.insertedAt = time.Now().Add(-3 * time.Minute)
	}
	fetcher.mu.Unlock()

	removed, remaining = fetcher.CleanupKlineCache()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, remaining)
}

func TestCacheStats(t *testing.T) {
	fetcher, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]interface{}{klineRow(1700000000000, 3800.5)})
	}))

	ctx := context.Background()
	_, _ = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")
	_, _ = fetcher.GetKlines(ctx, "ETHUSDT", "1h", 100, 0, "testnet")

	hits, misses, size := fetcher.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}
