// Package marketdata is the cached, batched, deduplicated fetch layer over
// the Binance REST client. Strategy evaluation and reconciliation read
// prices and klines exclusively through it.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sentinel-backend/internal/binance"
)

const (
	klineTTL       = 2 * time.Minute
	klineCacheMax  = 1000
	klineCacheKeep = 500

	infoTTL            = 30 * time.Minute
	infoRefreshMinGap  = 60 * time.Second
	priceBatchTimeout  = 10 * time.Second
	klinesBatchTimeout = 20 * time.Second
)

type klineKey struct {
	Symbol   string
	Interval string
	Limit    int
	EndTime  int64
	Mode     string
}

type klineEntry struct {
	klines     []binance.Kline
	insertedAt time.Time
}

type inflightKlines struct {
	done   chan struct{}
	klines []binance.Kline
	err    error
}

type infoEntry struct {
	info       *binance.ExchangeInfo
	insertedAt time.Time
}

// Fetcher owns the kline and exchange-info caches and the in-flight
// deduplication table.
type Fetcher struct {
	provider *binance.Provider
	logger   zerolog.Logger

	mu         sync.Mutex
	klineCache map[klineKey]*klineEntry
	inflight   map[klineKey]*inflightKlines

	infoMu          sync.Mutex
	infoCache       map[string]*infoEntry
	lastInfoAttempt map[string]time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

func NewFetcher(provider *binance.Provider, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		provider:        provider,
		logger:          logger,
		klineCache:      make(map[klineKey]*klineEntry),
		inflight:        make(map[klineKey]*inflightKlines),
		infoCache:       make(map[string]*infoEntry),
		lastInfoAttempt: make(map[string]time.Time),
	}
}

// GetPrice fetches the latest price. The upstream echo must match the
// requested symbol; an out-of-band price is logged loudly but still
// returned, because upstream is the source of truth.
func (f *Fetcher) GetPrice(ctx context.Context, symbol, mode string) (*binance.PriceTicker, error) {
	exchangeSymbol := ExchangeSymbol(symbol)

	ctx, cancel := context.WithTimeout(ctx, priceBatchTimeout)
	defer cancel()

	ticker, err := f.provider.ForMode(mode).GetPrice(ctx, exchangeSymbol)
	if err != nil {
		return nil, err
	}
	if ticker.Symbol != exchangeSymbol {
		return nil, fmt.Errorf("upstream returned symbol %s for request %s", ticker.Symbol, exchangeSymbol)
	}

	if !InBand(symbol, ticker.Price) {
		f.logger.Error().Str("symbol", symbol).Float64("price", ticker.Price).
			Msg("price outside plausibility band")
	} else if !InAlertBand(symbol, ticker.Price) {
		f.logger.Warn().Str("symbol", symbol).Float64("price", ticker.Price).
			Msg("price outside alert band")
	}
	return ticker, nil
}

// GetTicker24hr fetches rolling 24h statistics for a symbol.
func (f *Fetcher) GetTicker24hr(ctx context.Context, symbol, mode string) (*binance.Ticker24hr, error) {
	ctx, cancel := context.WithTimeout(ctx, priceBatchTimeout)
	defer cancel()
	return f.provider.ForMode(mode).GetTicker24hr(ctx, ExchangeSymbol(symbol))
}

// KlinesResult carries a kline series with its cache provenance.
type KlinesResult struct {
	Klines       []binance.Kline `json:"klines"`
	Cached       bool            `json:"cached"`
	Deduplicated bool            `json:"deduplicated"`
}

// GetKlines returns an OHLCV series, served from cache when fresh. A fetch
// already in flight for the same key is joined, not repeated.
func (f *Fetcher) GetKlines(ctx context.Context, symbol, interval string, limit int, endTime int64, mode string) (*KlinesResult, error) {
	key := klineKey{Symbol: ExchangeSymbol(symbol), Interval: interval, Limit: limit, EndTime: endTime, Mode: mode}

	f.mu.Lock()
	if entry, ok := f.klineCache[key]; ok {
		if time.Since(entry.insertedAt) < klineTTL {
			f.mu.Unlock()
			f.hits.Add(1)
			return &KlinesResult{Klines: entry.klines, Cached: true}, nil
		}
		// Lazy removal of the expired entry.
		delete(f.klineCache, key)
	}
	f.misses.Add(1)

	if flight, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		select {
		case <-flight.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if flight.err != nil {
			return nil, flight.err
		}
		return &KlinesResult{Klines: flight.klines, Deduplicated: true}, nil
	}

	flight := &inflightKlines{done: make(chan struct{})}
	f.inflight[key] = flight
	f.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, klinesBatchTimeout)
	defer cancel()
	klines, err := f.provider.ForMode(mode).GetKlines(fetchCtx, key.Symbol, interval, limit, endTime)

	f.mu.Lock()
	delete(f.inflight, key)
	if err == nil {
		f.storeKlinesLocked(key, klines)
	}
	f.mu.Unlock()

	flight.klines = klines
	flight.err = err
	close(flight.done)

	if err != nil {
		return nil, err
	}
	return &KlinesResult{Klines: klines}, nil
}

// storeKlinesLocked inserts under f.mu, evicting per the cache contract:
// expired entries go first; if the cache is still over the cap, only the
// 500 newest survive.
func (f *Fetcher) storeKlinesLocked(key klineKey, klines []binance.Kline) {
	if len(f.klineCache) >= klineCacheMax {
		for k, entry := range f.klineCache {
			if time.Since(entry.insertedAt) >= klineTTL {
				delete(f.klineCache, k)
			}
		}
	}
	if len(f.klineCache) >= klineCacheMax {
		type aged struct {
			key klineKey
			at  time.Time
		}
		entries := make([]aged, 0, len(f.klineCache))
		for k, entry := range f.klineCache {
			entries = append(entries, aged{k, entry.insertedAt})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
		for _, e := range entries[klineCacheKeep:] {
			delete(f.klineCache, e.key)
		}
	}
	f.klineCache[key] = &klineEntry{klines: klines, insertedAt: time.Now()}
}

// CleanupKlineCache drops expired entries. Invoked at the start of each
// scanner scan cycle, with a 2-minute periodic fallback; the trading loop
// depends on it for steady-state latency.
func (f *Fetcher) CleanupKlineCache() (removed, remaining int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, entry := range f.klineCache {
		if time.Since(entry.insertedAt) >= klineTTL {
			delete(f.klineCache, k)
			removed++
		}
	}
	return removed, len(f.klineCache)
}

// ExchangeInfoResult carries exchange info with its cache provenance.
type ExchangeInfoResult struct {
	Info    *binance.ExchangeInfo `json:"info"`
	Cached  bool                  `json:"cached"`
	Expired bool                  `json:"expired"`
}

// GetExchangeInfo serves the single-entry per-mode cache. Upstream is hit
// at most once per 60 s; inside the window even an expired entry is served
// rather than risking a rate-limit ban.
func (f *Fetcher) GetExchangeInfo(ctx context.Context, mode string) (*ExchangeInfoResult, error) {
	f.infoMu.Lock()
	defer f.infoMu.Unlock()

	entry := f.infoCache[mode]
	if entry != nil && time.Since(entry.insertedAt) < infoTTL {
		return &ExchangeInfoResult{Info: entry.info, Cached: true}, nil
	}

	if last, ok := f.lastInfoAttempt[mode]; ok && time.Since(last) < infoRefreshMinGap {
		if entry != nil {
			return &ExchangeInfoResult{Info: entry.info, Cached: true, Expired: true}, nil
		}
		return nil, errors.New("exchange info refresh throttled and no cached entry available")
	}

	f.lastInfoAttempt[mode] = time.Now()

	ctx, cancel := context.WithTimeout(ctx, priceBatchTimeout)
	defer cancel()
	info, err := f.provider.ForMode(mode).GetExchangeInfo(ctx)
	if err != nil {
		// Stale-over-failure: a rate-limited or flaky upstream must not
		// stall callers that have any usable snapshot.
		if entry != nil {
			f.logger.Warn().Str("mode", mode).Err(err).
				Msg("serving stale exchange info after upstream failure")
			return &ExchangeInfoResult{Info: entry.info, Cached: true, Expired: true}, nil
		}
		return nil, err
	}

	f.infoCache[mode] = &infoEntry{info: info, insertedAt: time.Now()}
	return &ExchangeInfoResult{Info: info}, nil
}

// BatchSummary counts per-symbol outcomes of a batch fetch.
type BatchSummary struct {
	Requested  int `json:"requested"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// PriceBatch is the result of a multi-symbol price fetch. One symbol
// failing never fails the batch.
type PriceBatch struct {
	Results map[string]*binance.PriceTicker `json:"results"`
	Failed  map[string]string               `json:"failed,omitempty"`
	Summary BatchSummary                    `json:"summary"`
}

// GetPriceBatch fans out price fetches concurrently with per-symbol
// timeouts.
func (f *Fetcher) GetPriceBatch(ctx context.Context, symbols []string, mode string) *PriceBatch {
	batch := &PriceBatch{
		Results: make(map[string]*binance.PriceTicker),
		Failed:  make(map[string]string),
		Summary: BatchSummary{Requested: len(symbols)},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			ticker, err := f.GetPrice(ctx, symbol, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failed[symbol] = err.Error()
				batch.Summary.Failed++
				return
			}
			batch.Results[symbol] = ticker
			batch.Summary.Successful++
		}(symbol)
	}
	wg.Wait()
	return batch
}

// TickerBatch is the result of a multi-symbol 24hr ticker fetch.
type TickerBatch struct {
	Results map[string]*binance.Ticker24hr `json:"results"`
	Failed  map[string]string              `json:"failed,omitempty"`
	Summary BatchSummary                   `json:"summary"`
}

// GetTickerBatch fans out 24hr ticker fetches concurrently.
func (f *Fetcher) GetTickerBatch(ctx context.Context, symbols []string, mode string) *TickerBatch {
	batch := &TickerBatch{
		Results: make(map[string]*binance.Ticker24hr),
		Failed:  make(map[string]string),
		Summary: BatchSummary{Requested: len(symbols)},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			ticker, err := f.GetTicker24hr(ctx, symbol, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failed[symbol] = err.Error()
				batch.Summary.Failed++
				return
			}
			batch.Results[symbol] = ticker
			batch.Summary.Successful++
		}(symbol)
	}
	wg.Wait()
	return batch
}

// KlinesBatch is the result of a multi-symbol kline fetch.
type KlinesBatch struct {
	Results map[string]*KlinesResult `json:"results"`
	Failed  map[string]string        `json:"failed,omitempty"`
	Summary BatchSummary             `json:"summary"`
}

// GetKlinesBatch fans out kline fetches concurrently, sharing the cache and
// the in-flight dedup table.
func (f *Fetcher) GetKlinesBatch(ctx context.Context, symbols []string, interval string, limit int, endTime int64, mode string) *KlinesBatch {
	batch := &KlinesBatch{
		Results: make(map[string]*KlinesResult),
		Failed:  make(map[string]string),
		Summary: BatchSummary{Requested: len(symbols)},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			result, err := f.GetKlines(ctx, symbol, interval, limit, endTime, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failed[symbol] = err.Error()
				batch.Summary.Failed++
				return
			}
			batch.Results[symbol] = result
			batch.Summary.Successful++
		}(symbol)
	}
	wg.Wait()
	return batch
}

// CacheStats reports kline cache hit/miss counters and current size.
func (f *Fetcher) CacheStats() (hits, misses int64, size int) {
	f.mu.Lock()
	size = len(f.klineCache)
	f.mu.Unlock()
	return f.hits.Load(), f.misses.Load(), size
}
