package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrCacheMiss is returned when no snapshot exists for a strategy.
var ErrCacheMiss = errors.New("kpi cache miss")

const (
	kpiKeyPrefix   = "strategy:kpi:%s"
	kpiSnapshotTTL = 10 * time.Minute

	cacheMaxFailures  = 3
	cacheRecheckEvery = 30 * time.Second
)

// KPICacheConfig carries the Redis connection settings.
type KPICacheConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// KPICache holds the latest computed live stats per strategy in Redis so
// list endpoints can serve them without touching Postgres. Redis is an
// optimization only: every operation degrades to an error the caller
// ignores, never to a stall.
type KPICache struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
}

// NewKPICache connects to Redis. A failed initial ping returns the cache
// in degraded mode rather than an error; it re-probes in the background.
func NewKPICache(cfg KPICacheConfig, logger zerolog.Logger) *KPICache {
	if !cfg.Enabled {
		return nil
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	kc := &KPICache{client: client, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Address).Msg("redis unreachable, kpi cache degraded")
		return kc
	}

	kc.healthy = true
	kc.lastCheck = time.Now()
	logger.Info().Str("addr", cfg.Address).Msg("kpi cache connected")
	return kc
}

// Healthy reports whether Redis is currently usable.
func (kc *KPICache) Healthy() bool {
	if kc == nil {
		return false
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.healthy
}

func (kc *KPICache) recordFailure() {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.failureCount++
	if kc.failureCount >= cacheMaxFailures && kc.healthy {
		kc.logger.Warn().Int("failures", kc.failureCount).Msg("kpi cache marked unhealthy")
		kc.healthy = false
	}
}

func (kc *KPICache) recordSuccess() {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if !kc.healthy {
		kc.logger.Info().Msg("kpi cache recovered")
	}
	kc.healthy = true
	kc.failureCount = 0
	kc.lastCheck = time.Now()
}

// reprobe pings Redis in the background once the recheck window elapses.
func (kc *KPICache) reprobe() {
	kc.mu.RLock()
	due := !kc.healthy && time.Since(kc.lastCheck) >= cacheRecheckEvery
	kc.mu.RUnlock()
	if !due {
		return
	}

	kc.mu.Lock()
	kc.lastCheck = time.Now()
	kc.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := kc.client.Ping(ctx).Err(); err == nil {
			kc.recordSuccess()
		}
	}()
}

// SetSnapshot stores the computed stats for a strategy name.
func (kc *KPICache) SetSnapshot(ctx context.Context, name string, snapshot interface{}) error {
	if kc == nil {
		return nil
	}
	kc.reprobe()
	if !kc.Healthy() {
		return errors.New("kpi cache unavailable")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal kpi snapshot: %w", err)
	}
	key := fmt.Sprintf(kpiKeyPrefix, name)
	if err := kc.client.Set(ctx, key, data, kpiSnapshotTTL).Err(); err != nil {
		kc.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}
	kc.recordSuccess()
	return nil
}

// GetSnapshot loads the cached stats for a strategy name into dest.
func (kc *KPICache) GetSnapshot(ctx context.Context, name string, dest interface{}) error {
	if kc == nil {
		return ErrCacheMiss
	}
	kc.reprobe()
	if !kc.Healthy() {
		return errors.New("kpi cache unavailable")
	}

	key := fmt.Sprintf(kpiKeyPrefix, name)
	data, err := kc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		kc.recordFailure()
		return fmt.Errorf("redis get failed: %w", err)
	}
	kc.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal kpi snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot for a strategy name.
func (kc *KPICache) Invalidate(ctx context.Context, name string) {
	if kc == nil || !kc.Healthy() {
		return
	}
	if err := kc.client.Del(ctx, fmt.Sprintf(kpiKeyPrefix, name)).Err(); err != nil {
		kc.recordFailure()
	}
}

// Close releases the Redis connection.
func (kc *KPICache) Close() error {
	if kc == nil || kc.client == nil {
		return nil
	}
	return kc.client.Close()
}

// CacheStats is the health slice exposed on the monitoring endpoint.
type CacheStats struct {
	Enabled      bool `json:"enabled"`
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failure_count"`
}

func (kc *KPICache) Stats() CacheStats {
	if kc == nil {
		return CacheStats{}
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return CacheStats{Enabled: true, Healthy: kc.healthy, FailureCount: kc.failureCount}
}
