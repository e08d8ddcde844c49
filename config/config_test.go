package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.ServerConfig.Port)
	assert.Equal(t, "sentinel", cfg.DatabaseConfig.Database)
	assert.Equal(t, 0.001, cfg.TradingConfig.CommissionRate)
	assert.Equal(t, 30*time.Second, cfg.TradingConfig.MergeWindow())
	assert.Equal(t, 0.01, cfg.ReconcileConfig.GhostThresholdTestnet)
	assert.Equal(t, 0.05, cfg.ReconcileConfig.GhostThresholdMainnet)
	assert.False(t, cfg.RedisConfig.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("COMMISSION_RATE", "0.002")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ServerConfig.Port)
	assert.Equal(t, 0.002, cfg.TradingConfig.CommissionRate)
	assert.True(t, cfg.RedisConfig.Enabled)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "99999")
	_, err := Load()
	assert.Error(t, err)
}

func TestBinanceConfigPerMode(t *testing.T) {
	c := BinanceConfig{
		MainnetAPIKey: "mk", MainnetSecretKey: "ms",
		TestnetAPIKey: "tk", TestnetSecretKey: "ts",
		MainnetBaseURL: "https://api.binance.com",
		TestnetBaseURL: "https://testnet.binance.vision",
	}

	api, secret := c.Keys("testnet")
	assert.Equal(t, "tk", api)
	assert.Equal(t, "ts", secret)
	assert.Equal(t, "https://testnet.binance.vision", c.BaseURL("testnet"))

	api, _ = c.Keys("mainnet")
	assert.Equal(t, "mk", api)
	assert.Equal(t, "https://api.binance.com", c.BaseURL("mainnet"))
}
