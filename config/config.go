package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	BinanceConfig   BinanceConfig   `json:"binance"`
	StorageConfig   StorageConfig   `json:"storage"`
	RedisConfig     RedisConfig     `json:"redis"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	TradingConfig   TradingConfig   `json:"trading"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	OpenAIConfig    OpenAIConfig    `json:"openai"`
}

// ServerConfig holds the HTTP listener configuration. The port is well-known:
// the supervisor kills any previous instance still bound to it on startup.
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds to drain in-flight requests
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// BinanceConfig holds API credentials per trading mode. Keys are only read
// from the environment, never from a config file on disk.
type BinanceConfig struct {
	MainnetAPIKey    string `json:"-"`
	MainnetSecretKey string `json:"-"`
	TestnetAPIKey    string `json:"-"`
	TestnetSecretKey string `json:"-"`
	MainnetBaseURL   string `json:"mainnet_base_url"`
	TestnetBaseURL   string `json:"testnet_base_url"`
}

type StorageConfig struct {
	Dir string `json:"dir"` // JSON mirror directory
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON to stdout vs console writer
}

// TradingConfig holds the fee model and merge-window knobs.
type TradingConfig struct {
	CommissionRate   float64 `json:"commission_rate"`    // per side, 0.001 = 0.1%
	MergeWindowSecs  int     `json:"merge_window_secs"`  // recency window for the position merge rule
	PnLDriftEpsilon  float64 `json:"pnl_drift_epsilon"`  // recompute rewrite threshold in USDT
	DedupGridSeconds int     `json:"dedup_grid_seconds"` // entry-timestamp bucket for trade dedup
}

// ReconcileConfig holds the ghost-purge balance thresholds. Observed operator
// values, kept as knobs.
type ReconcileConfig struct {
	GhostThresholdTestnet float64 `json:"ghost_threshold_testnet"`
	GhostThresholdMainnet float64 `json:"ghost_threshold_mainnet"`
}

type SchedulerConfig struct {
	KlineCleanupSpec    string `json:"kline_cleanup_spec"`    // cron spec
	StrategyRefreshSpec string `json:"strategy_refresh_spec"` // cron spec
}

type OpenAIConfig struct {
	APIKey string `json:"-"`
}

// Load builds the configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ServerConfig.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", 3001)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("GIN_MODE", "") == "release"
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SHUTDOWN_TIMEOUT", 10)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = os.Getenv("DB_PASSWORD")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "sentinel")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.BinanceConfig.MainnetAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceConfig.MainnetSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.BinanceConfig.TestnetAPIKey = os.Getenv("BINANCE_TESTNET_API_KEY")
	cfg.BinanceConfig.TestnetSecretKey = os.Getenv("BINANCE_TESTNET_SECRET_KEY")
	cfg.BinanceConfig.MainnetBaseURL = getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com")
	cfg.BinanceConfig.TestnetBaseURL = getEnvOrDefault("BINANCE_TESTNET_BASE_URL", "https://testnet.binance.vision")

	cfg.StorageConfig.Dir = getEnvOrDefault("STORAGE_DIR", "storage")

	cfg.RedisConfig.Address = os.Getenv("REDIS_ADDR")
	cfg.RedisConfig.Enabled = cfg.RedisConfig.Address != ""
	cfg.RedisConfig.Password = os.Getenv("REDIS_PASSWORD")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	cfg.TradingConfig.CommissionRate = getEnvFloatOrDefault("COMMISSION_RATE", 0.001)
	cfg.TradingConfig.MergeWindowSecs = getEnvIntOrDefault("MERGE_WINDOW_SECS", 30)
	cfg.TradingConfig.PnLDriftEpsilon = getEnvFloatOrDefault("PNL_DRIFT_EPSILON", 0.01)
	cfg.TradingConfig.DedupGridSeconds = getEnvIntOrDefault("DEDUP_GRID_SECONDS", 2)

	cfg.ReconcileConfig.GhostThresholdTestnet = getEnvFloatOrDefault("GHOST_THRESHOLD_TESTNET", 0.01)
	cfg.ReconcileConfig.GhostThresholdMainnet = getEnvFloatOrDefault("GHOST_THRESHOLD_MAINNET", 0.05)

	cfg.SchedulerConfig.KlineCleanupSpec = getEnvOrDefault("KLINE_CLEANUP_SPEC", "@every 2m")
	cfg.SchedulerConfig.StrategyRefreshSpec = getEnvOrDefault("STRATEGY_REFRESH_SPEC", "@every 5m")

	cfg.OpenAIConfig.APIKey = os.Getenv("OPENAI_API_KEY")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerConfig.Port)
	}
	if c.TradingConfig.CommissionRate < 0 || c.TradingConfig.CommissionRate > 0.01 {
		return fmt.Errorf("commission rate out of range: %f", c.TradingConfig.CommissionRate)
	}
	return nil
}

// BaseURL returns the Binance REST base URL for a trading mode.
func (c *BinanceConfig) BaseURL(mode string) string {
	if mode == "testnet" {
		return c.TestnetBaseURL
	}
	return c.MainnetBaseURL
}

// Keys returns the API key pair for a trading mode.
func (c *BinanceConfig) Keys(mode string) (apiKey, secretKey string) {
	if mode == "testnet" {
		return c.TestnetAPIKey, c.TestnetSecretKey
	}
	return c.MainnetAPIKey, c.MainnetSecretKey
}

// MergeWindow returns the position merge-rule recency window.
func (c *TradingConfig) MergeWindow() time.Duration {
	return time.Duration(c.MergeWindowSecs) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
