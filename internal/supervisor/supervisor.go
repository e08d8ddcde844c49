// Package supervisor owns process lifecycle: port takeover, component
// wiring, scheduled maintenance and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sentinel-backend/config"
	"sentinel-backend/internal/api"
	"sentinel-backend/internal/binance"
	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
	"sentinel-backend/internal/logging"
	"sentinel-backend/internal/marketdata"
	"sentinel-backend/internal/positions"
	"sentinel-backend/internal/reconcile"
	"sentinel-backend/internal/storage"
	"sentinel-backend/internal/strategy"
)

// Supervisor wires the full backend and runs it until a signal arrives.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *database.DB
	server     *api.Server
	aggregator *strategy.Aggregator
	kpiCache   *strategy.KPICache
	cron       *cron.Cron
}

func New(cfg *config.Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run executes the startup sequence and blocks until shutdown completes.
// The database is optional: when it is unreachable the process serves
// from the JSON mirrors alone.
func (s *Supervisor) Run() error {
	ctx := context.Background()

	TakeOverPort(s.cfg.ServerConfig.Port, s.logger)

	s.db = s.connectDatabase(ctx)

	fs, err := storage.NewFileStore(s.cfg.StorageConfig.Dir, logging.Component(s.logger, "storage"))
	if err != nil {
		return fmt.Errorf("file store init failed: %w", err)
	}

	mainnetKey, mainnetSecret := s.cfg.BinanceConfig.Keys("mainnet")
	testnetKey, testnetSecret := s.cfg.BinanceConfig.Keys("testnet")
	provider := binance.NewProvider(
		binance.Credentials{APIKey: mainnetKey, SecretKey: mainnetSecret, BaseURL: s.cfg.BinanceConfig.BaseURL("mainnet")},
		binance.Credentials{APIKey: testnetKey, SecretKey: testnetSecret, BaseURL: s.cfg.BinanceConfig.BaseURL("testnet")},
	)

	fetcher := marketdata.NewFetcher(provider, logging.Component(s.logger, "marketdata"))

	posManager := positions.NewManager(s.db, fs, s.cfg.TradingConfig.MergeWindow(),
		logging.Component(s.logger, "positions"))
	tradeLedger := ledger.New(s.db, fs, ledger.Config{
		CommissionRate: s.cfg.TradingConfig.CommissionRate,
		DriftEpsilon:   s.cfg.TradingConfig.PnLDriftEpsilon,
		DedupGridSecs:  s.cfg.TradingConfig.DedupGridSeconds,
	}, logging.Component(s.logger, "ledger"))

	loadedPositions, err := posManager.LoadFromStore(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("position load failed, starting empty")
	}
	loadedTrades, filteredTrades, err := tradeLedger.LoadFromStore(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("trade load failed, starting empty")
	}
	s.logger.Info().Int("positions", loadedPositions).Int("trades", loadedTrades).
		Int("filtered", filteredTrades).Msg("state loaded")

	s.kpiCache = strategy.NewKPICache(strategy.KPICacheConfig{
		Enabled:  s.cfg.RedisConfig.Enabled,
		Address:  s.cfg.RedisConfig.Address,
		Password: s.cfg.RedisConfig.Password,
		DB:       s.cfg.RedisConfig.DB,
	}, logging.Component(s.logger, "kpicache"))

	s.aggregator = strategy.NewAggregator(s.db, tradeLedger, s.kpiCache,
		logging.Component(s.logger, "strategy"))
	s.aggregator.Start()
	tradeLedger.SetInsertHook(s.aggregator.Enqueue)

	reconciler := reconcile.New(posManager, tradeLedger, fetcher, provider, s.db,
		reconcile.Config{
			GhostThresholdTestnet: s.cfg.ReconcileConfig.GhostThresholdTestnet,
			GhostThresholdMainnet: s.cfg.ReconcileConfig.GhostThresholdMainnet,
			CommissionRate:        s.cfg.TradingConfig.CommissionRate,
		}, logging.Component(s.logger, "reconcile"))

	entities, err := buildEntityStores(fs)
	if err != nil {
		return fmt.Errorf("entity store init failed: %w", err)
	}

	s.server = api.NewServer(s.cfg.ServerConfig, api.Deps{
		DB:         s.db,
		Provider:   provider,
		Fetcher:    fetcher,
		Positions:  posManager,
		Ledger:     tradeLedger,
		Reconciler: reconciler,
		Aggregator: s.aggregator,
		Entities:   entities,
		OpenAIKey:  s.cfg.OpenAIConfig.APIKey,
	}, logging.Component(s.logger, "api"))

	// A full live-stats pass at boot; failures are routine when the DB is
	// down, the cron job catches up later.
	go func() {
		bootCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.aggregator.RefreshAll(bootCtx); err != nil {
			s.logger.Warn().Err(err).Msg("initial live stats refresh failed")
		}
	}()

	if err := s.startCron(fetcher); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case sig := <-quit:
		s.logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		s.shutdown()
		return nil
	}
}

// connectDatabase attempts the Postgres connection and runs migrations.
// Failure drops the process into file-only mode rather than aborting.
func (s *Supervisor) connectDatabase(ctx context.Context) *database.DB {
	dbCfg := database.Config{
		Host:     s.cfg.DatabaseConfig.Host,
		Port:     s.cfg.DatabaseConfig.Port,
		User:     s.cfg.DatabaseConfig.User,
		Password: s.cfg.DatabaseConfig.Password,
		Database: s.cfg.DatabaseConfig.Database,
		SSLMode:  s.cfg.DatabaseConfig.SSLMode,
	}

	db, err := database.NewDB(dbCfg, logging.Component(s.logger, "database"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("database unreachable, running file-only")
		return nil
	}
	if err := db.RunMigrations(ctx); err != nil {
		s.logger.Error().Err(err).Msg("migrations failed, running file-only")
		db.Close()
		return nil
	}
	return db
}

func buildEntityStores(fs *storage.FileStore) (map[string]*storage.EntityStore, error) {
	files := map[string]string{
		api.EntityWalletSummaries:       storage.FileWalletSummaries,
		api.EntityCentralWalletStates:   storage.FileCentralWalletStates,
		api.EntityScanSettings:          storage.FileScanSettings,
		api.EntityHistoricalPerformance: storage.FileHistoricalPerformances,
	}

	stores := make(map[string]*storage.EntityStore, len(files))
	for name, file := range files {
		store, err := storage.NewEntityStore(fs, file)
		if err != nil {
			return nil, err
		}
		stores[name] = store
	}
	return stores, nil
}

// startCron registers the maintenance jobs: kline cache cleanup and the
// periodic full live-stats refresh.
func (s *Supervisor) startCron(fetcher *marketdata.Fetcher) error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.cfg.SchedulerConfig.KlineCleanupSpec, func() {
		removed, remaining := fetcher.CleanupKlineCache()
		if removed > 0 {
			s.logger.Debug().Int("removed", removed).Int("remaining", remaining).
				Msg("kline cache cleaned")
		}
	}); err != nil {
		return fmt.Errorf("invalid kline cleanup spec: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.SchedulerConfig.StrategyRefreshSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if _, err := s.aggregator.RefreshAll(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("scheduled live stats refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid strategy refresh spec: %w", err)
	}

	s.cron.Start()
	return nil
}

// shutdown drains the HTTP server, stops the cron jobs and the refresh
// worker, and closes connections.
func (s *Supervisor) shutdown() {
	timeout := time.Duration(s.cfg.ServerConfig.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown failed")
		}
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if s.aggregator != nil {
		s.aggregator.Stop()
	}
	if s.kpiCache != nil {
		_ = s.kpiCache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	s.logger.Info().Msg("shutdown complete")
}
