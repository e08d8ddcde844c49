// Package api exposes the trading state over HTTP. Every response uses
// the {success, data, error} envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

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

// Server is the HTTP gateway over the trading-state engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	logger     zerolog.Logger

	db         *database.DB
	provider   *binance.Provider
	fetcher    *marketdata.Fetcher
	positions  *positions.Manager
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
	aggregator *strategy.Aggregator
	entities   map[string]*storage.EntityStore

	openAIKey  string
	outbound   *http.Client
	startedAt  time.Time
	scanCycles func() // optional hook fired on scan-cycle start
}

// Deps carries the wired components the server fronts.
type Deps struct {
	DB         *database.DB
	Provider   *binance.Provider
	Fetcher    *marketdata.Fetcher
	Positions  *positions.Manager
	Ledger     *ledger.Ledger
	Reconciler *reconcile.Reconciler
	Aggregator *strategy.Aggregator
	Entities   map[string]*storage.EntityStore
	OpenAIKey  string
}

// NewServer builds the router with CORS, recovery and request logging.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		cfg:        cfg,
		logger:     logger,
		db:         deps.DB,
		provider:   deps.Provider,
		fetcher:    deps.Fetcher,
		positions:  deps.Positions,
		ledger:     deps.Ledger,
		reconciler: deps.Reconciler,
		aggregator: deps.Aggregator,
		entities:   deps.Entities,
		openAIKey:  deps.OpenAIKey,
		outbound:   &http.Client{Timeout: 10 * time.Second},
		startedAt:  time.Now(),
	}

	router.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// SetScanCycleHook installs the callback fired by the scanCycleStart
// endpoint.
func (s *Server) SetScanCycleHook(fn func()) {
	s.scanCycles = fn
}

// requestLogger logs one line per finished request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().Msgf("%s %s -> %d %dms",
			c.Request.Method, c.Request.URL.RequestURI(),
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	// Market data passthrough.
	api.GET("/binance/ticker/price", s.handleGetPrice)
	api.GET("/binance/ticker/price/batch", s.handleGetPriceBatch)
	api.GET("/binance/ticker/24hr", s.handleGetTicker24hr)
	api.GET("/binance/ticker/24hr/batch", s.handleGetTickerBatch)
	api.GET("/binance/klines", s.handleGetKlines)
	api.GET("/binance/klines/batch", s.handleGetKlinesBatch)
	api.GET("/binance/exchangeInfo", s.handleGetExchangeInfo)
	api.GET("/binance/account", s.handleGetAccount)
	api.GET("/binance/order", s.handleGetOrder)
	api.GET("/binance/allOrders", s.handleGetAllOrders)
	api.POST("/binance/order", s.handlePlaceOrder)

	// Live positions.
	api.GET("/livePositions", s.handleListPositions)
	api.POST("/livePositions", s.handleCreatePosition)
	api.PUT("/livePositions/:id", s.handleUpdatePosition)
	api.DELETE("/livePositions/:id", s.handleDeletePosition)
	api.POST("/entities/LivePosition/filter", s.handleFilterPositions)

	// Trades.
	api.GET("/trades", s.handleListTrades)
	api.POST("/trades", s.handleCreateTrade)
	api.POST("/trades/bulkCreate", s.handleBulkCreateTrades)
	api.DELETE("/trades/:id", s.handleDeleteTrade)
	api.DELETE("/trades", s.handleDeleteAllTrades)
	api.POST("/trades/remove-duplicates", s.handleRemoveDuplicateTrades)
	api.POST("/trades/fix-entry-prices", s.handleFixEntryPrices)
	api.POST("/trades/recalculate-pnl", s.handleRecalculatePnL)
	api.POST("/trades/clean-invalid", s.handleCleanInvalidTrades)
	api.POST("/trades/delete-by-ids", s.handleDeleteTradesByIDs)
	api.POST("/trades/reload-from-database", s.handleReloadTrades)

	// Backtest combinations.
	api.GET("/backtestCombinations", s.handleListStrategies)
	api.POST("/backtestCombinations", s.handleCreateStrategy)
	api.POST("/backtestCombinations/bulkCreate", s.handleBulkCreateStrategies)
	api.PUT("/backtestCombinations/:id", s.handleUpdateStrategy)
	api.DELETE("/backtestCombinations/:id", s.handleDeleteStrategy)
	api.DELETE("/backtestCombinations", s.handleDeleteStrategies)
	api.POST("/backtestCombinations/refresh-live-performance", s.handleRefreshLivePerformance)

	// Reconciliation.
	api.POST("/functions/reconcileWalletState", s.handleReconcileWalletState)
	api.POST("/functions/walletReconciliation", s.handleWalletReconciliation)
	api.POST("/functions/purgeGhostPositions", s.handlePurgeGhostPositions)
	api.POST("/functions/scanCycleStart", s.handleScanCycleStart)

	// Wallet config and entity stores.
	api.POST("/wallet-config", s.handleCreateWalletConfig)
	api.PUT("/wallet-config", s.handleUpdateWalletConfig)
	s.registerEntityRoutes(api)

	// Misc.
	api.GET("/fearAndGreed", s.handleFearAndGreed)
	api.POST("/openai/chat", s.handleOpenAIChat)
	api.GET("/health", s.handleHealth)
	api.POST("/database/optimize-trades", s.handleOptimizeTrades)
}

// Start begins listening. Blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// successResponse wraps data in the standard envelope.
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// errorResponse sends a failure envelope with the given status.
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// declinedResponse is a 200 whose payload marks the operation as logically
// declined, used when fallback data is served.
func declinedResponse(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, gin.H{"success": false, "data": data, "error": message})
}

// statusFor maps backend errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case database.IsNotFound(err):
		return http.StatusNotFound
	case err == database.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
