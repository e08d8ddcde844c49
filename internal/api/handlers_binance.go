package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"sentinel-backend/internal/marketdata"
)

// tradingMode pulls the trading mode from the query, defaulting to testnet.
func tradingMode(c *gin.Context) string {
	mode := c.Query("tradingMode")
	if mode == "" {
		mode = c.Query("trading_mode")
	}
	if mode == "" {
		mode = "testnet"
	}
	return mode
}

// parseSymbols accepts either a JSON array or a comma-separated list.
func parseSymbols(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var symbols []string
		if err := json.Unmarshal([]byte(raw), &symbols); err == nil {
			return symbols
		}
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) handleGetPrice(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}

	ticker, err := s.fetcher.GetPrice(c.Request.Context(), symbol, tradingMode(c))
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, ticker)
}

func (s *Server) handleGetPriceBatch(c *gin.Context) {
	symbols := parseSymbols(c.Query("symbols"))
	if len(symbols) == 0 {
		errorResponse(c, http.StatusBadRequest, "symbols is required")
		return
	}
	successResponse(c, s.fetcher.GetPriceBatch(c.Request.Context(), symbols, tradingMode(c)))
}

func (s *Server) handleGetTicker24hr(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}

	ticker, err := s.fetcher.GetTicker24hr(c.Request.Context(), symbol, tradingMode(c))
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, ticker)
}

func (s *Server) handleGetTickerBatch(c *gin.Context) {
	symbols := parseSymbols(c.Query("symbols"))
	if len(symbols) == 0 {
		errorResponse(c, http.StatusBadRequest, "symbols is required")
		return
	}
	successResponse(c, s.fetcher.GetTickerBatch(c.Request.Context(), symbols, tradingMode(c)))
}

func (s *Server) handleGetKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		errorResponse(c, http.StatusBadRequest, "symbol and interval are required")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	endTime, _ := strconv.ParseInt(c.Query("endTime"), 10, 64)

	result, err := s.fetcher.GetKlines(c.Request.Context(), symbol, interval, limit, endTime, tradingMode(c))
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleGetKlinesBatch(c *gin.Context) {
	symbols := parseSymbols(c.Query("symbols"))
	interval := c.Query("interval")
	if len(symbols) == 0 || interval == "" {
		errorResponse(c, http.StatusBadRequest, "symbols and interval are required")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	endTime, _ := strconv.ParseInt(c.Query("endTime"), 10, 64)

	successResponse(c, s.fetcher.GetKlinesBatch(c.Request.Context(), symbols, interval, limit, endTime, tradingMode(c)))
}

func (s *Server) handleGetExchangeInfo(c *gin.Context) {
	result, err := s.fetcher.GetExchangeInfo(c.Request.Context(), tradingMode(c))
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.provider.ForMode(tradingMode(c)).GetAccount(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, account)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	symbol := c.Query("symbol")
	orderID, err := strconv.ParseInt(c.Query("orderId"), 10, 64)
	if symbol == "" || err != nil {
		errorResponse(c, http.StatusBadRequest, "symbol and orderId are required")
		return
	}

	order, err := s.provider.ForMode(tradingMode(c)).GetOrder(
		c.Request.Context(), marketdata.ExchangeSymbol(symbol), orderID)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, order)
}

func (s *Server) handleGetAllOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))

	orders, err := s.provider.ForMode(tradingMode(c)).GetAllOrders(
		c.Request.Context(), marketdata.ExchangeSymbol(symbol), limit)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, orders)
}

type placeOrderRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	Type        string  `json:"type" binding:"required"`
	Quantity    float64 `json:"quantity" binding:"required"`
	Price       float64 `json:"price"`
	TimeInForce string  `json:"timeInForce"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	params := map[string]string{
		"symbol":   marketdata.ExchangeSymbol(req.Symbol),
		"side":     strings.ToUpper(req.Side),
		"type":     strings.ToUpper(req.Type),
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Price > 0 {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	}

	order, err := s.provider.ForMode(tradingMode(c)).PlaceOrder(c.Request.Context(), params)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, order)
}
