package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/ledger"
)

func (s *Server) handleListTrades(c *gin.Context) {
	filters := ledger.Filters{
		TradingMode: c.Query("trading_mode"),
		Symbol:      c.Query("symbol"),
		TradeID:     c.Query("trade_id"),
		OrderBy:     c.Query("orderBy"),
	}
	filters.Offset, _ = strconv.Atoi(c.Query("offset"))
	filters.Limit, _ = strconv.Atoi(c.Query("limit"))
	if raw := c.Query("exit_timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid exit_timestamp: "+err.Error())
			return
		}
		filters.ExitTimestamp = &ts
	}

	trades := s.ledger.List(filters)
	if trades == nil {
		trades = []database.Trade{}
	}
	successResponse(c, trades)
}

func (s *Server) handleCreateTrade(c *gin.Context) {
	var t database.Trade
	if err := c.ShouldBindJSON(&t); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.ledger.Insert(c.Request.Context(), &t)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTrade) {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	// A dedup hit is still a success: the caller's trade exists.
	successResponse(c, result)
}

func (s *Server) handleBulkCreateTrades(c *gin.Context) {
	var trades []database.Trade
	if err := c.ShouldBindJSON(&trades); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, s.ledger.BulkInsert(c.Request.Context(), trades))
}

func (s *Server) handleDeleteTrade(c *gin.Context) {
	if err := s.ledger.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if database.IsNotFound(err) {
			errorResponse(c, http.StatusNotFound, "trade not found")
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deleted": true})
}

func (s *Server) handleDeleteAllTrades(c *gin.Context) {
	deleted, err := s.ledger.DeleteAll(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deletedCount": deleted})
}

type deleteByIDsRequest struct {
	TradeIDs []string `json:"tradeIds" binding:"required"`
}

func (s *Server) handleDeleteTradesByIDs(c *gin.Context) {
	var req deleteByIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.ledger.DeleteByIDs(c.Request.Context(), req.TradeIDs)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deletedCount": deleted})
}

func (s *Server) handleRemoveDuplicateTrades(c *gin.Context) {
	removed, err := s.ledger.RemoveDuplicates(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"removedCount": removed, "remainingCount": s.ledger.Count()})
}

func (s *Server) handleFixEntryPrices(c *gin.Context) {
	updated, err := s.ledger.FixEntryPrices(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"updatedCount": updated})
}

func (s *Server) handleRecalculatePnL(c *gin.Context) {
	updated, err := s.ledger.RecalculatePnL(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"updatedCount": updated})
}

func (s *Server) handleCleanInvalidTrades(c *gin.Context) {
	result, err := s.reconciler.CleanInvalidTrades(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleReloadTrades(c *gin.Context) {
	loaded, filtered, err := s.ledger.LoadFromStore(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"loadedCount": loaded, "filteredCount": filtered})
}
