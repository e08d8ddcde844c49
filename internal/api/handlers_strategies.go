package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sentinel-backend/internal/database"
)

func (s *Server) handleListStrategies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	strategies, err := s.db.ListStrategies(c.Request.Context(), c.Query("orderBy"), limit)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	if strategies == nil {
		strategies = []database.Strategy{}
	}

	// Listings ride a best-effort live stats refresh; the read never waits.
	s.queueLiveStatsRefresh(strategies)
	successResponse(c, strategies)
}

// queueLiveStatsRefresh schedules the coalescing refresh worker for every
// listed strategy.
func (s *Server) queueLiveStatsRefresh(strategies []database.Strategy) {
	for i := range strategies {
		s.aggregator.Enqueue(strategies[i].StrategyName)
	}
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var strat database.Strategy
	if err := c.ShouldBindJSON(&strat); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if strat.StrategyName == "" || strat.Coin == "" || strat.Timeframe == "" {
		errorResponse(c, http.StatusBadRequest, "strategy_name, coin and timeframe are required")
		return
	}
	if strat.ID == "" {
		strat.ID = uuid.NewString()
	}

	if err := s.db.UpsertStrategy(c.Request.Context(), &strat); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, strat)
}

func (s *Server) handleBulkCreateStrategies(c *gin.Context) {
	var strategies []database.Strategy
	if err := c.ShouldBindJSON(&strategies); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	saved, failed := 0, 0
	for i := range strategies {
		if strategies[i].ID == "" {
			strategies[i].ID = uuid.NewString()
		}
		if err := s.db.UpsertStrategy(c.Request.Context(), &strategies[i]); err != nil {
			s.logger.Error().Str("strategy", strategies[i].StrategyName).Err(err).
				Msg("strategy upsert failed")
			failed++
			continue
		}
		saved++
	}
	successResponse(c, gin.H{"saved": saved, "failed": failed})
}

func (s *Server) handleUpdateStrategy(c *gin.Context) {
	var strat database.Strategy
	if err := c.ShouldBindJSON(&strat); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	strat.ID = c.Param("id")

	if err := s.db.UpsertStrategy(c.Request.Context(), &strat); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, strat)
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	if err := s.db.DeleteStrategy(c.Request.Context(), c.Param("id")); err != nil {
		if database.IsNotFound(err) {
			errorResponse(c, http.StatusNotFound, "strategy not found")
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deleted": true})
}

type deleteStrategiesRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *Server) handleDeleteStrategies(c *gin.Context) {
	var req deleteStrategiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.db.DeleteStrategiesByIDs(c.Request.Context(), req.IDs)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deletedCount": deleted})
}

func (s *Server) handleRefreshLivePerformance(c *gin.Context) {
	refreshed, err := s.aggregator.RefreshAll(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"refreshedCount": refreshed})
}
