package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sentinel-backend/internal/database"
	"sentinel-backend/internal/positions"
)

func positionFilterFromQuery(c *gin.Context) positions.FilterOptions {
	opts := positions.FilterOptions{
		WalletID:    c.Query("wallet_id"),
		TradingMode: c.Query("trading_mode"),
	}
	if status := c.Query("status"); status != "" {
		opts.Statuses = []string{status}
	}
	return opts
}

func (s *Server) handleListPositions(c *gin.Context) {
	result := s.positions.Filter(c.Request.Context(), positionFilterFromQuery(c))

	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	if result == nil {
		result = []database.Position{}
	}
	successResponse(c, result)
}

func (s *Server) handleCreatePosition(c *gin.Context) {
	var p database.Position
	if err := c.ShouldBindJSON(&p); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.positions.Create(c.Request.Context(), &p); err != nil {
		if errors.Is(err, positions.ErrValidation) {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, p)
}

func (s *Server) handleUpdatePosition(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.positions.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		if errors.Is(err, positions.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "position not found")
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, updated)
}

func (s *Server) handleDeletePosition(c *gin.Context) {
	if err := s.positions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, positions.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "position not found")
			return
		}
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"deleted": true})
}

type positionFilterRequest struct {
	TradingMode string   `json:"trading_mode"`
	WalletID    string   `json:"wallet_id"`
	Status      string   `json:"status"`
	Statuses    []string `json:"statuses"`
}

// handleFilterPositions is the entity-style alias for position queries.
// It reads through the merge rule, so a row created a moment ago is
// visible even when the database snapshot lags.
func (s *Server) handleFilterPositions(c *gin.Context) {
	var req positionFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	opts := positions.FilterOptions{
		WalletID:    req.WalletID,
		TradingMode: req.TradingMode,
		Statuses:    req.Statuses,
	}
	if req.Status != "" {
		opts.Statuses = append(opts.Statuses, req.Status)
	}

	result := s.positions.Filter(c.Request.Context(), opts)
	if result == nil {
		result = []database.Position{}
	}
	successResponse(c, result)
}
