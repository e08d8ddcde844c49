package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleReconcileWalletState(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.reconciler.RecomputeWalletState(c.Request.Context(), req.Mode)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, report)
}

type walletReconciliationRequest struct {
	Action string `json:"action" binding:"required"`
	Symbol string `json:"symbol"`
	Mode   string `json:"mode"`
}

func (s *Server) handleWalletReconciliation(c *gin.Context) {
	var req walletReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Action {
	case "virtualCloseDustPositions":
		if req.Symbol == "" || req.Mode == "" {
			errorResponse(c, http.StatusBadRequest, "symbol and mode are required")
			return
		}
		result, err := s.reconciler.VirtualCloseDust(c.Request.Context(), req.Symbol, req.Mode)
		if err != nil {
			errorResponse(c, statusFor(err), err.Error())
			return
		}
		successResponse(c, result)
	default:
		errorResponse(c, http.StatusBadRequest, "unknown action: "+req.Action)
	}
}

type purgeGhostsRequest struct {
	Mode     string `json:"mode" binding:"required"`
	WalletID string `json:"walletId"`
}

func (s *Server) handlePurgeGhostPositions(c *gin.Context) {
	var req purgeGhostsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.reconciler.PurgeGhosts(c.Request.Context(), req.Mode, req.WalletID)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, result)
}

// handleScanCycleStart is a hook for external scanners to mark the start
// of a scan cycle; it trims the kline cache so the cycle starts fresh.
func (s *Server) handleScanCycleStart(c *gin.Context) {
	removed, remaining := s.fetcher.CleanupKlineCache()
	if s.scanCycles != nil {
		s.scanCycles()
	}
	successResponse(c, gin.H{"cacheRemoved": removed, "cacheRemaining": remaining})
}

type walletConfigRequest struct {
	TradingMode     string `json:"trading_mode" binding:"required"`
	PrimaryWalletID string `json:"primary_wallet_id"`
}

func (s *Server) handleCreateWalletConfig(c *gin.Context) {
	var req walletConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	walletID, err := s.db.EnsureWalletConfig(c.Request.Context(), req.TradingMode)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"walletId": walletID})
}

func (s *Server) handleUpdateWalletConfig(c *gin.Context) {
	var req walletConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.PrimaryWalletID == "" {
		errorResponse(c, http.StatusBadRequest, "primary_wallet_id is required")
		return
	}

	if err := s.db.SetPrimaryWallet(c.Request.Context(), req.TradingMode, req.PrimaryWalletID); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"updated": true})
}
