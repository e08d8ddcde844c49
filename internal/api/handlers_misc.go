package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	fearGreedURL = "https://api.alternative.me/fng/"
	openAIURL    = "https://api.openai.com/v1/chat/completions"
)

// fearGreedFallback is served when the upstream index is unreachable.
var fearGreedFallback = gin.H{"value": "50", "value_classification": "Neutral"}

func (s *Server) handleFearAndGreed(c *gin.Context) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, fearGreedURL, nil)
	if err != nil {
		declinedResponse(c, fearGreedFallback, "fear and greed index unavailable")
		return
	}

	resp, err := s.outbound.Do(req)
	if err != nil {
		declinedResponse(c, fearGreedFallback, "fear and greed index unavailable")
		return
	}
	defer resp.Body.Close()

	var payload struct {
		Data []map[string]interface{} `json:"data"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&payload) != nil || len(payload.Data) == 0 {
		declinedResponse(c, fearGreedFallback, "fear and greed index unavailable")
		return
	}
	successResponse(c, payload.Data[0])
}

// handleOpenAIChat forwards a chat completion request, attaching the
// server-side API key so it never reaches the client.
func (s *Server) handleOpenAIChat(c *gin.Context) {
	if s.openAIKey == "" {
		errorResponse(c, http.StatusServiceUnavailable, "openai is not configured")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, openAIURL, bytes.NewReader(body))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.openAIKey)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	c.Data(resp.StatusCode, "application/json", respBody)
}

func (s *Server) handleHealth(c *gin.Context) {
	hits, misses, size := s.fetcher.CacheStats()

	health := gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startedAt).String(),
		"database":  s.db.Connected(),
		"positions": s.positions.Count(),
		"trades":    s.ledger.Count(),
		"klineCache": gin.H{
			"hits":   hits,
			"misses": misses,
			"size":   size,
		},
		"kpiCache":     s.aggregator.CacheStats(),
		"refreshQueue": s.aggregator.QueueDepth(),
	}
	successResponse(c, health)
}

func (s *Server) handleOptimizeTrades(c *gin.Context) {
	created, err := s.db.OptimizeTrades(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, gin.H{"indexesCreated": created})
}
