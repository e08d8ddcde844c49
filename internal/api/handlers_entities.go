package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sentinel-backend/internal/storage"
)

// Entity store names. Each maps a REST root onto a file-mirrored
// collection of schemaless rows.
const (
	EntityWalletSummaries       = "walletSummaries"
	EntityCentralWalletStates   = "centralWalletStates"
	EntityScanSettings          = "scanSettings"
	EntityHistoricalPerformance = "historicalPerformance"
)

func (s *Server) registerEntityRoutes(api *gin.RouterGroup) {
	for name := range s.entities {
		root := "/" + name
		api.GET(root, s.entityList(name))
		api.POST(root, s.entityCreate(name))
		api.PUT(root+"/:id", s.entityUpdate(name))
		api.DELETE(root+"/:id", s.entityDelete(name))
	}
	api.POST("/entities/HistoricalPerformance/filter", s.entityFilter(EntityHistoricalPerformance))
}

func (s *Server) store(name string) *storage.EntityStore {
	return s.entities[name]
}

func (s *Server) entityList(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows := s.store(name).List()
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		successResponse(c, rows)
	}
}

func (s *Server) entityCreate(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var row map[string]interface{}
		if err := c.ShouldBindJSON(&row); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}

		created, err := s.store(name).Create(row)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		successResponse(c, created)
	}
}

func (s *Server) entityUpdate(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch map[string]interface{}
		if err := c.ShouldBindJSON(&patch); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}

		updated, err := s.store(name).Update(c.Param("id"), patch)
		if err != nil {
			if errors.Is(err, storage.ErrEntityNotFound) {
				errorResponse(c, http.StatusNotFound, "not found")
				return
			}
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		successResponse(c, updated)
	}
}

func (s *Server) entityDelete(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store(name).Delete(c.Param("id")); err != nil {
			if errors.Is(err, storage.ErrEntityNotFound) {
				errorResponse(c, http.StatusNotFound, "not found")
				return
			}
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		successResponse(c, gin.H{"deleted": true})
	}
}

func (s *Server) entityFilter(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters map[string]interface{}
		if err := c.ShouldBindJSON(&filters); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}

		rows := s.store(name).Filter(filters)
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		successResponse(c, rows)
	}
}
