package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/detecteam/sigmaflow/pkg/database"
)

// healthHandler handles GET /healthz. Reports database reachability plus the
// worker pool and broker state.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := database.Health(ctx, s.db)
	poolHealth := s.pool.Health()

	status := "healthy"
	code := http.StatusOK
	if !dbHealth.Reachable || !poolHealth.BrokerReachable {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbHealth,
		"queue":    poolHealth,
	})
}
