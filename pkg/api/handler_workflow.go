package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/detecteam/sigmaflow/pkg/store"
	"github.com/detecteam/sigmaflow/pkg/workflow"
)

// triggerHandler handles POST /api/v1/workflow/articles/:id/trigger.
// Triggering is idempotent: when a live execution already exists the response
// carries its id with accepted=false.
func (s *Server) triggerHandler(c *gin.Context) {
	articleID := c.Param("id")
	if articleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "article id is required"})
		return
	}

	result, err := s.engine.Trigger(c.Request.Context(), articleID, workflow.OriginAPI)
	if err != nil {
		mapStoreError(c, err)
		return
	}
	if !result.Accepted {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getExecutionHandler handles GET /api/v1/workflow/executions/:id.
func (s *Server) getExecutionHandler(c *gin.Context) {
	detail, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// listExecutionsHandler handles GET /api/v1/workflow/executions?article_id=X.
func (s *Server) listExecutionsHandler(c *gin.Context) {
	articleID := c.Query("article_id")
	if articleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "article_id query parameter is required"})
		return
	}

	executions, err := s.engine.List(c.Request.Context(), articleID)
	if err != nil {
		mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

// cancelExecutionHandler handles POST /api/v1/workflow/executions/:id/cancel.
// Sets the cooperative cancel flag and interrupts the execution immediately
// when it runs on this pod.
func (s *Server) cancelExecutionHandler(c *gin.Context) {
	executionID := c.Param("id")

	flagged, err := s.engine.RequestCancel(c.Request.Context(), executionID)
	if err != nil {
		mapStoreError(c, err)
		return
	}
	if !flagged {
		c.JSON(http.StatusConflict, gin.H{"error": "execution is not in a cancellable state"})
		return
	}

	s.pool.CancelExecution(executionID)
	c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID, "cancel_requested": true})
}

// mapStoreError maps store-layer errors onto HTTP responses.
func mapStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	slog.Error("Unexpected store error", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
