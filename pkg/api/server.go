// Package api exposes the workflow engine over HTTP: trigger, status, cancel,
// health, and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/detecteam/sigmaflow/pkg/queue"
	"github.com/detecteam/sigmaflow/pkg/workflow"
)

// Server is the HTTP surface of the workflow system.
type Server struct {
	engine *workflow.Engine
	pool   *queue.WorkerPool
	db     *sqlx.DB

	httpSrv *http.Server
}

// NewServer creates the API server.
func NewServer(engine *workflow.Engine, pool *queue.WorkerPool, db *sqlx.DB) *Server {
	return &Server{engine: engine, pool: pool, db: db}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/healthz", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/workflow/articles/:id/trigger", s.triggerHandler)
		v1.GET("/workflow/executions", s.listExecutionsHandler)
		v1.GET("/workflow/executions/:id", s.getExecutionHandler)
		v1.POST("/workflow/executions/:id/cancel", s.cancelExecutionHandler)
	}
	return r
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
