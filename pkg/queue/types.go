// Package queue provides the workflow queue broker and worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoWorkAvailable indicates the broker had no message within the
	// dequeue timeout.
	ErrNoWorkAvailable = errors.New("no work available")

	// ErrAtCapacity indicates the global concurrent execution limit has been
	// reached.
	ErrAtCapacity = errors.New("at capacity")
)

// WorkflowExecutor runs one claimed execution through the stage DAG.
//
// The executor owns the stage lifecycle internally: it runs stages in order,
// applies per-stage retries, evaluates early-termination rules, and writes
// stage results and aggregates PROGRESSIVELY during execution. The worker only
// handles claiming, heartbeat, and the terminal status update.
type WorkflowExecutor interface {
	Execute(ctx context.Context, execution *models.Execution) *ExecutionResult
}

// ExecutionResult is just the terminal state. All intermediate state
// (stage results, aggregates) was already written by the executor.
type ExecutionResult struct {
	Status models.ExecutionStatus
	Reason models.TerminationReason // set for terminated_early
	Error  *models.ExecutionError   // set for failed
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	BrokerReachable  bool           `json:"broker_reachable"`
	Error            string         `json:"error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveExecutions int            `json:"active_executions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int64          `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"` // "idle" or "working"
	CurrentExecutionID  string    `json:"current_execution_id,omitempty"`
	ExecutionsProcessed int       `json:"executions_processed"`
	LastActivity        time.Time `json:"last_activity"`
}
