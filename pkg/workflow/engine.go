// Package workflow implements the agentic workflow engine: idempotent
// triggering, the per-execution stage loop, and the query surface.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/detecteam/sigmaflow/pkg/metrics"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/queue"
	"github.com/detecteam/sigmaflow/pkg/store"
)

// Trigger origins, used for metrics labels.
const (
	OriginAPI       = "api"
	OriginScheduler = "scheduler"
)

// TriggerResult is the outcome of a trigger request. When another live
// execution exists, ExecutionID carries the existing one.
type TriggerResult struct {
	ExecutionID string `json:"execution_id"`
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
}

// ExecutionDetail is an execution snapshot with its ordered stage history.
type ExecutionDetail struct {
	models.Execution
	StageResults []models.StageResult `json:"stage_results"`
}

// Engine owns the trigger and query surface of the workflow system. Stage
// processing happens in Executor, driven by the worker pool.
type Engine struct {
	store  *store.Store
	broker *queue.Broker
	config *models.WorkflowConfig
}

// NewEngine creates the engine bound to the current workflow config version.
func NewEngine(st *store.Store, broker *queue.Broker, cfg *models.WorkflowConfig) *Engine {
	return &Engine{store: st, broker: broker, config: cfg}
}

// Config returns the engine's current workflow config.
func (e *Engine) Config() *models.WorkflowConfig { return e.config }

// EnsureConfigSaved persists the current config version if it is not already
// in the database. Versions are immutable, so an existing row is left alone.
func (e *Engine) EnsureConfigSaved(ctx context.Context) error {
	_, err := e.store.GetWorkflowConfig(ctx, e.config.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return e.store.SaveWorkflowConfig(ctx, e.config)
}

// Trigger creates a queued execution for the article and enqueues it, iff no
// live execution exists. The partial unique index on live executions resolves
// concurrent triggers: exactly one insert wins.
func (e *Engine) Trigger(ctx context.Context, articleID, origin string) (*TriggerResult, error) {
	if _, err := e.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workflow config: %w", err)
	}

	execution, err := e.store.CreateQueuedExecution(ctx, articleID, e.config.Version, snapshot)
	if errors.Is(err, store.ErrAlreadyActive) {
		active, lookupErr := e.store.GetActiveExecution(ctx, articleID)
		if lookupErr != nil {
			// The active execution finished between insert and lookup; the
			// caller can simply retry.
			return nil, fmt.Errorf("article %s has an active execution that could not be loaded: %w",
				articleID, lookupErr)
		}
		return &TriggerResult{
			ExecutionID: active.ID,
			Accepted:    false,
			Reason:      "already_active",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	msg := models.QueueMessage{
		ExecutionID:   execution.ID,
		ArticleID:     articleID,
		ConfigVersion: e.config.Version,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := e.broker.Enqueue(ctx, msg); err != nil {
		// Fail the stranded row so a retried trigger can create a fresh one.
		failErr := e.store.FailQueuedExecution(ctx, execution.ID, models.ExecutionError{
			Kind:    models.ErrKindUnexpected,
			Message: "broker enqueue failed",
			Detail:  err.Error(),
		})
		if failErr != nil {
			slog.Error("Failed to fail stranded execution after enqueue error",
				"execution_id", execution.ID, "error", failErr)
		}
		return nil, fmt.Errorf("failed to enqueue execution %s: %w", execution.ID, err)
	}

	metrics.ExecutionsTriggered.WithLabelValues(origin).Inc()
	slog.Info("Workflow triggered",
		"execution_id", execution.ID, "article_id", articleID, "origin", origin)

	return &TriggerResult{ExecutionID: execution.ID, Accepted: true}, nil
}

// Get returns the execution snapshot plus ordered stage results.
func (e *Engine) Get(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	stageResults, err := e.store.ListStageResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: *execution, StageResults: stageResults}, nil
}

// List returns the executions for an article, newest first.
func (e *Engine) List(ctx context.Context, articleID string) ([]models.Execution, error) {
	return e.store.ListExecutionsByArticle(ctx, articleID)
}

// RequestCancel flags a live execution for cancellation. Returns false when
// the execution is already terminal. The running worker observes the flag at
// its next suspension point; same-pod executions are additionally cancelled
// through the pool's cancel registry by the caller.
func (e *Engine) RequestCancel(ctx context.Context, executionID string) (bool, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return false, err
	}
	return e.store.RequestCancel(ctx, executionID)
}
