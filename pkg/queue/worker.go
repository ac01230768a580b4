package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/detecteam/sigmaflow/pkg/config"
	"github.com/detecteam/sigmaflow/pkg/metrics"
	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// ExecutionRegistry is the subset of WorkerPool used by Worker for execution
// registration.
type ExecutionRegistry interface {
	RegisterExecution(executionID string, cancel context.CancelFunc)
	UnregisterExecution(executionID string)
}

// Worker is a single queue worker that dequeues and processes executions.
type Worker struct {
	id       string
	podID    string
	store    *store.Store
	broker   *Broker
	config   *config.QueueConfig
	executor WorkflowExecutor
	pool     ExecutionRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                  sync.RWMutex
	status              WorkerStatus
	currentExecutionID  string
	executionsProcessed int
	lastActivity        time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, st *store.Store, broker *Broker, cfg *config.QueueConfig, executor WorkflowExecutor, pool ExecutionRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		broker:       broker,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                  w.id,
		Status:              string(w.status),
		CurrentExecutionID:  w.currentExecutionID,
		ExecutionsProcessed: w.executionsProcessed,
		LastActivity:        w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.dequeueAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoWorkAvailable) {
					continue
				}
				if errors.Is(err, ErrAtCapacity) {
					w.sleep(w.config.DequeueTimeout)
					continue
				}
				log.Error("Error processing execution", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// dequeueAndProcess checks capacity, pops a message, claims its execution,
// and processes it.
func (w *Worker) dequeueAndProcess(ctx context.Context) error {
	// 1. Check global capacity BEFORE popping, so messages stay queued while
	//    the system is saturated (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount).
	runningCount, err := w.store.CountExecutionsByStatus(ctx, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("checking running executions: %w", err)
	}
	if runningCount >= w.config.MaxConcurrentExecutions {
		return ErrAtCapacity
	}

	// 2. Pop the next message. The blocking timeout doubles as the poll
	//    interval for shutdown responsiveness.
	msg, err := w.broker.Dequeue(ctx, w.config.DequeueTimeout)
	if err != nil {
		return err
	}

	log := slog.With("execution_id", msg.ExecutionID, "worker_id", w.id)

	// 3. Claim: the conditional queued→running update is the single point
	//    that dedupes redelivered messages. Losing the claim is normal.
	claimed, err := w.store.ClaimExecution(ctx, msg.ExecutionID, w.podID)
	if err != nil {
		return fmt.Errorf("claiming execution: %w", err)
	}
	if !claimed {
		log.Debug("Execution not claimable, dropping message")
		return nil
	}

	execution, err := w.store.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		return fmt.Errorf("loading claimed execution: %w", err)
	}

	log.Info("Execution claimed", "article_id", execution.ArticleID)

	w.setStatus(WorkerStatusWorking, execution.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 4. Create execution context with timeout
	execCtx, cancelExec := context.WithTimeout(ctx, w.config.ExecutionTimeout)
	defer cancelExec()

	// 5. Register cancel function for API-triggered cancellation
	w.pool.RegisterExecution(execution.ID, cancelExec)
	defer w.pool.UnregisterExecution(execution.ID)

	// 6. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(execCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, execution.ID, cancelExec)

	// 7. Execute
	result := w.executor.Execute(execCtx, execution)

	// 7a. Nil-guard: synthesize a safe result if the executor returned nil
	if result == nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.StatusFailed,
				Reason: models.ReasonDeadlineExceeded,
				Error: &models.ExecutionError{
					Kind:    models.ErrKindCancelled,
					Message: fmt.Sprintf("execution timed out after %v", w.config.ExecutionTimeout),
				},
			}
		case errors.Is(execCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: models.StatusTerminatedEarly,
				Reason: models.ReasonCancelled,
			}
		default:
			result = &ExecutionResult{
				Status: models.StatusFailed,
				Error: &models.ExecutionError{
					Kind:    models.ErrKindUnexpected,
					Message: "executor returned nil result",
				},
			}
		}
	}

	// 8. Stop heartbeat before the terminal write
	cancelHeartbeat()

	// 9. Update terminal status (background context — execution ctx may be
	//    cancelled)
	if err := w.writeTerminalStatus(context.Background(), execution.ID, result); err != nil {
		log.Error("Failed to write terminal status", "error", err)
		return err
	}

	w.mu.Lock()
	w.executionsProcessed++
	w.mu.Unlock()

	metrics.ExecutionsFinished.WithLabelValues(string(result.Status)).Inc()
	log.Info("Execution processing complete", "status", result.Status)
	return nil
}

// runHeartbeat periodically refreshes last_heartbeat_at for orphan detection.
// A failed ownership check cancels the execution: another pod's orphan sweep
// already declared this worker dead.
func (w *Worker) runHeartbeat(ctx context.Context, executionID string, cancelExec context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.store.Heartbeat(ctx, executionID, w.podID)
			if err != nil {
				slog.Warn("Heartbeat update failed", "execution_id", executionID, "error", err)
				continue
			}
			if !ok {
				slog.Warn("Lost execution ownership, cancelling",
					"execution_id", executionID, "pod_id", w.podID)
				cancelExec()
				return
			}
		}
	}
}

// writeTerminalStatus persists the execution's terminal state.
func (w *Worker) writeTerminalStatus(ctx context.Context, executionID string, result *ExecutionResult) error {
	switch result.Status {
	case models.StatusCompleted:
		return w.store.MarkCompleted(ctx, executionID)
	case models.StatusTerminatedEarly:
		return w.store.MarkTerminatedEarly(ctx, executionID, result.Reason)
	case models.StatusFailed:
		execErr := result.Error
		if execErr == nil {
			execErr = &models.ExecutionError{
				Kind:    models.ErrKindUnexpected,
				Message: "execution failed without error detail",
			}
		}
		var reason *models.TerminationReason
		if result.Reason != "" {
			reason = &result.Reason
		}
		return w.store.MarkFailed(ctx, executionID, *execErr, reason)
	default:
		return fmt.Errorf("executor returned non-terminal status %q", result.Status)
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecutionID = executionID
	w.lastActivity = time.Now()
}
