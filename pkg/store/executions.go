package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// CreateQueuedExecution inserts a new execution in the queued state. The
// partial unique index on live executions makes concurrent triggers for the
// same article resolve in the database: exactly one insert wins, the rest get
// ErrAlreadyActive.
func (s *Store) CreateQueuedExecution(ctx context.Context, articleID string, configVersion int, snapshot json.RawMessage) (*models.Execution, error) {
	const q = `
		INSERT INTO executions (article_id, status, config_version, config_snapshot)
		VALUES ($1, 'queued', $2, $3)
		RETURNING execution_id, created_at`

	e := &models.Execution{
		ArticleID:      articleID,
		Status:         models.StatusQueued,
		ConfigVersion:  configVersion,
		ConfigSnapshot: models.JSONB(snapshot),
	}
	err := s.db.QueryRowxContext(ctx, q, articleID, configVersion, snapshot).
		Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create execution for article %s: %w", articleID, err)
	}
	return e, nil
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, `SELECT * FROM executions WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}
	return &e, nil
}

// GetActiveExecution returns the queued or running execution for an article,
// or ErrNotFound when the article has none.
func (s *Store) GetActiveExecution(ctx context.Context, articleID string) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM executions WHERE article_id = $1 AND status IN ('queued', 'running')`,
		articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active execution for article %s: %w", articleID, err)
	}
	return &e, nil
}

// ListExecutionsByArticle returns all executions for an article, newest first.
func (s *Store) ListExecutionsByArticle(ctx context.Context, articleID string) ([]models.Execution, error) {
	var out []models.Execution
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM executions WHERE article_id = $1 ORDER BY created_at DESC`,
		articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for article %s: %w", articleID, err)
	}
	return out, nil
}

// CountExecutionsByStatus returns the number of executions in the given state.
func (s *Store) CountExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM executions WHERE status = $1`, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s executions: %w", status, err)
	}
	return n, nil
}

// ClaimExecution transitions queued→running with a conditional update. Exactly
// one worker wins; duplicate queue deliveries see false and drop the message.
func (s *Store) ClaimExecution(ctx context.Context, executionID, podID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'running', pod_id = $2, started_at = now(), last_heartbeat_at = now()
		WHERE execution_id = $1 AND status = 'queued'`,
		executionID, podID)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Heartbeat refreshes the liveness timestamp of a running execution owned by
// this pod. A false return means ownership was lost (orphan sweeper or
// terminal transition) and the worker must stop.
func (s *Store) Heartbeat(ctx context.Context, executionID, podID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET last_heartbeat_at = now()
		WHERE execution_id = $1 AND pod_id = $2 AND status = 'running'`,
		executionID, podID)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// RequestCancel flags a live execution for cooperative cancellation. Returns
// false when the execution is already terminal.
func (s *Store) RequestCancel(ctx context.Context, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET cancel_requested = TRUE
		WHERE execution_id = $1 AND status IN ('queued', 'running')`,
		executionID)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel for execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// CancelRequested reads the cancellation flag of an execution.
func (s *Store) CancelRequested(ctx context.Context, executionID string) (bool, error) {
	var flagged bool
	err := s.db.GetContext(ctx, &flagged,
		`SELECT cancel_requested FROM executions WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for execution %s: %w", executionID, err)
	}
	return flagged, nil
}

// AggregateUpdate carries the typed outputs written onto the execution row as
// stages complete.
type AggregateUpdate struct {
	DiscreteHuntablesCount *int
	ExtractionResult       json.RawMessage
	SigmaRules             json.RawMessage
	SimilarityResults      json.RawMessage
}

// UpdateAggregates writes stage outputs onto a running execution. Nil fields
// are left untouched.
func (s *Store) UpdateAggregates(ctx context.Context, executionID string, upd AggregateUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET discrete_huntables_count = COALESCE($2, discrete_huntables_count),
		    extraction_result        = COALESCE($3, extraction_result),
		    sigma_rules              = COALESCE($4, sigma_rules),
		    similarity_results       = COALESCE($5, similarity_results)
		WHERE execution_id = $1 AND status = 'running'`,
		executionID, upd.DiscreteHuntablesCount,
		nullableJSON(upd.ExtractionResult), nullableJSON(upd.SigmaRules), nullableJSON(upd.SimilarityResults))
	if err != nil {
		return fmt.Errorf("failed to update aggregates for execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s is not running: %w", executionID, ErrNotFound)
	}
	return nil
}

// MarkCompleted transitions running→completed. Terminal states are immutable:
// the guard refuses executions no longer running.
func (s *Store) MarkCompleted(ctx context.Context, executionID string) error {
	return s.finish(ctx, executionID, models.StatusCompleted, nil, nil)
}

// MarkTerminatedEarly transitions running→terminated_early with the given
// reason.
func (s *Store) MarkTerminatedEarly(ctx context.Context, executionID string, reason models.TerminationReason) error {
	return s.finish(ctx, executionID, models.StatusTerminatedEarly, &reason, nil)
}

// MarkFailed transitions running→failed and records the execution error.
// reason is set for deadline expiry, nil otherwise.
func (s *Store) MarkFailed(ctx context.Context, executionID string, execErr models.ExecutionError, reason *models.TerminationReason) error {
	payload, err := json.Marshal(execErr)
	if err != nil {
		return fmt.Errorf("failed to marshal execution error: %w", err)
	}
	return s.finish(ctx, executionID, models.StatusFailed, reason, payload)
}

func (s *Store) finish(ctx context.Context, executionID string, status models.ExecutionStatus, reason *models.TerminationReason, errPayload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, termination_reason = $3, error = $4, finished_at = now()
		WHERE execution_id = $1 AND status = 'running'`,
		executionID, status, reason, nullableJSON(errPayload))
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s is not running: %w", executionID, ErrNotFound)
	}
	return nil
}

// FailQueuedExecution fails an execution that never left the queued state,
// for example when the broker enqueue failed after the row was created.
func (s *Store) FailQueuedExecution(ctx context.Context, executionID string, execErr models.ExecutionError) error {
	payload, err := json.Marshal(execErr)
	if err != nil {
		return fmt.Errorf("failed to marshal execution error: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', error = $2, finished_at = now()
		WHERE execution_id = $1 AND status = 'queued'`,
		executionID, payload)
	if err != nil {
		return fmt.Errorf("failed to fail queued execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleQueuedExecutions returns queued executions older than the
// threshold. BRPOP delivery is at-most-once: a consumer crash between dequeue
// and claim loses the message, leaving the row queued with nothing left on the
// broker to drive it. The sweeper re-enqueues these; the queued→running claim
// dedupes if the original message was in fact still in flight.
func (s *Store) ListStaleQueuedExecutions(ctx context.Context, olderThan time.Duration) ([]models.Execution, error) {
	var out []models.Execution
	cutoff := time.Now().Add(-olderThan)
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM executions WHERE status = 'queued' AND created_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale queued executions: %w", err)
	}
	return out, nil
}

// ListOrphanedExecutions returns running executions whose heartbeat is older
// than the timeout.
func (s *Store) ListOrphanedExecutions(ctx context.Context, heartbeatTimeout time.Duration) ([]models.Execution, error) {
	var out []models.Execution
	cutoff := time.Now().Add(-heartbeatTimeout)
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM executions
		WHERE status = 'running' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned executions: %w", err)
	}
	return out, nil
}

// MarkOrphaned fails a stale running execution. The conditional status check
// keeps a worker that resumed between the sweep's read and this write safe.
func (s *Store) MarkOrphaned(ctx context.Context, executionID string, heartbeatTimeout time.Duration) (bool, error) {
	payload, err := json.Marshal(models.ExecutionError{
		Kind:    models.ErrKindOrphaned,
		Message: fmt.Sprintf("no heartbeat for %s, worker presumed dead", heartbeatTimeout),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal orphan error: %w", err)
	}

	cutoff := time.Now().Add(-heartbeatTimeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', error = $2, finished_at = now()
		WHERE execution_id = $1 AND status = 'running'
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)`,
		executionID, payload, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution %s orphaned: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// FailExecutionsOwnedBy fails every running execution owned by the given pod.
// Called at startup so a restarted pod never leaves its previous incarnation's
// work stuck in running.
func (s *Store) FailExecutionsOwnedBy(ctx context.Context, podID string) (int64, error) {
	payload, err := json.Marshal(models.ExecutionError{
		Kind:    models.ErrKindOrphaned,
		Message: "worker pod restarted mid-execution",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal orphan error: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', error = $2, finished_at = now()
		WHERE pod_id = $1 AND status = 'running'`,
		podID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to fail executions owned by pod %s: %w", podID, err)
	}
	return res.RowsAffected()
}

// nullableJSON maps empty payloads to SQL NULL so COALESCE keeps prior values.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
