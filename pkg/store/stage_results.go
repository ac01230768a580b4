package store

import (
	"context"
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// AppendStageResult inserts one stage attempt. Rows are append-only;
// re-execution of a stage records a new attempt instead of rewriting history.
func (s *Store) AppendStageResult(ctx context.Context, sr *models.StageResult) (*models.StageResult, error) {
	const q = `
		INSERT INTO stage_results (execution_id, stage_name, stage_index, attempt, status, nonce,
		                           input_fingerprint, output, llm_telemetry, error_message,
		                           started_at, finished_at)
		VALUES (:execution_id, :stage_name, :stage_index, :attempt, :status, :nonce,
		        :input_fingerprint, :output, :llm_telemetry, :error_message,
		        :started_at, :finished_at)
		RETURNING stage_result_id`

	rows, err := s.db.NamedQueryContext(ctx, q, sr)
	if err != nil {
		return nil, fmt.Errorf("failed to append stage result for execution %s stage %s: %w",
			sr.ExecutionID, sr.StageName, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("failed to append stage result: no row returned")
	}
	if err := rows.Scan(&sr.ID); err != nil {
		return nil, fmt.Errorf("failed to scan stage result id: %w", err)
	}
	return sr, nil
}

// NextAttempt returns the next attempt number for a stage of an execution,
// starting at 1.
func (s *Store) NextAttempt(ctx context.Context, executionID string, stage models.StageName) (int, error) {
	var next int
	err := s.db.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(attempt), 0) + 1 FROM stage_results
		WHERE execution_id = $1 AND stage_name = $2`,
		executionID, stage)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next attempt for execution %s stage %s: %w",
			executionID, stage, err)
	}
	return next, nil
}

// ListStageResults returns all stage attempts of an execution ordered by
// (stage index, attempt).
func (s *Store) ListStageResults(ctx context.Context, executionID string) ([]models.StageResult, error) {
	var out []models.StageResult
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM stage_results
		WHERE execution_id = $1
		ORDER BY stage_index, attempt`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results for execution %s: %w", executionID, err)
	}
	return out, nil
}
