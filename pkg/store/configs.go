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

type workflowConfigRow struct {
	Version   int             `db:"config_version"`
	Config    json.RawMessage `db:"config"`
	CreatedAt time.Time       `db:"created_at"`
}

// SaveWorkflowConfig inserts one config version. Versions are immutable;
// inserting an existing version fails.
func (s *Store) SaveWorkflowConfig(ctx context.Context, cfg *models.WorkflowConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_configs (config_version, config) VALUES ($1, $2)`,
		cfg.Version, payload)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow config version %d already exists", cfg.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save workflow config version %d: %w", cfg.Version, err)
	}
	return nil
}

// GetWorkflowConfig fetches one config version.
func (s *Store) GetWorkflowConfig(ctx context.Context, version int) (*models.WorkflowConfig, error) {
	var row workflowConfigRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM workflow_configs WHERE config_version = $1`, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow config version %d: %w", version, err)
	}
	return row.decode()
}

// LatestWorkflowConfig fetches the highest config version.
func (s *Store) LatestWorkflowConfig(ctx context.Context) (*models.WorkflowConfig, error) {
	var row workflowConfigRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM workflow_configs ORDER BY config_version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest workflow config: %w", err)
	}
	return row.decode()
}

func (r workflowConfigRow) decode() (*models.WorkflowConfig, error) {
	var cfg models.WorkflowConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode workflow config version %d: %w", r.Version, err)
	}
	cfg.Version = r.Version
	cfg.CreatedAt = r.CreatedAt
	return &cfg, nil
}
