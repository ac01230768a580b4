package store

import (
	"context"
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// InsertCorpusRule adds one rule to the similarity corpus.
func (s *Store) InsertCorpusRule(ctx context.Context, r *models.CorpusRule) (*models.CorpusRule, error) {
	const q = `
		INSERT INTO corpus_rules (title, yaml_text, tags, embedding)
		VALUES (:title, :yaml_text, :tags, :embedding)
		RETURNING corpus_rule_id, created_at`

	rows, err := s.db.NamedQueryContext(ctx, q, r)
	if err != nil {
		return nil, fmt.Errorf("failed to insert corpus rule %q: %w", r.Title, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("failed to insert corpus rule: no row returned")
	}
	if err := rows.Scan(&r.ID, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan corpus rule id: %w", err)
	}
	return r, nil
}

// ListCorpusRules returns the full corpus with embeddings. The corpus is
// loaded into memory for k-NN search; at corpus scale (thousands of rules)
// brute force beats index maintenance.
func (s *Store) ListCorpusRules(ctx context.Context) ([]models.CorpusRule, error) {
	var out []models.CorpusRule
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM corpus_rules ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list corpus rules: %w", err)
	}
	return out, nil
}

// UpdateCorpusRuleEmbedding writes the embedding vector for a rule.
func (s *Store) UpdateCorpusRuleEmbedding(ctx context.Context, ruleID string, embedding models.Float64Slice) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE corpus_rules SET embedding = $2 WHERE corpus_rule_id = $1`,
		ruleID, embedding)
	if err != nil {
		return fmt.Errorf("failed to update embedding for corpus rule %s: %w", ruleID, err)
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
