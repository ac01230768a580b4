package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// CreateSource inserts a feed source and returns it with generated fields.
func (s *Store) CreateSource(ctx context.Context, src *models.Source) (*models.Source, error) {
	const q = `
		INSERT INTO sources (name, url, rss_url, active, check_frequency_s, lookback_days, allow_patterns, deny_patterns)
		VALUES (:name, :url, :rss_url, :active, :check_frequency_s, :lookback_days, :allow_patterns, :deny_patterns)
		RETURNING source_id, created_at`

	rows, err := s.db.NamedQueryContext(ctx, q, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("failed to create source: no row returned")
	}
	if err := rows.Scan(&src.ID, &src.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan created source: %w", err)
	}
	return src, nil
}

// CreateArticle inserts an article and returns it with generated fields.
func (s *Store) CreateArticle(ctx context.Context, a *models.Article) (*models.Article, error) {
	const q = `
		INSERT INTO articles (source_id, canonical_url, title, content, filtered_content, content_hash,
		                      published_at, threat_hunting_score, ml_hunt_score, metadata)
		VALUES (:source_id, :canonical_url, :title, :content, :filtered_content, :content_hash,
		        :published_at, :threat_hunting_score, :ml_hunt_score, :metadata)
		RETURNING article_id, created_at`

	rows, err := s.db.NamedQueryContext(ctx, q, a)
	if err != nil {
		return nil, fmt.Errorf("failed to create article: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("failed to create article: no row returned")
	}
	if err := rows.Scan(&a.ID, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan created article: %w", err)
	}
	return a, nil
}

// GetArticle fetches one article by id.
func (s *Store) GetArticle(ctx context.Context, articleID string) (*models.Article, error) {
	var a models.Article
	err := s.db.GetContext(ctx, &a, `SELECT * FROM articles WHERE article_id = $1`, articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article %s: %w", articleID, err)
	}
	return &a, nil
}

// UpdateArticleFilteredContent persists the junk-filter output on the article
// so later executions can reuse it.
func (s *Store) UpdateArticleFilteredContent(ctx context.Context, articleID, filtered string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles SET filtered_content = $2 WHERE article_id = $1`,
		articleID, filtered)
	if err != nil {
		return fmt.Errorf("failed to update filtered content for article %s: %w", articleID, err)
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

// ListAutoTriggerCandidates returns articles whose threat hunting score meets
// the threshold and which have neither a live execution nor a completed one at
// the given config version.
func (s *Store) ListAutoTriggerCandidates(ctx context.Context, minScore float64, configVersion, limit int) ([]models.Article, error) {
	const q = `
		SELECT a.* FROM articles a
		WHERE a.threat_hunting_score >= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM executions e
		      WHERE e.article_id = a.article_id
		        AND (e.status IN ('queued', 'running')
		             OR (e.config_version = $2 AND e.status = 'completed'))
		  )
		ORDER BY a.threat_hunting_score DESC
		LIMIT $3`

	var out []models.Article
	if err := s.db.SelectContext(ctx, &out, q, minScore, configVersion, limit); err != nil {
		return nil, fmt.Errorf("failed to list auto-trigger candidates: %w", err)
	}
	return out, nil
}
