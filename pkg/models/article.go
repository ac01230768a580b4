// Package models defines the domain types shared across the store, queue,
// workflow engine, and API layers.
package models

import (
	"time"
)

// Source is a feed configuration. Sources are created and edited by the
// collection side; the workflow engine treats them as read-only.
type Source struct {
	ID             string          `db:"source_id" json:"source_id"`
	Name           string          `db:"name" json:"name"`
	URL            string          `db:"url" json:"url"`
	RSSURL         string          `db:"rss_url" json:"rss_url,omitempty"`
	Active         bool            `db:"active" json:"active"`
	CheckFrequency int             `db:"check_frequency_s" json:"check_frequency_s"`
	LookbackDays   int             `db:"lookback_days" json:"lookback_days"`
	AllowPatterns  JSONB     `db:"allow_patterns" json:"allow_patterns,omitempty"`
	DenyPatterns   JSONB     `db:"deny_patterns" json:"deny_patterns,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Article is one unit of CTI content. Content is immutable once stored;
// collectors may append metadata but never rewrite the body.
type Article struct {
	ID                 string          `db:"article_id" json:"article_id"`
	SourceID           string          `db:"source_id" json:"source_id"`
	CanonicalURL       string          `db:"canonical_url" json:"canonical_url"`
	Title              string          `db:"title" json:"title"`
	Content            string          `db:"content" json:"content"`
	FilteredContent    *string         `db:"filtered_content" json:"filtered_content,omitempty"`
	ContentHash        string          `db:"content_hash" json:"content_hash"`
	PublishedAt        *time.Time      `db:"published_at" json:"published_at,omitempty"`
	ThreatHuntingScore *float64        `db:"threat_hunting_score" json:"threat_hunting_score,omitempty"`
	MLHuntScore        *float64        `db:"ml_hunt_score" json:"ml_hunt_score,omitempty"`
	Metadata           JSONB     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}
