// Package store provides PostgreSQL repositories for articles, executions,
// stage results, workflow configs, and the sigma rule corpus.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// Sentinel errors returned by repository methods.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyActive indicates an article already has a queued or running
	// execution.
	ErrAlreadyActive = errors.New("article already has an active execution")
)

// Store bundles all repositories over a shared connection pool.
type Store struct {
	db *sqlx.DB
}

// New creates a Store over the given handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
