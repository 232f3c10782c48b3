package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valethq/pilot/internal/application/session"
	"github.com/valethq/pilot/internal/application/worker"
)

// Store bundles all PostgreSQL-backed repositories over one pool.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time checks that Store satisfies the application contracts.
var (
	_ worker.Coordinator   = (*Store)(nil)
	_ worker.Registry      = (*Store)(nil)
	_ worker.EventRecorder = (*Store)(nil)
	_ session.Repository   = (*Store)(nil)
)

// NewStore creates a store over an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
