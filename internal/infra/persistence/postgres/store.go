package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pulse/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Batches opens the batch store for a write key on the shared pool.
func (s *Store) Batches(ctx context.Context, writeKey string, opts ...BatchOption) (*BatchStore, error) {
	return NewBatchStore(ctx, s.Pool(), writeKey, opts...)
}
