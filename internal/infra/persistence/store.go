// Package persistence exposes shared wiring for database-backed batch stores.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the pgx pool shared by database-backed repositories. Concrete implementations
// live in subpackages (e.g. postgres).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PoolSettings overrides pgx pool sizing. Zero values keep the pgx defaults.
type PoolSettings struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

func (s PoolSettings) apply(cfg *pgxpool.Config) {
	if s.MaxConns > 0 {
		cfg.MaxConns = s.MaxConns
	}
	if s.MinConns > 0 && s.MinConns <= cfg.MaxConns {
		cfg.MinConns = s.MinConns
	}
	if s.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = s.MaxConnLifetime
	}
	if s.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = s.MaxConnIdleTime
	}
	if s.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = s.HealthCheckPeriod
	}
}

// Connect opens a pgx pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string, settings PoolSettings) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	settings.apply(cfg)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pgx pool for repository implementations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
