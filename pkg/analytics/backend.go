package analytics

import (
	"context"
	"log"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/infra/config"
	"github.com/coachpo/pulse/internal/infra/persistence"
	"github.com/coachpo/pulse/internal/infra/persistence/disk"
	"github.com/coachpo/pulse/internal/infra/persistence/memory"
	"github.com/coachpo/pulse/internal/infra/persistence/migrations"
	"github.com/coachpo/pulse/internal/infra/persistence/postgres"
	"github.com/coachpo/pulse/internal/observability"
)

type closer func(context.Context) error

// openStore builds the configured backend. The returned closer releases its resources.
func openStore(ctx context.Context, cfg config.Config, provider metric.MeterProvider) (batchstore.Store, closer, error) {
	limits := batchstore.Limits{
		MaxBatchBytes: cfg.Storage.MaxBatchBytes,
		MaxEventBytes: cfg.Storage.MaxEventBytes,
	}
	switch cfg.Storage.Mode {
	case config.StorageDisk:
		store, err := disk.New(cfg.Storage.Directory, cfg.WriteKey,
			disk.WithLimits(limits),
			disk.WithLogger(log.New(os.Stdout, "store/disk ", log.LstdFlags|log.Lmicroseconds)))
		return store, nil, err
	case config.StoragePostgres:
		return openPostgres(ctx, cfg, limits, provider)
	default:
		store, err := memory.New(cfg.WriteKey, memory.WithLimits(limits))
		return store, nil, err
	}
}

func openPostgres(ctx context.Context, cfg config.Config, limits batchstore.Limits, provider metric.MeterProvider) (batchstore.Store, closer, error) {
	db := cfg.Database
	if db.RunMigrations {
		logger := log.New(os.Stdout, "store/migrate ", log.LstdFlags|log.Lmicroseconds)
		if err := migrations.Apply(ctx, db.DSN, migrations.EmbeddedSource, logger); err != nil {
			return nil, nil, err
		}
	}
	shared, err := persistence.Connect(ctx, db.DSN, persistence.PoolSettings{
		MaxConns:          db.MaxConns,
		MinConns:          db.MinConns,
		MaxConnLifetime:   db.MaxConnLifetime,
		MaxConnIdleTime:   db.MaxConnIdleTime,
		HealthCheckPeriod: db.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	release := func(context.Context) error {
		shared.Close()
		return nil
	}
	if err := postgres.ObservePoolMetrics(provider, shared.Pool(), "pulse"); err != nil {
		observability.Log().Warn("pool metrics unavailable", observability.Err(err))
	}
	store, err := postgres.New(shared.Pool()).Batches(ctx, cfg.WriteKey, postgres.WithLimits(limits))
	if err != nil {
		shared.Close()
		return nil, nil, err
	}
	return store, release, nil
}

// NewLogger builds the logger selected by the logging configuration.
func NewLogger(cfg config.LoggingConfig) observability.Logger {
	level := observability.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		slogLevel := slog.LevelInfo
		switch level {
		case observability.LevelDebug:
			slogLevel = slog.LevelDebug
		case observability.LevelWarn:
			slogLevel = slog.LevelWarn
		case observability.LevelError:
			slogLevel = slog.LevelError
		}
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
		return observability.NewSlogLogger(slog.New(handler))
	}
	return observability.NewStdLogger(log.New(os.Stdout, "pulse ", log.LstdFlags|log.Lmicroseconds), level)
}
