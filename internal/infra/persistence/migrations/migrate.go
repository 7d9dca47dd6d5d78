// Package migrations wires golang-migrate execution for the Postgres batch store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/pulse/db/migrations"
	"github.com/coachpo/pulse/internal/infra/telemetry"
)

// EmbeddedSource selects the SQL files compiled into the binary.
const EmbeddedSource = ""

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest schema. An empty
// migrationsDir applies the embedded migrations. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	m, label, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if logger != nil {
		logger.Printf("running database migrations: source=%s", label)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	m, label, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if logger != nil {
		logger.Printf("rolling back database migrations: source=%s steps=%d", label, steps)
	}
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back", label)
	return nil
}

// Version reports the applied schema version. A database without migrations reports 0.
// dirty is true when a previous migration failed halfway.
func Version(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) (version uint, dirty bool, err error) {
	m, _, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

func open(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) (*migrate.Migrate, string, func(), error) {
	embedded := strings.TrimSpace(migrationsDir) == EmbeddedSource
	label := "embedded"
	if !embedded {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		label = resolved
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, "", nil, fmt.Errorf("database dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if embedded {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(label), "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	closeFn := func() {
		sourceErr, dbErr := m.Close()
		if logger != nil {
			if sourceErr != nil {
				logger.Printf("database migrations source close: %v", sourceErr)
			}
			if dbErr != nil {
				logger.Printf("database migrations db close: %v", dbErr)
			}
		}
	}
	return m, label, closeFn, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("pulse_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
