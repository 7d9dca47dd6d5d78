package postgres_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/pulse/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "pulse"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/pulse?sslmode=disable", host, port.Port())

	var migrateErr error
	for attempt := 0; attempt < 10; attempt++ {
		if migrateErr = migrations.Apply(ctx, dsn, migrations.EmbeddedSource, nil); migrateErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, migrateErr)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func fixedClock() time.Time {
	return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
}

func TestBatchStoreLifecycle(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	store, err := pgstore.NewBatchStore(ctx, pool, "wk",
		pgstore.WithClock(fixedClock),
		pgstore.WithLimits(batchstore.Limits{MaxBatchBytes: 250, MaxEventBytes: 1024}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev := fmt.Sprintf(`{"id":%d,"pad":"%s"}`, i, strings.Repeat("x", 83))
		require.NoError(t, store.Write(ctx, ev))
	}
	batches, err := store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	require.NoError(t, store.Rollover(ctx))
	require.NoError(t, store.Rollover(ctx))
	batches, err = store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		require.True(t, batchstore.IsClosedBody(b.Payload))
		require.LessOrEqual(t, b.Size(), 350)
	}
	require.Len(t, batchstore.Events(batches[0].Payload), 2)

	removed, err := store.Remove(ctx, batches[0].Reference)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = store.Remove(ctx, batches[0].Reference)
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, store.Write(ctx, `{"open":1}`))

	restarted, err := pgstore.NewBatchStore(ctx, pool, "wk", pgstore.WithClock(fixedClock))
	require.NoError(t, err)
	batches, err = restarted.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2, "leftover open batch is promoted on startup")
	require.Equal(t, []string{`{"open":1}`}, batchstore.Events(batches[1].Payload))

	other, err := pgstore.NewBatchStore(ctx, pool, "other")
	require.NoError(t, err)
	otherBatches, err := other.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, otherBatches, "write keys are isolated")

	require.NoError(t, restarted.RemoveAll(ctx))
	batches, err = restarted.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, batches)
}
