package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pulse/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"pulse_db_pool_connections_total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"pulse_db_pool_connections_idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"pulse_db_pool_connections_acquired", "Connections currently held by the batch store", (*pgxpool.Stat).AcquiredConns},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health for the
// batch store. It returns the first registration error.
func ObservePoolMetrics(provider metric.MeterProvider, pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "batches"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	)
	meter := provider.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}
