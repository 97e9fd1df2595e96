package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricemesh/internal/telemetry"
)

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// Gauges emit total, idle, acquired, and constructing connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}

	gauges := []struct {
		name string
		desc string
		read func(*pgxpool.Stat) int64
	}{
		{"pricemesh_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
			func(stat *pgxpool.Stat) int64 { return int64(stat.TotalConns()) }},
		{"pricemesh_db_pool_connections_idle", "Idle connections ready for checkout",
			func(stat *pgxpool.Stat) int64 { return int64(stat.IdleConns()) }},
		{"pricemesh_db_pool_connections_acquired", "Connections currently acquired by callers",
			func(stat *pgxpool.Stat) int64 { return int64(stat.AcquiredConns()) }},
		{"pricemesh_db_pool_connections_constructing", "Connections currently being constructed",
			func(stat *pgxpool.Stat) int64 { return int64(stat.ConstructingConns()) }},
	}

	meter := otel.Meter("postgres.pool")
	for _, gauge := range gauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				stat := pool.Stat()
				observer.Observe(read(stat), metric.WithAttributes(attrs...))
				return nil
			}),
		); err != nil {
			return
		}
	}
}
