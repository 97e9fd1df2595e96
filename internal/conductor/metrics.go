package conductor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/telemetry"
)

// roundMetrics holds OpenTelemetry instruments for collection activity.
type roundMetrics struct {
	environment    string
	rounds         metric.Int64Counter
	roundDuration  metric.Float64Histogram
	attempts       metric.Int64Counter
	records        metric.Int64Counter
	sourceDuration metric.Float64Histogram
	admissionWait  metric.Float64Histogram
}

func newRoundMetrics() *roundMetrics {
	meter := otel.Meter("conductor")
	rm := &roundMetrics{environment: telemetry.Environment()}

	rm.rounds, _ = meter.Int64Counter(
		"pricemesh_collect_rounds",
		metric.WithDescription("Number of collection rounds executed"),
		metric.WithUnit("{round}"),
	)
	rm.roundDuration, _ = meter.Float64Histogram(
		"pricemesh.collect.round.duration",
		metric.WithDescription("Wall-clock duration of a collection round in milliseconds"),
		metric.WithUnit("ms"),
	)
	rm.attempts, _ = meter.Int64Counter(
		"pricemesh_collect_attempts",
		metric.WithDescription("Individual source call attempts by result"),
		metric.WithUnit("{attempt}"),
	)
	rm.records, _ = meter.Int64Counter(
		"pricemesh_collect_records",
		metric.WithDescription("Product records returned by successful source calls"),
		metric.WithUnit("{record}"),
	)
	rm.sourceDuration, _ = meter.Float64Histogram(
		"pricemesh.collect.source.duration",
		metric.WithDescription("Elapsed time of one source outcome including retries in milliseconds"),
		metric.WithUnit("ms"),
	)
	rm.admissionWait, _ = meter.Float64Histogram(
		"pricemesh.ratelimit.wait",
		metric.WithDescription("Time spent waiting for per-source admission in milliseconds"),
		metric.WithUnit("ms"),
	)
	return rm
}

func (rm *roundMetrics) observeRound(ctx context.Context, result *schema.AggregateResult) {
	if rm == nil || result == nil {
		return
	}
	ctx = ensureContext(ctx)
	status := "success"
	if result.Partial() {
		status = "partial"
	}
	if rm.rounds != nil {
		rm.rounds.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(rm.environment),
			telemetry.AttrResult.String(status),
		))
	}
	if rm.roundDuration != nil {
		rm.roundDuration.Record(ctx, float64(result.Duration.Milliseconds()), metric.WithAttributes(
			telemetry.AttrEnvironment.String(rm.environment),
			telemetry.AttrResult.String(status),
		))
	}
}

func (rm *roundMetrics) observeSource(ctx context.Context, source, op string, outcome schema.SourceOutcome) {
	if rm == nil {
		return
	}
	ctx = ensureContext(ctx)
	result := "success"
	if outcome.Failure != nil {
		result = string(outcome.Failure.Kind)
	}
	if rm.sourceDuration != nil {
		rm.sourceDuration.Record(ctx, float64(outcome.Elapsed.Milliseconds()),
			metric.WithAttributes(telemetry.OperationResultAttributes(rm.environment, source, op, result)...))
	}
	if rm.records != nil && len(outcome.Records) > 0 {
		rm.records.Add(ctx, int64(len(outcome.Records)),
			metric.WithAttributes(telemetry.SourceAttributes(rm.environment, source)...))
	}
}

func (rm *roundMetrics) observeAttempt(ctx context.Context, source, op, result string) {
	if rm == nil || rm.attempts == nil {
		return
	}
	ctx = ensureContext(ctx)
	rm.attempts.Add(ctx, 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(rm.environment, source, op, result)...))
}

func (rm *roundMetrics) observeAdmissionWait(ctx context.Context, source string, waited time.Duration) {
	if rm == nil || rm.admissionWait == nil {
		return
	}
	ctx = ensureContext(ctx)
	ms := waited.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	rm.admissionWait.Record(ctx, float64(ms),
		metric.WithAttributes(telemetry.SourceAttributes(rm.environment, source)...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
