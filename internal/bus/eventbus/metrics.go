package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/telemetry"
)

// busMetrics holds OpenTelemetry instruments for bus activity.
type busMetrics struct {
	environment string
	events      metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("eventbus")
	bm := &busMetrics{environment: telemetry.Environment()}

	bm.events, _ = meter.Int64Counter(
		"pricemesh_monitor_events_published",
		metric.WithDescription("Monitor events published to the in-process bus"),
		metric.WithUnit("{event}"),
	)
	bm.dropped, _ = meter.Int64Counter(
		"pricemesh_monitor_events_dropped",
		metric.WithDescription("Monitor events evicted because a subscriber buffer was full"),
		metric.WithUnit("{event}"),
	)
	bm.subscribers, _ = meter.Int64UpDownCounter(
		"pricemesh_monitor_subscribers",
		metric.WithDescription("Active event bus subscriptions"),
		metric.WithUnit("{subscription}"),
	)
	return bm
}

func (bm *busMetrics) published(ctx context.Context, typ schema.EventType) {
	if bm == nil || bm.events == nil {
		return
	}
	bm.events.Add(busContext(ctx), 1,
		metric.WithAttributes(telemetry.EventAttributes(bm.environment, string(typ), "")...))
}

func (bm *busMetrics) droppedEvent(ctx context.Context, typ schema.EventType) {
	if bm == nil || bm.dropped == nil {
		return
	}
	bm.dropped.Add(busContext(ctx), 1,
		metric.WithAttributes(telemetry.EventAttributes(bm.environment, string(typ), "")...))
}

func (bm *busMetrics) subscriberDelta(ctx context.Context, delta int64) {
	if bm == nil || bm.subscribers == nil {
		return
	}
	bm.subscribers.Add(busContext(ctx), delta,
		metric.WithAttributes(telemetry.AttrEnvironment.String(bm.environment)))
}

func busContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
