// Package telemetry provides OpenTelemetry initialization and semantic
// conventions for pricemesh observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for pricemesh-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrSource identifies which upstream platform produced the signal.
	AttrSource = attribute.Key("source")
	// AttrOperation differentiates source operations (search, fetch, stream).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrFailureKind categorizes failures by the retry taxonomy (throttled, transient, permanent, cancelled).
	AttrFailureKind = attribute.Key("failure.kind")
	// AttrEventType annotates counters with the published event classification (price.change, source.degraded).
	AttrEventType = attribute.Key("event.type")
	// AttrTopic labels broker publish metrics with the destination topic.
	AttrTopic = attribute.Key("topic")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides additional free-form context for errors and drops.
	AttrReason = attribute.Key("reason")
)

// Event type values published on the bus.
const (
	EventTypePriceChange    = "price.change"
	EventTypeSourceDegraded = "source.degraded"
)

// SourceAttributes returns the base attributes for per-source metrics.
func SourceAttributes(environment, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, source, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// FailureAttributes returns attributes for failure metrics keyed by retry taxonomy.
func FailureAttributes(environment, source, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrFailureKind.String(kind),
	}
}

// EventAttributes returns attributes for bus event metrics.
func EventAttributes(environment, eventType, source string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
	if source != "" {
		attrs = append(attrs, AttrSource.String(source))
	}
	return attrs
}

// PublishAttributes returns attributes for broker publish metrics.
func PublishAttributes(environment, topic, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
		AttrResult.String(result),
	}
}
