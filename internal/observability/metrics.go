package observability

import "sync"

// SourceMetricsSnapshot captures per-source collection counters.
type SourceMetricsSnapshot struct {
	Requests             map[string]int64 `json:"requests"`
	Retries              map[string]int64 `json:"retries"`
	Failures             map[string]int64 `json:"failures"`
	ThrottleMilliseconds map[string]int64 `json:"throttle_ms"`
}

// RuntimeMetrics accumulates per-source counters in-memory for periodic export.
type RuntimeMetrics struct {
	mu      sync.Mutex
	sources SourceMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.sources = SourceMetricsSnapshot{
		Requests:             make(map[string]int64),
		Retries:              make(map[string]int64),
		Failures:             make(map[string]int64),
		ThrottleMilliseconds: make(map[string]int64),
	}
	return metrics
}

// IncrementRequests counts one upstream call issued against a source.
func (m *RuntimeMetrics) IncrementRequests(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.Requests[source]++
}

// IncrementRetries counts one retried attempt against a source.
func (m *RuntimeMetrics) IncrementRetries(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.Retries[source]++
}

// IncrementFailures counts one exhausted or permanent failure for a source.
func (m *RuntimeMetrics) IncrementFailures(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.Failures[source]++
}

// AddThrottleMilliseconds accumulates admission wait time for a source.
func (m *RuntimeMetrics) AddThrottleMilliseconds(source string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.ThrottleMilliseconds[source] += delta
}

// Snapshot copies the current per-source counters for reporting.
func (m *RuntimeMetrics) Snapshot() SourceMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := SourceMetricsSnapshot{
		Requests:             make(map[string]int64, len(m.sources.Requests)),
		Retries:              make(map[string]int64, len(m.sources.Retries)),
		Failures:             make(map[string]int64, len(m.sources.Failures)),
		ThrottleMilliseconds: make(map[string]int64, len(m.sources.ThrottleMilliseconds)),
	}
	for k, v := range m.sources.Requests {
		snapshot.Requests[k] = v
	}
	for k, v := range m.sources.Retries {
		snapshot.Retries[k] = v
	}
	for k, v := range m.sources.Failures {
		snapshot.Failures[k] = v
	}
	for k, v := range m.sources.ThrottleMilliseconds {
		snapshot.ThrottleMilliseconds[k] = v
	}
	return snapshot
}
