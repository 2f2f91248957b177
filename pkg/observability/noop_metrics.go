package observability

import (
	"time"
)

// NoopMetricsClient is a metrics client that discards everything.
// Used in tests and when metrics are disabled.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new no-op metrics client
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration) {}

func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}

func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

func (m *NoopMetricsClient) Close() error { return nil }
