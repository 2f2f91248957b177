package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created lazily on first use and registered with the provided
// registerer, so two clients with different namespaces can coexist.
type PrometheusMetricsClient struct {
	namespace  string
	registerer prometheus.Registerer

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a metrics client registered with the
// default Prometheus registry.
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return NewPrometheusMetricsClientWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsClientWithRegisterer creates a metrics client using a
// custom registerer. Tests pass a fresh prometheus.NewRegistry().
func NewPrometheusMetricsClientWithRegisterer(namespace string, reg prometheus.Registerer) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, labelKeys(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, labelKeys(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, labelKeys(labels))
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.RecordHistogram("operation_duration_seconds", duration.Seconds(), map[string]string{
		"operation": operation,
	})
}

func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{
		"operation": operation,
		"success":   strconv.FormatBool(success),
	}
	c.RecordCounter("cache_operations_total", 1, labels)
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{
		"operation": operation,
	})
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, keys []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}
	counter = promauto.With(c.registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, keys []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}
	gauge = promauto.With(c.registerer).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, keys []string) *prometheus.HistogramVec {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}
	histogram = promauto.With(c.registerer).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, keys)
	c.histograms[name] = histogram
	return histogram
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}
