// Package metrics provides metrics collection for ingestion, storage,
// refresh and HTTP activity. It defines a small Collector interface with a
// Prometheus implementation, a no-op implementation and an in-memory one for
// tests.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Labels are passed as name/value pairs in the order of the definition.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Default Metrics
// =============================================================================

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// Ingestion metrics
	IngestRunsTotal = MetricDefinition{
		Name:   "vulnview_ingest_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of ingestion runs by outcome",
		Labels: []string{"status"},
	}
	IngestRunDuration = MetricDefinition{
		Name:    "vulnview_ingest_run_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of ingestion runs in seconds",
		Labels:  []string{"status"},
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}
	IngestBytesTotal = MetricDefinition{
		Name: "vulnview_ingest_bytes_total",
		Type: MetricTypeCounter,
		Help: "Total number of transport bytes read by ingestion runs",
	}
	IngestRecordsTotal = MetricDefinition{
		Name:   "vulnview_ingest_records_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of records emitted by parse strategy",
		Labels: []string{"strategy"},
	}
	IngestBatchesTotal = MetricDefinition{
		Name:   "vulnview_ingest_batches_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of record batches emitted",
		Labels: []string{"strategy"},
	}
	IngestSkippedTotal = MetricDefinition{
		Name:   "vulnview_ingest_skipped_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of malformed or id-less entries skipped",
		Labels: []string{"strategy"},
	}

	// Storage metrics
	StoreOperationsTotal = MetricDefinition{
		Name:   "vulnview_store_operations_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of backend operations",
		Labels: []string{"backend", "op", "status"},
	}
	StoreOperationDuration = MetricDefinition{
		Name:    "vulnview_store_operation_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of backend operations in seconds",
		Labels:  []string{"backend", "op"},
		Buckets: durationBuckets,
	}
	StoreMigrationsTotal = MetricDefinition{
		Name:   "vulnview_store_migrations_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of backend migrations",
		Labels: []string{"from", "to", "status"},
	}

	// Refresh coordinator metrics
	RefreshesTotal = MetricDefinition{
		Name:   "vulnview_refreshes_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of read-model refreshes",
		Labels: []string{"trigger", "status"},
	}
	RefreshDuration = MetricDefinition{
		Name:    "vulnview_refresh_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of read-model refreshes in seconds",
		Labels:  []string{"trigger"},
		Buckets: durationBuckets,
	}
	RefreshTotalRecords = MetricDefinition{
		Name: "vulnview_refresh_matching_records",
		Type: MetricTypeGauge,
		Help: "Number of records matching the filters at the last refresh",
	}

	// HTTP server metrics
	HTTPRequestsTotal = MetricDefinition{
		Name:   "vulnview_http_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of HTTP requests served",
		Labels: []string{"route", "status"},
	}
	HTTPRequestDuration = MetricDefinition{
		Name:    "vulnview_http_request_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of HTTP requests in seconds",
		Labels:  []string{"route"},
		Buckets: durationBuckets,
	}

	// HTTP client metrics
	ClientRequestsTotal = MetricDefinition{
		Name:   "vulnview_client_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of API requests made by the remote client",
		Labels: []string{"status"},
	}
	ClientRetriesTotal = MetricDefinition{
		Name: "vulnview_client_retries_total",
		Type: MetricTypeCounter,
		Help: "Total number of API request retries",
	}
)

// Definitions returns every metric this module reports.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		IngestRunsTotal, IngestRunDuration, IngestBytesTotal, IngestRecordsTotal,
		IngestBatchesTotal, IngestSkippedTotal,
		StoreOperationsTotal, StoreOperationDuration, StoreMigrationsTotal,
		RefreshesTotal, RefreshDuration, RefreshTotalRecords,
		HTTPRequestsTotal, HTTPRequestDuration,
		ClientRequestsTotal, ClientRetriesTotal,
	}
}

// Status returns the "status" label value for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (NopCollector) CounterInc(name string, labels ...string)                      {}
func (NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NopCollector{}
	}
	return c
}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i+1 < len(labels); i += 2 {
		key += "," + labels[i] + "=" + labels[i+1]
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// Counter returns the value of a counter.
func (c *InMemoryCollector) Counter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// Gauge returns the value of a gauge.
func (c *InMemoryCollector) Gauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// Histogram returns all observations of a histogram.
func (c *InMemoryCollector) Histogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer records the time elapsed since it was created to a histogram.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: OrNop(collector),
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = NopCollector{}
	_ Collector = (*InMemoryCollector)(nil)
)
