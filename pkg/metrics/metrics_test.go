package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc(IngestRecordsTotal.Name, "strategy", "array")
		c.CounterInc(IngestRecordsTotal.Name, "strategy", "array")
		c.CounterAdd(IngestRecordsTotal.Name, 5, "strategy", "array")

		got := c.Counter(IngestRecordsTotal.Name, "strategy", "array")
		if got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
		if got := c.Counter(IngestRecordsTotal.Name, "strategy", "ndjson"); got != 0 {
			t.Errorf("Counter(ndjson) = %v, want 0", got)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet(RefreshTotalRecords.Name, 42)
		c.GaugeSet(RefreshTotalRecords.Name, 40)
		if got := c.Gauge(RefreshTotalRecords.Name); got != 40 {
			t.Errorf("Gauge = %v, want %v", got, 40)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve(RefreshDuration.Name, 1.5, "trigger", "user")
		c.HistogramObserve(RefreshDuration.Name, 2.5, "trigger", "user")

		got := c.Histogram(RefreshDuration.Name, "trigger", "user")
		if len(got) != 2 {
			t.Errorf("Histogram observations = %v, want %v", len(got), 2)
		}
	})
}

func TestNopCollector(t *testing.T) {
	c := OrNop(nil)
	if _, ok := c.(NopCollector); !ok {
		t.Fatalf("OrNop(nil) = %T, want NopCollector", c)
	}

	// These should all be no-ops and not panic
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5, "label", "value")
	c.GaugeSet("test", 42, "label", "value")
	c.HistogramObserve("test", 1.5, "label", "value")

	if c.Handler() == nil {
		t.Error("Handler should not be nil")
	}

	mem := NewInMemoryCollector()
	if OrNop(mem) != Collector(mem) {
		t.Error("OrNop should return a non-nil collector unchanged")
	}
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()
	timer := NewTimer(c, StoreOperationDuration.Name, "backend", "memory", "op", "query")

	time.Sleep(10 * time.Millisecond)

	duration := timer.ObserveDuration()
	if duration < 10*time.Millisecond {
		t.Errorf("Duration = %v, want >= 10ms", duration)
	}

	observations := c.Histogram(StoreOperationDuration.Name, "backend", "memory", "op", "query")
	if len(observations) != 1 {
		t.Errorf("Histogram observations = %v, want 1", len(observations))
	}
}

func TestMetricDefinitions(t *testing.T) {
	seen := make(map[string]bool)
	for _, def := range Definitions() {
		if def.Name == "" {
			t.Errorf("Metric definition has empty name")
		}
		if !strings.HasPrefix(def.Name, "vulnview_") {
			t.Errorf("Metric %s lacks the vulnview_ prefix", def.Name)
		}
		if def.Type == "" {
			t.Errorf("Metric %s has empty type", def.Name)
		}
		if def.Help == "" {
			t.Errorf("Metric %s has empty help", def.Name)
		}
		if seen[def.Name] {
			t.Errorf("Metric %s defined twice", def.Name)
		}
		seen[def.Name] = true
	}
}

func TestStatus(t *testing.T) {
	if got := Status(nil); got != "ok" {
		t.Errorf("Status(nil) = %v, want ok", got)
	}
	if got := Status(errors.New("boom")); got != "error" {
		t.Errorf("Status(err) = %v, want error", got)
	}
}

func TestPrometheusCollector_Handler(t *testing.T) {
	c, err := NewPrometheusCollector(nil)
	if err != nil {
		t.Fatalf("NewPrometheusCollector() error = %v", err)
	}

	c.CounterAdd(IngestBytesTotal.Name, 42)
	c.CounterInc(StoreOperationsTotal.Name, "backend", "sqlite", "op", "query", "status", "ok")
	c.GaugeSet(RefreshTotalRecords.Name, 7)
	c.HistogramObserve(RefreshDuration.Name, 0.02, "trigger", "ingest")
	// Wrong label arity is dropped rather than panicking.
	c.CounterInc(StoreOperationsTotal.Name, "backend", "sqlite")
	c.CounterInc("not_registered")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"vulnview_ingest_bytes_total 42",
		`vulnview_store_operations_total{backend="sqlite",op="query",status="ok"} 1`,
		"vulnview_refresh_matching_records 7",
		`vulnview_refresh_duration_seconds_count{trigger="ingest"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPrometheusCollector_RegisterTwice(t *testing.T) {
	c, err := NewPrometheusCollector(&PrometheusConfig{SkipDefinitions: true})
	if err != nil {
		t.Fatalf("NewPrometheusCollector() error = %v", err)
	}
	if err := c.Register(IngestRunsTotal); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(IngestRunsTotal); err != nil {
		t.Errorf("second Register() error = %v, want nil", err)
	}
	if err := c.Register(MetricDefinition{Name: "vulnview_bad", Type: "summary", Help: "x"}); err == nil {
		t.Error("Register() with unsupported type should fail")
	}
}

func TestLabelsToValues(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		expected []string
	}{
		{"empty", []string{}, nil},
		{"single pair", []string{"key1", "value1"}, []string{"value1"}},
		{"multiple pairs", []string{"key1", "value1", "key2", "value2"}, []string{"value1", "value2"}},
		{"odd number (incomplete pair)", []string{"key1", "value1", "key2"}, []string{"value1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := labelsToValues(tt.labels)
			if len(got) != len(tt.expected) {
				t.Errorf("labelsToValues(%v) = %v, want %v", tt.labels, got, tt.expected)
				return
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("labelsToValues(%v)[%d] = %v, want %v", tt.labels, i, got[i], tt.expected[i])
				}
			}
		})
	}
}
