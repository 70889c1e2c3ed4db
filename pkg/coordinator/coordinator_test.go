package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/shared/severity"
	"github.com/exploopio/vulnview/pkg/store"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// flakyBackend wraps a memory store and fails every call while fail is set.
type flakyBackend struct {
	*store.Memory
	name string
	fail atomic.Bool
}

func (f *flakyBackend) Name() string { return f.name }

func (f *flakyBackend) err() error {
	if f.fail.Load() {
		return errors.E(errors.KindStorage, "flaky", "backend unavailable")
	}
	return nil
}

func (f *flakyBackend) Count(ctx context.Context, filters *vuln.Filters) (int, error) {
	if err := f.err(); err != nil {
		return 0, err
	}
	return f.Memory.Count(ctx, filters)
}

func (f *flakyBackend) Query(ctx context.Context, filters vuln.Filters, offset, limit int, sort *vuln.SortSpec) ([]vuln.Record, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.Memory.Query(ctx, filters, offset, limit, sort)
}

func records(n int) []vuln.Record {
	levels := severity.AllLevels()
	out := make([]vuln.Record, n)
	for i := range out {
		out[i] = vuln.Record{
			ID:       fmt.Sprintf("CVE-2024-%04d", i),
			Title:    fmt.Sprintf("issue %d", i),
			Severity: levels[i%len(levels)],
		}
	}
	return out
}

func newBackend(t *testing.T, name string, n int) *flakyBackend {
	t.Helper()
	m := store.NewMemory(store.Options{})
	if err := m.AddMany(context.Background(), records(n)); err != nil {
		t.Fatal(err)
	}
	return &flakyBackend{Memory: m, name: name}
}

func newCoordinator(t *testing.T, b store.Backend, cfg *Config) *Coordinator {
	t.Helper()
	c := New(b, cfg)
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_Refresh(t *testing.T) {
	b := newBackend(t, "primary", 7)
	c := newCoordinator(t, b, &Config{PageSize: 3})

	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	m := c.ReadModel()
	if m.Total != 7 {
		t.Errorf("Total = %d, want 7", m.Total)
	}
	if len(m.Results) != 3 || m.Results[0].ID != "CVE-2024-0000" {
		t.Errorf("Results = %v, want first page of 3", m.Results)
	}
	if m.Summary.Total != 7 {
		t.Errorf("Summary.Total = %d, want 7", m.Summary.Total)
	}
	if m.Version != 1 || m.Backend != "primary" || m.RefreshedAt.IsZero() || m.Err != nil {
		t.Errorf("ReadModel = %+v", m)
	}
}

func TestCoordinator_StateChanges(t *testing.T) {
	b := newBackend(t, "primary", 10)
	c := newCoordinator(t, b, &Config{PageSize: 4})

	if err := c.SetPage(2); err != nil {
		t.Fatalf("SetPage() error = %v", err)
	}
	if got := c.ReadModel().Results; len(got) != 2 || got[0].ID != "CVE-2024-0008" {
		t.Errorf("page 2 = %v, want the last two records", got)
	}

	if err := c.SetFilters(vuln.Filters{Severity: vuln.NewSet(severity.Critical)}); err != nil {
		t.Fatalf("SetFilters() error = %v", err)
	}
	st := c.State()
	if st.Page != 0 {
		t.Errorf("Page after SetFilters = %d, want 0", st.Page)
	}
	if c.ReadModel().Total != 2 {
		t.Errorf("Total = %d, want 2 critical", c.ReadModel().Total)
	}

	if err := c.SetSort(&vuln.SortSpec{Key: vuln.SortID, Dir: vuln.Desc}); err != nil {
		t.Fatalf("SetSort() error = %v", err)
	}
	if got := c.ReadModel().Results; len(got) != 2 || got[0].ID != "CVE-2024-0005" {
		t.Errorf("sorted results = %v", got)
	}

	if err := c.SetPage(1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetPageSize(1); err != nil {
		t.Fatalf("SetPageSize() error = %v", err)
	}
	if st := c.State(); st.Page != 0 || st.PageSize != 1 {
		t.Errorf("State = %+v, want page 0 size 1", st)
	}
	if got := c.ReadModel().Results; len(got) != 1 {
		t.Errorf("Results = %d, want 1", len(got))
	}
}

func TestCoordinator_InvalidState(t *testing.T) {
	c := newCoordinator(t, newBackend(t, "primary", 1), nil)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"negative page", func() error { return c.SetPage(-1) }},
		{"zero page size", func() error { return c.SetPageSize(0) }},
		{"unknown sort key", func() error { return c.SetSort(&vuln.SortSpec{Key: "nope"}) }},
		{"unknown sort dir", func() error { return c.SetSort(&vuln.SortSpec{Key: vuln.SortID, Dir: "sideways"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.IsInvalidInput(err) {
				t.Errorf("error = %v, want invalid input", err)
			}
		})
	}
	if v := c.ReadModel().Version; v != 0 {
		t.Errorf("Version = %d, want 0 after rejected changes", v)
	}
}

func TestCoordinator_StateIsCopied(t *testing.T) {
	c := newCoordinator(t, newBackend(t, "primary", 1), nil)
	f := vuln.Filters{RiskFactors: vuln.NewSet("Exploit")}
	if err := c.SetFilters(f); err != nil {
		t.Fatal(err)
	}
	f.RiskFactors["Has fix"] = struct{}{}

	st := c.State()
	st.Filters.RiskFactors["Other"] = struct{}{}
	if got := c.State().Filters.RiskFactors.Len(); got != 1 {
		t.Errorf("stored risk factors = %d, want 1", got)
	}
}

func TestCoordinator_ErrorKeepsPreviousData(t *testing.T) {
	b := newBackend(t, "primary", 5)
	c := newCoordinator(t, b, nil)
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	before := c.ReadModel()

	b.fail.Store(true)
	if err := c.Refresh(); err == nil {
		t.Fatal("Refresh() error = nil, want backend failure")
	}
	m := c.ReadModel()
	if m.Err == nil {
		t.Error("Err = nil after a failed refresh")
	}
	if m.Total != before.Total || len(m.Results) != len(before.Results) {
		t.Errorf("failed refresh replaced data: %+v", m)
	}
	if m.Version != before.Version+1 {
		t.Errorf("Version = %d, want %d", m.Version, before.Version+1)
	}

	b.fail.Store(false)
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	if c.ReadModel().Err != nil {
		t.Error("Err not cleared by a successful refresh")
	}
}

func TestCoordinator_RequestRefreshAndFlush(t *testing.T) {
	b := newBackend(t, "primary", 0)
	c := newCoordinator(t, b, &Config{Throttle: time.Hour})
	ctx := context.Background()

	for i := range 5 {
		if err := b.AddMany(ctx, records(i+1)); err != nil {
			t.Fatal(err)
		}
		c.RequestRefresh()
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := c.ReadModel().Total; got != 5 {
		t.Errorf("Total after Flush = %d, want 5", got)
	}
	if c.throttle.Pending() {
		t.Error("throttled refresh still pending after Flush")
	}
}

func TestCoordinator_SetBackend(t *testing.T) {
	c := newCoordinator(t, newBackend(t, "memory", 2), nil)
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}

	next := newBackend(t, "sqlite", 9)
	c.SetBackend(next)
	if c.Backend() != next {
		t.Error("Backend() did not return the new backend")
	}
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	if m := c.ReadModel(); m.Total != 9 || m.Backend != "sqlite" {
		t.Errorf("ReadModel = total %d backend %q, want 9 from sqlite", m.Total, m.Backend)
	}
}

func TestCoordinator_Subscribe(t *testing.T) {
	c := New(newBackend(t, "primary", 3), nil)
	ch := c.Subscribe()

	for range 3 {
		if err := c.Refresh(); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case m := <-ch:
		if m.Version != 3 {
			t.Errorf("received Version = %d, want latest 3", m.Version)
		}
	default:
		t.Fatal("no read model published")
	}
	select {
	case m := <-ch:
		t.Errorf("unexpected extra read model %d", m.Version)
	default:
	}

	c.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	if _, ok := <-c.Subscribe(); ok {
		t.Error("Subscribe() after Close returned an open channel")
	}
	if err := c.Refresh(); !errors.IsCanceled(err) {
		t.Errorf("Refresh() after Close error = %v, want canceled", err)
	}
}

func TestCoordinator_Metrics(t *testing.T) {
	m := metrics.NewInMemoryCollector()
	b := newBackend(t, "primary", 4)
	c := newCoordinator(t, b, &Config{Metrics: m})

	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	b.fail.Store(true)
	_ = c.Flush()

	if got := m.Counter(metrics.RefreshesTotal.Name, "trigger", TriggerUser, "status", "ok"); got != 1 {
		t.Errorf("user refreshes = %v, want 1", got)
	}
	if got := m.Counter(metrics.RefreshesTotal.Name, "trigger", TriggerFlush, "status", "error"); got != 1 {
		t.Errorf("failed flushes = %v, want 1", got)
	}
	if got := m.Gauge(metrics.RefreshTotalRecords.Name); got != 4 {
		t.Errorf("matching records gauge = %v, want 4", got)
	}
}

func TestCoordinator_IngestBurstRefreshesTwice(t *testing.T) {
	const interval = 200 * time.Millisecond
	m := metrics.NewInMemoryCollector()
	b := newBackend(t, "primary", 0)
	c := newCoordinator(t, b, &Config{Throttle: interval, Metrics: m})
	ctx := context.Background()

	var batches [][]vuln.Record
	next := 0
	for _, size := range []int{500, 500, 10} {
		batch := make([]vuln.Record, size)
		for i := range batch {
			batch[i] = vuln.Record{ID: fmt.Sprintf("CVE-2024-%05d", next), Severity: severity.High}
			next++
		}
		batches = append(batches, batch)
	}

	start := time.Now()
	for _, batch := range batches {
		if err := b.AddMany(ctx, batch); err != nil {
			t.Fatal(err)
		}
		c.RequestRefresh()
	}
	if time.Since(start) >= interval/2 {
		t.Skip("batches did not arrive within one throttle window")
	}
	ingested := func() float64 {
		return m.Counter(metrics.RefreshesTotal.Name, "trigger", TriggerIngest, "status", "ok") +
			m.Counter(metrics.RefreshesTotal.Name, "trigger", TriggerIngest, "status", "error")
	}
	if got := ingested(); got > 1 {
		t.Errorf("refreshes inside the window = %v, want at most 1", got)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := ingested(); got != 1 {
		t.Errorf("ingest refreshes = %v, want 1", got)
	}
	if got := m.Counter(metrics.RefreshesTotal.Name, "trigger", TriggerFlush, "status", "ok"); got != 1 {
		t.Errorf("final refreshes = %v, want 1", got)
	}
	model := c.ReadModel()
	if model.Total != next || model.Version != 2 {
		t.Errorf("read model = total %d version %d, want %d after 2 refreshes", model.Total, model.Version, next)
	}

	time.Sleep(interval + 50*time.Millisecond)
	if v := c.ReadModel().Version; v != 2 {
		t.Errorf("Version = %d after the window, want no trailing refresh", v)
	}
}
