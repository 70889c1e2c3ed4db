package store

import (
	"context"
	"sync"
	"time"

	"github.com/exploopio/vulnview/pkg/vuln"
)

// Memory keeps records in insertion order in a slice.
type Memory struct {
	mu      sync.RWMutex
	records []vuln.Record
	index   map[string]int
	opts    Options
}

var (
	_ Backend = (*Memory)(nil)
	_ Getter  = (*Memory)(nil)
)

// NewMemory creates an empty in-memory backend.
func NewMemory(opts Options) *Memory {
	return &Memory{
		index: make(map[string]int),
		opts:  opts.withDefaults(),
	}
}

// Name implements Backend.
func (m *Memory) Name() string { return NameMemory }

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// AddMany implements Backend.
func (m *Memory) AddMany(ctx context.Context, records []vuln.Record) (err error) {
	defer func(start time.Time) { observe(m.opts.Metrics, NameMemory, "add", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if i, ok := m.index[r.ID]; ok {
			m.records[i] = r
			continue
		}
		m.index[r.ID] = len(m.records)
		m.records = append(m.records, r)
	}
	return nil
}

// Count implements Backend.
func (m *Memory) Count(ctx context.Context, filters *vuln.Filters) (n int, err error) {
	defer func(start time.Time) { observe(m.opts.Metrics, NameMemory, "count", start, err) }(time.Now())

	m.mu.RLock()
	defer m.mu.RUnlock()
	if filters == nil || filters.Empty() {
		return len(m.records), nil
	}
	match := filters.Matcher()
	for i := range m.records {
		if match.Match(&m.records[i]) {
			n++
		}
	}
	return n, nil
}

// Query implements Backend.
func (m *Memory) Query(ctx context.Context, filters vuln.Filters, offset, limit int, sort *vuln.SortSpec) (out []vuln.Record, err error) {
	defer func(start time.Time) { observe(m.opts.Metrics, NameMemory, "query", start, err) }(time.Now())
	if err := checkQuery("store.Memory.Query", offset, limit, sort); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if sort == nil {
		defer m.mu.RUnlock()
		return m.window(filters, offset, limit), nil
	}
	matched := m.filter(filters)
	m.mu.RUnlock()

	vuln.Sort(matched, sort)
	return vuln.Page(matched, offset, limit), nil
}

// window copies the page of matching records in native order. Caller holds mu.
func (m *Memory) window(filters vuln.Filters, offset, limit int) []vuln.Record {
	out := make([]vuln.Record, 0, min(limit, len(m.records)))
	if limit == 0 {
		return out
	}
	match := filters.Matcher()
	skip := offset
	for i := range m.records {
		if !match.Match(&m.records[i]) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, m.records[i])
		if len(out) == limit {
			break
		}
	}
	return out
}

// filter returns a copy of the matching records. Caller holds mu.
func (m *Memory) filter(filters vuln.Filters) []vuln.Record {
	if filters.Empty() {
		return append([]vuln.Record(nil), m.records...)
	}
	match := filters.Matcher()
	var out []vuln.Record
	for i := range m.records {
		if match.Match(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out
}

// Summarize implements Backend.
func (m *Memory) Summarize(ctx context.Context) (s *vuln.Summary, err error) {
	defer func(start time.Time) { observe(m.opts.Metrics, NameMemory, "summarize", start, err) }(time.Now())

	m.mu.RLock()
	defer m.mu.RUnlock()
	return vuln.Summarize(m.records), nil
}

// Get implements Getter.
func (m *Memory) Get(ctx context.Context, id string) (*vuln.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return nil, notFound("store.Memory.Get", id)
	}
	r := m.records[i]
	return &r, nil
}

// Clear implements Backend.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.index = make(map[string]int)
	return nil
}
