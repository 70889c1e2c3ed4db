// Package coordinator keeps a read model (filtered total, current page and
// dataset summary) consistent with the query state and a backend that may be
// growing while it is read.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/store"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// DefaultPageSize is the page size of a new coordinator.
const DefaultPageSize = 50

// Refresh triggers, used as metric labels.
const (
	TriggerUser   = "user"
	TriggerIngest = "ingest"
	TriggerFlush  = "flush"
)

// Config configures a Coordinator.
type Config struct {
	PageSize int           `yaml:"page_size" json:"page_size"`
	Throttle time.Duration `yaml:"throttle" json:"throttle"`

	Logger  *slog.Logger      `yaml:"-" json:"-"`
	Metrics metrics.Collector `yaml:"-" json:"-"`
}

// DefaultConfig returns default coordinator config.
func DefaultConfig() *Config {
	return &Config{
		PageSize: DefaultPageSize,
		Throttle: DefaultThrottle,
	}
}

// State is the query the read model answers.
type State struct {
	Filters  vuln.Filters
	Sort     *vuln.SortSpec
	Page     int
	PageSize int
}

func (s State) clone() State {
	s.Filters = s.Filters.Clone()
	if s.Sort != nil {
		sort := *s.Sort
		s.Sort = &sort
	}
	return s
}

// ReadModel is the result of the latest refresh. Results must not be
// modified by readers.
type ReadModel struct {
	Total       int
	Results     []vuln.Record
	Summary     *vuln.Summary
	Err         error
	Version     uint64
	RefreshedAt time.Time
	Backend     string
}

// Coordinator serializes refreshes against the current backend. Explicit
// state changes refresh immediately; ingestion requests go through a
// Throttle.
type Coordinator struct {
	mu      sync.Mutex
	state   State
	backend store.Backend
	model   ReadModel
	subs    []chan ReadModel
	closed  bool

	refreshMu sync.Mutex
	throttle  *Throttle

	ctx    context.Context
	cancel context.CancelFunc

	logger  *slog.Logger
	metrics metrics.Collector
}

// New creates a coordinator over b. No refresh runs until one is requested.
func New(b store.Backend, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	c := &Coordinator{
		state:   State{PageSize: pageSize},
		backend: b,
		logger:  cfg.Logger,
		metrics: metrics.OrNop(cfg.Metrics),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.model = ReadModel{Summary: vuln.NewSummary(), Results: []vuln.Record{}}
	if b != nil {
		c.model.Backend = b.Name()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.throttle = NewThrottle(cfg.Throttle, func() { _ = c.refresh(TriggerIngest) })
	return c
}

// State returns a copy of the current query state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// ReadModel returns the latest read model.
func (c *Coordinator) ReadModel() ReadModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Backend returns the active backend.
func (c *Coordinator) Backend() store.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// SetBackend swaps the active backend. The next refresh reads from b.
func (c *Coordinator) SetBackend(b store.Backend) {
	c.mu.Lock()
	c.backend = b
	c.mu.Unlock()
	c.logger.Debug("backend switched", "backend", b.Name())
}

// SetFilters replaces the filters, resets the page and refreshes.
func (c *Coordinator) SetFilters(f vuln.Filters) error {
	c.update(func(s *State) {
		s.Filters = f.Clone()
		s.Page = 0
	})
	return c.refresh(TriggerUser)
}

// SetSort sets the ordering (nil for native order) and refreshes.
func (c *Coordinator) SetSort(sort *vuln.SortSpec) error {
	if err := sort.Validate(); err != nil {
		return errors.Wrap(err, "coordinator.SetSort")
	}
	c.update(func(s *State) {
		if sort == nil {
			s.Sort = nil
			return
		}
		v := *sort
		s.Sort = &v
	})
	return c.refresh(TriggerUser)
}

// SetPage moves to a zero-based page and refreshes.
func (c *Coordinator) SetPage(page int) error {
	if page < 0 {
		return errors.E(errors.KindInvalidInput, "coordinator.SetPage", errors.ErrInvalidPage)
	}
	c.update(func(s *State) { s.Page = page })
	return c.refresh(TriggerUser)
}

// SetPageSize changes the page size, resets the page and refreshes.
func (c *Coordinator) SetPageSize(n int) error {
	if n <= 0 {
		return errors.E(errors.KindInvalidInput, "coordinator.SetPageSize", "page size must be positive")
	}
	c.update(func(s *State) {
		s.PageSize = n
		s.Page = 0
	})
	return c.refresh(TriggerUser)
}

// Refresh runs one refresh cycle now.
func (c *Coordinator) Refresh() error {
	return c.refresh(TriggerUser)
}

// RequestRefresh asks for a throttled refresh after new data arrived.
func (c *Coordinator) RequestRefresh() {
	c.throttle.Trigger()
}

// Flush cancels any trailing throttled refresh, waits for one in flight and
// runs a final refresh.
func (c *Coordinator) Flush() error {
	c.throttle.Cancel()
	return c.refresh(TriggerFlush)
}

// Subscribe returns a channel that always holds the most recent read model
// once one is published. Slow readers miss intermediate versions.
func (c *Coordinator) Subscribe() <-chan ReadModel {
	ch := make(chan ReadModel, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Close abandons in-flight backend requests, stops throttled refreshes and
// closes subscriber channels.
func (c *Coordinator) Close() {
	c.cancel()
	c.throttle.Stop()

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

func (c *Coordinator) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

// refresh runs count, query and summarize against the backend current at its
// start. A failure keeps the previous results and records Err.
func (c *Coordinator) refresh(trigger string) (err error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	timer := metrics.NewTimer(c.metrics, metrics.RefreshDuration.Name, "trigger", trigger)
	defer func() {
		c.metrics.CounterInc(metrics.RefreshesTotal.Name, "trigger", trigger, "status", metrics.Status(err))
		timer.ObserveDuration()
	}()

	if err := c.ctx.Err(); err != nil {
		return errors.Wrap(err, "coordinator.refresh")
	}

	c.mu.Lock()
	st := c.state.clone()
	b := c.backend
	c.mu.Unlock()
	if b == nil {
		return errors.E(errors.KindInternal, "coordinator.refresh", "no backend")
	}

	total, results, sum, err := c.read(b, st)

	c.mu.Lock()
	c.model.Version++
	if err != nil {
		c.model.Err = err
	} else {
		c.model = ReadModel{
			Total:       total,
			Results:     results,
			Summary:     sum,
			Version:     c.model.Version,
			RefreshedAt: time.Now(),
			Backend:     b.Name(),
		}
	}
	model := c.model
	c.publishLocked(model)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("refresh failed", "trigger", trigger, "backend", b.Name(), "error", err)
		return err
	}
	c.metrics.GaugeSet(metrics.RefreshTotalRecords.Name, float64(total))
	c.logger.Debug("refreshed", "trigger", trigger, "backend", b.Name(),
		"total", total, "page", st.Page, "results", len(results), "version", model.Version)
	return nil
}

func (c *Coordinator) read(b store.Backend, st State) (int, []vuln.Record, *vuln.Summary, error) {
	total, err := b.Count(c.ctx, &st.Filters)
	if err != nil {
		return 0, nil, nil, err
	}
	results, err := b.Query(c.ctx, st.Filters, st.Page*st.PageSize, st.PageSize, st.Sort)
	if err != nil {
		return 0, nil, nil, err
	}
	sum, err := b.Summarize(c.ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	return total, results, sum, nil
}

// publishLocked replaces whatever each subscriber has not read yet.
// Caller holds mu.
func (c *Coordinator) publishLocked(m ReadModel) {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- m:
		default:
		}
	}
}
