// Package session owns the ingestion of one dataset at a time and feeds it
// into a coordinator, moving the records to SQLite once the input grows past
// a threshold.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/vulnview/pkg/coordinator"
	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/ingest"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/store"
)

// DefaultMigrateThreshold is the transport byte count after which a load
// moves from memory to SQLite.
const DefaultMigrateThreshold int64 = 64 << 20

// Config configures a Session.
type Config struct {
	// MigrateThreshold is the number of bytes read after which records move
	// to SQLite. Zero disables migration; it also needs SQLitePath.
	MigrateThreshold int64  `yaml:"migrate_threshold" json:"migrate_threshold"`
	SQLitePath       string `yaml:"sqlite_path" json:"sqlite_path"`

	Parser ingest.Config       `yaml:"parser" json:"parser"`
	Source ingest.SourceConfig `yaml:"source" json:"source"`

	Logger  *slog.Logger      `yaml:"-" json:"-"`
	Metrics metrics.Collector `yaml:"-" json:"-"`
}

// DefaultConfig returns default session config. SQLitePath is left empty so
// migration stays off until a path is chosen.
func DefaultConfig() *Config {
	return &Config{
		MigrateThreshold: DefaultMigrateThreshold,
		Parser:           ingest.DefaultConfig(),
	}
}

// Status describes the current load.
type Status struct {
	RunID         uuid.UUID
	Location      string
	Loading       bool
	Err           error
	ProgressBytes int64
	// TotalBytes is -1 when the source length is unknown.
	TotalBytes    int64
	IngestedCount int
	Backend       string
	StartedAt     time.Time
}

// Ratio returns the fraction of the source read, in [0, 1]. It is 0 when the
// length is unknown.
func (s Status) Ratio() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	r := float64(s.ProgressBytes) / float64(s.TotalBytes)
	return min(max(r, 0), 1)
}

// Session couples ingestion runs to a coordinator.
type Session struct {
	coord   *coordinator.Coordinator
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Collector

	// loadMu serializes Load, Attach and Close.
	loadMu sync.Mutex

	mu       sync.Mutex
	status   Status
	run      *ingest.Run
	done     chan struct{}
	backend  store.Backend
	sqlite   *store.SQLite
	migrated bool
}

// New creates a session feeding coord.
func New(coord *coordinator.Coordinator, cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Session{
		coord:   coord,
		cfg:     *cfg,
		logger:  cfg.Logger,
		metrics: metrics.OrNop(cfg.Metrics),
		backend: coord.Backend(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.backend != nil {
		s.status.Backend = s.backend.Name()
	}
	return s
}

// Load starts ingesting location into a fresh in-memory backend and returns
// the run ID. A previous run is canceled first and its remaining messages
// are dropped.
func (s *Session) Load(ctx context.Context, location string) uuid.UUID {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.stop()

	mem := store.NewMemory(store.Options{Logger: s.logger, Metrics: s.metrics})
	s.coord.SetBackend(mem)

	run := ingest.Start(ctx, location, ingest.Options{
		Parser:  s.cfg.Parser,
		Source:  s.cfg.Source,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	done := make(chan struct{})

	s.mu.Lock()
	s.run = run
	s.done = done
	s.backend = mem
	s.migrated = false
	s.status = Status{
		RunID:      run.ID,
		Location:   location,
		Loading:    true,
		TotalBytes: -1,
		Backend:    mem.Name(),
		StartedAt:  time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("load started", "run", run.ID, "location", location)
	s.coord.RequestRefresh()
	go s.consume(ctx, run, done)
	return run.ID
}

// Attach stops any load and serves b, typically a store.Remote, instead.
func (s *Session) Attach(b store.Backend) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.stop()
	s.coord.SetBackend(b)

	s.mu.Lock()
	s.backend = b
	s.status = Status{TotalBytes: -1, Backend: b.Name()}
	s.mu.Unlock()

	s.logger.Info("backend attached", "backend", b.Name())
	return s.coord.Refresh()
}

// Status returns a snapshot of the current load.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Wait blocks until the messages of the current run are consumed.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the current run and releases the SQLite backend, if any.
// The coordinator is left to its owner.
func (s *Session) Close() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.stop()
}

// stop cancels the run, waits for its consumer and closes a migrated
// SQLite backend. Caller holds loadMu.
func (s *Session) stop() error {
	s.mu.Lock()
	run, done, sq := s.run, s.done, s.sqlite
	s.run, s.sqlite = nil, nil
	s.mu.Unlock()

	if run != nil {
		run.Cancel()
		<-done
	}
	if sq == nil {
		return nil
	}
	// The coordinator must stop reading from it first.
	if s.coord.Backend() == store.Backend(sq) {
		s.coord.SetBackend(store.NewMemory(store.Options{Logger: s.logger, Metrics: s.metrics}))
	}
	return sq.Close()
}

func (s *Session) current(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.RunID == id
}

func (s *Session) consume(ctx context.Context, run *ingest.Run, done chan struct{}) {
	defer close(done)
	logger := s.logger.With("run", run.ID)

	for m := range run.Messages() {
		if !s.current(m.RunID) {
			continue
		}
		switch m.Kind {
		case ingest.KindItems:
			if err := s.addItems(ctx, m); err != nil {
				run.Cancel()
				s.finish(run.ID, err)
				return
			}
			s.coord.RequestRefresh()

		case ingest.KindProgress:
			s.mu.Lock()
			s.status.ProgressBytes = m.Bytes
			s.status.TotalBytes = m.Total
			due := s.migrationDue()
			s.mu.Unlock()
			if due {
				s.migrate(ctx, logger)
			}

		case ingest.KindLog:
			logger.Debug("ingest", "text", m.Text)

		case ingest.KindError:
			s.finish(run.ID, m.Err)
			return

		case ingest.KindDone:
			s.mu.Lock()
			s.status.ProgressBytes = m.Bytes
			s.mu.Unlock()
			s.finish(run.ID, nil)
			logger.Info("load complete", "records", m.Count, "strategy", m.Strategy)
			return
		}
	}

	// Canceled runs close without a terminal message.
	s.mu.Lock()
	if s.status.RunID == run.ID {
		s.status.Loading = false
	}
	s.mu.Unlock()
}

func (s *Session) addItems(ctx context.Context, m ingest.Message) error {
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()

	if err := b.AddMany(ctx, m.Records); err != nil {
		return errors.Wrap(err, "session.addItems")
	}
	s.mu.Lock()
	s.status.IngestedCount += len(m.Records)
	s.mu.Unlock()
	return nil
}

// finish records the outcome of a run and publishes the final read model.
func (s *Session) finish(id uuid.UUID, err error) {
	s.mu.Lock()
	if s.status.RunID != id {
		s.mu.Unlock()
		return
	}
	s.status.Loading = false
	s.status.Err = err
	s.mu.Unlock()

	if err != nil && !errors.IsCanceled(err) {
		s.logger.Warn("load failed", "run", id, "error", err)
	}
	if ferr := s.coord.Flush(); ferr != nil && !errors.IsCanceled(ferr) {
		s.logger.Warn("final refresh failed", "run", id, "error", ferr)
	}
}

// migrationDue reports whether the load crossed the migration threshold.
// Caller holds mu.
func (s *Session) migrationDue() bool {
	return !s.migrated &&
		s.cfg.MigrateThreshold > 0 &&
		s.cfg.SQLitePath != "" &&
		s.status.ProgressBytes >= s.cfg.MigrateThreshold
}

// migrate moves the records ingested so far into SQLite and continues the
// load there. A failure leaves the load in memory.
func (s *Session) migrate(ctx context.Context, logger *slog.Logger) {
	s.mu.Lock()
	s.migrated = true
	from := s.backend
	s.mu.Unlock()

	start := time.Now()
	sq, n, err := s.migrateTo(ctx, from)
	s.metrics.CounterInc(metrics.StoreMigrationsTotal.Name, "from", from.Name(), "to", store.NameSQLite, "status", metrics.Status(err))
	if err != nil {
		logger.Warn("migration to sqlite failed, staying in memory", "error", err)
		return
	}

	s.mu.Lock()
	s.backend = sq
	s.sqlite = sq
	s.status.Backend = sq.Name()
	s.mu.Unlock()
	s.coord.SetBackend(sq)
	s.coord.RequestRefresh()

	logger.Info("migrated to sqlite", "path", sq.Path(), "records", n, "duration", time.Since(start))
}

func (s *Session) migrateTo(ctx context.Context, from store.Backend) (*store.SQLite, int, error) {
	sq, err := store.OpenSQLite(ctx, &store.SQLiteConfig{
		Path:    s.cfg.SQLitePath,
		Reset:   true,
		Options: store.Options{Logger: s.logger, Metrics: s.metrics},
	})
	if err != nil {
		return nil, 0, err
	}
	n, err := store.Migrate(ctx, from, sq, store.DefaultMigratePageSize)
	if err != nil {
		_ = sq.Close()
		return nil, 0, err
	}
	return sq, n, nil
}
