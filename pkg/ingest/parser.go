// Package ingest streams vulnerability datasets from files, URLs and code
// hosts into batches of canonical records.
//
// The primary strategy scans the byte stream for objects inside JSON arrays
// without decoding the whole document. When that yields nothing the input is
// re-read from a spool with two fallbacks: a wrapped array under a
// conventional key, then newline-delimited JSON.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// Defaults for Config.
const (
	DefaultBatchSize        = 500
	DefaultReadSize         = 64 << 10
	DefaultRetainBytes      = 512 << 10
	DefaultSpoolMemoryBytes = 8 << 20
	DefaultLogEvery         = 1000
)

// Strategy names the parse path that produced a run's records.
type Strategy string

const (
	StrategyArray   Strategy = "array"
	StrategyWrapped Strategy = "wrapped"
	StrategyNDJSON  Strategy = "ndjson"
	StrategyNone    Strategy = "none"
)

// Config configures a Parser.
type Config struct {
	// BatchSize is the number of records per emitted batch.
	BatchSize int `yaml:"batch_size"`

	// ReadSize is the size of each read from the input.
	ReadSize int `yaml:"read_size"`

	// RetainBytes bounds the already-scanned prefix kept in front of an
	// object that is still being assembled.
	RetainBytes int `yaml:"retain_bytes"`

	// SpoolMemoryBytes is how much input is kept in memory for the fallbacks
	// before spilling to a temporary file in SpoolDir.
	SpoolMemoryBytes int    `yaml:"spool_memory_bytes"`
	SpoolDir         string `yaml:"spool_dir"`

	// LogEvery samples skip diagnostics: the first and then one in every N.
	LogEvery int `yaml:"log_every"`

	Logger  *slog.Logger      `yaml:"-"`
	Metrics metrics.Collector `yaml:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BatchSize:        DefaultBatchSize,
		ReadSize:         DefaultReadSize,
		RetainBytes:      DefaultRetainBytes,
		SpoolMemoryBytes: DefaultSpoolMemoryBytes,
		LogEvery:         DefaultLogEvery,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	if c.RetainBytes <= 0 {
		c.RetainBytes = d.RetainBytes
	}
	if c.SpoolMemoryBytes <= 0 {
		c.SpoolMemoryBytes = d.SpoolMemoryBytes
	}
	if c.LogEvery <= 0 {
		c.LogEvery = d.LogEvery
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	return c
}

// Sink receives parser output. An error from Items aborts the parse.
type Sink interface {
	Items(ctx context.Context, records []vuln.Record) error
	Log(ctx context.Context, text string)
}

// Result describes a completed parse.
type Result struct {
	Strategy Strategy
	Records  int
	Batches  int
	Skipped  int
}

// Parser turns a JSON byte stream into batches of records. A Parser is
// stateless between calls and safe for concurrent use.
type Parser struct {
	cfg Config
}

// NewParser creates a parser.
func NewParser(cfg Config) *Parser {
	return &Parser{cfg: cfg.withDefaults()}
}

// Parse reads r to the end and delivers every record to sink. Every call
// starts from fresh scanner state. Malformed items are skipped; only read
// failures, cancellation and sink errors are returned.
func (p *Parser) Parse(ctx context.Context, r io.Reader, sink Sink) (Result, error) {
	sp := newSpool(p.cfg.SpoolMemoryBytes, p.cfg.SpoolDir)
	defer sp.Close()

	b := p.newBatcher(sink, StrategyArray)
	if err := p.scanArray(ctx, io.TeeReader(r, sp), b); err != nil {
		return b.result(), err
	}
	if b.records > 0 {
		return b.result(), nil
	}

	p.cfg.Logger.Debug("primary scan found no records, trying fallbacks",
		"bytes", sp.Size(), "spooled_to_disk", sp.OnDisk())
	return p.fallback(ctx, sp, sink)
}

func (p *Parser) scanArray(ctx context.Context, r io.Reader, b *batcher) error {
	sc := NewScanner()
	buf := make([]byte, 0, 2*p.cfg.ReadSize)
	emit := func(item []byte) error {
		rec, ok := vuln.ParseRecord(item)
		if !ok {
			b.skip(ctx, "array item is not a record", false)
			return nil
		}
		return b.add(ctx, rec)
	}

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "ingest.Parse")
		}

		buf = slices.Grow(buf, p.cfg.ReadSize)
		pos := len(buf)
		n, rerr := r.Read(buf[pos : pos+p.cfg.ReadSize])
		buf = buf[:pos+n]

		if n > 0 {
			if _, err := sc.Scan(buf, pos, emit); err != nil {
				return err
			}
			buf = p.compact(buf, sc)
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return readError(rerr)
		}
	}
	return b.flush(ctx)
}

// compact drops scanned bytes that no pending item needs.
func (p *Parser) compact(buf []byte, sc *Scanner) []byte {
	if !sc.Capturing() {
		if cap(buf) > 4*(p.cfg.RetainBytes+p.cfg.ReadSize) {
			return make([]byte, 0, 2*p.cfg.ReadSize)
		}
		return buf[:0]
	}
	start := sc.ItemStart()
	if start < p.cfg.RetainBytes {
		return buf
	}
	n := copy(buf, buf[start:])
	sc.Rebase(start)
	return buf[:n]
}

func readError(err error) error {
	if kind := errors.GetKind(err); kind != errors.KindUnknown {
		return errors.WrapKind(err, kind, "ingest.read")
	}
	return errors.WrapKind(err, errors.KindNetwork, "ingest.read")
}

// batcher accumulates records and flushes them to the sink in fixed-size
// batches.
type batcher struct {
	size     int
	sink     Sink
	strategy Strategy
	pending  []vuln.Record

	records int
	batches int
	skipped int

	sampler *rate.Sometimes
	logger  *slog.Logger
	metrics metrics.Collector
}

func (p *Parser) newBatcher(sink Sink, strategy Strategy) *batcher {
	return &batcher{
		size:     p.cfg.BatchSize,
		sink:     sink,
		strategy: strategy,
		pending:  make([]vuln.Record, 0, p.cfg.BatchSize),
		sampler:  &rate.Sometimes{First: 1, Every: p.cfg.LogEvery},
		logger:   p.cfg.Logger,
		metrics:  p.cfg.Metrics,
	}
}

func (b *batcher) add(ctx context.Context, rec vuln.Record) error {
	b.pending = append(b.pending, rec)
	if len(b.pending) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	items := b.pending
	b.pending = make([]vuln.Record, 0, b.size)
	b.records += len(items)
	b.batches++
	b.metrics.CounterAdd(metrics.IngestRecordsTotal.Name, float64(len(items)), "strategy", string(b.strategy))
	b.metrics.CounterInc(metrics.IngestBatchesTotal.Name, "strategy", string(b.strategy))
	return b.sink.Items(ctx, items)
}

// skip counts a dropped entry. Diagnostics are sampled; notify also sends
// the sampled line to the sink.
func (b *batcher) skip(ctx context.Context, reason string, notify bool) {
	b.skipped++
	b.metrics.CounterInc(metrics.IngestSkippedTotal.Name, "strategy", string(b.strategy))
	b.sampler.Do(func() {
		b.logger.Debug("skipping entry", "strategy", b.strategy, "reason", reason, "skipped", b.skipped)
		if notify {
			b.sink.Log(ctx, fmt.Sprintf("skipping malformed entry (%s): %s, %d skipped so far", b.strategy, reason, b.skipped))
		}
	})
}

func (b *batcher) result() Result {
	return Result{Strategy: b.strategy, Records: b.records, Batches: b.batches, Skipped: b.skipped}
}
