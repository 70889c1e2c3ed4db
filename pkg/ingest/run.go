package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/vulnview/pkg/compress"
	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// MessageKind discriminates Message.
type MessageKind string

const (
	KindProgress MessageKind = "progress"
	KindItems    MessageKind = "items"
	KindLog      MessageKind = "log"
	KindError    MessageKind = "error"
	KindDone     MessageKind = "done"
)

// Message is one event of a run. Which fields are set depends on Kind:
//
//	progress  Bytes, Total (-1 when unknown)
//	items     Records
//	log       Text
//	error     Text, Err
//	done      Bytes, Count, Strategy
type Message struct {
	RunID    uuid.UUID
	Kind     MessageKind
	Records  []vuln.Record
	Bytes    int64
	Total    int64
	Count    int
	Text     string
	Err      error
	Strategy Strategy
}

// Options configures a run.
type Options struct {
	Parser Config
	Source SourceConfig

	// Buffer is the capacity of the message channel.
	Buffer int

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Run is one ingestion of one location. Its goroutine owns the source and
// the parser; the consumer only reads Messages.
type Run struct {
	ID uuid.UUID

	location string
	opts     Options
	ch       chan Message
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// Start launches an ingestion run in its own goroutine. Messages end with
// exactly one error or done message, after which the channel is closed. A
// canceled run closes the channel without a terminal message.
func Start(ctx context.Context, location string, opts Options) *Run {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Metrics = metrics.OrNop(opts.Metrics)
	if opts.Parser.Logger == nil {
		opts.Parser.Logger = opts.Logger
	}
	if opts.Parser.Metrics == nil {
		opts.Parser.Metrics = opts.Metrics
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:       uuid.New(),
		location: location,
		opts:     opts,
		ch:       make(chan Message, opts.Buffer),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Messages returns the run's event channel.
func (r *Run) Messages() <-chan Message {
	return r.ch
}

// Cancel stops the run at its next read or send. Messages already buffered
// may still be received; consumers discard them by RunID.
func (r *Run) Cancel() {
	r.once.Do(r.cancel)
}

// Done is closed when the run goroutine has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Location returns the location the run reads.
func (r *Run) Location() string {
	return r.location
}

func (r *Run) send(m Message) error {
	m.RunID = r.ID
	select {
	case <-r.ctx.Done():
		return errors.Wrap(r.ctx.Err(), "ingest.Run")
	default:
	}
	select {
	case <-r.ctx.Done():
		return errors.Wrap(r.ctx.Err(), "ingest.Run")
	case r.ch <- m:
		return nil
	}
}

// Items implements Sink.
func (r *Run) Items(_ context.Context, records []vuln.Record) error {
	return r.send(Message{Kind: KindItems, Records: records})
}

// Log implements Sink.
func (r *Run) Log(_ context.Context, text string) {
	r.opts.Logger.Debug(text, "run", r.ID)
	_ = r.send(Message{Kind: KindLog, Text: text})
}

func (r *Run) run() {
	defer close(r.done)
	defer close(r.ch)
	defer r.Cancel()

	start := time.Now()
	logger := r.opts.Logger.With("run", r.ID, "location", r.location)

	bytesRead, res, err := r.ingest()
	status := metrics.Status(err)
	if errors.IsCanceled(err) {
		status = "canceled"
	}
	r.opts.Metrics.CounterInc(metrics.IngestRunsTotal.Name, "status", status)
	r.opts.Metrics.HistogramObserve(metrics.IngestRunDuration.Name, time.Since(start).Seconds(), "status", status)

	switch {
	case r.ctx.Err() != nil:
		logger.Debug("ingestion canceled", "bytes", bytesRead)
	case err != nil:
		logger.Warn("ingestion failed", "error", err, "bytes", bytesRead)
		_ = r.send(Message{Kind: KindError, Text: err.Error(), Err: err})
	default:
		logger.Info("ingestion complete",
			"bytes", bytesRead, "records", res.Records, "skipped", res.Skipped,
			"strategy", res.Strategy, "duration", time.Since(start))
		_ = r.send(Message{Kind: KindDone, Bytes: bytesRead, Count: res.Records, Strategy: res.Strategy})
	}
}

func (r *Run) ingest() (int64, Result, error) {
	src, err := Open(r.ctx, r.location, r.opts.Source)
	if err != nil {
		return 0, Result{}, err
	}
	defer src.Body.Close()
	r.Log(r.ctx, fmt.Sprintf("fetch started: %s length=%d", src.Name, src.Size))

	counter := &countingReader{r: src.Body, total: src.Size, report: r.progress, metrics: r.opts.Metrics}
	body, alg, err := compress.NewReader(counter)
	if err != nil {
		return counter.n, Result{}, errors.WrapKind(err, errors.KindInvalidInput, "ingest.decompress")
	}
	defer body.Close()
	if alg != compress.AlgorithmNone {
		r.Log(r.ctx, fmt.Sprintf("decoding %s stream", alg))
	}

	res, err := NewParser(r.opts.Parser).Parse(r.ctx, body, r)
	return counter.n, res, err
}

func (r *Run) progress(n, total int64) error {
	return r.send(Message{Kind: KindProgress, Bytes: n, Total: total})
}

// countingReader reports the cumulative number of transport bytes after
// every read. A report error fails the read.
type countingReader struct {
	r       io.Reader
	n       int64
	total   int64
	report  func(n, total int64) error
	metrics metrics.Collector
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.metrics.CounterAdd(metrics.IngestBytesTotal.Name, float64(n))
		if rerr := c.report(c.n, c.total); rerr != nil {
			return n, rerr
		}
	}
	return n, err
}
