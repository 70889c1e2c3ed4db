// Package store holds vulnerability records behind a single Backend
// contract. The in-memory, SQLite and remote implementations select, order
// and page records identically; the rules live in package vuln.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// Backend names.
const (
	NameMemory = "memory"
	NameSQLite = "sqlite"
	NameRemote = "remote"
)

// Backend is a queryable record store.
type Backend interface {
	// AddMany inserts records. A record whose id already exists replaces
	// the stored one and keeps its position in native order.
	AddMany(ctx context.Context, records []vuln.Record) error

	// Count returns the number of records matching filters, or all records
	// when filters is nil.
	Count(ctx context.Context, filters *vuln.Filters) (int, error)

	// Query returns at most limit matching records starting at offset,
	// ordered by sort or, when sort is nil, by native insertion order.
	Query(ctx context.Context, filters vuln.Filters, offset, limit int, sort *vuln.SortSpec) ([]vuln.Record, error)

	// Summarize aggregates over all records, ignoring filters.
	Summarize(ctx context.Context) (*vuln.Summary, error)

	// Clear removes every record.
	Clear(ctx context.Context) error

	// Name identifies the implementation in logs and metrics.
	Name() string
}

// Getter looks a record up by id. A missing id is a KindNotFound error.
type Getter interface {
	Get(ctx context.Context, id string) (*vuln.Record, error)
}

// Options are the ambient dependencies of a backend.
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Metrics = metrics.OrNop(o.Metrics)
	return o
}

func checkQuery(op string, offset, limit int, sort *vuln.SortSpec) error {
	if offset < 0 || limit < 0 {
		return errors.E(errors.KindInvalidInput, op, errors.ErrInvalidPage)
	}
	if err := sort.Validate(); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func notFound(op, id string) error {
	return errors.E(errors.KindNotFound, op, "record "+id, errors.ErrNotFound)
}

func observe(m metrics.Collector, backend, op string, start time.Time, err error) {
	m.CounterInc(metrics.StoreOperationsTotal.Name, "backend", backend, "op", op, "status", metrics.Status(err))
	m.HistogramObserve(metrics.StoreOperationDuration.Name, time.Since(start).Seconds(), "backend", backend, "op", op)
}
