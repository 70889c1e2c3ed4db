package store

import (
	"context"
	"time"

	"github.com/exploopio/vulnview/pkg/client"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// Remote reads through the paged list API. It is read-only: AddMany and
// Clear do nothing. Queries larger than client.MaxLimit are fetched as
// several requests.
type Remote struct {
	c    *client.Client
	opts Options
}

var (
	_ Backend = (*Remote)(nil)
	_ Getter  = (*Remote)(nil)
)

// NewRemote creates a backend over c.
func NewRemote(c *client.Client, opts Options) *Remote {
	return &Remote{c: c, opts: opts.withDefaults()}
}

// Name implements Backend.
func (r *Remote) Name() string { return NameRemote }

// Client returns the underlying API client.
func (r *Remote) Client() *client.Client { return r.c }

// AddMany implements Backend.
func (r *Remote) AddMany(context.Context, []vuln.Record) error { return nil }

// Clear implements Backend.
func (r *Remote) Clear(context.Context) error { return nil }

// Count implements Backend with a limit=0 list request.
func (r *Remote) Count(ctx context.Context, filters *vuln.Filters) (n int, err error) {
	defer func(start time.Time) { observe(r.opts.Metrics, NameRemote, "count", start, err) }(time.Now())
	var f vuln.Filters
	if filters != nil {
		f = *filters
	}
	return r.c.Count(ctx, f)
}

// Query implements Backend.
func (r *Remote) Query(ctx context.Context, filters vuln.Filters, offset, limit int, sort *vuln.SortSpec) (out []vuln.Record, err error) {
	defer func(start time.Time) { observe(r.opts.Metrics, NameRemote, "query", start, err) }(time.Now())
	if err := checkQuery("store.Remote.Query", offset, limit, sort); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []vuln.Record{}, nil
	}
	out = make([]vuln.Record, 0, min(limit, client.MaxLimit))
	for len(out) < limit {
		n := min(limit-len(out), client.MaxLimit)
		resp, err := r.c.List(ctx, client.ListParams{Filters: filters, Offset: offset + len(out), Limit: n, Sort: sort})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Results...)
		if len(resp.Results) < n {
			break
		}
	}
	return out, nil
}

// Summarize implements Backend.
func (r *Remote) Summarize(ctx context.Context) (s *vuln.Summary, err error) {
	defer func(start time.Time) { observe(r.opts.Metrics, NameRemote, "summarize", start, err) }(time.Now())
	return r.c.Summary(ctx)
}

// Get implements Getter.
func (r *Remote) Get(ctx context.Context, id string) (*vuln.Record, error) {
	return r.c.Get(ctx, id)
}
