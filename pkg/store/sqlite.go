package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/shared/severity"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// SQLiteConfig configures the embedded backend.
type SQLiteConfig struct {
	// Path is the database file. It is created if missing.
	Path string `yaml:"path" json:"path"`

	// Reset drops existing records on open.
	Reset bool `yaml:"reset" json:"reset"`

	Options `yaml:"-" json:"-"`
}

// DefaultSQLiteConfig returns a config with a database in the temp dir.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path: filepath.Join(os.TempDir(), "vulnview", "records.db"),
	}
}

// Applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"cache_size(-64000)", // 64MB cache
	"temp_store(MEMORY)",
	"busy_timeout(5000)",
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	published TEXT NOT NULL DEFAULT '',
	published_sec INTEGER,
	published_nsec INTEGER,
	published_month TEXT NOT NULL DEFAULT '',
	risk_joined TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	score REAL,
	vendor TEXT NOT NULL DEFAULT '',
	product TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	haystack TEXT NOT NULL,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_factors (
	record_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	factor TEXT NOT NULL,
	PRIMARY KEY (record_id, position)
);

CREATE INDEX IF NOT EXISTS idx_records_severity ON records(severity);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_published ON records(published_sec, published_nsec);
CREATE INDEX IF NOT EXISTS idx_risk_factors_factor ON risk_factors(factor, record_id);
`

const upsertRecord = `
INSERT INTO records (
	id, title, description, severity, published, published_sec, published_nsec,
	published_month, risk_joined, status, score, vendor, product, source,
	haystack, doc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	description = excluded.description,
	severity = excluded.severity,
	published = excluded.published,
	published_sec = excluded.published_sec,
	published_nsec = excluded.published_nsec,
	published_month = excluded.published_month,
	risk_joined = excluded.risk_joined,
	status = excluded.status,
	score = excluded.score,
	vendor = excluded.vendor,
	product = excluded.product,
	source = excluded.source,
	haystack = excluded.haystack,
	doc = excluded.doc
`

// sortColumns maps each sort key onto the column holding vuln.StringValue
// (or the numeric score).
var sortColumns = map[vuln.SortKey]string{
	vuln.SortID:          "id",
	vuln.SortTitle:       "title",
	vuln.SortDescription: "description",
	vuln.SortSeverity:    "severity",
	vuln.SortPublished:   "published",
	vuln.SortRiskFactors: "risk_joined",
	vuln.SortStatus:      "status",
	vuln.SortScore:       "score",
	vuln.SortVendor:      "vendor",
	vuln.SortProduct:     "product",
	vuln.SortSource:      "source",
}

// SQLite stores records in an embedded database. Filters, ordering and
// paging run in SQL over columns derived with the package vuln helpers, so
// results equal those of Memory.
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	cfg    *SQLiteConfig
}

var (
	_ Backend = (*SQLite)(nil)
	_ Getter  = (*SQLite)(nil)
)

// OpenSQLite opens (or creates) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg *SQLiteConfig) (*SQLite, error) {
	if cfg == nil {
		cfg = DefaultSQLiteConfig()
	}
	if cfg.Path == "" {
		return nil, errors.E(errors.KindInvalidInput, "store.OpenSQLite", "database path is required")
	}
	c := *cfg
	c.Options = c.Options.withDefaults()

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return nil, errors.WrapKind(fmt.Errorf("create storage directory: %w", err), errors.KindStorage, "store.OpenSQLite")
	}

	q := url.Values{"_pragma": pragmas}
	db, err := sql.Open("sqlite", c.Path+"?"+q.Encode())
	if err != nil {
		return nil, errors.WrapKind(fmt.Errorf("open database: %w", err), errors.KindStorage, "store.OpenSQLite")
	}

	s := &SQLite{db: db, cfg: &c}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.WrapKind(fmt.Errorf("init schema: %w", err), errors.KindStorage, "store.OpenSQLite")
	}
	if c.Reset {
		if err := s.Clear(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	c.Logger.Debug("sqlite backend opened", "path", c.Path)
	return s, nil
}

// Name implements Backend.
func (s *SQLite) Name() string { return NameSQLite }

// Path returns the database file.
func (s *SQLite) Path() string { return s.cfg.Path }

// Close closes the database. Later calls fail with ErrClosed.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLite) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := errors.GetKind(err); k == errors.KindCanceled || k == errors.KindTimeout {
		return errors.Wrap(err, op)
	}
	return errors.WrapKind(err, errors.KindStorage, op)
}

// AddMany implements Backend. Each batch is one transaction.
func (s *SQLite) AddMany(ctx context.Context, records []vuln.Record) (err error) {
	defer func(start time.Time) { observe(s.cfg.Metrics, NameSQLite, "add", start, err) }(time.Now())
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("store.SQLite.AddMany", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, upsertRecord)
	if err != nil {
		return s.fail("store.SQLite.AddMany", err)
	}
	defer upsert.Close()
	delRisk, err := tx.PrepareContext(ctx, `DELETE FROM risk_factors WHERE record_id = ?`)
	if err != nil {
		return s.fail("store.SQLite.AddMany", err)
	}
	defer delRisk.Close()
	insRisk, err := tx.PrepareContext(ctx, `INSERT INTO risk_factors (record_id, position, factor) VALUES (?, ?, ?)`)
	if err != nil {
		return s.fail("store.SQLite.AddMany", err)
	}
	defer insRisk.Close()

	for i := range records {
		r := &records[i]
		args, err := rowArgs(r)
		if err != nil {
			return errors.WrapKind(err, errors.KindInternal, "store.SQLite.AddMany")
		}
		if _, err := upsert.ExecContext(ctx, args...); err != nil {
			return s.fail("store.SQLite.AddMany", fmt.Errorf("upsert %q: %w", r.ID, err))
		}
		if _, err := delRisk.ExecContext(ctx, r.ID); err != nil {
			return s.fail("store.SQLite.AddMany", err)
		}
		for pos, f := range r.RiskFactors {
			if _, err := insRisk.ExecContext(ctx, r.ID, pos, f); err != nil {
				return s.fail("store.SQLite.AddMany", err)
			}
		}
	}
	return s.fail("store.SQLite.AddMany", tx.Commit())
}

// rowArgs derives the column values of r in upsertRecord order.
func rowArgs(r *vuln.Record) ([]any, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record %q: %w", r.ID, err)
	}

	var sec, nsec sql.NullInt64
	if t, ok := vuln.ParseDate(r.Published); ok {
		sec = sql.NullInt64{Int64: t.Unix(), Valid: true}
		nsec = sql.NullInt64{Int64: int64(t.Nanosecond()), Valid: true}
	}
	var score sql.NullFloat64
	if r.Score != nil {
		score = sql.NullFloat64{Float64: *r.Score, Valid: true}
	}

	return []any{
		r.ID, r.Title, r.Description, string(r.Severity), r.Published, sec, nsec,
		vuln.MonthKey(r.Published), vuln.StringValue(r, vuln.SortRiskFactors), r.Status, score,
		r.Vendor, r.Product, r.Source, vuln.Haystack(r), string(doc),
	}, nil
}

// where renders filters as a SQL predicate with positional arguments. It
// mirrors vuln.Matcher.Match clause by clause.
func where(f vuln.Filters) (string, []any) {
	m := f.Matcher()
	var conds []string
	var args []any

	if f.Severity.Len() > 0 {
		levels := f.Severity.Sorted()
		conds = append(conds, "severity IN ("+placeholders(len(levels))+")")
		for _, l := range levels {
			args = append(args, string(l))
		}
	}
	if f.RiskFactors.Len() > 0 {
		factors := f.RiskFactors.Sorted()
		conds = append(conds, "EXISTS (SELECT 1 FROM risk_factors rf WHERE rf.record_id = records.id AND rf.factor IN ("+placeholders(len(factors))+"))")
		for _, v := range factors {
			args = append(args, v)
		}
	}
	if f.StatusExclude.Len() > 0 {
		statuses := f.StatusExclude.Sorted()
		conds = append(conds, "(status = '' OR status NOT IN ("+placeholders(len(statuses))+"))")
		for _, v := range statuses {
			args = append(args, v)
		}
	}
	if from, hasFrom, to, hasTo := m.DateBounds(); hasFrom || hasTo {
		conds = append(conds, "published_sec IS NOT NULL")
		if hasFrom {
			conds = append(conds, "(published_sec, published_nsec) >= (?, ?)")
			args = append(args, from.Unix(), int64(from.Nanosecond()))
		}
		if hasTo {
			conds = append(conds, "(published_sec, published_nsec) <= (?, ?)")
			args = append(args, to.Unix(), int64(to.Nanosecond()))
		}
	}
	if q := m.Query(); q != "" {
		conds = append(conds, "instr(haystack, ?) > 0")
		args = append(args, q)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// orderBy renders the ORDER BY clause. Ties fall back to insertion order.
// SQLite sorts NULL scores first ascending and last descending, as
// vuln.Compare does.
func orderBy(sort *vuln.SortSpec) string {
	if sort == nil {
		return " ORDER BY rowid"
	}
	dir := "ASC"
	if sort.Dir == vuln.Desc {
		dir = "DESC"
	}
	return " ORDER BY " + sortColumns[sort.Key] + " " + dir + ", rowid"
}

// Count implements Backend.
func (s *SQLite) Count(ctx context.Context, filters *vuln.Filters) (n int, err error) {
	defer func(start time.Time) { observe(s.cfg.Metrics, NameSQLite, "count", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.ErrClosed
	}

	q := "SELECT COUNT(*) FROM records"
	var args []any
	if filters != nil {
		clause, a := where(*filters)
		q += clause
		args = a
	}
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, s.fail("store.SQLite.Count", err)
	}
	return n, nil
}

// Query implements Backend.
func (s *SQLite) Query(ctx context.Context, filters vuln.Filters, offset, limit int, sort *vuln.SortSpec) (out []vuln.Record, err error) {
	defer func(start time.Time) { observe(s.cfg.Metrics, NameSQLite, "query", start, err) }(time.Now())
	if err := checkQuery("store.SQLite.Query", offset, limit, sort); err != nil {
		return nil, err
	}
	out = make([]vuln.Record, 0, min(limit, 1024))
	if limit == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	clause, args := where(filters)
	q := "SELECT doc FROM records" + clause + orderBy(sort) + " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.fail("store.SQLite.Query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, s.fail("store.SQLite.Query", err)
		}
		r, err := decodeDoc(doc)
		if err != nil {
			return nil, errors.WrapKind(err, errors.KindStorage, "store.SQLite.Query")
		}
		out = append(out, r)
	}
	return out, s.fail("store.SQLite.Query", rows.Err())
}

func decodeDoc(doc string) (vuln.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	var r vuln.Record
	if err := dec.Decode(&r); err != nil {
		return vuln.Record{}, fmt.Errorf("decode stored record: %w", err)
	}
	return r, nil
}

// Summarize implements Backend.
func (s *SQLite) Summarize(ctx context.Context) (sum *vuln.Summary, err error) {
	defer func(start time.Time) { observe(s.cfg.Metrics, NameSQLite, "summarize", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	sum = vuln.NewSummary()
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&sum.Total); err != nil {
		return nil, s.fail("store.SQLite.Summarize", err)
	}

	groups := []struct {
		query string
		add   func(key string, n int)
	}{
		{
			`SELECT severity, COUNT(*) FROM records GROUP BY severity`,
			func(k string, n int) { sum.SeverityCounts.Add(severity.Level(k), n) },
		},
		{
			`SELECT factor, COUNT(*) FROM risk_factors GROUP BY factor`,
			func(k string, n int) { sum.RiskFactorCounts[k] = n },
		},
		{
			`SELECT published_month, COUNT(*) FROM records WHERE published_month <> '' GROUP BY published_month`,
			func(k string, n int) { sum.PublishedByMonth[k] = n },
		},
		{
			`SELECT CASE WHEN status = '' THEN '` + vuln.StatusUnknown + `' ELSE status END AS st, COUNT(*) FROM records GROUP BY st`,
			func(k string, n int) { sum.KaiStatusCounts[k] += n },
		},
	}
	for _, g := range groups {
		if err := s.group(ctx, g.query, g.add); err != nil {
			return nil, s.fail("store.SQLite.Summarize", err)
		}
	}
	return sum, nil
}

func (s *SQLite) group(ctx context.Context, query string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}

// Get implements Getter.
func (s *SQLite) Get(ctx context.Context, id string) (*vuln.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM records WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, notFound("store.SQLite.Get", id)
	}
	if err != nil {
		return nil, s.fail("store.SQLite.Get", err)
	}
	r, err := decodeDoc(doc)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStorage, "store.SQLite.Get")
	}
	return &r, nil
}

// Clear implements Backend.
func (s *SQLite) Clear(ctx context.Context) (err error) {
	defer func(start time.Time) { observe(s.cfg.Metrics, NameSQLite, "clear", start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("store.SQLite.Clear", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM risk_factors`, `DELETE FROM records`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return s.fail("store.SQLite.Clear", err)
		}
	}
	return s.fail("store.SQLite.Clear", tx.Commit())
}
