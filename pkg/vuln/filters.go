package vuln

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/exploopio/vulnview/pkg/shared/severity"
)

// Set is an unordered set of values. A nil or empty Set imposes no
// constraint when used in Filters.
type Set[T cmp.Ordered] map[T]struct{}

// NewSet builds a set from values.
func NewSet[T cmp.Ordered](values ...T) Set[T] {
	s := make(Set[T], len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is a member.
func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

// Len returns the number of members.
func (s Set[T]) Len() int {
	return len(s)
}

// Sorted returns the members in ascending order.
func (s Set[T]) Sorted() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy.
func (s Set[T]) Clone() Set[T] {
	out := make(Set[T], len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// Toggle adds v when absent and removes it when present.
func (s Set[T]) Toggle(v T) Set[T] {
	out := s.Clone()
	if out.Has(v) {
		delete(out, v)
	} else {
		out[v] = struct{}{}
	}
	return out
}

// Filters is the value object describing which records a query accepts.
type Filters struct {
	// Query is matched case-insensitively as a substring of id, title and
	// description.
	Query string

	Severity      Set[severity.Level]
	RiskFactors   Set[string]
	StatusExclude Set[string]

	// DateFrom and DateTo are inclusive ISO-8601 bounds. Unparseable bounds
	// are ignored.
	DateFrom string
	DateTo   string
}

// Clone returns a deep copy so callers can derive new filters without
// aliasing the sets of the old ones.
func (f Filters) Clone() Filters {
	f.Severity = f.Severity.Clone()
	f.RiskFactors = f.RiskFactors.Clone()
	f.StatusExclude = f.StatusExclude.Clone()
	return f
}

// Empty reports whether the filters accept every record.
func (f Filters) Empty() bool {
	m := f.Matcher()
	return m.query == "" && f.Severity.Len() == 0 && f.RiskFactors.Len() == 0 &&
		f.StatusExclude.Len() == 0 && !m.hasFrom && !m.hasTo
}

// Match reports whether r passes the filters.
func (f Filters) Match(r *Record) bool {
	m := f.Matcher()
	return m.Match(r)
}

// Matcher precomputes the lower-cased query and parsed date bounds.
func (f Filters) Matcher() *Matcher {
	m := &Matcher{f: f, query: NormalizeQuery(f.Query)}
	if t, ok := ParseDate(f.DateFrom); ok {
		m.from, m.hasFrom = t, true
	}
	if t, ok := ParseDate(f.DateTo); ok {
		m.to, m.hasTo = t, true
	}
	return m
}

// Matcher applies Filters to records. Build one per query, not per record.
type Matcher struct {
	f       Filters
	query   string
	from    time.Time
	to      time.Time
	hasFrom bool
	hasTo   bool
}

// Query returns the normalized text query (trimmed, lower-cased).
func (m *Matcher) Query() string { return m.query }

// DateBounds returns the parsed bounds; the second and fourth results report
// whether each bound is set.
func (m *Matcher) DateBounds() (from time.Time, hasFrom bool, to time.Time, hasTo bool) {
	return m.from, m.hasFrom, m.to, m.hasTo
}

// Match reports whether r passes the filters.
func (m *Matcher) Match(r *Record) bool {
	if m.f.Severity.Len() > 0 && !m.f.Severity.Has(r.Severity) {
		return false
	}
	if m.f.RiskFactors.Len() > 0 && !r.HasRiskFactor(m.f.RiskFactors) {
		return false
	}
	if r.Status != "" && m.f.StatusExclude.Has(r.Status) {
		return false
	}
	if m.hasFrom || m.hasTo {
		t, ok := ParseDate(r.Published)
		if !ok {
			return false
		}
		if m.hasFrom && t.Before(m.from) {
			return false
		}
		if m.hasTo && t.After(m.to) {
			return false
		}
	}
	if m.query != "" && !strings.Contains(Haystack(r), m.query) {
		return false
	}
	return true
}

// NormalizeQuery trims and lower-cases a free-text query.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Haystack is the lower-cased text the free-text query is matched against.
func Haystack(r *Record) string {
	return strings.ToLower(r.ID + " " + r.Title + " " + r.Description)
}

// ParseSeverities converts a list of level names, ignoring unknown names
// other than "unknown" itself.
func ParseSeverities(values []string) Set[severity.Level] {
	s := make(Set[severity.Level], len(values))
	for _, v := range values {
		if l := severity.Level(strings.ToLower(strings.TrimSpace(v))); l.Valid() {
			s[l] = struct{}{}
		}
	}
	return s
}

// ParseList splits a comma-separated parameter, dropping empty items.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
