package vuln

import (
	"strings"
	"time"
)

// Accepted publication date layouts. Values without a zone are UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

// ParseDate parses an ISO-8601 date or date-time. ok is false for empty or
// unparseable input, which filtering and bucketing treat as absent.
func ParseDate(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// MonthKey returns the UTC "YYYY-MM" bucket of an ISO date, or "" when the
// date is absent or invalid.
func MonthKey(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format("2006-01")
}
