package vuln

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/exploopio/vulnview/pkg/shared/severity"
)

// Candidate raw field names per canonical field, in precedence order.
var (
	idFields          = []string{"cveId", "cve", "id", "VulnerabilityID"}
	titleFields       = []string{"title", "summary", "name", "packageName"}
	descriptionFields = []string{"description", "desc"}
	severityFields    = []string{"severity", "cvssSeverity", "baseSeverity"}
	publishedFields   = []string{"published", "publishedDate", "date"}
	riskFactorFields  = []string{"riskFactors", "risk", "tags"}
	statusFields      = []string{"kaiStatus", "aiStatus", "status"}
	scoreFields       = []string{"cvss", "cvssScore", "cvss_v3"}
	cweFields         = []string{"cwe", "cweIds"}
	tagFields         = []string{"tags"}
	vendorFields      = []string{"vendor", "organization"}
	productFields     = []string{"product", "package"}
	sourceFields      = []string{"source", "provider"}
)

// Normalize maps one raw document onto a canonical record. It is pure and
// total: the same input always yields the same output, and it never panics.
// ok is false when no id can be derived; such records are dropped.
//
// For each canonical field the first candidate that is present and not JSON
// null wins, even if its value is unusable.
func Normalize(raw Raw) (rec Record, ok bool) {
	if raw == nil {
		return Record{}, false
	}

	idVal, found := first(raw, idFields)
	if !found {
		return Record{}, false
	}
	id, isScalar := scalarID(idVal)
	if !isScalar || id == "" {
		return Record{}, false
	}

	rec = Record{
		ID:       id,
		Title:    id,
		Severity: severity.Unknown,
		Raw:      raw,
	}
	// A present but empty title is kept; only absent or null falls back.
	if v, found := first(raw, titleFields); found {
		rec.Title = stringify(v)
	}
	if v, found := first(raw, descriptionFields); found {
		rec.Description = stringify(v)
	}
	if v, found := first(raw, severityFields); found {
		rec.Severity = severity.FromString(stringify(v))
	}
	if v, found := first(raw, publishedFields); found {
		rec.Published = stringify(v)
	}
	if v, found := first(raw, riskFactorFields); found {
		rec.RiskFactors = riskFactors(v)
	}
	if v, found := first(raw, statusFields); found {
		rec.Status = stringify(v)
	}
	if v, found := first(raw, scoreFields); found {
		rec.Score = score(v)
	}
	if v, found := first(raw, cweFields); found {
		rec.CWE = stringList(v)
	}
	if v, found := first(raw, tagFields); found {
		rec.Tags = stringList(v)
	}
	if v, found := first(raw, vendorFields); found {
		rec.Vendor = stringify(v)
	}
	if v, found := first(raw, productFields); found {
		rec.Product = stringify(v)
	}
	if v, found := first(raw, sourceFields); found {
		rec.Source = stringify(v)
	}
	return rec, true
}

func first(raw Raw, names []string) (any, bool) {
	for _, name := range names {
		if v, ok := raw[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func scalarID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number, float64, int, int64:
		return stringify(t), true
	default:
		return "", false
	}
}

// stringify renders a decoded JSON value as text. Composite values are
// re-encoded as compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// riskFactors handles the three raw shapes in fixed precedence: array,
// object (keys become the factors, sorted), delimited string.
func riskFactors(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, stringify(x))
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return keys
	case Raw:
		return riskFactors(map[string]any(t))
	case string:
		return SplitList(t)
	default:
		return nil
	}
}

// SplitList splits a ';' or ',' delimited string, trimming each part and
// dropping empties.
func SplitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, stringify(x))
		}
		return out
	case []string:
		return slices.Clone(t)
	case string:
		return SplitList(t)
	default:
		return nil
	}
}

func score(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
