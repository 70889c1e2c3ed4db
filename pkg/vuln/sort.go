package vuln

import (
	"slices"
	"strconv"
	"strings"

	"github.com/exploopio/vulnview/pkg/errors"
)

// SortKey names a sortable canonical field by its JSON name.
type SortKey string

const (
	SortID          SortKey = "id"
	SortTitle       SortKey = "title"
	SortDescription SortKey = "description"
	SortSeverity    SortKey = "severity"
	SortPublished   SortKey = "published"
	SortRiskFactors SortKey = "riskFactors"
	SortStatus      SortKey = "kaiStatus"
	SortScore       SortKey = "cvss"
	SortVendor      SortKey = "vendor"
	SortProduct     SortKey = "product"
	SortSource      SortKey = "source"
)

// SortKeys returns every recognized sort key.
func SortKeys() []SortKey {
	return []SortKey{
		SortID, SortTitle, SortDescription, SortSeverity, SortPublished,
		SortRiskFactors, SortStatus, SortScore, SortVendor, SortProduct, SortSource,
	}
}

// Numeric reports whether the key sorts numerically.
func (k SortKey) Numeric() bool {
	return k == SortScore
}

// ParseSortKey validates a sort key.
func ParseSortKey(s string) (SortKey, error) {
	k := SortKey(s)
	if slices.Contains(SortKeys(), k) {
		return k, nil
	}
	return "", errors.E(errors.KindInvalidInput, "vuln.ParseSortKey", strconv.Quote(s), errors.ErrInvalidSortKey)
}

// SortDir is the sort direction.
type SortDir string

const (
	Asc  SortDir = "asc"
	Desc SortDir = "desc"
)

// ParseSortDir validates a sort direction. The empty string is ascending.
func ParseSortDir(s string) (SortDir, error) {
	switch SortDir(s) {
	case "", Asc:
		return Asc, nil
	case Desc:
		return Desc, nil
	}
	return "", errors.E(errors.KindInvalidInput, "vuln.ParseSortDir", strconv.Quote(s), errors.ErrInvalidSortDir)
}

// SortSpec is a single (field, direction) pair. A nil *SortSpec means
// backend-native insertion order.
type SortSpec struct {
	Key SortKey `json:"key"`
	Dir SortDir `json:"dir"`
}

// Validate checks the key and direction.
func (s *SortSpec) Validate() error {
	if s == nil {
		return nil
	}
	if _, err := ParseSortKey(string(s.Key)); err != nil {
		return err
	}
	_, err := ParseSortDir(string(s.Dir))
	return err
}

// StringValue returns the string form a record sorts by for a non-numeric
// key. Absent values are "".
func StringValue(r *Record, key SortKey) string {
	switch key {
	case SortID:
		return r.ID
	case SortTitle:
		return r.Title
	case SortDescription:
		return r.Description
	case SortSeverity:
		return string(r.Severity)
	case SortPublished:
		return r.Published
	case SortRiskFactors:
		return strings.Join(r.RiskFactors, ",")
	case SortStatus:
		return r.Status
	case SortVendor:
		return r.Vendor
	case SortProduct:
		return r.Product
	case SortSource:
		return r.Source
	case SortScore:
		if r.Score == nil {
			return ""
		}
		return stringify(*r.Score)
	}
	return ""
}

// Compare orders two records by key in ascending direction. Numeric keys
// compare numerically with an absent value below every present one; other
// keys compare their string forms byte-wise.
func Compare(a, b *Record, key SortKey) int {
	if key.Numeric() {
		switch {
		case a.Score == nil && b.Score == nil:
			return 0
		case a.Score == nil:
			return -1
		case b.Score == nil:
			return 1
		case *a.Score < *b.Score:
			return -1
		case *a.Score > *b.Score:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(StringValue(a, key), StringValue(b, key))
}

// Sort orders records in place by spec. The sort is stable so ties keep
// their input order in both directions. A nil spec leaves the order as is.
func Sort(records []Record, spec *SortSpec) {
	if spec == nil {
		return
	}
	sign := 1
	if spec.Dir == Desc {
		sign = -1
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		return sign * Compare(&a, &b, spec.Key)
	})
}

// Page returns records[offset:offset+limit] clamped to the slice bounds.
func Page(records []Record, offset, limit int) []Record {
	offset = max(offset, 0)
	if offset >= len(records) || limit <= 0 {
		return []Record{}
	}
	end := len(records)
	if limit < end-offset {
		end = offset + limit
	}
	return records[offset:end]
}
