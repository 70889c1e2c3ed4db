// Package vuln defines the canonical vulnerability record and the semantics
// every storage backend shares: normalization of raw documents, filter
// matching, sort ordering and summary aggregation.
//
// Backends must not reimplement these rules. The in-memory backend calls them
// directly; the SQLite backend stores columns precomputed with the helpers in
// this package so that SQL predicates select exactly the same records.
package vuln

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/exploopio/vulnview/pkg/shared/severity"
)

// Raw is a source document of unknown shape as decoded from JSON.
// Numbers are kept as json.Number.
type Raw map[string]any

// Record is the canonical, schema-stable representation of one ingested item.
// The JSON form is the wire format of the paged list API.
type Record struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    severity.Level `json:"severity"`
	Published   string         `json:"published,omitempty"`
	RiskFactors []string       `json:"riskFactors,omitempty"`
	Status      string         `json:"kaiStatus,omitempty"`
	Score       *float64       `json:"cvss,omitempty"`
	CWE         []string       `json:"cwe,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Vendor      string         `json:"vendor,omitempty"`
	Product     string         `json:"product,omitempty"`
	Source      string         `json:"source,omitempty"`
	Raw         Raw            `json:"raw,omitempty"`
}

// HasRiskFactor reports whether any of the record's risk factors is in set.
func (r *Record) HasRiskFactor(set Set[string]) bool {
	for _, f := range r.RiskFactors {
		if set.Has(f) {
			return true
		}
	}
	return false
}

// DecodeRaw decodes exactly one JSON object. Trailing non-space data is an
// error.
func DecodeRaw(data []byte) (Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw Raw
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return raw, nil
}

// ParseRecord decodes and normalizes one JSON object. ok is false when the
// text is not an object or carries no derivable id.
func ParseRecord(data []byte) (Record, bool) {
	raw, err := DecodeRaw(data)
	if err != nil {
		return Record{}, false
	}
	return Normalize(raw)
}
