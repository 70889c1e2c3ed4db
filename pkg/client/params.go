package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/shared/severity"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// Paging bounds of the list endpoint.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Query parameter names of the list endpoint.
const (
	ParamOffset        = "offset"
	ParamLimit         = "limit"
	ParamQuery         = "query"
	ParamSeverity      = "severity"
	ParamRiskFactors   = "riskFactors"
	ParamStatusExclude = "kaiStatusExclude"
	ParamDateFrom      = "dateFrom"
	ParamDateTo        = "dateTo"
	ParamSortKey       = "sortKey"
	ParamSortDir       = "sortDir"
)

// ListParams is one request to the list endpoint.
type ListParams struct {
	Filters vuln.Filters
	Offset  int
	Limit   int
	Sort    *vuln.SortSpec
}

// ListResponse is the body of a list response. Results is empty, never nil,
// when Limit was 0.
type ListResponse struct {
	Total   int           `json:"total"`
	Results []vuln.Record `json:"results"`
}

// Values encodes p as query parameters. Sets are sent sorted so equal
// params always produce the same URL.
func (p ListParams) Values() url.Values {
	v := url.Values{}
	f := p.Filters
	if f.Query != "" {
		v.Set(ParamQuery, f.Query)
	}
	if f.Severity.Len() > 0 {
		v.Set(ParamSeverity, strings.Join(severityNames(f.Severity), ","))
	}
	if f.RiskFactors.Len() > 0 {
		v.Set(ParamRiskFactors, strings.Join(f.RiskFactors.Sorted(), ","))
	}
	if f.StatusExclude.Len() > 0 {
		v.Set(ParamStatusExclude, strings.Join(f.StatusExclude.Sorted(), ","))
	}
	if f.DateFrom != "" {
		v.Set(ParamDateFrom, f.DateFrom)
	}
	if f.DateTo != "" {
		v.Set(ParamDateTo, f.DateTo)
	}
	v.Set(ParamOffset, strconv.Itoa(p.Offset))
	v.Set(ParamLimit, strconv.Itoa(p.Limit))
	if p.Sort != nil {
		v.Set(ParamSortKey, string(p.Sort.Key))
		v.Set(ParamSortDir, string(p.Sort.Dir))
	}
	return v
}

// Validate rejects filters the comma-separated set parameters cannot carry:
// members containing a comma, and empty risk factors, which the server
// would drop.
func (p ListParams) Validate() error {
	for v := range p.Filters.RiskFactors {
		if v == "" || strings.Contains(v, ",") {
			return errors.E(errors.KindInvalidInput, "client.ListParams", fmt.Sprintf("risk factor %q cannot be sent as a list parameter", v))
		}
	}
	for v := range p.Filters.StatusExclude {
		if strings.Contains(v, ",") {
			return errors.E(errors.KindInvalidInput, "client.ListParams", fmt.Sprintf("status %q cannot be sent as a list parameter", v))
		}
	}
	return nil
}

// ParseListParams decodes list query parameters the way the mirror server
// reads them. A missing or unparseable limit is DefaultLimit; limits are
// clamped to [0, MaxLimit] and a bad offset is 0. Only an unrecognized sort
// key or direction is an error.
func ParseListParams(v url.Values) (ListParams, error) {
	p := ListParams{
		Filters: vuln.Filters{
			Query:         v.Get(ParamQuery),
			Severity:      vuln.ParseSeverities(vuln.ParseList(v.Get(ParamSeverity))),
			RiskFactors:   vuln.NewSet(vuln.ParseList(v.Get(ParamRiskFactors))...),
			StatusExclude: vuln.NewSet(vuln.ParseList(v.Get(ParamStatusExclude))...),
			DateFrom:      v.Get(ParamDateFrom),
			DateTo:        v.Get(ParamDateTo),
		},
		Limit: DefaultLimit,
	}

	if n, err := strconv.Atoi(v.Get(ParamOffset)); err == nil && n > 0 {
		p.Offset = n
	}
	if n, err := strconv.Atoi(v.Get(ParamLimit)); err == nil {
		p.Limit = min(max(n, 0), MaxLimit)
	}

	if key := v.Get(ParamSortKey); key != "" {
		k, err := vuln.ParseSortKey(key)
		if err != nil {
			return ListParams{}, err
		}
		d, err := vuln.ParseSortDir(v.Get(ParamSortDir))
		if err != nil {
			return ListParams{}, err
		}
		p.Sort = &vuln.SortSpec{Key: k, Dir: d}
	} else if dir := v.Get(ParamSortDir); dir != "" {
		if _, err := vuln.ParseSortDir(dir); err != nil {
			return ListParams{}, err
		}
	}
	return p, nil
}

func severityNames(s vuln.Set[severity.Level]) []string {
	out := make([]string, 0, s.Len())
	for _, l := range s.Sorted() {
		out = append(out, string(l))
	}
	return out
}
