package vuln

import "github.com/exploopio/vulnview/pkg/shared/severity"

// StatusUnknown is the status bucket of records without a status.
const StatusUnknown = "unknown"

// Summary holds aggregate metrics over the complete dataset, independent of
// the active filters.
type Summary struct {
	Total            int             `json:"total"`
	SeverityCounts   severity.Counts `json:"severityCounts"`
	RiskFactorCounts map[string]int  `json:"riskFactorCounts"`
	PublishedByMonth map[string]int  `json:"publishedByMonth"`
	KaiStatusCounts  map[string]int  `json:"kaiStatusCounts"`
}

// NewSummary returns an empty summary with non-nil maps.
func NewSummary() *Summary {
	return &Summary{
		RiskFactorCounts: map[string]int{},
		PublishedByMonth: map[string]int{},
		KaiStatusCounts:  map[string]int{},
	}
}

// Add folds one record into the summary. Each risk factor occurrence counts
// once; records with an absent or invalid date are not bucketed by month.
func (s *Summary) Add(r *Record) {
	s.Total++
	s.SeverityCounts.Increment(r.Severity)
	for _, f := range r.RiskFactors {
		s.RiskFactorCounts[f]++
	}
	if m := MonthKey(r.Published); m != "" {
		s.PublishedByMonth[m]++
	}
	status := r.Status
	if status == "" {
		status = StatusUnknown
	}
	s.KaiStatusCounts[status]++
}

// Summarize aggregates a slice of records.
func Summarize(records []Record) *Summary {
	s := NewSummary()
	for i := range records {
		s.Add(&records[i])
	}
	return s
}
