package vuln

import (
	"strings"
	"testing"

	"github.com/exploopio/vulnview/pkg/errors"
)

func ids(records []Record) string {
	out := make([]string, len(records))
	for i := range records {
		out[i] = records[i].ID
	}
	return strings.Join(out, ",")
}

func TestSort(t *testing.T) {
	base := func() []Record {
		return []Record{
			{ID: "B", Title: "beta", Score: ptr(5), RiskFactors: []string{"x", "y"}},
			{ID: "A", Title: "alpha"},
			{ID: "D", Title: "beta", Score: ptr(9.8), RiskFactors: []string{"x"}},
			{ID: "C", Title: "Zulu", Score: ptr(0)},
		}
	}

	tests := []struct {
		name string
		spec *SortSpec
		want string
	}{
		{"nil keeps insertion order", nil, "B,A,D,C"},
		{"id asc", &SortSpec{Key: SortID, Dir: Asc}, "A,B,C,D"},
		{"id desc", &SortSpec{Key: SortID, Dir: Desc}, "D,C,B,A"},
		{"title is byte-wise and stable", &SortSpec{Key: SortTitle, Dir: Asc}, "C,A,B,D"},
		{"title desc keeps tie order", &SortSpec{Key: SortTitle, Dir: Desc}, "B,D,A,C"},
		{"cvss asc absent lowest", &SortSpec{Key: SortScore, Dir: Asc}, "A,C,B,D"},
		{"cvss desc absent last", &SortSpec{Key: SortScore, Dir: Desc}, "D,B,C,A"},
		{"risk factors joined", &SortSpec{Key: SortRiskFactors, Dir: Asc}, "A,C,D,B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := base()
			Sort(records, tt.spec)
			if got := ids(records); got != tt.want {
				t.Errorf("Sort() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSortKey(t *testing.T) {
	for _, k := range SortKeys() {
		if got, err := ParseSortKey(string(k)); err != nil || got != k {
			t.Errorf("ParseSortKey(%q) = %v, %v", k, got, err)
		}
	}

	_, err := ParseSortKey("pwned")
	if err == nil {
		t.Fatal("ParseSortKey(pwned) error = nil")
	}
	if !errors.IsInvalidInput(err) {
		t.Errorf("GetKind() = %v, want invalid_input", errors.GetKind(err))
	}
	if !errors.Is(err, errors.ErrInvalidSortKey) {
		t.Error("error does not match ErrInvalidSortKey")
	}
}

func TestParseSortDir(t *testing.T) {
	tests := []struct {
		input   string
		want    SortDir
		wantErr bool
	}{
		{"", Asc, false},
		{"asc", Asc, false},
		{"desc", Desc, false},
		{"DESC", "", true},
		{"sideways", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSortDir(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSortDir() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSortDir() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortSpec_Validate(t *testing.T) {
	var nilSpec *SortSpec
	if err := nilSpec.Validate(); err != nil {
		t.Errorf("nil Validate() = %v", err)
	}
	if err := (&SortSpec{Key: "nope", Dir: Asc}).Validate(); err == nil {
		t.Error("Validate() with bad key = nil")
	}
	if err := (&SortSpec{Key: SortTitle, Dir: "up"}).Validate(); err == nil {
		t.Error("Validate() with bad dir = nil")
	}
}

func TestPage(t *testing.T) {
	records := []Record{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	tests := []struct {
		offset, limit int
		want          string
	}{
		{0, 2, "1,2"},
		{2, 2, "3"},
		{3, 2, ""},
		{0, 0, ""},
		{1, 100, "2,3"},
	}
	for _, tt := range tests {
		if got := ids(Page(records, tt.offset, tt.limit)); got != tt.want {
			t.Errorf("Page(%d, %d) = %q, want %q", tt.offset, tt.limit, got, tt.want)
		}
	}
}
