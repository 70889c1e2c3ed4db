package vuln

import (
	"reflect"
	"testing"

	"github.com/exploopio/vulnview/pkg/shared/severity"
)

func mustRaw(t *testing.T, s string) Raw {
	t.Helper()
	raw, err := DecodeRaw([]byte(s))
	if err != nil {
		t.Fatalf("DecodeRaw(%s) error = %v", s, err)
	}
	return raw
}

func TestNormalize_Fields(t *testing.T) {
	rec, ok := Normalize(mustRaw(t, `{
		"cveId": "CVE-1",
		"summary": "Buffer overflow",
		"desc": "long text",
		"baseSeverity": "HIGH",
		"publishedDate": "2024-03-01T10:00:00Z",
		"risk": ["Exploit Available", "Remote"],
		"aiStatus": "ai-invalid-norisk",
		"cvssScore": 7.5,
		"cweIds": ["CWE-79"],
		"tags": "a; b",
		"organization": "acme",
		"package": "libfoo",
		"provider": "nvd"
	}`))
	if !ok {
		t.Fatal("Normalize() ok = false, want true")
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"ID", rec.ID, "CVE-1"},
		{"Title", rec.Title, "Buffer overflow"},
		{"Description", rec.Description, "long text"},
		{"Severity", rec.Severity, severity.High},
		{"Published", rec.Published, "2024-03-01T10:00:00Z"},
		{"RiskFactors", rec.RiskFactors, []string{"Exploit Available", "Remote"}},
		{"Status", rec.Status, "ai-invalid-norisk"},
		{"CWE", rec.CWE, []string{"CWE-79"}},
		{"Tags", rec.Tags, []string{"a", "b"}},
		{"Vendor", rec.Vendor, "acme"},
		{"Product", rec.Product, "libfoo"},
		{"Source", rec.Source, "nvd"},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if rec.Score == nil || *rec.Score != 7.5 {
		t.Errorf("Score = %v, want 7.5", rec.Score)
	}
}

func TestNormalize_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantOK   bool
		id       string
		title    string
		severity severity.Level
	}{
		{"title falls back to id", `{"cve":"CVE-1","severity":"HIGH"}`, true, "CVE-1", "CVE-1", severity.High},
		{"unrecognized severity", `{"id":"CVE-2","severity":"bogus"}`, true, "CVE-2", "CVE-2", severity.Unknown},
		{"missing severity", `{"id":"CVE-3"}`, true, "CVE-3", "CVE-3", severity.Unknown},
		{"numeric id", `{"id":42}`, true, "42", "42", severity.Unknown},
		{"id precedence", `{"id":"low","cveId":"CVE-9"}`, true, "CVE-9", "CVE-9", severity.Unknown},
		{"null candidate skipped", `{"cveId":null,"id":"X"}`, true, "X", "X", severity.Unknown},
		{"empty title kept", `{"id":"CVE-4","title":""}`, true, "CVE-4", "", severity.Unknown},
		{"null title falls back", `{"id":"CVE-5","title":null,"summary":"from summary"}`, true, "CVE-5", "from summary", severity.Unknown},
		{"no id", `{"title":"orphan"}`, false, "", "", ""},
		{"empty id", `{"id":""}`, false, "", "", ""},
		{"object id", `{"id":{"nested":1}}`, false, "", "", ""},
		{"array id", `{"id":["a"]}`, false, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Normalize(mustRaw(t, tt.input))
			if ok != tt.wantOK {
				t.Fatalf("Normalize() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if rec.ID != tt.id {
				t.Errorf("ID = %q, want %q", rec.ID, tt.id)
			}
			if rec.Title != tt.title {
				t.Errorf("Title = %q, want %q", rec.Title, tt.title)
			}
			if rec.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", rec.Severity, tt.severity)
			}
		})
	}
}

func TestNormalize_RiskFactorShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"array", `{"id":"A","riskFactors":["X","Y"]}`, []string{"X", "Y"}},
		{"array of scalars", `{"id":"A","riskFactors":["X",1,true]}`, []string{"X", "1", "true"}},
		{"object keys sorted", `{"id":"A","riskFactors":{"Y":true,"X":false}}`, []string{"X", "Y"}},
		{"delimited string", `{"id":"A","riskFactors":"X; Y"}`, []string{"X", "Y"}},
		{"comma string with empties", `{"id":"A","risk":" X,,Y ,"}`, []string{"X", "Y"}},
		{"tags fallback", `{"id":"A","tags":["T"]}`, []string{"T"}},
		{"number is ignored", `{"id":"A","riskFactors":3}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Normalize(mustRaw(t, tt.input))
			if !ok {
				t.Fatal("Normalize() ok = false")
			}
			if len(tt.want) == 0 && len(rec.RiskFactors) == 0 {
				return
			}
			if !reflect.DeepEqual(rec.RiskFactors, tt.want) {
				t.Errorf("RiskFactors = %#v, want %#v", rec.RiskFactors, tt.want)
			}
		})
	}
}

func TestNormalize_Score(t *testing.T) {
	tests := []struct {
		input string
		want  *float64
	}{
		{`{"id":"A","cvss":9.8}`, ptr(9.8)},
		{`{"id":"A","cvss":"5.0"}`, ptr(5)},
		{`{"id":"A","cvss_v3":3}`, ptr(3)},
		{`{"id":"A","cvss":"n/a"}`, nil},
		{`{"id":"A","cvss":{"base":1}}`, nil},
		{`{"id":"A"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rec, _ := Normalize(mustRaw(t, tt.input))
			switch {
			case tt.want == nil && rec.Score != nil:
				t.Errorf("Score = %v, want nil", *rec.Score)
			case tt.want != nil && (rec.Score == nil || *rec.Score != *tt.want):
				t.Errorf("Score = %v, want %v", rec.Score, *tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		`{"cveId":"CVE-1","severity":"Critical","riskFactors":{"B":1,"A":2},"cvss":"8.1"}`,
		`{"id":7,"title":{"en":"x"},"tags":"a,b","published":"2024-01"}`,
	}
	for _, in := range inputs {
		first, ok := Normalize(mustRaw(t, in))
		if !ok {
			t.Fatalf("Normalize(%s) ok = false", in)
		}
		second, ok := Normalize(first.Raw)
		if !ok {
			t.Fatalf("Normalize(Raw) ok = false")
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Normalize(Raw) = %+v, want %+v", second, first)
		}
	}
}

func TestNormalize_Nil(t *testing.T) {
	if _, ok := Normalize(nil); ok {
		t.Error("Normalize(nil) ok = true, want false")
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		input  string
		wantOK bool
	}{
		{`{"id":"A"}`, true},
		{`  {"id":"A"}  `, true},
		{`{"id":"A"} {"id":"B"}`, false},
		{`[{"id":"A"}]`, false},
		{`null`, false},
		{`{"id":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if _, ok := ParseRecord([]byte(tt.input)); ok != tt.wantOK {
				t.Errorf("ParseRecord() ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a ;b,, c;")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitList() = %v, want %v", got, want)
	}
	if got := SplitList(""); len(got) != 0 {
		t.Errorf("SplitList(\"\") = %v, want empty", got)
	}
}

func ptr(f float64) *float64 { return &f }
