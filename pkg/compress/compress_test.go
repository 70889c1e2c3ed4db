package compress

import (
	"bytes"
	"io"
	"testing"
)

func encode(t *testing.T, alg Algorithm, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, alg, LevelDefault)
	if err != nil {
		t.Fatalf("NewWriter(%s) failed: %v", alg, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func TestNewReader_RoundTrip(t *testing.T) {
	testData := []byte(`[{"id":"CVE-1","title":"Test Finding"},{"id":"CVE-2"}]`)

	for _, alg := range []Algorithm{AlgorithmZSTD, AlgorithmGzip, AlgorithmNone} {
		t.Run(string(alg), func(t *testing.T) {
			encoded := encode(t, alg, testData)
			t.Logf("Original size: %d, encoded size: %d", len(testData), len(encoded))

			r, got, err := NewReader(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			defer r.Close()
			if got != alg {
				t.Errorf("NewReader() algorithm = %v, want %v", got, alg)
			}

			decoded, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if !bytes.Equal(testData, decoded) {
				t.Errorf("Decoded data doesn't match original")
			}
		})
	}
}

func TestNewReader_ShortInput(t *testing.T) {
	for _, in := range []string{"", "[", "[]"} {
		r, alg, err := NewReader(bytes.NewReader([]byte(in)))
		if err != nil {
			t.Fatalf("NewReader(%q) failed: %v", in, err)
		}
		if alg != AlgorithmNone {
			t.Errorf("NewReader(%q) algorithm = %v, want none", in, alg)
		}
		got, _ := io.ReadAll(r)
		if string(got) != in {
			t.Errorf("NewReader(%q) = %q", in, got)
		}
	}
}

func TestNewReader_CorruptGzip(t *testing.T) {
	if _, _, err := NewReader(bytes.NewReader([]byte{0x1f, 0x8b, 0x00})); err == nil {
		t.Error("NewReader should fail on a truncated gzip header")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		prefix   []byte
		expected Algorithm
	}{
		{[]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, AlgorithmZSTD},
		{[]byte{0x1f, 0x8b, 0x08}, AlgorithmGzip},
		{[]byte(`{"a":1}`), AlgorithmNone},
		{nil, AlgorithmNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.expected), func(t *testing.T) {
			if got := Detect(tt.prefix); got != tt.expected {
				t.Errorf("Detect() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFromExtension(t *testing.T) {
	tests := []struct {
		name     string
		expected Algorithm
	}{
		{"data.json.gz", AlgorithmGzip},
		{"data.JSON.ZST", AlgorithmZSTD},
		{"out.csv", AlgorithmNone},
		{"noext", AlgorithmNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromExtension(tt.name); got != tt.expected {
				t.Errorf("FromExtension() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAlgorithm_ContentEncoding(t *testing.T) {
	tests := []struct {
		algorithm Algorithm
		expected  string
	}{
		{AlgorithmZSTD, "zstd"},
		{AlgorithmGzip, "gzip"},
		{AlgorithmNone, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			if got := tt.algorithm.ContentEncoding(); got != tt.expected {
				t.Errorf("ContentEncoding() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewWriter_Unsupported(t *testing.T) {
	if _, err := NewWriter(io.Discard, Algorithm("lz4"), LevelDefault); err == nil {
		t.Error("NewWriter should reject unknown algorithms")
	}
}
