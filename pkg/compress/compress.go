// Package compress transparently decodes compressed ingestion sources and
// encodes exported result files.
//
// Supported algorithms:
//   - ZSTD (Zstandard), detected by the magic 28 b5 2f fd
//   - Gzip, detected by the magic 1f 8b
//
// Example usage:
//
//	body, alg, err := compress.NewReader(resp.Body)
//	if err != nil {
//	    return err
//	}
//	defer body.Close()
//	log.Printf("decoding %s", alg)
package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone indicates no compression.
	AlgorithmNone Algorithm = "none"
)

// Level represents compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio.
	LevelFastest Level = 1

	// LevelDefault is the default compression level (good balance).
	LevelDefault Level = 3

	// LevelBest provides maximum compression (slowest).
	LevelBest Level = 9
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect identifies the algorithm from the leading bytes of a stream.
func Detect(prefix []byte) Algorithm {
	switch {
	case bytes.HasPrefix(prefix, zstdMagic):
		return AlgorithmZSTD
	case bytes.HasPrefix(prefix, gzipMagic):
		return AlgorithmGzip
	default:
		return AlgorithmNone
	}
}

// FromExtension maps a file name to the algorithm its extension implies.
func FromExtension(name string) Algorithm {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zst", ".zstd":
		return AlgorithmZSTD
	case ".gz", ".gzip":
		return AlgorithmGzip
	default:
		return AlgorithmNone
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value.
func (a Algorithm) ContentEncoding() string {
	switch a {
	case AlgorithmZSTD:
		return "zstd"
	case AlgorithmGzip:
		return "gzip"
	default:
		return ""
	}
}

// NewReader sniffs the stream and returns a reader yielding the decoded
// bytes. Uncompressed input passes through unchanged. Closing the returned
// reader releases decoder resources but does not close r.
func NewReader(r io.Reader) (io.ReadCloser, Algorithm, error) {
	br := bufio.NewReader(r)
	prefix, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, AlgorithmNone, fmt.Errorf("peek error: %w", err)
	}

	alg := Detect(prefix)
	switch alg {
	case AlgorithmZSTD:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, alg, fmt.Errorf("zstd reader error: %w", err)
		}
		return zstdReadCloser{dec}, alg, nil
	case AlgorithmGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, alg, fmt.Errorf("gzip reader error: %w", err)
		}
		return gz, alg, nil
	default:
		return io.NopCloser(br), alg, nil
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewWriter wraps w with an encoder for the algorithm. Close flushes the
// encoder but does not close w.
func NewWriter(w io.Writer, alg Algorithm, level Level) (io.WriteCloser, error) {
	switch alg {
	case AlgorithmZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
		if err != nil {
			return nil, fmt.Errorf("zstd writer error: %w", err)
		}
		return enc, nil
	case AlgorithmGzip:
		gzLevel := gzip.DefaultCompression
		if level <= LevelFastest {
			gzLevel = gzip.BestSpeed
		} else if level >= LevelBest {
			gzLevel = gzip.BestCompression
		}
		gz, err := gzip.NewWriterLevel(w, gzLevel)
		if err != nil {
			return nil, fmt.Errorf("gzip writer error: %w", err)
		}
		return gz, nil
	case AlgorithmNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
