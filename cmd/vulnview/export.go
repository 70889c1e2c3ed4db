package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/exploopio/vulnview/pkg/compress"
	"github.com/exploopio/vulnview/pkg/store"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// exportPageSize is how many records are read from the backend per page.
const exportPageSize = 500

var csvHeader = []string{
	"id", "title", "severity", "cvss", "published", "kaiStatus",
	"riskFactors", "vendor", "product", "source", "description",
}

// recordWriter streams records in one export format.
type recordWriter interface {
	Write(r *vuln.Record) error
	Close() error
}

// exportFile writes every record matching f, in sort order, to path. The
// format comes from format or the file name; a .gz or .zst suffix
// compresses the output.
func exportFile(ctx context.Context, b store.Backend, f vuln.Filters, sort *vuln.SortSpec, path, format string) (n int, err error) {
	alg := compress.FromExtension(path)
	if format == "" {
		format = formatFromPath(path)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close export: %w", cerr)
		}
	}()

	zw, err := compress.NewWriter(file, alg, compress.LevelDefault)
	if err != nil {
		return 0, err
	}
	n, err = export(ctx, b, f, sort, zw, format)
	if cerr := zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("flush export: %w", cerr)
	}
	return n, err
}

// export streams matches page by page so the result set is never held in
// full.
func export(ctx context.Context, b store.Backend, f vuln.Filters, sort *vuln.SortSpec, w io.Writer, format string) (int, error) {
	rw, err := newRecordWriter(w, format)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		page, err := b.Query(ctx, f, n, exportPageSize, sort)
		if err != nil {
			return n, fmt.Errorf("read page at %d: %w", n, err)
		}
		for i := range page {
			if err := rw.Write(&page[i]); err != nil {
				return n, err
			}
			n++
		}
		if len(page) < exportPageSize {
			break
		}
	}
	return n, rw.Close()
}

func formatFromPath(path string) string {
	base := strings.ToLower(filepath.Base(path))
	for _, ext := range []string{".gz", ".gzip", ".zst", ".zstd"} {
		base = strings.TrimSuffix(base, ext)
	}
	if strings.HasSuffix(base, ".csv") {
		return "csv"
	}
	return "json"
}

func newRecordWriter(w io.Writer, format string) (recordWriter, error) {
	switch format {
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return nil, err
		}
		return &csvWriter{w: cw}, nil
	case "json":
		return &jsonWriter{w: w, enc: json.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

type csvWriter struct {
	w *csv.Writer
}

func (c *csvWriter) Write(r *vuln.Record) error {
	return c.w.Write([]string{
		r.ID, r.Title, string(r.Severity), vuln.StringValue(r, vuln.SortScore), r.Published, r.Status,
		strings.Join(r.RiskFactors, ";"), r.Vendor, r.Product, r.Source, r.Description,
	})
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

// jsonWriter writes one JSON array, one record per line.
type jsonWriter struct {
	w     io.Writer
	enc   *json.Encoder
	count int
}

func (j *jsonWriter) Write(r *vuln.Record) error {
	sep := ",\n"
	if j.count == 0 {
		sep = "[\n"
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	j.count++
	// Encode appends a newline, which the next separator follows.
	return j.enc.Encode(r)
}

func (j *jsonWriter) Close() error {
	end := "]\n"
	if j.count == 0 {
		end = "[]\n"
	}
	_, err := io.WriteString(j.w, end)
	return err
}
