package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// spool keeps a copy of the decoded input for the fallback strategies. It
// buffers in memory up to a limit and then moves everything to a temporary
// file, so re-reading never requires the whole text in memory.
type spool struct {
	limit int
	dir   string

	mem  bytes.Buffer
	file *os.File
	size int64
}

func newSpool(limit int, dir string) *spool {
	return &spool{limit: limit, dir: dir}
}

// Write implements io.Writer.
func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.mem.Len()+len(p) > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}
	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spool) spill() error {
	f, err := os.CreateTemp(s.dir, "vulnview-spool-*.json")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write spool file: %w", err)
	}
	s.mem = bytes.Buffer{}
	s.file = f
	return nil
}

// Size returns the number of bytes written.
func (s *spool) Size() int64 {
	return s.size
}

// OnDisk reports whether the spool has spilled to a file.
func (s *spool) OnDisk() bool {
	return s.file != nil
}

// Reader returns a fresh reader over everything written so far.
func (s *spool) Reader() io.Reader {
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size)
	}
	return bytes.NewReader(s.mem.Bytes())
}

// Close releases the spool and removes its file, if any.
func (s *spool) Close() error {
	s.mem = bytes.Buffer{}
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}
