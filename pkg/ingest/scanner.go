package ingest

// Scanner is the byte-level state machine locating top-level objects inside
// JSON arrays. It holds only flags, counters and one offset, so a buffer can
// be compacted between calls by rebasing that offset.
//
// Every structural character is ASCII and cannot occur inside a multi-byte
// UTF-8 sequence, so scanning bytes is equivalent to scanning runes.
type Scanner struct {
	inString   bool
	escape     bool
	arrayDepth int
	objDepth   int
	itemStart  int
}

// NewScanner returns a scanner in its initial state.
func NewScanner() *Scanner {
	return &Scanner{itemStart: -1}
}

// Reset returns the scanner to its initial state.
func (s *Scanner) Reset() {
	*s = Scanner{itemStart: -1}
}

// Capturing reports whether an object has started but not yet closed.
func (s *Scanner) Capturing() bool {
	return s.itemStart >= 0
}

// ItemStart returns the buffer offset of the object being captured, or -1.
func (s *Scanner) ItemStart() int {
	return s.itemStart
}

// ArrayDepth returns the number of unmatched '['.
func (s *Scanner) ArrayDepth() int {
	return s.arrayDepth
}

// Rebase shifts the captured item offset after n leading bytes were dropped
// from the buffer.
func (s *Scanner) Rebase(n int) {
	if s.itemStart >= 0 {
		s.itemStart -= n
	}
}

// Scan advances over buf[from:], calling emit with the inclusive byte range
// of each complete object whose opening brace was seen at array depth > 0
// and object depth 0. The slice passed to emit aliases buf and is only valid
// for the duration of the call. Scan stops at the first emit error and
// returns the position after the byte that produced it.
func (s *Scanner) Scan(buf []byte, from int, emit func(item []byte) error) (int, error) {
	for i := from; i < len(buf); i++ {
		c := buf[i]

		if s.inString {
			switch {
			case s.escape:
				s.escape = false
			case c == '\\':
				s.escape = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '[':
			s.arrayDepth++
		case ']':
			if s.arrayDepth > 0 {
				s.arrayDepth--
			}
		case '{':
			if s.arrayDepth == 0 {
				continue
			}
			if s.objDepth == 0 {
				s.itemStart = i
			}
			s.objDepth++
		case '}':
			if s.arrayDepth == 0 {
				continue
			}
			if s.objDepth > 0 {
				s.objDepth--
			}
			if s.objDepth == 0 && s.itemStart >= 0 {
				start := s.itemStart
				s.itemStart = -1
				if err := emit(buf[start : i+1]); err != nil {
					return i + 1, err
				}
			}
		}
	}
	return len(buf), nil
}
