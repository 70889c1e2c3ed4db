package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// containerKeys are the object keys whose array value holds the records of
// a wrapped payload. Matching is case-insensitive.
var containerKeys = map[string]bool{
	"vulnerabilities": true,
	"items":           true,
	"data":            true,
	"results":         true,
	"findings":        true,
}

func (p *Parser) fallback(ctx context.Context, sp *spool, sink Sink) (Result, error) {
	target, err := locateArray(sp.Reader())
	switch {
	case err != nil:
		sink.Log(ctx, fmt.Sprintf("parsing as a single JSON value failed; trying NDJSON: %v", err))
	case target < 0:
		sink.Log(ctx, "no wrapped record array found; trying NDJSON")
	default:
		b := p.newBatcher(sink, StrategyWrapped)
		if err := p.decodeArray(ctx, sp.Reader(), target, b); err != nil {
			return b.result(), err
		}
		if b.records > 0 {
			sink.Log(ctx, fmt.Sprintf("parsed wrapped array payload (records: %d)", b.records))
			return b.result(), nil
		}
		sink.Log(ctx, "wrapped array held no records; trying NDJSON")
	}

	b := p.newBatcher(sink, StrategyNDJSON)
	lines, err := p.decodeLines(ctx, sp.Reader(), b)
	if err != nil {
		return b.result(), err
	}
	res := b.result()
	if res.Records == 0 {
		res.Strategy = StrategyNone
		return res, nil
	}
	sink.Log(ctx, fmt.Sprintf("parsed NDJSON payload (lines: %d, records: %d)", lines, res.Records))
	return res, nil
}

type frame struct {
	object  bool
	wantKey bool
	key     string
}

// locateArray verifies that r holds exactly one JSON value and returns the
// ordinal, in token order, of the first array that is either the top-level
// value or the value of a container key at any depth. It returns -1 when no
// such array exists.
func locateArray(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var stack []frame
	ordinal, target := 0, -1
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return -1, fmt.Errorf("no JSON value")
		}
		if err != nil {
			return -1, err
		}

		if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].wantKey {
			if key, ok := tok.(string); ok {
				stack[n-1].key = key
				stack[n-1].wantKey = false
				continue
			}
		}

		switch tok {
		case json.Delim('{'):
			stack = append(stack, frame{object: true, wantKey: true})
		case json.Delim('['):
			if target < 0 && isContainer(stack) {
				target = ordinal
			}
			ordinal++
			stack = append(stack, frame{})
		case json.Delim('}'), json.Delim(']'):
			stack = stack[:len(stack)-1]
			valueDone()
		default:
			valueDone()
		}

		if len(stack) == 0 {
			break
		}
	}

	if _, err := dec.Token(); err != io.EOF {
		return -1, fmt.Errorf("unexpected data after top-level value")
	}
	return target, nil
}

func isContainer(stack []frame) bool {
	if len(stack) == 0 {
		return true
	}
	parent := stack[len(stack)-1]
	return parent.object && containerKeys[strings.ToLower(parent.key)]
}

// decodeArray walks to the target array and decodes its elements one at a
// time.
func (p *Parser) decodeArray(ctx context.Context, r io.Reader, target int, b *batcher) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	for ordinal := 0; ; {
		tok, err := dec.Token()
		if err != nil {
			return errors.WrapKind(err, errors.KindInternal, "ingest.decodeArray")
		}
		if tok == json.Delim('[') {
			if ordinal == target {
				break
			}
			ordinal++
		}
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "ingest.decodeArray")
		}
		var elem json.RawMessage
		if err := dec.Decode(&elem); err != nil {
			return errors.WrapKind(err, errors.KindInternal, "ingest.decodeArray")
		}
		rec, ok := vuln.ParseRecord(elem)
		if !ok {
			b.skip(ctx, "array element is not a record", true)
			continue
		}
		if err := b.add(ctx, rec); err != nil {
			return err
		}
	}
	return b.flush(ctx)
}

// decodeLines parses one JSON object per line. Lines may be of any length
// and end in "\n" or "\r\n"; blank lines are ignored.
func (p *Parser) decodeLines(ctx context.Context, r io.Reader, b *batcher) (int, error) {
	br := bufio.NewReaderSize(r, p.cfg.ReadSize)
	lines := 0
	for {
		if err := ctx.Err(); err != nil {
			return lines, errors.Wrap(err, "ingest.decodeLines")
		}
		line, rerr := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines++
			if rec, ok := vuln.ParseRecord(trimmed); ok {
				if err := b.add(ctx, rec); err != nil {
					return lines, err
				}
			} else {
				b.skip(ctx, fmt.Sprintf("line %d is not a record", lines), true)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return lines, errors.WrapKind(rerr, errors.KindInternal, "ingest.decodeLines")
		}
	}
	return lines, b.flush(ctx)
}
