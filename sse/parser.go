package sse

import (
	"errors"
	"strings"
	"time"
)

// DefaultMaxPayload bounds the cumulative data of a single frame.
const DefaultMaxPayload = 4 << 20

var (
	// ErrFrameTooLarge reports that a frame's cumulative data exceeded the
	// configured maximum. The frame is dropped; the parser stays usable.
	ErrFrameTooLarge = errors.New("sse: frame exceeds maximum payload size")
	// ErrLineTooLong reports a single input line longer than the reader's
	// limit. The line is discarded.
	ErrLineTooLong = errors.New("sse: line too long")
)

// Parser accumulates field lines into frames. It is not safe for concurrent
// use; each connection owns its own parser.
type Parser struct {
	maxPayload int

	cur        Frame
	set        bool
	size       int
	discarding bool
	lastID     string
}

// NewParser returns a parser that rejects frames whose data exceeds
// maxPayload bytes. A non-positive value selects DefaultMaxPayload.
func NewParser(maxPayload int) *Parser {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Parser{maxPayload: maxPayload}
}

// LastEventID returns the most recent id field seen, including ids of frames
// that were later dropped.
func (p *Parser) LastEventID() string {
	return p.lastID
}

// Feed consumes one line (without its terminator). It returns a frame when
// the line is blank and at least one field was set since the last flush.
// The only error is ErrFrameTooLarge, returned once per oversized frame.
func (p *Parser) Feed(line string) (Frame, bool, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.flush()
	}
	if line[0] == ':' {
		return Frame{}, false, nil
	}

	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		p.cur.Event = value
		p.set = true
	case "data":
		p.set = true
		if p.discarding {
			return Frame{}, false, nil
		}
		add := len(value)
		if len(p.cur.Data) > 0 {
			add++
		}
		if p.size+add > p.maxPayload {
			p.discarding = true
			p.cur.Data = nil
			p.size = 0
			return Frame{}, false, ErrFrameTooLarge
		}
		p.size += add
		p.cur.Data = append(p.cur.Data, value)
	case "id":
		if strings.ContainsRune(value, 0) {
			return Frame{}, false, nil
		}
		p.cur.ID = value
		p.cur.HasID = true
		p.lastID = value
		p.set = true
	case "retry":
		ms, ok := parseRetry(value)
		if !ok {
			return Frame{}, false, nil
		}
		p.cur.Retry = time.Duration(ms) * time.Millisecond
		p.cur.HasRetry = true
		p.set = true
	}
	return Frame{}, false, nil
}

// Reset drops any partially accumulated frame.
func (p *Parser) Reset() {
	p.cur = Frame{}
	p.set = false
	p.size = 0
	p.discarding = false
}

func (p *Parser) flush() (Frame, bool, error) {
	f, emit := p.cur, p.set && !p.discarding
	p.Reset()
	if !emit {
		return Frame{}, false, nil
	}
	return f, true, nil
}

func parseRetry(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	var n int64
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
		if n > int64(time.Duration(1<<62)/time.Millisecond) {
			return 0, false
		}
	}
	return n, true
}
