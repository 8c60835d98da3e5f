package sse

import (
	"bufio"
	"errors"
	"io"
)

// Reader decodes frames from a byte stream. Lines may end in "\n" or
// "\r\n".
type Reader struct {
	br      *bufio.Reader
	p       *Parser
	maxLine int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxPayload bounds the cumulative data of one frame.
func WithMaxPayload(n int) ReaderOption {
	return func(r *Reader) { r.p = NewParser(n) }
}

// WithMaxLine bounds the length of one input line.
func WithMaxLine(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxLine = n
		}
	}
}

// NewReader wraps r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{br: bufio.NewReaderSize(r, 32*1024), p: NewParser(0)}
	for _, opt := range opts {
		opt(rd)
	}
	if rd.maxLine == 0 {
		rd.maxLine = rd.p.maxPayload + 64
	}
	return rd
}

// LastEventID returns the last id seen on the stream.
func (r *Reader) LastEventID() string {
	return r.p.LastEventID()
}

// Next returns the next complete frame. ErrFrameTooLarge and ErrLineTooLong
// are recoverable: the offending frame or line is skipped and Next may be
// called again. A partial frame at end of input is discarded and io.EOF is
// returned.
func (r *Reader) Next() (Frame, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				r.p.Reset()
				r.p.discarding = true
				return Frame{}, err
			}
			if errors.Is(err, io.EOF) && line != "" {
				// Unterminated last line still counts as a field line.
				if _, _, ferr := r.p.Feed(line); ferr != nil {
					return Frame{}, ferr
				}
			}
			r.p.Reset()
			return Frame{}, err
		}
		f, ok, ferr := r.p.Feed(line)
		if ferr != nil {
			return Frame{}, ferr
		}
		if ok {
			return f, nil
		}
	}
}

func (r *Reader) readLine() (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > r.maxLine {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return "", ErrLineTooLong
			}
			return trimEOL(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLong {
				return "", ErrLineTooLong
			}
			return trimEOL(buf), err
		}
	}
}

func trimEOL(b []byte) string {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
		if n > 0 && b[n-1] == '\r' {
			n--
		}
	}
	return string(b[:n])
}
