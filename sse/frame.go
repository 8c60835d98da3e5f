package sse

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// DefaultEventType is the event type of a frame that carries no event field.
const DefaultEventType = "message"

// Frame is one event-stream unit.
type Frame struct {
	// Event is the event type. Empty means DefaultEventType.
	Event string
	// ID is the opaque resumption token. Only meaningful when HasID is set.
	ID    string
	HasID bool
	// Data holds the data lines in arrival order.
	Data []string
	// Retry is the reconnection delay requested by the server. Only
	// meaningful when HasRetry is set.
	Retry    time.Duration
	HasRetry bool
	// Comment is written as one or more ":" lines by the encoder. The parser
	// never populates it.
	Comment string
}

// NewFrame builds a frame for payload, splitting it into data lines.
func NewFrame(event, id string, payload []byte) Frame {
	f := Frame{Event: event, ID: id, HasID: id != ""}
	if len(payload) == 0 {
		f.Data = []string{""}
		return f
	}
	f.Data = strings.Split(string(payload), "\n")
	return f
}

// Heartbeat returns a comment-only frame. It carries no id and is ignored by
// conforming parsers, so it never affects resumption.
func Heartbeat() Frame {
	return Frame{Comment: "heartbeat"}
}

// Type returns the event type, defaulting to DefaultEventType.
func (f Frame) Type() string {
	if f.Event == "" {
		return DefaultEventType
	}
	return f.Event
}

// Payload returns the data lines joined with "\n".
func (f Frame) Payload() []byte {
	return []byte(strings.Join(f.Data, "\n"))
}

// IsHeartbeat reports whether the frame only carries a comment.
func (f Frame) IsHeartbeat() bool {
	return f.Comment != "" && f.Event == "" && !f.HasID && len(f.Data) == 0 && !f.HasRetry
}

// Encode serializes the frame including its terminating blank line.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	if f.Comment != "" {
		for _, line := range strings.Split(f.Comment, "\n") {
			buf.WriteString(": ")
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	if f.HasID {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	if f.HasRetry {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.FormatInt(f.Retry.Milliseconds(), 10))
		buf.WriteByte('\n')
	}
	for _, d := range f.Data {
		for _, line := range strings.Split(d, "\n") {
			buf.WriteString("data: ")
			buf.WriteString(strings.TrimSuffix(line, "\r"))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
