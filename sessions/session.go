package sessions

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/protocol"
)

// CloseReason explains why a session ended.
type CloseReason string

const (
	ReasonTerminated    CloseReason = "terminated"
	ReasonIdleTimeout   CloseReason = "idle_timeout"
	ReasonTransportLost CloseReason = "transport_lost"
	ReasonShutdown      CloseReason = "shutdown"
)

// Session is the state of one client session. Methods are safe for
// concurrent use.
type Session struct {
	id         string
	node       string
	createdAt  time.Time
	maxStreams int
	counter    atomic.Uint64
	done       chan struct{}

	mu           sync.Mutex
	negotiated   protocol.Negotiated
	lastActivity time.Time
	streams      map[string]struct{}
	closed       bool
	reason       CloseReason
}

// Snapshot is a consistent copy of a session's mutable attributes.
type Snapshot struct {
	ID           string
	Negotiated   protocol.Negotiated
	CreatedAt    time.Time
	LastActivity time.Time
	Streams      []string
	MaxStreams   int
	Closed       bool
	Reason       CloseReason
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) MaxStreams() int { return s.maxStreams }

// Negotiated returns the negotiated version record.
func (s *Session) Negotiated() protocol.Negotiated {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// Version returns the selected protocol version.
func (s *Session) Version() protocol.Version {
	return s.Negotiated().Selected
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// NextEventID returns the next event id, {session}-{node}-{counter}. Ids
// are strictly increasing in counter order for the life of the session.
func (s *Session) NextEventID() string {
	n := s.counter.Add(1)
	return s.id + "-" + s.node + "-" + strconv.FormatUint(n, 10)
}

// OwnsEventID reports whether id was produced by a session with this id.
func (s *Session) OwnsEventID(id string) bool {
	return len(id) > len(s.id)+1 && strings.HasPrefix(id, s.id+"-")
}

// AttachStream records a new stream. It fails with ErrTooManyStreams at the
// cap and ErrSessionClosed after destruction; existing streams are never
// evicted.
func (s *Session) AttachStream(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.streams[streamID]; ok {
		return nil
	}
	if s.maxStreams > 0 && len(s.streams) >= s.maxStreams {
		return ErrTooManyStreams
	}
	s.streams[streamID] = struct{}{}
	return nil
}

// DetachStream forgets a stream. Unknown ids are ignored.
func (s *Session) DetachStream(streamID string) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}

// StreamCount returns the number of attached streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session was destroyed, and why.
func (s *Session) Closed() (bool, CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

// Snapshot returns a consistent copy of the session's attributes.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := make([]string, 0, len(s.streams))
	for id := range s.streams {
		streams = append(streams, id)
	}
	return Snapshot{
		ID:           s.id,
		Negotiated:   s.negotiated,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Streams:      streams,
		MaxStreams:   s.maxStreams,
		Closed:       s.closed,
		Reason:       s.reason,
	}
}

// A session holding a connection open is never idle.
func (s *Session) idleAt(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.streams) > 0 {
		return false
	}
	return now.Sub(s.lastActivity) > timeout
}

// markClosed flips the session to closed. It reports false if it already was.
func (s *Session) markClosed(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	return true
}

func (s *Session) setNegotiated(n protocol.Negotiated) {
	s.mu.Lock()
	s.negotiated = n
	s.mu.Unlock()
}
