// Package recording offers every message crossing the bridge to a sink.
// Recording is fire-and-forget: a sink never slows or fails delivery.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
)

// Record is one observed message.
type Record struct {
	Direction codec.Direction
	SessionID string
	Message   codec.Message
	Timestamp time.Time
}

// Sink accepts records. Record must not block.
type Sink interface {
	Record(r Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r Record)

func (f SinkFunc) Record(r Record) { f(r) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(Record) {})

// LogSink writes records to a logger at debug level.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Record(r Record) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	raw, _ := r.Message.MarshalJSON()
	log.Debug("recording.message",
		slog.String("direction", r.Direction.String()),
		slog.String("session_id", r.SessionID),
		slog.String("kind", r.Message.Kind.String()),
		slog.String("method", r.Message.Method),
		slog.Time("ts", r.Timestamp),
		slog.String("msg", string(raw)),
	)
}

// ErrClosed is returned by AsyncSink.Close when called twice.
var ErrClosed = errors.New("recording: sink closed")

// AsyncSink buffers records and hands them to Next on its own goroutine.
// Records offered while the buffer is full are dropped and counted.
type AsyncSink struct {
	next    Sink
	metrics *metrics.Metrics
	ch      chan Record
	done    chan struct{}

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts draining into next with a buffer of size records.
func NewAsyncSink(next Sink, size int, m *metrics.Metrics) *AsyncSink {
	if size <= 0 {
		size = 1024
	}
	s := &AsyncSink{next: next, metrics: m, ch: make(chan Record, size), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for r := range s.ch {
		s.next.Record(r)
	}
}

func (s *AsyncSink) Record(r Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
		s.metrics.RecordDropped()
	}
}

// Dropped returns how many records were dropped.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting records and waits until the buffered ones are
// handed to Next or ctx is done.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
