package multiplexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/sse"
)

// Kind distinguishes standalone streams from response streams.
type Kind int

const (
	KindStandalone Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a stream.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// FrameWriter writes and flushes one frame to the consumer.
type FrameWriter interface {
	WriteFrame(f sse.Frame) error
}

// Aborter is implemented by writers that can unblock an in-progress write,
// for example by moving the connection's write deadline into the past.
type Aborter interface {
	Abort()
}

// CloseEvent is the terminal frame's event type.
const CloseEvent = "close"

type item struct {
	ev  eventstore.Event
	end bool
}

// Stream is one delivery stream. Serve must be called exactly once.
type Stream struct {
	id      string
	logical string
	kind    Kind
	resumed bool
	session *sessions.Session
	mux     *Multiplexer

	ch       chan item
	closeReq chan string
	drop     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
	state     atomic.Int32
	served    atomic.Bool
	finished  atomic.Bool
	forced    atomic.Bool
	abort     atomic.Pointer[func()]
	last      atomic.Pointer[string]

	// Written by OpenStream before the stream is returned, then read only by
	// Serve.
	pending         []eventstore.Event
	replayed        map[string]struct{}
	endAfterPending bool
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Logical returns the logical stream id events are stored under. It differs
// from ID for resumed streams.
func (s *Stream) Logical() string { return s.logical }

func (s *Stream) Kind() Kind { return s.kind }

// Resumed reports whether the stream continues an earlier logical stream.
func (s *Stream) Resumed() bool { return s.resumed }

// SessionID returns the owning session's id.
func (s *Stream) SessionID() string { return s.session.ID() }

func (s *Stream) State() State { return State(s.state.Load()) }

// Done is closed once Serve has returned and the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Replayed returns the number of events queued for replay.
func (s *Stream) Replayed() int { return len(s.replayed) }

// LastDeliveredEventID returns the id of the last event written.
func (s *Stream) LastDeliveredEventID() string {
	if p := s.last.Load(); p != nil {
		return *p
	}
	return ""
}

// Serve writes frames to w until the stream ends: the consumer fails, ctx is
// done, the stream is finished or closed, or it is force-dropped. Only
// Serve receives from the stream's channel.
func (s *Stream) Serve(ctx context.Context, w FrameWriter) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("multiplexer: stream already served")
	}
	if a, ok := w.(Aborter); ok {
		fn := a.Abort
		s.abort.Store(&fn)
	}
	defer s.mux.finish(s)

	select {
	case <-s.drop:
		return ErrForceDropped
	default:
	}

	for _, ev := range s.pending {
		if err := s.writeEvent(w, ev); err != nil {
			return err
		}
	}
	s.mux.metrics.Replayed(len(s.replayed))
	s.pending = nil
	if s.endAfterPending {
		s.finished.Store(true)
		return nil
	}

	interval := s.mux.heartbeat
	if interval <= 0 {
		interval = math.MaxInt64
	}
	hb := time.NewTimer(interval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.drop:
			return ErrForceDropped
		case reason := <-s.closeReq:
			return s.writeClose(w, reason)
		case it := <-s.ch:
			if it.end {
				s.finished.Store(true)
				return nil
			}
			if _, dup := s.replayed[it.ev.ID]; dup {
				continue
			}
			if err := s.writeEvent(w, it.ev); err != nil {
				return err
			}
		case <-hb.C:
			if err := w.WriteFrame(sse.Heartbeat()); err != nil {
				return fmt.Errorf("%w: %v", ErrStreamClosed, err)
			}
			s.mux.metrics.Frame("heartbeat")
		}
		hb.Reset(interval)
	}
}

func (s *Stream) writeEvent(w FrameWriter, ev eventstore.Event) error {
	if err := w.WriteFrame(sse.NewFrame(sse.DefaultEventType, ev.ID, ev.Data)); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	id := ev.ID
	s.last.Store(&id)
	s.mux.metrics.Frame("event")
	return nil
}

// writeClose drains what is already queued, then writes the terminal frame.
func (s *Stream) writeClose(w FrameWriter, reason string) error {
drain:
	for {
		select {
		case it := <-s.ch:
			if it.end {
				continue
			}
			if _, dup := s.replayed[it.ev.ID]; dup {
				continue
			}
			if err := s.writeEvent(w, it.ev); err != nil {
				return err
			}
		default:
			break drain
		}
	}
	payload, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	if err := w.WriteFrame(sse.Frame{Event: CloseEvent, Data: []string{string(payload)}}); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	s.mux.metrics.Frame("close")
	return nil
}

func (s *Stream) enqueue(it item) error {
	if s.State() != StateOpen {
		return ErrStreamClosed
	}
	select {
	case s.ch <- it:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *Stream) requestClose(reason string) {
	s.closeOnce.Do(func() {
		s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		s.closeReq <- reason
	})
}

func (s *Stream) forceDrop() {
	s.dropOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.drop)
		if fn := s.abort.Load(); fn != nil {
			(*fn)()
		}
	})
}
