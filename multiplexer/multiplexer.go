package multiplexer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
	"github.com/ggoodman/mcp-streaming-bridge/eventstore/memory"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
)

var (
	// ErrStreamClosed reports delivery to a stream that is no longer open.
	// Events sent to it are still stored for resumption.
	ErrStreamClosed = errors.New("multiplexer: stream closed")
	// ErrSlowConsumer reports that a stream's buffer was full. The stream is
	// dropped; the event was stored for resumption.
	ErrSlowConsumer = errors.New("multiplexer: stream consumer too slow")
	// ErrResumeConflict reports a second concurrent resume of one logical
	// stream.
	ErrResumeConflict = errors.New("multiplexer: logical stream already resumed by another stream")
	// ErrForceDropped is returned by Serve when the stream was dropped.
	ErrForceDropped = errors.New("multiplexer: stream force-dropped")
)

// Multiplexer routes events to the streams of every session.
type Multiplexer struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	store     eventstore.Store
	heartbeat time.Duration
	grace     time.Duration
	buffer    int
	backlog   int

	mu       sync.Mutex
	sessions map[string]*table
}

// table is the stream table of one session. Guarded by Multiplexer.mu.
type table struct {
	streams map[string]*Stream
	order   []*Stream
	// holders maps a logical stream id to the live stream serving it.
	holders map[string]*Stream
	kinds   map[string]Kind
	// finished marks logical response streams whose final event was sent.
	finished map[string]bool
	backlog  []eventstore.Event
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

func WithLogger(log *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = log }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Multiplexer) { m.metrics = mt }
}

// WithStore sets the replay window store. Defaults to an in-memory store.
func WithStore(s eventstore.Store) Option {
	return func(m *Multiplexer) { m.store = s }
}

// WithHeartbeat sets the idle interval after which a heartbeat comment is
// written. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Multiplexer) { m.heartbeat = d }
}

// WithGrace bounds how long CloseSession waits before force-dropping.
func WithGrace(d time.Duration) Option {
	return func(m *Multiplexer) { m.grace = d }
}

// WithBuffer sets the per-stream channel capacity.
func WithBuffer(n int) Option {
	return func(m *Multiplexer) { m.buffer = n }
}

// WithBacklog bounds events held for a session without a standalone stream.
func WithBacklog(n int) Option {
	return func(m *Multiplexer) { m.backlog = n }
}

// New returns a multiplexer.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		log:       slog.Default(),
		heartbeat: 15 * time.Second,
		grace:     2 * time.Second,
		buffer:    64,
		backlog:   128,
		sessions:  make(map[string]*table),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = memory.New(0)
	}
	if m.buffer <= 0 {
		m.buffer = 1
	}
	return m
}

// Bind makes session destruction in r cascade to the session's streams.
func (m *Multiplexer) Bind(r *sessions.Registry) {
	r.OnClose(func(ctx context.Context, s *sessions.Session, reason sessions.CloseReason) {
		m.CloseSession(ctx, s, string(reason))
	})
}

// OpenStream registers a new stream for sess. With a lastEventID it resumes
// the logical stream that event belongs to.
func (m *Multiplexer) OpenStream(ctx context.Context, sess *sessions.Session, kind Kind, lastEventID string) (*Stream, error) {
	st := &Stream{
		id:       uuid.NewString(),
		kind:     kind,
		session:  sess,
		mux:      m,
		ch:       make(chan item, m.buffer),
		closeReq: make(chan string, 1),
		drop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	st.logical = st.id

	if err := sess.AttachStream(st.id); err != nil {
		m.log.InfoContext(ctx, "stream.open.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		return nil, err
	}

	origin := m.lookupOrigin(ctx, sess, lastEventID)

	var superseded *Stream
	m.mu.Lock()
	tbl := m.tableLocked(sess, true)
	if tbl == nil {
		m.mu.Unlock()
		sess.DetachStream(st.id)
		return nil, sessions.ErrSessionClosed
	}
	if origin != "" {
		if holder := tbl.holders[origin]; holder != nil {
			if holder.resumed {
				m.mu.Unlock()
				sess.DetachStream(st.id)
				m.log.InfoContext(ctx, "stream.resume.conflict",
					slog.String("session_id", sess.ID()),
					slog.String("logical", origin),
					slog.String("holder", holder.id),
				)
				return nil, ErrResumeConflict
			}
			superseded = holder
		}
		st.logical = origin
		st.resumed = true
		if k, ok := tbl.kinds[origin]; ok {
			st.kind = k
		}
		st.endAfterPending = tbl.finished[origin]
	}
	tbl.streams[st.id] = st
	tbl.order = append(tbl.order, st)
	tbl.holders[st.logical] = st
	tbl.kinds[st.logical] = st.kind
	var backlog []eventstore.Event
	if st.kind == KindStandalone && !st.endAfterPending {
		backlog, tbl.backlog = tbl.backlog, nil
	}
	m.mu.Unlock()

	if superseded != nil {
		// The client only resumes a stream whose connection it lost.
		superseded.forceDrop()
	}

	if st.resumed {
		_, events, err := m.store.After(ctx, sess.ID(), lastEventID)
		if err != nil {
			m.log.WarnContext(ctx, "stream.resume.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		}
		st.pending = events
		st.replayed = make(map[string]struct{}, len(events))
		for _, ev := range events {
			st.replayed[ev.ID] = struct{}{}
		}
	}
	for _, ev := range backlog {
		ev.Stream = st.logical
		if err := m.store.Append(ctx, sess.ID(), ev); err != nil {
			m.log.WarnContext(ctx, "stream.store.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		}
		st.pending = append(st.pending, ev)
	}

	m.metrics.StreamOpened()
	m.log.InfoContext(ctx, "stream.open.ok",
		slog.String("session_id", sess.ID()),
		slog.String("stream_id", st.id),
		slog.String("kind", st.kind.String()),
		slog.Bool("resumed", st.resumed),
		slog.Int("replay", len(st.replayed)),
		slog.Int("backlog", len(backlog)),
	)
	return st, nil
}

// lookupOrigin returns the logical stream of lastEventID, or "" to resume
// from now.
func (m *Multiplexer) lookupOrigin(ctx context.Context, sess *sessions.Session, lastEventID string) string {
	if lastEventID == "" {
		return ""
	}
	if !sess.OwnsEventID(lastEventID) {
		m.log.InfoContext(ctx, "stream.resume.unknown", slog.String("session_id", sess.ID()), slog.String("last_event_id", lastEventID))
		return ""
	}
	origin, _, err := m.store.After(ctx, sess.ID(), lastEventID)
	if err != nil {
		m.log.InfoContext(ctx, "stream.resume.unknown",
			slog.String("session_id", sess.ID()),
			slog.String("last_event_id", lastEventID),
			slog.String("err", err.Error()),
		)
		return ""
	}
	return origin
}

// Send delivers payload on the logical stream streamID and returns the
// event id. When no live stream serves it the event is only stored and
// ErrStreamClosed is returned.
func (m *Multiplexer) Send(ctx context.Context, sess *sessions.Session, streamID string, payload []byte) (string, error) {
	ev := eventstore.Event{ID: sess.NextEventID(), Stream: streamID, Data: payload}

	m.mu.Lock()
	tbl := m.tableLocked(sess, false)
	var st *Stream
	if tbl != nil {
		st = tbl.holders[streamID]
	}
	m.mu.Unlock()
	if tbl == nil {
		return "", sessions.ErrSessionClosed
	}

	if err := m.store.Append(ctx, sess.ID(), ev); err != nil {
		m.log.WarnContext(ctx, "stream.store.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
	if st == nil {
		return ev.ID, ErrStreamClosed
	}
	return ev.ID, m.deliver(ctx, st, item{ev: ev})
}

// Publish delivers payload on exactly one stream of sess: the
// first-registered open standalone stream. Without one the event waits in
// the session backlog for the next standalone stream.
func (m *Multiplexer) Publish(ctx context.Context, sess *sessions.Session, payload []byte) (string, error) {
	ev := eventstore.Event{ID: sess.NextEventID(), Data: payload}

	m.mu.Lock()
	tbl := m.tableLocked(sess, true)
	if tbl == nil {
		m.mu.Unlock()
		return "", sessions.ErrSessionClosed
	}
	var st *Stream
	for _, cand := range tbl.order {
		if cand.kind == KindStandalone && cand.State() == StateOpen && !cand.endAfterPending {
			st = cand
			break
		}
	}
	if st == nil {
		tbl.backlog = append(tbl.backlog, ev)
		var dropped int
		if over := len(tbl.backlog) - m.backlog; m.backlog > 0 && over > 0 {
			dropped = over
			tbl.backlog = append(tbl.backlog[:0:0], tbl.backlog[over:]...)
		}
		m.mu.Unlock()
		if dropped > 0 {
			m.log.WarnContext(ctx, "stream.backlog.overflow", slog.String("session_id", sess.ID()), slog.Int("dropped", dropped))
		}
		return ev.ID, nil
	}
	m.mu.Unlock()

	ev.Stream = st.logical
	if err := m.store.Append(ctx, sess.ID(), ev); err != nil {
		m.log.WarnContext(ctx, "stream.store.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
	return ev.ID, m.deliver(ctx, st, item{ev: ev})
}

// Finish ends the logical response stream streamID after everything already
// sent on it.
func (m *Multiplexer) Finish(ctx context.Context, sess *sessions.Session, streamID string) {
	m.mu.Lock()
	tbl := m.tableLocked(sess, false)
	var st *Stream
	if tbl != nil {
		tbl.finished[streamID] = true
		st = tbl.holders[streamID]
	}
	m.mu.Unlock()
	if st != nil {
		_ = m.deliver(ctx, st, item{end: true})
	}
}

// Backlog returns the number of events waiting for a standalone stream.
func (m *Multiplexer) Backlog(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tbl := m.sessions[sessionID]; tbl != nil {
		return len(tbl.backlog)
	}
	return 0
}

func (m *Multiplexer) deliver(ctx context.Context, st *Stream, it item) error {
	err := st.enqueue(it)
	if errors.Is(err, ErrSlowConsumer) {
		m.log.WarnContext(ctx, "stream.drop.slow", slog.String("session_id", st.SessionID()), slog.String("stream_id", st.id))
		st.forceDrop()
	}
	return err
}

// CloseSession asks every stream of sess to write a terminal frame, waits up
// to the grace period and force-drops streams still running. It also forgets
// the session's replay window. It returns within the grace period plus the
// time spent in the store.
func (m *Multiplexer) CloseSession(ctx context.Context, sess *sessions.Session, reason string) {
	m.mu.Lock()
	tbl := m.sessions[sess.ID()]
	delete(m.sessions, sess.ID())
	m.mu.Unlock()

	if tbl != nil && len(tbl.order) > 0 {
		streams := slices.Clone(tbl.order)
		for _, st := range streams {
			st.requestClose(reason)
		}
		m.awaitOrDrop(ctx, streams)
	}
	if err := m.store.Forget(ctx, sess.ID()); err != nil {
		m.log.WarnContext(ctx, "stream.store.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

func (m *Multiplexer) awaitOrDrop(ctx context.Context, streams []*Stream) {
	timer := time.NewTimer(m.grace)
	defer timer.Stop()

	expired := false
	for _, st := range streams {
		if expired {
			break
		}
		select {
		case <-st.done:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			expired = true
		}
	}
	if !expired {
		return
	}
	for _, st := range streams {
		select {
		case <-st.done:
			continue
		default:
		}
		m.log.WarnContext(ctx, "stream.drop.forced", slog.String("session_id", st.SessionID()), slog.String("stream_id", st.id))
		m.metrics.StreamClosed(true)
		st.forced.Store(true)
		st.forceDrop()
	}
}

// tableLocked returns the session's table, creating it when create is set.
// It returns nil once the session is closed. Requires m.mu.
func (m *Multiplexer) tableLocked(sess *sessions.Session, create bool) *table {
	if closed, _ := sess.Closed(); closed {
		return nil
	}
	tbl := m.sessions[sess.ID()]
	if tbl == nil && create {
		tbl = &table{
			streams:  make(map[string]*Stream),
			holders:  make(map[string]*Stream),
			kinds:    make(map[string]Kind),
			finished: make(map[string]bool),
		}
		m.sessions[sess.ID()] = tbl
	}
	return tbl
}

// finish unregisters st once Serve returns.
func (m *Multiplexer) finish(st *Stream) {
	st.state.Store(int32(StateClosed))

	m.mu.Lock()
	if tbl := m.sessions[st.SessionID()]; tbl != nil {
		delete(tbl.streams, st.id)
		if i := slices.Index(tbl.order, st); i >= 0 {
			tbl.order = slices.Delete(tbl.order, i, i+1)
		}
		if tbl.holders[st.logical] == st {
			delete(tbl.holders, st.logical)
		}
		if st.finished.Load() && st.kind == KindResponse {
			tbl.finished[st.logical] = true
		}
	}
	m.mu.Unlock()

	st.session.DetachStream(st.id)
	if !st.forced.Load() {
		m.metrics.StreamClosed(false)
	}
	close(st.done)
	m.log.Info("stream.close.ok",
		slog.String("session_id", st.SessionID()),
		slog.String("stream_id", st.id),
		slog.String("last_event_id", st.LastDeliveredEventID()),
	)
}
