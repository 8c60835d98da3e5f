package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-streaming-bridge/internal/jitter"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
	"github.com/ggoodman/mcp-streaming-bridge/protocol"
)

var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrSessionClosed   = errors.New("sessions: session closed")
	ErrRegistryClosed  = errors.New("sessions: registry closed")
	// ErrTooManySessions is returned by Create at the session cap.
	ErrTooManySessions = errors.New("sessions: session limit reached")
	// ErrTooManyStreams is returned by AttachStream at the stream cap.
	ErrTooManyStreams = errors.New("sessions: stream limit reached")
)

// CloseHook runs synchronously while a session is destroyed, after it is
// unreachable through the registry.
type CloseHook func(ctx context.Context, s *Session, reason CloseReason)

// Registry creates, finds and destroys sessions.
type Registry struct {
	log                *slog.Logger
	versions           *protocol.Registry
	metrics            *metrics.Metrics
	node               string
	idleTimeout        time.Duration
	sweepInterval      time.Duration
	maxSessions        int
	maxStreams         int
	allowRenegotiation bool
	now                func() time.Time

	hooksMu sync.RWMutex
	hooks   []CloseHook

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithNodeID sets the node segment of event ids. Defaults to a random token.
func WithNodeID(node string) Option {
	return func(r *Registry) { r.node = node }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithMaxSessions caps concurrent sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

// WithMaxStreams caps concurrent streams per session. Zero means unlimited.
func WithMaxStreams(n int) Option {
	return func(r *Registry) { r.maxStreams = n }
}

// WithRenegotiation permits Renegotiate. It is off by default.
func WithRenegotiation(allow bool) Option {
	return func(r *Registry) { r.allowRenegotiation = allow }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry negotiating against versions.
func NewRegistry(versions *protocol.Registry, opts ...Option) *Registry {
	r := &Registry{
		log:           slog.Default(),
		versions:      versions,
		idleTimeout:   30 * time.Minute,
		sweepInterval: time.Minute,
		maxStreams:    4,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.node == "" {
		r.node = uuid.NewString()[:8]
	}
	return r
}

// Versions returns the version registry sessions negotiate against.
func (r *Registry) Versions() *protocol.Registry { return r.versions }

// OnClose registers a destruction hook. Hooks run in registration order.
func (r *Registry) OnClose(fn CloseHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Create negotiates the version requested on channel and registers a new
// session. Version errors are returned as *protocol.VersionError.
func (r *Registry) Create(ctx context.Context, requested string, channel protocol.Channel) (*Session, error) {
	n, err := r.versions.Resolve(requested, channel)
	if err != nil {
		r.log.InfoContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return nil, err
	}

	now := r.now()
	s := &Session{
		id:           uuid.NewString(),
		node:         r.node,
		createdAt:    now,
		maxStreams:   r.maxStreams,
		done:         make(chan struct{}),
		negotiated:   n,
		lastActivity: now,
		streams:      make(map[string]struct{}),
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	case r.maxSessions > 0 && len(r.sessions) >= r.maxSessions:
		r.mu.Unlock()
		r.log.WarnContext(ctx, "session.create.fail", slog.String("err", ErrTooManySessions.Error()))
		return nil, ErrTooManySessions
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", s.id),
		slog.String("version", n.Selected.Name),
		slog.String("via", channel.String()),
	)
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Renegotiate replaces the negotiated version of s. It fails with
// ErrRenegotiationDisallowed unless the registry was built
// WithRenegotiation(true).
func (r *Registry) Renegotiate(ctx context.Context, s *Session, requested string) (protocol.Negotiated, error) {
	if !r.allowRenegotiation {
		return protocol.Negotiated{}, &protocol.VersionError{Requested: requested, Err: protocol.ErrRenegotiationDisallowed}
	}
	n, err := r.versions.Negotiate(requested)
	if err != nil {
		return protocol.Negotiated{}, err
	}
	s.setNegotiated(n)
	r.log.InfoContext(ctx, "session.renegotiate.ok",
		slog.String("session_id", s.ID()),
		slog.String("version", n.Selected.Name),
	)
	return n, nil
}

// Terminate destroys the session and runs close hooks before returning.
func (r *Registry) Terminate(ctx context.Context, id string, reason CloseReason) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	r.destroy(ctx, s, reason)
	return nil
}

// Sweep destroys every session idle for longer than the idle timeout and
// returns how many it closed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	var expired []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleAt(now, r.idleTimeout) {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.log.InfoContext(ctx, "sweep.session.expired",
			slog.String("session_id", s.ID()),
			slog.Duration("idle", now.Sub(s.LastActivity())),
		)
		r.destroy(ctx, s, ReasonIdleTimeout)
	}
	return len(expired)
}

// Run sweeps on a jittered interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := jitter.NewTicker(r.sweepInterval, 0.1)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Close destroys all sessions and rejects further creation.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.destroy(ctx, s, ReasonShutdown)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sessions: close: %w", err)
	}
	return nil
}

func (r *Registry) destroy(ctx context.Context, s *Session, reason CloseReason) {
	if !s.markClosed(reason) {
		return
	}
	r.hooksMu.RLock()
	hooks := append([]CloseHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, s, reason)
	}
	r.metrics.SessionClosed(reason == ReasonIdleTimeout)
	r.log.InfoContext(ctx, "session.close.ok",
		slog.String("session_id", s.ID()),
		slog.String("reason", string(reason)),
	)
}
