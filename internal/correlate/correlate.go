// Package correlate routes upstream messages to the client request they
// belong to.
package correlate

import (
	"errors"
	"sync"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

var (
	// ErrRouterClosed indicates the router is closed.
	ErrRouterClosed = errors.New("correlate: router closed")
	// ErrDuplicateID reports a request id that is already pending.
	ErrDuplicateID = errors.New("correlate: request id already pending")
	// ErrCancelled reports that the client cancelled the request.
	ErrCancelled = errors.New("correlate: request cancelled")
)

// Route receives the upstream messages of one pending request. C yields
// intermediate messages and finally the response, then is closed.
type Route struct {
	id    *jsonrpc.RequestID
	token string
	ch    chan upstream.Envelope
	// Guarded by Router.mu.
	done bool
	err  error
}

// ID returns the request id.
func (r *Route) ID() *jsonrpc.RequestID { return r.id }

func (r *Route) C() <-chan upstream.Envelope { return r.ch }

// Router correlates upstream messages with pending requests by request id,
// reply stream and progress token.
type Router struct {
	buffer int

	mu       sync.Mutex
	pending  map[string]*Route // id.String() -> route
	tokens   map[string]*Route // progress token -> route
	closed   bool
	closeErr error
	dropped  uint64
}

// New returns a router. buffer bounds the intermediate messages queued per
// route; the response always fits.
func New(buffer int) *Router {
	if buffer <= 0 {
		buffer = 32
	}
	return &Router{
		buffer:  buffer,
		pending: make(map[string]*Route),
		tokens:  make(map[string]*Route),
	}
}

// Register starts routing for req, which must be a request.
func (r *Router) Register(req codec.Message) (*Route, error) {
	if req.Kind != codec.KindRequest || req.ID == nil {
		return nil, errors.New("correlate: only requests can be registered")
	}
	rt := &Route{id: req.ID, ch: make(chan upstream.Envelope, r.buffer+1)}
	if tok, ok := req.ProgressToken(); ok {
		rt.token = tok.String()
	}
	key := req.ID.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, r.closedErr()
	}
	if _, ok := r.pending[key]; ok {
		return nil, ErrDuplicateID
	}
	r.pending[key] = rt
	if rt.token != "" {
		r.tokens[rt.token] = rt
	}
	return rt, nil
}

// Dispatch delivers env to its route. It reports false when no route claims
// it; the caller then treats it as session-level traffic.
func (r *Router) Dispatch(env upstream.Envelope) bool {
	msg := env.Message

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Kind == codec.KindResponse {
		if msg.ID == nil {
			return false
		}
		rt, ok := r.pending[msg.ID.String()]
		if !ok {
			return false
		}
		rt.ch <- env
		r.finishLocked(rt, nil)
		return true
	}

	var rt *Route
	if env.Related != nil {
		rt = r.pending[env.Related.String()]
	}
	if rt == nil && msg.Kind == codec.KindNotification {
		if tok, ok := msg.ProgressToken(); ok {
			rt = r.tokens[tok.String()]
		}
	}
	if rt == nil {
		return false
	}
	// One slot stays free for the response.
	if len(rt.ch) >= cap(rt.ch)-1 {
		r.dropped++
		return true
	}
	rt.ch <- env
	return true
}

// Cancel ends the route for id with ErrCancelled. It reports whether a
// route was pending.
func (r *Router) Cancel(id *jsonrpc.RequestID) bool {
	if id == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.pending[id.String()]
	if ok {
		r.finishLocked(rt, ErrCancelled)
	}
	return ok
}

// Release stops routing for rt without a response, for example after a
// timeout. It is a no-op for finished routes.
func (r *Router) Release(rt *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(rt, nil)
}

// Err returns why rt ended without a response, or nil.
func (r *Router) Err(rt *Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rt.err
}

// Len returns the number of pending routes.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the number of intermediate messages dropped because a
// route's buffer was full.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close ends every pending route with err and rejects new registrations.
func (r *Router) Close(err error) {
	if err == nil {
		err = ErrRouterClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.closeErr = err
	for _, rt := range r.pending {
		r.finishLocked(rt, err)
	}
}

func (r *Router) finishLocked(rt *Route, err error) {
	if rt.done {
		return
	}
	rt.done = true
	rt.err = err
	delete(r.pending, rt.id.String())
	if rt.token != "" && r.tokens[rt.token] == rt {
		delete(r.tokens, rt.token)
	}
	close(rt.ch)
}

func (r *Router) closedErr() error {
	if r.closeErr != nil {
		return r.closeErr
	}
	return ErrRouterClosed
}
