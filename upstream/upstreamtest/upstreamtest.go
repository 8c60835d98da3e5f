// Package upstreamtest provides an in-memory upstream.Transport whose
// replies are scripted by a Handler.
package upstreamtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

// Handler scripts the upstream. It is called for every message sent and
// returns the envelopes the upstream emits in response.
type Handler func(ctx context.Context, msg codec.Message) []upstream.Envelope

// Envelope wraps msg as received from the upstream.
func Envelope(msg codec.Message, streaming bool) upstream.Envelope {
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return upstream.Envelope{Message: msg, Raw: raw, Streaming: streaming, SizeHint: int64(len(raw))}
}

// Result returns a JSON envelope answering req with result.
func Result(req codec.Message, result any) upstream.Envelope {
	msg, err := codec.NewResult(req.ID, result)
	if err != nil {
		panic(err)
	}
	return Envelope(msg, false)
}

// Transport is a scripted upstream.Transport.
type Transport struct {
	handler Handler
	inbox   chan upstream.Envelope
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	sent    []codec.Message
	sendErr error
}

// New returns a transport driven by h. A nil h accepts every message
// without replying.
func New(h Handler) *Transport {
	return &Transport{
		handler: h,
		inbox:   make(chan upstream.Envelope, 256),
		done:    make(chan struct{}),
	}
}

// Send records msg and queues the handler's envelopes.
func (t *Transport) Send(ctx context.Context, msg codec.Message) error {
	select {
	case <-t.done:
		return upstream.ErrClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if t.handler == nil {
		return nil
	}
	for _, env := range t.handler(ctx, msg) {
		if err := t.Push(env); err != nil {
			return err
		}
	}
	return nil
}

// Push queues env as if the upstream had sent it.
func (t *Transport) Push(env upstream.Envelope) error {
	select {
	case t.inbox <- env:
		return nil
	case <-t.done:
		return upstream.ErrClosed
	}
}

// Notify pushes a server-initiated notification.
func (t *Transport) Notify(method string, params any) error {
	msg, err := codec.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.Push(Envelope(msg, false))
}

// FailSends makes later Sends return err. A nil err restores them.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *Transport) Receive(ctx context.Context) (upstream.Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return upstream.Envelope{}, ctx.Err()
	case <-t.done:
		return upstream.Envelope{}, upstream.ErrClosed
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) Healthy(context.Context) bool { return !t.Closed() }

// Sent returns the messages sent so far.
func (t *Transport) Sent() []codec.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]codec.Message(nil), t.sent...)
}

// Server hands out a new scripted transport per dial.
type Server struct {
	Handler Handler
	// DialErr fails every dial when set.
	DialErr error

	mu    sync.Mutex
	conns []*Transport
}

// Dial implements upstream.Dialer.
func (s *Server) Dial(context.Context) (upstream.Transport, error) {
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	t := New(s.Handler)
	s.mu.Lock()
	s.conns = append(s.conns, t)
	s.mu.Unlock()
	return t, nil
}

// Conns returns every transport dialed so far.
func (s *Server) Conns() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Transport(nil), s.conns...)
}

// Last returns the most recently dialed transport.
func (s *Server) Last() (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil, errors.New("upstreamtest: nothing dialed")
	}
	return s.conns[len(s.conns)-1], nil
}
