package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/intercept"
	"github.com/ggoodman/mcp-streaming-bridge/internal/correlate"
	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/recording"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

// bridge ties one client session to its upstream connection. Its pump is the
// only receiver on the transport.
type bridge struct {
	h      *Handler
	sess   *sessions.Session
	conn   *upstream.Conn[upstream.Transport]
	router *correlate.Router

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
}

func (h *Handler) attach(sess *sessions.Session, conn *upstream.Conn[upstream.Transport]) *bridge {
	ctx, cancel := context.WithCancel(withSession(context.Background(), sess))
	b := &bridge{
		h:      h,
		sess:   sess,
		conn:   conn,
		router: correlate.New(h.routeBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.bridges[sess.ID()] = b
	h.mu.Unlock()
	go b.pump()
	return b
}

func (h *Handler) bridgeFor(sess *sessions.Session) (*bridge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bridges[sess.ID()]
	return b, ok
}

func (b *bridge) transport() upstream.Transport { return b.conn.Resource() }

func (b *bridge) pump() {
	defer close(b.done)
	for {
		env, err := b.transport().Receive(b.ctx)
		if err != nil {
			if b.closing.Load() || b.ctx.Err() != nil {
				return
			}
			b.h.log.WarnContext(b.ctx, "upstream.receive.fail", slog.String("err", err.Error()))
			b.router.Close(err)
			// Terminate waits for this goroutine to exit.
			go b.h.terminate(b.sess, sessions.ReasonTransportLost)
			return
		}
		b.deliver(env)
	}
}

// deliver routes env to the pending request it belongs to, or to the
// session's standalone stream.
func (b *bridge) deliver(env upstream.Envelope) {
	env, ok := b.h.inspectEnvelope(b.ctx, b.sess, env)
	if !ok {
		return
	}
	if b.router.Dispatch(env) {
		return
	}
	if _, err := b.h.streams.Publish(b.ctx, b.sess, env.Raw); err != nil {
		b.h.log.InfoContext(b.ctx, "stream.publish.fail",
			slog.String("method", env.Message.Method),
			slog.String("err", err.Error()),
		)
	}
}

// close is the upstream half of the session finalizer.
func (b *bridge) close(ctx context.Context, reason sessions.CloseReason) {
	b.closing.Store(true)
	b.router.Close(sessions.ErrSessionClosed)
	if err := b.transport().Close(); err != nil {
		b.h.log.WarnContext(ctx, "upstream.close.fail", slog.String("session_id", b.sess.ID()), slog.String("err", err.Error()))
	}
	b.cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
	}
	b.conn.Release(ctx)
	b.h.log.InfoContext(ctx, "upstream.release.ok",
		slog.String("session_id", b.sess.ID()),
		slog.String("reason", string(reason)),
	)
}

func (h *Handler) terminate(sess *sessions.Session, reason sessions.CloseReason) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h.registry.Terminate(ctx, sess.ID(), reason); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.terminate.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

type verdict struct {
	msg      codec.Message
	modified bool
	blocked  bool
	reason   string
}

// inspect runs msg through the interceptor chain and offers what survives to
// the recorder.
func (h *Handler) inspect(ctx context.Context, sess *sessions.Session, dir codec.Direction, msg codec.Message) verdict {
	res, err := h.chain.Apply(ctx, dir, msg)
	if err != nil {
		h.log.WarnContext(ctx, "intercept.fail",
			slog.String("direction", dir.String()),
			slog.String("method", msg.Method),
			slog.String("err", err.Error()),
		)
		return verdict{msg: msg, blocked: true, reason: "message rejected"}
	}
	if res.Action == intercept.Block {
		h.log.InfoContext(ctx, "intercept.block",
			slog.String("direction", dir.String()),
			slog.String("method", msg.Method),
			slog.String("reason", res.Reason),
		)
		return verdict{msg: msg, blocked: true, reason: res.Reason}
	}
	h.recorder.Record(recording.Record{
		Direction: dir,
		SessionID: sess.ID(),
		Message:   res.Message,
		Timestamp: time.Now(),
	})
	return verdict{msg: res.Message, modified: res.Action == intercept.Modify}
}

// inspectEnvelope is inspect for upstream traffic. It keeps the upstream's
// encoding unless an interceptor replaced the message.
func (h *Handler) inspectEnvelope(ctx context.Context, sess *sessions.Session, env upstream.Envelope) (upstream.Envelope, bool) {
	v := h.inspect(ctx, sess, codec.ServerToClient, env.Message)
	if v.blocked {
		return env, false
	}
	if v.modified {
		env.Message = v.msg
		env.Raw = nil
	}
	if len(env.Raw) == 0 {
		raw, err := json.Marshal(env.Message)
		if err != nil {
			h.log.WarnContext(ctx, "upstream.encode.fail", slog.String("err", err.Error()))
			return env, false
		}
		env.Raw = raw
	}
	return env, true
}

// streamSink forwards the upstream traffic of a streamed reply onto its
// logical response stream.
type streamSink struct {
	b      *bridge
	stream string
}

func (s streamSink) send(ctx context.Context, payload []byte) {
	_, err := s.b.h.streams.Send(ctx, s.b.sess, s.stream, payload)
	switch {
	case err == nil, errors.Is(err, multiplexer.ErrStreamClosed):
		// A detached stream keeps its events for resumption.
	default:
		s.b.h.log.InfoContext(ctx, "stream.send.fail", slog.String("stream_id", s.stream), slog.String("err", err.Error()))
	}
}
