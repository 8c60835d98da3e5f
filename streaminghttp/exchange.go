package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/disposition"
	"github.com/ggoodman/mcp-streaming-bridge/internal/correlate"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-streaming-bridge/internal/logctx"
	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

// slot is one reply owed to the client: a forwarded request waiting on its
// route, or a reply the bridge produced itself.
type slot struct {
	req   codec.Message
	route *correlate.Route
	// head is the envelope consumed while building the preview.
	head *upstream.Envelope
	// reply is set when the bridge answers without the upstream.
	reply *codec.Message
	// status overrides 200 for a lone JSON reply.
	status int
}

// exchange is one POST body worth of client messages.
type exchange struct {
	h          *Handler
	b          *bridge
	acc        accepts
	batch      bool
	initialize bool
	deadline   time.Time
	slots      []*slot

	forwarded  int
	failed     int
	initFailed atomic.Bool
}

func (h *Handler) exchange(ctx context.Context, w http.ResponseWriter, b *bridge, dec codec.Decoded, acc accepts, span trace.Span, initialize bool) {
	x := &exchange{
		h:          h,
		b:          b,
		acc:        acc,
		batch:      dec.Batch,
		initialize: initialize,
		deadline:   time.Now().Add(h.requestTimeout),
	}
	for _, it := range dec.Items {
		x.forward(ctx, it)
	}

	if len(x.slots) == 0 {
		if x.failed > 0 && x.failed == x.forwarded {
			writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		h.log.InfoContext(ctx, "http.post.accepted", slog.Int("messages", x.forwarded))
		w.Header().Set(mcpProtocolVersionHeader, b.sess.Version().Name)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	kind := x.decide(ctx)
	span.SetAttributes(attribute.String("mcp.disposition", kind.String()))
	if kind == disposition.Stream && x.stream(ctx, w) {
		return
	}
	x.reply(ctx, w)
}

// forward inspects one decoded item and sends it upstream. Requests get a
// slot; everything else is fire-and-forget.
func (x *exchange) forward(ctx context.Context, it codec.Item) {
	sess := x.b.sess
	if it.Err != nil {
		x.h.metrics.DecodeError("invalid_element")
		reply := codec.NewError(requestIDOf(it.Raw), jsonrpc.ErrorCodeInvalidRequest, "invalid request", it.Err.Error())
		x.slots = append(x.slots, &slot{reply: &reply})
		return
	}
	msg := it.Message
	ctx = logctx.WithRPCMessage(ctx, rpcData(msg))

	if msg.Kind == codec.KindRequest && msg.Method == initializeMethod && !x.initialize {
		requested, _ := msg.ParamString("protocolVersion")
		n, err := x.h.registry.Renegotiate(ctx, sess, requested)
		if err != nil {
			x.h.log.InfoContext(ctx, "session.renegotiate.fail", slog.String("err", err.Error()))
			reply := x.h.versionError(msg.ID, requested, err)
			x.slots = append(x.slots, &slot{req: msg, reply: &reply, status: http.StatusBadRequest})
			return
		}
		if rewritten, err := msg.WithParam("protocolVersion", n.Selected.Name); err == nil {
			msg = rewritten
		}
	}

	v := x.h.inspect(ctx, sess, codec.ClientToServer, msg)
	if v.blocked {
		if msg.Kind == codec.KindRequest {
			reply := codec.NewError(msg.ID, jsonrpc.ErrorCodeBlocked, v.reason, nil)
			x.slots = append(x.slots, &slot{req: msg, reply: &reply})
		}
		return
	}
	msg = v.msg

	if msg.Kind != codec.KindRequest {
		if msg.Method == cancelledMethod {
			if id, ok := cancelledID(msg); ok && x.b.router.Cancel(id) {
				x.h.log.InfoContext(ctx, "request.cancelled", slog.String("id", id.String()))
			}
		}
		x.forwarded++
		if err := x.send(ctx, msg); err != nil {
			x.failed++
		}
		return
	}

	s := &slot{req: msg}
	x.slots = append(x.slots, s)
	rt, err := x.b.router.Register(msg)
	if err != nil {
		if errors.Is(err, correlate.ErrDuplicateID) {
			reply := codec.NewError(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "request id already pending", nil)
			s.reply = &reply
			return
		}
		reply := codec.NewError(msg.ID, jsonrpc.ErrorCodeUpstreamUnavailable, "upstream unavailable", nil)
		s.reply, s.status = &reply, http.StatusBadGateway
		return
	}
	if err := x.send(ctx, msg); err != nil {
		x.b.router.Release(rt)
		reply := codec.NewError(msg.ID, jsonrpc.ErrorCodeUpstreamUnavailable, "upstream unavailable", nil)
		s.reply, s.status = &reply, http.StatusBadGateway
		return
	}
	s.route = rt
}

func (x *exchange) send(ctx context.Context, msg codec.Message) error {
	ctx, cancel := context.WithDeadline(ctx, x.deadline)
	defer cancel()
	if err := x.b.transport().Send(ctx, msg); err != nil {
		x.h.log.WarnContext(ctx, "upstream.send.fail", slog.String("method", msg.Method), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// decide picks the reply shape. The reply streams when any request's
// disposition streams or the client takes nothing else.
func (x *exchange) decide(ctx context.Context) disposition.Kind {
	kind := disposition.JSON
	for _, s := range x.slots {
		if s.route == nil {
			continue
		}
		if d, ok := x.h.engine.Early(ctx, s.req, x.acc.stream); ok {
			if d.Kind == disposition.Stream {
				kind = disposition.Stream
			}
			continue
		}
		if kind == disposition.Stream {
			continue
		}
		if env, ok := x.peek(ctx, s); ok {
			preview := disposition.Preview{
				Streaming: env.Streaming,
				SizeHint:  max(env.SizeHint, 0),
				Raw:       env.Raw,
				Message:   &env.Message,
			}
			if d := x.h.engine.Decide(ctx, s.req, preview, x.acc.stream); d.Kind == disposition.Stream {
				kind = disposition.Stream
			}
		}
	}
	if !x.acc.json {
		kind = disposition.Stream
	}
	return kind
}

// peek waits for the first upstream message of s.
func (x *exchange) peek(ctx context.Context, s *slot) (upstream.Envelope, bool) {
	timer := time.NewTimer(time.Until(x.deadline))
	defer timer.Stop()
	select {
	case env, ok := <-s.route.C():
		if !ok {
			return upstream.Envelope{}, false
		}
		s.head = &env
		return env, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return upstream.Envelope{}, false
}

// drain passes the intermediate upstream messages of s to fn and returns its
// response. Without an upstream response it returns a synthesized error;
// quiet reports that the client cancelled and expects nothing.
func (x *exchange) drain(ctx context.Context, s *slot, fn func(upstream.Envelope)) (resp upstream.Envelope, quiet bool) {
	if s.reply != nil {
		return upstream.Envelope{Message: *s.reply}, false
	}
	if s.head != nil {
		env := *s.head
		s.head = nil
		if env.Message.Kind == codec.KindResponse {
			return x.finalize(s, env), false
		}
		fn(env)
	}

	timer := time.NewTimer(time.Until(x.deadline))
	defer timer.Stop()
	for {
		select {
		case env, ok := <-s.route.C():
			if !ok {
				return x.routeEnded(ctx, s)
			}
			if env.Message.Kind == codec.KindResponse {
				return x.finalize(s, env), false
			}
			fn(env)
		case <-timer.C:
			x.b.router.Release(s.route)
			x.h.log.WarnContext(ctx, "upstream.request.timeout",
				slog.String("method", s.req.Method),
				slog.String("id", s.req.ID.String()),
			)
			s.status = http.StatusGatewayTimeout
			return x.synthesize(s, jsonrpc.ErrorCodeUpstreamUnavailable, "upstream did not respond in time"), false
		case <-ctx.Done():
			x.b.router.Release(s.route)
			return x.synthesize(s, jsonrpc.ErrorCodeInternalError, "request abandoned"), true
		}
	}
}

func (x *exchange) routeEnded(ctx context.Context, s *slot) (upstream.Envelope, bool) {
	err := x.b.router.Err(s.route)
	if errors.Is(err, correlate.ErrCancelled) {
		return x.synthesize(s, jsonrpc.ErrorCodeInternalError, "request cancelled"), true
	}
	if err != nil && !errors.Is(err, sessions.ErrSessionClosed) {
		x.h.log.WarnContext(ctx, "upstream.request.lost", slog.String("method", s.req.Method), slog.String("err", err.Error()))
	}
	s.status = http.StatusBadGateway
	return x.synthesize(s, jsonrpc.ErrorCodeUpstreamUnavailable, "upstream connection lost"), false
}

func (x *exchange) synthesize(s *slot, code jsonrpc.ErrorCode, text string) upstream.Envelope {
	if s.req.Method == initializeMethod {
		x.initFailed.Store(true)
	}
	return upstream.Envelope{Message: codec.NewError(s.req.ID, code, text, nil)}
}

// finalize adjusts the upstream response to s. An initialize result reports
// the version negotiated with the client, not the upstream's.
func (x *exchange) finalize(s *slot, env upstream.Envelope) upstream.Envelope {
	if s.req.Method != initializeMethod {
		return env
	}
	if env.Message.Error != nil {
		x.initFailed.Store(true)
		return env
	}
	if msg, err := env.Message.WithResultField("protocolVersion", x.b.sess.Version().Name); err == nil {
		env.Message, env.Raw = msg, nil
	}
	return env
}

// reply answers with a single JSON body. Intermediate upstream messages go
// to the session's standalone stream.
func (x *exchange) reply(ctx context.Context, w http.ResponseWriter) {
	publish := func(env upstream.Envelope) {
		if _, err := x.h.streams.Publish(x.b.ctx, x.b.sess, env.Raw); err != nil {
			x.h.log.InfoContext(ctx, "stream.publish.fail", slog.String("err", err.Error()))
		}
	}

	status := http.StatusOK
	raws := make([]json.RawMessage, 0, len(x.slots))
	for _, s := range x.slots {
		env, _ := x.drain(ctx, s, publish)
		raw, err := encodeEnvelope(env)
		if err != nil {
			x.h.log.ErrorContext(ctx, "jsonrpc.encode.fail", slog.String("err", err.Error()))
			continue
		}
		raws = append(raws, raw)
		if !x.batch && s.status != 0 {
			status = s.status
		}
	}

	var body []byte
	switch {
	case len(raws) == 0:
		writeJSONError(w, http.StatusInternalServerError, "failed to encode reply")
		return
	case x.batch:
		body, _ = json.Marshal(raws)
	default:
		body = raws[0]
	}

	sess := x.b.sess
	if x.initialize {
		if x.initFailed.Load() {
			x.h.terminate(sess, sessions.ReasonTerminated)
		} else {
			w.Header().Set(mcpSessionIDHeader, sess.ID())
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set(mcpProtocolVersionHeader, sess.Version().Name)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		x.h.log.InfoContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	x.h.log.InfoContext(ctx, "http.post.reply", slog.Int("status", status), slog.Int("replies", len(raws)))
}

// stream answers on a new response stream. It reports false, having written
// nothing, when no stream could be opened.
func (x *exchange) stream(ctx context.Context, w http.ResponseWriter) bool {
	sess := x.b.sess
	st, err := x.h.streams.OpenStream(ctx, sess, multiplexer.KindResponse, "")
	if err != nil {
		x.h.log.InfoContext(ctx, "stream.open.fail", slog.String("err", err.Error()))
		return false
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: st.ID(), Kind: st.Kind().String()})

	x.h.writeStreamHeaders(w, sess)
	if x.initialize {
		w.Header().Set(mcpSessionIDHeader, sess.ID())
	}
	w.WriteHeader(http.StatusOK)
	sw := newSSEWriter(w)
	if err := sw.flush(); err != nil {
		x.h.log.InfoContext(ctx, "http.post.flush.fail", slog.String("err", err.Error()))
	}

	go x.forwardStream(streamSink{b: x.b, stream: st.Logical()})

	start := time.Now()
	err = st.Serve(ctx, sw)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		x.h.log.InfoContext(ctx, "http.post.stream.end", slog.Duration("duration", time.Since(start)))
	default:
		x.h.log.InfoContext(ctx, "http.post.stream.end", slog.Duration("duration", time.Since(start)), slog.String("err", err.Error()))
	}
	return true
}

// forwardStream copies every slot's upstream traffic onto the response
// stream and then finishes it. It runs on the session's lifetime, not the
// request's, so a client that disconnects can resume the stream.
func (x *exchange) forwardStream(sink streamSink) {
	ctx := x.b.ctx
	var wg sync.WaitGroup
	for _, s := range x.slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, quiet := x.drain(ctx, s, func(env upstream.Envelope) { sink.send(ctx, env.Raw) })
			if quiet {
				return
			}
			raw, err := encodeEnvelope(env)
			if err != nil {
				x.h.log.ErrorContext(ctx, "jsonrpc.encode.fail", slog.String("err", err.Error()))
				return
			}
			sink.send(ctx, raw)
		}()
	}
	wg.Wait()
	x.h.streams.Finish(ctx, x.b.sess, sink.stream)
	if x.initialize && x.initFailed.Load() {
		x.h.terminate(x.b.sess, sessions.ReasonTerminated)
	}
}

func encodeEnvelope(env upstream.Envelope) (json.RawMessage, error) {
	if len(env.Raw) > 0 {
		return env.Raw, nil
	}
	return json.Marshal(env.Message)
}
