package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-bridge/disposition"
	"github.com/ggoodman/mcp-streaming-bridge/intercept"
	"github.com/ggoodman/mcp-streaming-bridge/internal/logctx"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/protocol"
	"github.com/ggoodman/mcp-streaming-bridge/recording"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

var (
	_ http.Handler = (*Handler)(nil)
)

// ErrSessionHeaderMissing reports a request that needs a session but names
// none.
var ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	replyMediaTypes       = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

const tracerName = "github.com/ggoodman/mcp-streaming-bridge/streaminghttp"

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	interceptors   intercept.Chain
	recorder       recording.Sink
	requestTimeout time.Duration
	maxBodyBytes   int64
	routeBuffer    int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithTracer overrides the tracer taken from the global OpenTelemetry
// provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *newConfig) { c.tracer = t }
}

// WithInterceptors appends interceptors applied to every message in both
// directions, in order.
func WithInterceptors(in ...intercept.Interceptor) Option {
	return func(c *newConfig) { c.interceptors = append(c.interceptors, in...) }
}

// WithRecorder sets the sink offered every forwarded message.
func WithRecorder(s recording.Sink) Option {
	return func(c *newConfig) { c.recorder = s }
}

// WithRequestTimeout bounds how long a client request waits for the upstream
// response. Defaults to 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithMaxBodyBytes limits POST bodies. Defaults to 4MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithRouteBuffer bounds the intermediate upstream messages queued per
// pending request.
func WithRouteBuffer(n int) Option {
	return func(c *newConfig) { c.routeBuffer = n }
}

// Handler bridges MCP streamable HTTP clients to an upstream MCP server. Each
// client session owns one upstream connection from the pool.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	endpoint *url.URL

	registry *sessions.Registry
	streams  *multiplexer.Multiplexer
	engine   *disposition.Engine
	pool     *upstream.Pool[upstream.Transport]
	dial     upstream.Dialer

	chain          intercept.Chain
	recorder       recording.Sink
	requestTimeout time.Duration
	maxBodyBytes   int64
	routeBuffer    int

	mu      sync.Mutex
	bridges map[string]*bridge
}

// New constructs a Handler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint; its path is
//     the path served
//   - registry: session registry; the handler registers a close hook that
//     closes the session's streams and upstream connection
//   - streams: the multiplexer carrying server-to-client events. It must not
//     also be bound to registry.
//   - engine: reply disposition rules
//   - pool, dial: upstream connections
func New(publicEndpoint string, registry *sessions.Registry, streams *multiplexer.Multiplexer, engine *disposition.Engine, pool *upstream.Pool[upstream.Transport], dial upstream.Dialer, opts ...Option) (*Handler, error) {
	switch {
	case registry == nil:
		return nil, fmt.Errorf("session registry is required")
	case streams == nil:
		return nil, fmt.Errorf("multiplexer is required")
	case engine == nil:
		return nil, fmt.Errorf("disposition engine is required")
	case pool == nil || dial == nil:
		return nil, fmt.Errorf("upstream pool and dialer are required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{
		logger:         slog.Default(),
		recorder:       recording.Discard,
		requestTimeout: 30 * time.Second,
		maxBodyBytes:   4 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}

	h := &Handler{
		log:            slog.New(logctx.New(cfg.logger.Handler())),
		metrics:        cfg.metrics,
		tracer:         cfg.tracer,
		endpoint:       mcpURL,
		registry:       registry,
		streams:        streams,
		engine:         engine,
		pool:           pool,
		dial:           dial,
		chain:          cfg.interceptors,
		recorder:       cfg.recorder,
		requestTimeout: cfg.requestTimeout,
		maxBodyBytes:   cfg.maxBodyBytes,
		routeBuffer:    cfg.routeBuffer,
		bridges:        make(map[string]*bridge),
	}
	registry.OnClose(h.onSessionClose)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Sessions returns the number of sessions with a live upstream bridge.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// handleDeleteMCP terminates a session. Its streams receive a terminal
// frame and its upstream session is released before the reply is written.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "mcp.delete")
	defer span.End()
	defer h.observe("DELETE", start)
	h.log.InfoContext(ctx, "http.delete.start")

	sess, ok := h.loadSession(ctx, w, r, span)
	if !ok {
		return
	}
	ctx = withSession(ctx, sess)

	if err := h.registry.Terminate(ctx, sess.ID(), sessions.ReasonTerminated); err != nil {
		h.log.InfoContext(ctx, "session.terminate.miss", slog.String("err", err.Error()))
		fail(span, err)
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("duration", time.Since(start)))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMCP opens or resumes a standalone event stream.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "mcp.get")
	defer span.End()
	defer h.observe("GET", start)
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.InfoContext(ctx, "http.get.accept.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}

	sess, ok := h.loadSession(ctx, w, r, span)
	if !ok {
		return
	}
	ctx = withSession(ctx, sess)
	sess.Touch(time.Now())

	lastEventID := r.Header.Get(lastEventIDHeader)
	st, err := h.streams.OpenStream(ctx, sess, multiplexer.KindStandalone, lastEventID)
	if err != nil {
		fail(span, err)
		status, msg := http.StatusInternalServerError, "failed to open stream"
		switch {
		case errors.Is(err, multiplexer.ErrResumeConflict):
			status, msg = http.StatusConflict, "stream already resumed"
		case errors.Is(err, sessions.ErrTooManyStreams):
			status, msg = http.StatusTooManyRequests, "too many streams"
		case errors.Is(err, sessions.ErrSessionClosed), errors.Is(err, sessions.ErrSessionNotFound):
			status, msg = http.StatusNotFound, "session not found"
		}
		h.log.InfoContext(ctx, "stream.open.fail", slog.Int("status", status), slog.String("err", err.Error()))
		writeJSONError(w, status, msg)
		return
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: st.ID(), Kind: st.Kind().String()})
	span.SetAttributes(
		attribute.String("mcp.stream.id", st.ID()),
		attribute.Bool("mcp.stream.resumed", st.Resumed()),
	)

	h.writeStreamHeaders(w, sess)
	w.WriteHeader(http.StatusOK)
	sw := newSSEWriter(w)
	if err := sw.flush(); err != nil {
		h.log.InfoContext(ctx, "http.get.flush.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "http.get.stream",
		slog.Bool("resumed", st.Resumed()),
		slog.Int("replayed", st.Replayed()),
	)

	err = st.Serve(ctx, sw)
	sess.Touch(time.Now())
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "http.get.end", slog.Duration("duration", time.Since(start)))
	default:
		h.log.InfoContext(ctx, "http.get.end", slog.Duration("duration", time.Since(start)), slog.String("err", err.Error()))
	}
}

// loadSession resolves the session named by the request headers and enforces
// the version indicator. It writes the rejection itself.
func (h *Handler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span) (*sessions.Session, bool) {
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		h.log.InfoContext(ctx, "session.load.fail", slog.String("err", ErrSessionHeaderMissing.Error()))
		fail(span, ErrSessionHeaderMissing)
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return nil, false
	}
	span.SetAttributes(attribute.String("mcp.session.id", sid))

	sess, err := h.registry.Get(sid)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sid), slog.String("err", err.Error()))
		fail(span, err)
		writeJSONError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err := protocol.CheckHeader(sess.Negotiated(), r.Header.Get(mcpProtocolVersionHeader)); err != nil {
		h.log.InfoContext(ctx, "protocol.version.mismatch",
			slog.String("session_id", sid),
			slog.String("negotiated", sess.Version().Name),
			slog.String("err", err.Error()),
		)
		fail(span, err)
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		return nil, false
	}
	return sess, true
}

func (h *Handler) writeStreamHeaders(w http.ResponseWriter, sess *sessions.Session) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(mcpProtocolVersionHeader, sess.Version().Name)
}

func (h *Handler) observe(method string, start time.Time) {
	h.metrics.ObserveRequest(method, time.Since(start).Seconds())
}

// onSessionClose is the session finalizer. It runs on every destruction
// path before the registry returns.
func (h *Handler) onSessionClose(ctx context.Context, s *sessions.Session, reason sessions.CloseReason) {
	h.streams.CloseSession(ctx, s, string(reason))

	h.mu.Lock()
	b := h.bridges[s.ID()]
	delete(h.bridges, s.ID())
	h.mu.Unlock()
	if b != nil {
		b.close(ctx, reason)
	}
}

func withSession(ctx context.Context, sess *sessions.Session) context.Context {
	n := sess.Negotiated()
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: n.Selected.Name,
		NegotiationMode: n.Mode().String(),
	})
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
