package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-streaming-bridge/internal/logctx"
	"github.com/ggoodman/mcp-streaming-bridge/protocol"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

var jsonMediaTypes = []contenttype.MediaType{jsonMediaType}

const (
	initializeMethod = "initialize"
	cancelledMethod  = "notifications/cancelled"
)

// accepts records which reply media types the client takes.
type accepts struct {
	json   bool
	stream bool
}

func negotiateAccept(r *http.Request) (accepts, error) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, replyMediaTypes); err != nil {
		return accepts{}, err
	}
	_, _, jsonErr := contenttype.GetAcceptableMediaType(r, jsonMediaTypes)
	_, _, streamErr := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return accepts{json: jsonErr == nil, stream: streamErr == nil}, nil
}

// handlePostMCP forwards client messages upstream. Without a session header
// the body must be a lone initialize request, which creates the session.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "mcp.post")
	defer span.End()
	defer h.observe("POST", start)
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	acc, err := negotiateAccept(r)
	if err != nil {
		h.log.InfoContext(ctx, "http.post.accept.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initializeSession(ctx, w, r, body, acc, span)
		return
	}

	sess, ok := h.loadSession(ctx, w, r, span)
	if !ok {
		return
	}
	ctx = withSession(ctx, sess)
	sess.Touch(time.Now())
	b, ok := h.bridgeFor(sess)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", "no upstream bridge"))
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	dec, err := codec.Decode(body, sess.Version())
	if err != nil {
		h.rejectPayload(ctx, w, err)
		return
	}
	h.exchange(ctx, w, b, dec, acc, span, false)
	sess.Touch(time.Now())
}

func (h *Handler) initializeSession(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, acc accepts, span trace.Span) {
	msg, err := codec.DecodeOne(body)
	if err != nil {
		h.rejectPayload(ctx, w, err)
		return
	}
	if msg.Kind != codec.KindRequest || msg.Method != initializeMethod {
		h.log.InfoContext(ctx, "session.load.fail", slog.String("err", ErrSessionHeaderMissing.Error()), slog.String("method", msg.Method))
		fail(span, ErrSessionHeaderMissing)
		writeJSONError(w, http.StatusBadRequest, "missing session id; expected initialize request")
		return
	}

	requested, _ := msg.ParamString("protocolVersion")
	channel := protocol.PrimaryChannel
	if requested == "" {
		if hv := r.Header.Get(mcpProtocolVersionHeader); hv != "" {
			requested, channel = hv, protocol.SecondaryChannel
		}
	}

	conn, err := h.pool.Acquire(ctx, h.dial)
	if err != nil {
		fail(span, err)
		status, text := http.StatusBadGateway, "upstream unavailable"
		switch {
		case errors.Is(err, upstream.ErrPoolExhausted), errors.Is(err, upstream.ErrAcquireTimeout):
			status, text = http.StatusTooManyRequests, "upstream capacity exhausted"
		case errors.Is(err, upstream.ErrPoolClosed):
			status, text = http.StatusServiceUnavailable, "shutting down"
		case ctx.Err() != nil:
			return
		}
		h.log.WarnContext(ctx, "upstream.acquire.fail", slog.Int("status", status), slog.String("err", err.Error()))
		writeJSONError(w, status, text)
		return
	}

	sess, err := h.registry.Create(ctx, requested, channel)
	if err != nil {
		conn.Release(ctx)
		fail(span, err)
		var verr *protocol.VersionError
		switch {
		case errors.As(err, &verr):
			h.writeMessage(w, http.StatusBadRequest, h.versionError(msg.ID, requested, err))
		case errors.Is(err, sessions.ErrTooManySessions):
			writeJSONError(w, http.StatusTooManyRequests, "too many sessions")
		default:
			writeJSONError(w, http.StatusServiceUnavailable, "session registry unavailable")
		}
		return
	}
	ctx = withSession(ctx, sess)
	span.SetAttributes(attribute.String("mcp.session.id", sess.ID()))
	b := h.attach(sess, conn)

	if err := protocol.CheckHeader(sess.Negotiated(), r.Header.Get(mcpProtocolVersionHeader)); err != nil {
		h.log.InfoContext(ctx, "protocol.version.mismatch", slog.String("err", err.Error()))
		h.terminate(sess, sessions.ReasonTerminated)
		h.writeMessage(w, http.StatusBadRequest, h.versionError(msg.ID, r.Header.Get(mcpProtocolVersionHeader), err))
		return
	}

	forward, err := msg.WithParam("protocolVersion", sess.Version().Name)
	if err != nil {
		h.terminate(sess, sessions.ReasonTerminated)
		h.writeMessage(w, http.StatusBadRequest, codec.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		return
	}
	h.exchange(ctx, w, b, codec.Decoded{Items: []codec.Item{{Message: forward}}}, acc, span, true)
}

// rejectPayload answers a body that could not be decoded at all.
func (h *Handler) rejectPayload(ctx context.Context, w http.ResponseWriter, err error) {
	code, reason := jsonrpc.ErrorCodeInvalidRequest, "invalid_shape"
	switch {
	case errors.Is(err, codec.ErrParse):
		code, reason = jsonrpc.ErrorCodeParseError, "parse"
	case errors.Is(err, codec.ErrBatchNotPermitted):
		reason = "batch_not_permitted"
	case errors.Is(err, codec.ErrEmptyBatch):
		reason = "empty_batch"
	}
	h.metrics.DecodeError(reason)
	h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("reason", reason), slog.String("err", err.Error()))
	h.writeMessage(w, http.StatusBadRequest, codec.NewError(nil, code, err.Error(), nil))
}

func (h *Handler) versionError(id *jsonrpc.RequestID, requested string, err error) codec.Message {
	return codec.NewError(id, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version", map[string]any{
		"requested": requested,
		"supported": h.registry.Versions().Supported(),
		"reason":    err.Error(),
	})
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg codec.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode reply")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func rpcData(msg codec.Message) *logctx.RPCMessage {
	return &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Kind.String()}
}

// requestIDOf recovers the id of an element that failed to decode.
func requestIDOf(raw json.RawMessage) *jsonrpc.RequestID {
	var probe struct {
		ID *jsonrpc.RequestID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// cancelledID returns the request a notifications/cancelled refers to.
func cancelledID(msg codec.Message) (*jsonrpc.RequestID, bool) {
	var p struct {
		RequestID *jsonrpc.RequestID `json:"requestId"`
	}
	if len(msg.Params) == 0 || json.Unmarshal(msg.Params, &p) != nil || p.RequestID.IsNil() {
		return nil, false
	}
	return p.RequestID, true
}
