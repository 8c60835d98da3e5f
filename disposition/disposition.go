// Package disposition decides the shape of the reply to each inbound
// message: an immediate JSON document, an event stream, or a bare
// acknowledgement for messages that expect no reply.
//
// The decision is taken from the request and a Preview of the first chunk of
// the upstream reply, never from the complete reply, so large payloads are
// not buffered merely to pick a format. Rules are evaluated in a fixed order:
//
//	a. the client does not accept an event stream        -> JSON
//	b. the method matches a streaming indicator          -> Stream
//	c. the preview flags itself as streaming             -> Stream
//	d. the preview's size exceeds the threshold          -> Stream
//	e. the preview carries subscription markers          -> Stream
//	f. otherwise                                         -> JSON
package disposition

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
)

// Kind is the reply shape.
type Kind int

const (
	JSON Kind = iota + 1
	Stream
	// Accepted acknowledges a message that expects no reply.
	Accepted
)

func (k Kind) String() string {
	switch k {
	case JSON:
		return "json"
	case Stream:
		return "stream"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonNoReply          Reason = "no_reply"
	ReasonClientJSONOnly   Reason = "client_json_only"
	ReasonMethod           Reason = "method"
	ReasonPreviewStreaming Reason = "preview_streaming"
	ReasonSize             Reason = "size"
	ReasonMarker           Reason = "marker"
	ReasonDefault          Reason = "default"
)

// Decision is the outcome of Decide.
type Decision struct {
	Kind   Kind
	Reason Reason
}

// Preview is what is known about the upstream reply after its first chunk.
type Preview struct {
	// Streaming is set when the upstream answered with an event stream.
	Streaming bool
	// SizeHint is the declared size of the reply body, or zero if unknown.
	SizeHint int64
	// Raw is the first chunk as received.
	Raw json.RawMessage
	// Message is the first decoded upstream message, if any.
	Message *codec.Message
}

// Size estimates the serialized size of the reply.
func (p Preview) Size() int64 {
	if p.SizeHint > 0 {
		return p.SizeHint
	}
	return int64(len(p.Raw))
}

// Rules configures the engine.
type Rules struct {
	// StreamMethods are case-insensitive substrings of method names whose
	// replies stream.
	StreamMethods []string `json:"stream_methods"`
	// SizeThreshold is the size in bytes above which replies stream. Zero
	// disables the size rule.
	SizeThreshold int64 `json:"size_threshold"`
	// Markers are top-level result keys that identify a subscription or an
	// event-stream reply.
	Markers []string `json:"markers"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		StreamMethods: []string{"subscribe", "watch", "stream", "tail"},
		SizeThreshold: 1 << 20,
		Markers:       []string{"subscription", "subscriptionId", "eventStream"},
	}
}

// Validate rejects rule sets that cannot be applied.
func (r Rules) Validate() error {
	if r.SizeThreshold < 0 {
		return errors.New("disposition: size threshold must not be negative")
	}
	for _, m := range r.StreamMethods {
		if strings.TrimSpace(m) == "" {
			return errors.New("disposition: empty stream method indicator")
		}
	}
	for _, m := range r.Markers {
		if m == "" {
			return errors.New("disposition: empty marker")
		}
	}
	return nil
}

// Engine evaluates Rules. Rules may be swapped while the engine is in use.
type Engine struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	rules   atomic.Pointer[compiled]
}

type compiled struct {
	Rules
	methods []string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an engine applying rules.
func New(rules Rules, opts ...Option) (*Engine, error) {
	e := &Engine{log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules atomically replaces the rule set.
func (e *Engine) SetRules(r Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c := &compiled{Rules: r, methods: make([]string, len(r.StreamMethods))}
	for i, m := range r.StreamMethods {
		c.methods[i] = strings.ToLower(strings.TrimSpace(m))
	}
	e.rules.Store(c)
	return nil
}

// Rules returns the active rule set.
func (e *Engine) Rules() Rules {
	return e.rules.Load().Rules
}

// Early returns the decision for msg if it is settled before anything is
// known about the upstream reply, that is by the reply-less, accept or
// method rules.
func (e *Engine) Early(ctx context.Context, msg codec.Message, acceptsStream bool) (Decision, bool) {
	d, ok := e.early(msg, acceptsStream)
	if ok {
		e.record(ctx, msg, d)
	}
	return d, ok
}

// Decide applies every rule in order.
func (e *Engine) Decide(ctx context.Context, msg codec.Message, preview Preview, acceptsStream bool) Decision {
	d, ok := e.early(msg, acceptsStream)
	if !ok {
		d = e.fromPreview(preview)
	}
	e.record(ctx, msg, d)
	return d
}

func (e *Engine) early(msg codec.Message, acceptsStream bool) (Decision, bool) {
	if msg.Kind != codec.KindRequest {
		return Decision{Kind: Accepted, Reason: ReasonNoReply}, true
	}
	if !acceptsStream {
		return Decision{Kind: JSON, Reason: ReasonClientJSONOnly}, true
	}
	method := strings.ToLower(msg.Method)
	for _, ind := range e.rules.Load().methods {
		if strings.Contains(method, ind) {
			return Decision{Kind: Stream, Reason: ReasonMethod}, true
		}
	}
	return Decision{}, false
}

func (e *Engine) fromPreview(p Preview) Decision {
	r := e.rules.Load()
	if p.Streaming {
		return Decision{Kind: Stream, Reason: ReasonPreviewStreaming}
	}
	if r.SizeThreshold > 0 && p.Size() > r.SizeThreshold {
		return Decision{Kind: Stream, Reason: ReasonSize}
	}
	if p.Message != nil && len(r.Markers) > 0 {
		if fields, ok := p.Message.ResultFields(); ok {
			for _, m := range r.Markers {
				if _, hit := fields[m]; hit {
					return Decision{Kind: Stream, Reason: ReasonMarker}
				}
			}
		}
	}
	return Decision{Kind: JSON, Reason: ReasonDefault}
}

func (e *Engine) record(ctx context.Context, msg codec.Message, d Decision) {
	e.metrics.Disposition(d.Kind.String(), string(d.Reason))
	e.log.DebugContext(ctx, "disposition.decide",
		slog.String("method", msg.Method),
		slog.String("kind", d.Kind.String()),
		slog.String("reason", string(d.Reason)),
	)
}
