// Package httpstream implements upstream.Transport over the MCP streamable
// HTTP transport.
//
// Each message is POSTed to the upstream endpoint. JSON replies are decoded
// whole; event-stream replies are decoded frame by frame as they arrive.
// Once the upstream assigned a session id, an optional standalone GET stream
// carries server-initiated messages and is reconnected with jittered
// exponential backoff, resuming from the last seen event id.
package httpstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jitter"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-streaming-bridge/sse"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"
)

// StatusError reports an unexpected upstream HTTP status.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpstream: upstream %s returned %d: %s", e.Method, e.StatusCode, e.Body)
}

// ErrSessionExpired is returned once the upstream reported that its session
// no longer exists.
var ErrSessionExpired = errors.New("httpstream: upstream session expired")

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the client used for all upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithStandaloneStream controls whether a GET stream is kept open for
// server-initiated messages. Enabled by default.
func WithStandaloneStream(enabled bool) Option {
	return func(t *Transport) { t.standalone = enabled }
}

// WithMaxFrameBytes bounds one upstream event frame and one JSON body.
func WithMaxFrameBytes(n int) Option {
	return func(t *Transport) { t.maxFrame = n }
}

// WithBackoff sets the reconnect delays of the standalone stream.
func WithBackoff(b jitter.Backoff) Option {
	return func(t *Transport) { t.backoff = b }
}

// WithReconnectLimit caps standalone reconnect attempts per second.
func WithReconnectLimit(r rate.Limit, burst int) Option {
	return func(t *Transport) { t.limiter = rate.NewLimiter(r, burst) }
}

// WithHeader adds a header to every upstream request.
func WithHeader(key, value string) Option {
	return func(t *Transport) { t.header.Add(key, value) }
}

// Transport is an upstream.Transport speaking streamable HTTP.
type Transport struct {
	endpoint   string
	client     *http.Client
	log        *slog.Logger
	standalone bool
	maxFrame   int
	backoff    jitter.Backoff
	limiter    *rate.Limiter
	header     http.Header

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan upstream.Envelope
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	mu        sync.Mutex
	sessionID string
	version   string
	getting   bool
	err       error
}

// New returns a transport for the upstream endpoint. No request is made
// until the first Send.
func New(endpoint string, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		endpoint:   endpoint,
		client:     http.DefaultClient,
		log:        slog.Default(),
		standalone: true,
		maxFrame:   4 << 20,
		backoff:    jitter.Backoff{Initial: 250 * time.Millisecond, Max: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
		header:     make(http.Header),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan upstream.Envelope, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dialer returns an upstream.Dialer creating transports for endpoint.
func Dialer(endpoint string, opts ...Option) upstream.Dialer {
	return func(context.Context) (upstream.Transport, error) {
		return New(endpoint, opts...), nil
	}
}

// SessionID returns the upstream session id, if one was assigned.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Healthy reports whether the transport can still carry messages.
func (t *Transport) Healthy(context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed.Load() && t.err == nil
}

// Send POSTs msg upstream. Replies are delivered through Receive.
func (t *Transport) Send(ctx context.Context, msg codec.Message) error {
	if err := t.failure(); err != nil {
		return err
	}
	body, err := codec.Encode([]codec.Message{msg}, codec.Single)
	if err != nil {
		return err
	}

	// The request outlives ctx once the reply headers arrived, so it is bound
	// to the transport and only cancelled by ctx until then.
	reqCtx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		stop()
		cancel()
		return err
	}
	t.prepare(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if !stop() {
		// ctx ended while waiting for headers.
		cancel()
		if resp != nil {
			resp.Body.Close()
		}
		return ctx.Err()
	}
	if err != nil {
		cancel()
		return t.transportError(err)
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.bindSession(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		cancel()
		return nil
	case resp.StatusCode == http.StatusNotFound && t.SessionID() != "":
		resp.Body.Close()
		cancel()
		t.fail(ErrSessionExpired)
		return ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		defer cancel()
		return t.statusError(http.MethodPost, resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer cancel()
			defer resp.Body.Close()
			if _, err := t.consume(resp.Body, msg.ID); err != nil {
				t.log.WarnContext(reqCtx, "upstream.stream.fail", slog.String("err", err.Error()))
			}
		}()
		t.startStandalone()
		return nil
	default:
		defer cancel()
		defer resp.Body.Close()
		if err := t.readJSON(resp, msg.ID); err != nil {
			return err
		}
		t.startStandalone()
		return nil
	}
}

// Receive returns the next upstream message.
func (t *Transport) Receive(ctx context.Context) (upstream.Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return upstream.Envelope{}, ctx.Err()
	case <-t.ctx.Done():
		if err := t.failure(); err != nil && !errors.Is(err, upstream.ErrClosed) {
			return upstream.Envelope{}, fmt.Errorf("%w: %w", upstream.ErrClosed, err)
		}
		return upstream.Envelope{}, upstream.ErrClosed
	}
}

// Close terminates the upstream session with DELETE and stops background
// streams. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		sid := t.SessionID()
		t.cancel()
		t.wg.Wait()
		if sid != "" {
			err = t.deleteSession(sid)
		}
	})
	return err
}

func (t *Transport) deleteSession(sid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return err
	}
	t.prepare(req)
	req.Header.Set(headerSessionID, sid)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstream: delete session: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound, http.StatusMethodNotAllowed:
		return nil
	}
	return t.statusError(http.MethodDelete, resp)
}

func (t *Transport) prepare(req *http.Request) {
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	t.mu.Lock()
	sid, ver := t.sessionID, t.version
	t.mu.Unlock()
	if sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	if ver != "" {
		req.Header.Set(headerProtocolVersion, ver)
	}
}

func (t *Transport) readJSON(resp *http.Response, related *jsonrpc.RequestID) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxFrame)+1))
	if err != nil {
		return t.transportError(err)
	}
	if len(raw) > t.maxFrame {
		return fmt.Errorf("httpstream: reply exceeds %d bytes", t.maxFrame)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec, err := codec.Decode(raw, codec.Batched)
	if err != nil {
		return fmt.Errorf("httpstream: decode reply: %w", err)
	}
	for _, it := range dec.Items {
		if it.Err != nil {
			t.log.WarnContext(t.ctx, "upstream.decode.fail", slog.String("err", it.Err.Error()))
			continue
		}
		t.observe(it.Message)
		env := upstream.Envelope{Message: it.Message, Raw: it.Raw, SizeHint: resp.ContentLength, Related: related}
		if !t.push(env) {
			return upstream.ErrClosed
		}
	}
	return nil
}

// consume decodes messages from an event stream until it ends. A non-nil
// related marks a reply stream for that request. It returns the last event
// id seen.
func (t *Transport) consume(body io.Reader, related *jsonrpc.RequestID) (string, error) {
	rd := sse.NewReader(body, sse.WithMaxPayload(t.maxFrame))
	for {
		f, err := rd.Next()
		switch {
		case errors.Is(err, sse.ErrFrameTooLarge), errors.Is(err, sse.ErrLineTooLong):
			t.log.WarnContext(t.ctx, "upstream.frame.skip", slog.String("err", err.Error()))
			continue
		case errors.Is(err, io.EOF):
			return rd.LastEventID(), nil
		case err != nil:
			if t.ctx.Err() != nil {
				return rd.LastEventID(), nil
			}
			return rd.LastEventID(), err
		}
		if f.HasRetry {
			t.mu.Lock()
			t.backoff.Initial = f.Retry
			t.mu.Unlock()
		}
		if f.IsHeartbeat() || len(f.Data) == 0 {
			continue
		}
		msg, err := codec.DecodeOne(f.Payload())
		if err != nil {
			t.log.WarnContext(t.ctx, "upstream.decode.fail", slog.String("err", err.Error()))
			continue
		}
		t.observe(msg)
		env := upstream.Envelope{Message: msg, Raw: f.Payload(), Streaming: related != nil, SizeHint: -1, Related: related}
		if !t.push(env) {
			return rd.LastEventID(), nil
		}
	}
}

func (t *Transport) push(env upstream.Envelope) bool {
	select {
	case t.inbox <- env:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// observe captures the protocol version the upstream selected.
func (t *Transport) observe(msg codec.Message) {
	if msg.Kind != codec.KindResponse || msg.Error != nil {
		return
	}
	fields, ok := msg.ResultFields()
	if !ok {
		return
	}
	raw, ok := fields["protocolVersion"]
	if !ok {
		return
	}
	var v string
	if len(raw) > 2 && raw[0] == '"' {
		v = string(raw[1 : len(raw)-1])
	}
	t.mu.Lock()
	if t.version == "" {
		t.version = v
	}
	t.mu.Unlock()
}

func (t *Transport) bindSession(sid string) {
	t.mu.Lock()
	if t.sessionID == "" {
		t.sessionID = sid
	}
	t.mu.Unlock()
}

func (t *Transport) startStandalone() {
	if !t.standalone {
		return
	}
	t.mu.Lock()
	if t.getting || t.sessionID == "" || t.closed.Load() {
		t.mu.Unlock()
		return
	}
	t.getting = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runStandalone()
	}()
}

// runStandalone keeps the GET stream open until the transport closes, the
// upstream refuses standalone streams or the session expires.
func (t *Transport) runStandalone() {
	var lastEventID string
	for {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return
		}
		connected, last, err := t.getOnce(lastEventID)
		if last != "" {
			lastEventID = last
		}
		switch {
		case t.ctx.Err() != nil:
			return
		case errors.Is(err, errStandaloneUnsupported):
			t.log.Debug("upstream.get.unsupported")
			return
		case errors.Is(err, ErrSessionExpired):
			t.fail(err)
			return
		case err != nil:
			t.log.Warn("upstream.get.fail", slog.String("err", err.Error()))
		}

		t.mu.Lock()
		if connected {
			t.backoff.Reset()
		}
		delay := t.backoff.Next()
		t.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var errStandaloneUnsupported = errors.New("httpstream: upstream does not offer a standalone stream")

func (t *Transport) getOnce(lastEventID string) (bool, string, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, "", err
	}
	t.prepare(req)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return false, "", errStandaloneUnsupported
	case resp.StatusCode == http.StatusNotFound:
		return false, "", ErrSessionExpired
	case resp.StatusCode != http.StatusOK:
		return false, "", t.statusError(http.MethodGet, resp)
	}
	t.log.Debug("upstream.get.ok", slog.String("last_event_id", lastEventID))
	last, err := t.consume(resp.Body, nil)
	return true, last, err
}

func (t *Transport) statusError(method string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Method: method, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func (t *Transport) transportError(err error) error {
	if t.ctx.Err() != nil {
		return upstream.ErrClosed
	}
	return fmt.Errorf("httpstream: %w", err)
}

// fail records a terminal error and stops the transport.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Transport) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.closed.Load() {
		return upstream.ErrClosed
	}
	return nil
}
