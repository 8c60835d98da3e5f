// Package upstream defines the connection to the MCP server the bridge fronts
// and a bounded pool of such connections.
//
// A Transport carries decoded JSON-RPC messages in both directions. Replies
// and server-initiated messages arrive through Receive wrapped in an
// Envelope, whose Streaming and SizeHint fields describe how the upstream
// framed the reply. The bridge uses them, together with the first decoded
// message, to pick a reply disposition before the rest of the reply exists.
package upstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
)

// ErrClosed is returned by Send and Receive once the transport is closed or
// its connection to the upstream is lost.
var ErrClosed = errors.New("upstream: transport closed")

// Envelope is one message received from the upstream.
type Envelope struct {
	Message codec.Message
	// Raw is the message exactly as the upstream framed it.
	Raw json.RawMessage
	// Streaming reports that the upstream answered a request with an event
	// stream and the message arrived on it.
	Streaming bool
	// SizeHint is the declared size of the reply body the message came in,
	// or -1 when unknown.
	SizeHint int64
	// Related is the id of the request whose reply stream carried the
	// message, when the upstream sent it on one.
	Related *jsonrpc.RequestID
}

// Transport is a bidirectional message channel to one upstream MCP server
// session.
type Transport interface {
	// Send forwards msg to the upstream. It returns once the upstream has
	// accepted the message, not once it has replied.
	Send(ctx context.Context, msg codec.Message) error
	// Receive blocks until the next upstream message, ctx is done or the
	// transport is closed.
	Receive(ctx context.Context) (Envelope, error)
	// Close releases the upstream session and wakes pending receivers.
	Close() error
}

// Dialer opens a new transport.
type Dialer func(ctx context.Context) (Transport, error)
