// Package streaminghttp bridges the MCP streamable HTTP transport to an
// upstream MCP server. It mounts as a standard net/http handler serving
// POST, GET and DELETE on one path.
//
// Responsibilities
//   - Session creation on initialize, version negotiation and enforcement of
//     the Mcp-Protocol-Version header (via sessions and protocol)
//   - One upstream connection per session, taken from an upstream.Pool and
//     returned by the session finalizer on every close path
//   - Choosing per request between a JSON reply and an event stream (via
//     disposition), using only the first chunk of the upstream reply
//   - Standalone GET streams, resumption with Last-Event-ID and terminal
//     close frames (via multiplexer)
//   - Interception and recording of every message in both directions
//
// Construction
//
//	registry := sessions.NewRegistry(protocol.DefaultRegistry())
//	streams := multiplexer.New(multiplexer.WithStore(store))
//	engine, _ := disposition.New(disposition.DefaultRules())
//	pool := upstream.NewPool[upstream.Transport](upstream.DefaultOptions(), upstream.Hooks[upstream.Transport]{})
//	h, err := streaminghttp.New(
//	    "https://bridge.example/mcp",
//	    registry, streams, engine,
//	    pool, httpstream.Dialer("https://upstream.example/mcp"),
//	)
//
// # Session Context Lifetimes
//
// Each session owns a context decoupled from individual HTTP requests. The
// upstream receive loop and the forwarding of streamed replies run on it, so
// a client that drops a response stream can resume it with GET and
// Last-Event-ID while the upstream reply is still arriving.
//
// # Error Handling
//
// Transport-level rejections map to HTTP status codes with a small
// {"error":{"code","message"}} body. Failures of an individual JSON-RPC
// request are answered with a JSON-RPC error response: -32001 when the
// upstream is unreachable or too slow, -32002 when an interceptor blocked the
// request.
package streaminghttp
