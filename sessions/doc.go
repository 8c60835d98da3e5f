// Package sessions owns the lifecycle of bridge sessions: creation after a
// successful initialize handshake, activity tracking, per-session event id
// generation and destruction.
//
// A Registry is the only structure that maps session ids to sessions. All of
// its critical sections are short and never span I/O. Destruction runs the
// hooks registered with OnClose synchronously, on every path:
//
//	Terminate          explicit DELETE or transport loss
//	Sweep / Run        idle timeout
//	Close              registry shutdown
//
// A session's streams are tracked by id only; the multiplexer owns the
// streams themselves and tears them down from its OnClose hook.
package sessions
