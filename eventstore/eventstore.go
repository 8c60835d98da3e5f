// Package eventstore keeps the replay window used to resume delivery
// streams. Every event a session emits on a stream is appended with the
// logical stream it was emitted on; a reconnecting client presenting a
// Last-Event-ID receives the later events of that same stream.
//
// The window is bounded. An id that is unknown, or that has aged out of the
// window, yields ErrUnknownEvent and the caller resumes from "now".
package eventstore

import (
	"context"
	"errors"
)

// ErrUnknownEvent reports a last event id that is not in the window.
var ErrUnknownEvent = errors.New("eventstore: event id unknown or outside replay window")

// Event is one stored server-to-client event.
type Event struct {
	// ID is the session-scoped event id sent on the wire.
	ID string
	// Stream is the logical stream the event was first emitted on.
	Stream string
	// Data is the encoded JSON-RPC payload.
	Data []byte
}

// Store is a bounded, per-session event log.
type Store interface {
	// Append adds ev to the session's window, evicting the oldest events
	// beyond the window size.
	Append(ctx context.Context, sessionID string, ev Event) error
	// After locates lastEventID and returns its logical stream and the later
	// events of that stream, oldest first.
	After(ctx context.Context, sessionID string, lastEventID string) (origin string, events []Event, err error)
	// Forget drops everything stored for the session.
	Forget(ctx context.Context, sessionID string) error
}
