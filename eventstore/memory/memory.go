// Package memory is an in-process eventstore.Store with a fixed-size window
// per session.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
)

// DefaultWindow is the number of events retained per session.
const DefaultWindow = 256

var _ eventstore.Store = (*Store)(nil)

// Store keeps the last Window events of each session in memory.
type Store struct {
	window int

	mu       sync.Mutex
	sessions map[string][]eventstore.Event
}

// New returns a store retaining window events per session. A non-positive
// window selects DefaultWindow.
func New(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{window: window, sessions: make(map[string][]eventstore.Event)}
}

func (s *Store) Append(_ context.Context, sessionID string, ev eventstore.Event) error {
	ev.Data = append([]byte(nil), ev.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	events := append(s.sessions[sessionID], ev)
	if over := len(events) - s.window; over > 0 {
		// Copy down so the backing array does not grow without bound.
		events = append(events[:0:0], events[over:]...)
	}
	s.sessions[sessionID] = events
	return nil
}

func (s *Store) After(_ context.Context, sessionID string, lastEventID string) (string, []eventstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.sessions[sessionID]
	for i := range events {
		if events[i].ID != lastEventID {
			continue
		}
		origin := events[i].Stream
		var out []eventstore.Event
		for _, ev := range events[i+1:] {
			if ev.Stream == origin {
				out = append(out, ev)
			}
		}
		return origin, out, nil
	}
	return "", nil, eventstore.ErrUnknownEvent
}

func (s *Store) Forget(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
