// Package eventstoretest is a conformance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
)

// StoreFactory creates a store retaining window events per session.
type StoreFactory func(t *testing.T, window int) eventstore.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("ReplayAfterLastEventID", func(t *testing.T) {
		testReplayAfterLastEventID(t, factory)
	})
	t.Run("ReplayIsScopedToOriginStream", func(t *testing.T) {
		testReplayIsScopedToOriginStream(t, factory)
	})
	t.Run("UnknownEventID", func(t *testing.T) {
		testUnknownEventID(t, factory)
	})
	t.Run("WindowEvictsOldest", func(t *testing.T) {
		testWindowEvictsOldest(t, factory)
	})
	t.Run("SessionIsolation", func(t *testing.T) {
		testSessionIsolation(t, factory)
	})
	t.Run("Forget", func(t *testing.T) {
		testForget(t, factory)
	})
}

func appendN(t *testing.T, s eventstore.Store, session, stream string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		ev := eventstore.Event{
			ID:     fmt.Sprintf("%s-n-%d", session, i),
			Stream: stream,
			Data:   []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"n","params":{"i":%d}}`, i)),
		}
		if err := s.Append(context.Background(), session, ev); err != nil {
			t.Fatalf("append %s: %v", ev.ID, err)
		}
	}
}

func ids(events []eventstore.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func testReplayAfterLastEventID(t *testing.T, factory StoreFactory) {
	s := factory(t, 16)
	appendN(t, s, "s1", "st-a", 1, 5)

	origin, events, err := s.After(context.Background(), "s1", "s1-n-2")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if want, got := "st-a", origin; want != got {
		t.Fatalf("expected origin %q, got %q", want, got)
	}
	if want, got := "[s1-n-3 s1-n-4 s1-n-5]", fmt.Sprint(ids(events)); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if want, got := `{"jsonrpc":"2.0","method":"n","params":{"i":3}}`, string(events[0].Data); want != got {
		t.Fatalf("expected data %s, got %s", want, got)
	}

	_, events, err = s.After(context.Background(), "s1", "s1-n-5")
	if err != nil {
		t.Fatalf("after latest: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected nothing after the latest id, got %v", ids(events))
	}
}

func testReplayIsScopedToOriginStream(t *testing.T, factory StoreFactory) {
	s := factory(t, 16)
	appendN(t, s, "s1", "st-a", 1, 2)
	appendN(t, s, "s1", "st-b", 3, 4)
	appendN(t, s, "s1", "st-a", 5, 5)

	_, events, err := s.After(context.Background(), "s1", "s1-n-1")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if want, got := "[s1-n-2 s1-n-5]", fmt.Sprint(ids(events)); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func testUnknownEventID(t *testing.T, factory StoreFactory) {
	s := factory(t, 16)
	appendN(t, s, "s1", "st-a", 1, 2)
	if _, _, err := s.After(context.Background(), "s1", "nope"); !errors.Is(err, eventstore.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, _, err := s.After(context.Background(), "empty", "nope"); !errors.Is(err, eventstore.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent for unknown session, got %v", err)
	}
}

func testWindowEvictsOldest(t *testing.T, factory StoreFactory) {
	s := factory(t, 3)
	appendN(t, s, "s1", "st-a", 1, 5)
	if _, _, err := s.After(context.Background(), "s1", "s1-n-2"); !errors.Is(err, eventstore.ErrUnknownEvent) {
		t.Fatalf("expected aged-out id to be unknown, got %v", err)
	}
	_, events, err := s.After(context.Background(), "s1", "s1-n-3")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if want, got := "[s1-n-4 s1-n-5]", fmt.Sprint(ids(events)); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func testSessionIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t, 16)
	appendN(t, s, "s1", "st", 1, 2)
	appendN(t, s, "s2", "st", 1, 2)
	if _, _, err := s.After(context.Background(), "s2", "s1-n-1"); !errors.Is(err, eventstore.ErrUnknownEvent) {
		t.Fatalf("expected other session's id to be unknown, got %v", err)
	}
}

func testForget(t *testing.T, factory StoreFactory) {
	s := factory(t, 16)
	appendN(t, s, "s1", "st", 1, 2)
	if err := s.Forget(context.Background(), "s1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, _, err := s.After(context.Background(), "s1", "s1-n-1"); !errors.Is(err, eventstore.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent after forget, got %v", err)
	}
}
