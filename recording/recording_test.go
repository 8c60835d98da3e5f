package recording

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
)

func TestAsyncSinkDeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	s := NewAsyncSink(SinkFunc(func(r Record) {
		mu.Lock()
		got = append(got, r.Message.Method)
		mu.Unlock()
	}), 16, nil)

	for _, m := range []string{"a", "b", "c"} {
		msg, _ := codec.NewNotification(m, nil)
		s.Record(Record{Direction: codec.ClientToServer, SessionID: "s", Message: msg, Timestamp: time.Now()})
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want, got := "abc", strings.Join(got, ""); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if err := s.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	s := NewAsyncSink(SinkFunc(func(Record) { <-release }), 1, nil)

	msg, _ := codec.NewNotification("n", nil)
	start := time.Now()
	for i := 0; i < 10; i++ {
		s.Record(Record{Message: msg})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected Record never to block, took %v", elapsed)
	}
	if s.Dropped() == 0 {
		t.Fatalf("expected drops with a full buffer")
	}
	close(release)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.Record(Record{Message: msg})
}
