package jitter

import (
	"testing"
	"time"
)

func TestDurationStaysInRange(t *testing.T) {
	base := time.Second
	for i := 0; i < 1000; i++ {
		d := Duration(base, 0.2)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered duration %v out of range", d)
		}
	}
	if want, got := base, Duration(base, 0); want != got {
		t.Fatalf("expected no jitter, got %v", got)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	b := &Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := b.Next()
		if d <= 0 || d > 100*time.Millisecond {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
	}
	b.Reset()
	if d := b.Next(); d > 10*time.Millisecond {
		t.Fatalf("expected reset delay under initial, got %v", d)
	}
}

func TestTickerTicksAndStops(t *testing.T) {
	tk := NewTicker(5*time.Millisecond, 0.5)
	defer tk.Stop()
	select {
	case <-tk.C:
	case <-time.After(time.Second):
		t.Fatalf("expected a tick")
	}
	tk.Stop()
	tk.Stop()
}
