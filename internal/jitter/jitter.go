// Package jitter spreads timer intervals so that sweeps, heartbeats, health
// checks and reconnect attempts across many sessions do not fire in step.
package jitter

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Duration returns d spread uniformly over [d*(1-frac), d*(1+frac)].
// frac is clamped to [0, 1].
func Duration(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	if frac > 1 {
		frac = 1
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Ticker is a ticker whose every period is independently jittered.
type Ticker struct {
	C <-chan time.Time

	c      chan time.Time
	period time.Duration
	frac   float64
	stop   chan struct{}
	once   sync.Once
}

// NewTicker starts a jittered ticker. Like time.Ticker, ticks are dropped
// when the receiver is slow.
func NewTicker(period time.Duration, frac float64) *Ticker {
	if period <= 0 {
		panic("jitter: non-positive ticker period")
	}
	c := make(chan time.Time, 1)
	t := &Ticker{C: c, c: c, period: period, frac: frac, stop: make(chan struct{})}
	go t.run()
	return t
}

func (t *Ticker) run() {
	timer := time.NewTimer(Duration(t.period, t.frac))
	defer timer.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-timer.C:
			select {
			case t.c <- now:
			default:
			}
			timer.Reset(Duration(t.period, t.frac))
		}
	}
}

// Stop ends the ticker. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Backoff yields exponentially growing delays with full jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	initial, limit := b.Initial, b.Max
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if limit < initial {
		limit = 30 * time.Second
	}
	ceiling := initial << min(b.attempt, 30)
	if ceiling <= 0 || ceiling > limit {
		ceiling = limit
	}
	b.attempt++
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() { b.attempt = 0 }
