package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type logBridge struct{ t *testing.T }

func (b logBridge) Write(p []byte) (int, error) {
	b.t.Helper()
	b.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(logBridge{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testResource struct {
	id      string
	healthy atomic.Bool
	closed  atomic.Bool
}

func newTestResource(id string) *testResource {
	r := &testResource{id: id}
	r.healthy.Store(true)
	return r
}

func (r *testResource) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *testResource) Healthy(context.Context) bool {
	return r.healthy.Load() && !r.closed.Load()
}

func factoryFor(res ...*testResource) func(context.Context) (*testResource, error) {
	var n atomic.Int32
	return func(context.Context) (*testResource, error) {
		i := int(n.Add(1)) - 1
		if i < len(res) {
			return res[i], nil
		}
		return newTestResource(fmt.Sprintf("extra-%d", i)), nil
	}
}

func testOptions(t *testing.T, n int) Options {
	opts := DefaultOptions()
	opts.MaxConnections = n
	opts.AcquireTimeout = time.Second
	opts.HealthCheckInterval = 0
	opts.Logger = testLogger(t)
	return opts
}

func TestAcquireAndReuse(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 1), Hooks[*testResource]{})
	defer p.Close(ctx)

	factory := factoryFor(newTestResource("a"), newTestResource("b"))
	var ids []string
	for i := 0; i < 2; i++ {
		c, err := p.Acquire(ctx, factory)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		ids = append(ids, c.Resource().id)
		c.Release(ctx)
	}
	if ids[0] != ids[1] {
		t.Fatalf("expected resource reuse, got %v", ids)
	}

	st := p.Stats()
	if want, got := 1, st.Idle; want != got {
		t.Fatalf("expected %d idle, got %d", want, got)
	}
	if want, got := 1, st.Max; want != got {
		t.Fatalf("expected max %d, got %d", want, got)
	}
	if st.Closed {
		t.Fatal("pool reported closed")
	}
}

func TestCloseDrainsIdle(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 2), Hooks[*testResource]{})

	res := newTestResource("a")
	c, err := p.Acquire(ctx, factoryFor(res))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release(ctx)

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	st := p.Stats()
	if !st.Closed {
		t.Fatal("expected closed stats")
	}
	if want, got := 0, st.Idle; want != got {
		t.Fatalf("expected %d idle, got %d", want, got)
	}
	if !res.closed.Load() {
		t.Fatal("expected idle resource to be closed")
	}
	if _, err := p.Acquire(ctx, factoryFor()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestReleaseAfterCloseClosesResource(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 1), Hooks[*testResource]{})

	res := newTestResource("a")
	c, err := p.Acquire(ctx, factoryFor(res))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = p.Close(ctx)
	c.Release(ctx)

	if !res.closed.Load() {
		t.Fatal("expected resource released after close to be closed")
	}
	if want, got := 0, p.Stats().InUse; want != got {
		t.Fatalf("expected %d in use, got %d", want, got)
	}
}

func TestIdleTimeoutCleanup(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	opts.IdleTimeout = 20 * time.Millisecond
	opts.HealthCheckInterval = 10 * time.Millisecond
	p := NewPool(opts, Hooks[*testResource]{})
	defer p.Close(ctx)

	res := newTestResource("a")
	c, err := p.Acquire(ctx, factoryFor(res))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Idle > 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle resource was not cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !res.closed.Load() {
		t.Fatal("expected expired resource to be closed")
	}
}

func TestPermitReleasedAfterRequeue(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 1), Hooks[*testResource]{})
	defer p.Close(ctx)

	factory := factoryFor(newTestResource("a"))
	c, err := p.Acquire(ctx, factory)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan string, 1)
	go func() {
		c2, err := p.Acquire(ctx, factory)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- c2.Resource().id
		c2.Release(ctx)
	}()

	select {
	case id := <-got:
		t.Fatalf("second acquire completed while pool was full: %s", id)
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(ctx)
	select {
	case id := <-got:
		if want := "a"; want != id {
			t.Fatalf("expected requeued resource %q, got %q", want, id)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire did not complete after release")
	}
}

func TestAcquireCancelsOnClose(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	opts.AcquireTimeout = 10 * time.Second
	p := NewPool(opts, Hooks[*testResource]{})

	c, err := p.Acquire(ctx, factoryFor(newTestResource("a")))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release(ctx)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, factoryFor())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-p.Closing():
		t.Fatal("closing signalled before Close")
	default:
	}
	_ = p.Close(ctx)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending acquire was not woken by close")
	}
}

func TestAcquireTimeout(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	opts.AcquireTimeout = 20 * time.Millisecond
	p := NewPool(opts, Hooks[*testResource]{})
	defer p.Close(ctx)

	c, err := p.Acquire(ctx, factoryFor(newTestResource("a")))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release(ctx)

	if _, err := p.Acquire(ctx, factoryFor()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
}

func TestExhaustedWithoutWaiting(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 1)
	opts.AcquireTimeout = 0
	p := NewPool(opts, Hooks[*testResource]{})
	defer p.Close(ctx)

	c, err := p.Acquire(ctx, factoryFor(newTestResource("a")))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release(ctx)

	if _, err := p.Acquire(ctx, factoryFor()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPopIdleSkipsUnhealthy(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 1), Hooks[*testResource]{})
	defer p.Close(ctx)

	stale := newTestResource("stale")
	c, err := p.Acquire(ctx, factoryFor(stale))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release(ctx)
	stale.healthy.Store(false)

	c, err = p.Acquire(ctx, factoryFor(newTestResource("new")))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release(ctx)
	if want, got := "new", c.Resource().id; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !stale.closed.Load() {
		t.Fatal("expected unhealthy idle resource to be closed")
	}
}

func TestBeforeAcquireRejectsIdle(t *testing.T) {
	ctx := context.Background()
	hooks := Hooks[*testResource]{
		BeforeAcquire: func(_ context.Context, res *testResource, _ Metadata) (bool, error) {
			return res.id != "bad", nil
		},
	}
	p := NewPool(testOptions(t, 1), hooks)
	defer p.Close(ctx)

	bad := newTestResource("bad")
	c, err := p.Acquire(ctx, factoryFor(bad))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release(ctx)

	c, err = p.Acquire(ctx, factoryFor(newTestResource("good")))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release(ctx)
	if want, got := "good", c.Resource().id; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !bad.closed.Load() {
		t.Fatal("expected rejected resource to be closed")
	}
}

func TestAfterCreateErrorFailsAcquire(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	hooks := Hooks[*testResource]{
		AfterCreate: func(context.Context, *testResource, Metadata) error { return boom },
	}
	p := NewPool(testOptions(t, 1), hooks)
	defer p.Close(ctx)

	res := newTestResource("a")
	if _, err := p.Acquire(ctx, factoryFor(res)); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if !res.closed.Load() {
		t.Fatal("expected rejected resource to be closed")
	}
	// Capacity must have been returned.
	c, err := p.Acquire(ctx, factoryFor(newTestResource("b")))
	if err != nil {
		t.Fatalf("acquire after rejection: %v", err)
	}
	c.Release(ctx)
}

func TestAfterReleaseRejectsReturn(t *testing.T) {
	ctx := context.Background()
	hooks := Hooks[*testResource]{
		AfterRelease: func(context.Context, *testResource, Metadata) (bool, error) { return false, nil },
	}
	p := NewPool(testOptions(t, 1), hooks)
	defer p.Close(ctx)

	res := newTestResource("a")
	c, err := p.Acquire(ctx, factoryFor(res))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release(ctx)

	if want, got := 0, p.Stats().Idle; want != got {
		t.Fatalf("expected %d idle, got %d", want, got)
	}
	if !res.closed.Load() {
		t.Fatal("expected rejected resource to be closed")
	}
}

func TestDiscardFreesCapacity(t *testing.T) {
	ctx := context.Background()
	p := NewPool(testOptions(t, 1), Hooks[*testResource]{})
	defer p.Close(ctx)

	res := newTestResource("a")
	c, err := p.Acquire(ctx, factoryFor(res))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Discard(ctx)
	c.Release(ctx)

	if !res.closed.Load() {
		t.Fatal("expected discarded resource to be closed")
	}
	st := p.Stats()
	if st.Idle != 0 || st.InUse != 0 {
		t.Fatalf("expected empty pool, got %+v", st)
	}
}
