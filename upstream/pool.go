package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/internal/jitter"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire after Close has begun.
	ErrPoolClosed = errors.New("upstream: pool closed")
	// ErrPoolExhausted is returned when every connection is in use and the
	// pool is configured not to wait.
	ErrPoolExhausted = errors.New("upstream: pool exhausted")
	// ErrAcquireTimeout is returned when no connection became available
	// within Options.AcquireTimeout.
	ErrAcquireTimeout = errors.New("upstream: pool acquire timeout")
)

// Resource is anything a Pool can hold.
type Resource interface {
	Close() error
}

// HealthChecker is implemented by resources that can report whether they
// are still usable. Resources without it are always considered healthy.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Options configures a Pool.
type Options struct {
	// MaxConnections bounds resources handed out at once. Defaults to 10.
	MaxConnections int
	// AcquireTimeout bounds how long Acquire waits for capacity. Zero makes
	// Acquire fail with ErrPoolExhausted instead of waiting.
	AcquireTimeout time.Duration
	// IdleTimeout closes resources idle for longer. Zero disables it.
	IdleTimeout time.Duration
	// MaxLifetime closes resources older than this when they are next idle.
	// Zero disables it.
	MaxLifetime time.Duration
	// HealthCheckInterval is the cadence of the idle maintenance pass. Zero
	// disables the pass.
	HealthCheckInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns the options used by the bridge unless configured
// otherwise.
func DefaultOptions() Options {
	return Options{
		MaxConnections:      10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         300 * time.Second,
		MaxLifetime:         3600 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Metadata describes a resource to a hook.
type Metadata struct {
	Age     time.Duration
	IdleFor time.Duration
}

// Hooks customize resource admission. All are optional.
type Hooks[T Resource] struct {
	// AfterCreate runs on freshly created resources. An error closes the
	// resource and fails Acquire.
	AfterCreate func(ctx context.Context, res T, meta Metadata) error
	// BeforeAcquire runs before an idle resource is handed out. Returning
	// false or an error closes it and tries the next one.
	BeforeAcquire func(ctx context.Context, res T, meta Metadata) (bool, error)
	// AfterRelease runs before a released resource is returned to the idle
	// set. Returning false or an error closes it instead.
	AfterRelease func(ctx context.Context, res T, meta Metadata) (bool, error)
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Idle   int
	InUse  int
	Max    int
	Closed bool
}

type idleEntry[T Resource] struct {
	res     T
	created time.Time
	since   time.Time
}

// Pool bounds and reuses resources. Resources are only returned through
// Conn.Release or Conn.Discard, and the pool is only shut down by Close.
type Pool[T Resource] struct {
	opts  Options
	hooks Hooks[T]
	log   *slog.Logger

	sem     chan struct{}
	closing chan struct{}
	once    sync.Once
	closed  atomic.Bool
	maint   sync.WaitGroup

	mu    sync.Mutex
	idle  []idleEntry[T]
	inUse int
}

// NewPool returns a pool and starts its maintenance pass.
func NewPool[T Resource](opts Options, hooks Hooks[T]) *Pool[T] {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool[T]{
		opts:    opts,
		hooks:   hooks,
		log:     opts.Logger,
		sem:     make(chan struct{}, opts.MaxConnections),
		closing: make(chan struct{}),
	}
	if opts.HealthCheckInterval > 0 {
		p.maint.Add(1)
		go p.maintain()
	}
	return p
}

// Acquire returns an idle healthy resource or creates one with factory.
func (p *Pool[T]) Acquire(ctx context.Context, factory func(ctx context.Context) (T, error)) (*Conn[T], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.acquirePermit(ctx); err != nil {
		return nil, err
	}

	for {
		ent, ok := p.popIdleHealthy(ctx)
		if !ok {
			break
		}
		if p.hooks.BeforeAcquire != nil {
			keep, err := p.hooks.BeforeAcquire(ctx, ent.res, p.meta(ent))
			if err != nil || !keep {
				p.closeResource(ent.res)
				continue
			}
		}
		p.log.DebugContext(ctx, "upstream.pool.reuse")
		return p.checkout(ent.res, ent.created), nil
	}

	res, err := factory(ctx)
	if err != nil {
		p.releasePermit()
		return nil, fmt.Errorf("upstream: create connection: %w", err)
	}
	if p.hooks.AfterCreate != nil {
		if err := p.hooks.AfterCreate(ctx, res, Metadata{}); err != nil {
			p.closeResource(res)
			p.releasePermit()
			return nil, err
		}
	}
	p.log.DebugContext(ctx, "upstream.pool.create")
	return p.checkout(res, time.Now()), nil
}

func (p *Pool[T]) acquirePermit(ctx context.Context) error {
	if p.opts.AcquireTimeout <= 0 {
		select {
		case p.sem <- struct{}{}:
			return nil
		default:
			return ErrPoolExhausted
		}
	}

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
		// Close may have started while we waited.
		if p.closed.Load() {
			<-p.sem
			return ErrPoolClosed
		}
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-timer.C:
		return ErrAcquireTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) releasePermit() { <-p.sem }

func (p *Pool[T]) checkout(res T, created time.Time) *Conn[T] {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	p.report()
	return &Conn[T]{res: res, pool: p, created: created}
}

// popIdleHealthy pops idle resources until one is fresh and healthy,
// closing the ones that are not.
func (p *Pool[T]) popIdleHealthy(ctx context.Context) (idleEntry[T], bool) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return idleEntry[T]{}, false
		}
		ent := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		if p.expired(ent, time.Now()) || !healthy(ctx, ent.res) {
			p.closeResource(ent.res)
			continue
		}
		return ent, true
	}
}

func (p *Pool[T]) expired(ent idleEntry[T], now time.Time) bool {
	if p.opts.MaxLifetime > 0 && now.Sub(ent.created) > p.opts.MaxLifetime {
		return true
	}
	if p.opts.IdleTimeout > 0 && now.Sub(ent.since) > p.opts.IdleTimeout {
		return true
	}
	return false
}

func (p *Pool[T]) meta(ent idleEntry[T]) Metadata {
	now := time.Now()
	return Metadata{Age: now.Sub(ent.created), IdleFor: now.Sub(ent.since)}
}

func (p *Pool[T]) closeResource(res T) {
	if err := res.Close(); err != nil {
		p.log.Warn("upstream.pool.close.fail", slog.String("err", err.Error()))
	}
}

func healthy[T Resource](ctx context.Context, res T) bool {
	if hc, ok := any(res).(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}

// release returns res to the idle set, or closes it, and only then frees
// its capacity.
func (p *Pool[T]) release(ctx context.Context, c *Conn[T], discard bool) {
	defer func() {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.releasePermit()
		p.report()
	}()

	if discard || p.closed.Load() || !healthy(ctx, c.res) {
		p.closeResource(c.res)
		return
	}
	if p.hooks.AfterRelease != nil {
		keep, err := p.hooks.AfterRelease(ctx, c.res, Metadata{Age: time.Since(c.created)})
		if err != nil || !keep {
			p.closeResource(c.res)
			return
		}
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.closeResource(c.res)
		return
	}
	p.idle = append(p.idle, idleEntry[T]{res: c.res, created: c.created, since: time.Now()})
	p.mu.Unlock()
	p.log.DebugContext(ctx, "upstream.pool.release")
}

func (p *Pool[T]) maintain() {
	defer p.maint.Done()

	t := jitter.NewTicker(p.opts.HealthCheckInterval, 0.1)
	defer t.Stop()

	for {
		select {
		case <-p.closing:
			return
		case <-t.C:
			p.cleanupIdle(context.Background())
		}
	}
}

// cleanupIdle closes expired and unhealthy idle resources.
func (p *Pool[T]) cleanupIdle(ctx context.Context) {
	p.mu.Lock()
	drained := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := time.Now()
	keep := drained[:0]
	var closed int
	for _, ent := range drained {
		if p.expired(ent, now) || !healthy(ctx, ent.res) {
			p.closeResource(ent.res)
			closed++
			continue
		}
		keep = append(keep, ent)
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		for _, ent := range keep {
			p.closeResource(ent.res)
		}
		return
	}
	p.idle = append(keep, p.idle...)
	p.mu.Unlock()

	if closed > 0 {
		p.log.Debug("upstream.pool.cleanup", slog.Int("closed", closed))
	}
	p.report()
}

func (p *Pool[T]) report() {
	st := p.Stats()
	p.opts.Metrics.UpstreamPool(st.Idle, st.InUse)
}

// Stats returns the current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:   len(p.idle),
		InUse:  p.inUse,
		Max:    p.opts.MaxConnections,
		Closed: p.closed.Load(),
	}
}

// Closing is closed when Close begins.
func (p *Pool[T]) Closing() <-chan struct{} { return p.closing }

// Close stops the maintenance pass, wakes pending acquirers and closes idle
// resources. Resources still checked out are closed when released. Close
// returns ctx.Err() if ctx ends before maintenance stopped.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.closing)
	})

	stopped := make(chan struct{})
	go func() {
		p.maint.Wait()
		close(stopped)
	}()
	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ent := range idle {
		p.closeResource(ent.res)
	}
	p.report()
	return err
}

// Conn is a resource checked out of a Pool. Exactly one of Release or
// Discard must be called.
type Conn[T Resource] struct {
	res     T
	pool    *Pool[T]
	created time.Time
	done    atomic.Bool
}

// Resource returns the checked out resource.
func (c *Conn[T]) Resource() T { return c.res }

// Age returns the time since the resource was created.
func (c *Conn[T]) Age() time.Duration { return time.Since(c.created) }

// Release returns the resource to the pool. Later calls are no-ops.
func (c *Conn[T]) Release(ctx context.Context) {
	if c.done.CompareAndSwap(false, true) {
		c.pool.release(ctx, c, false)
	}
}

// Discard closes the resource and frees its capacity. Later calls are no-ops.
func (c *Conn[T]) Discard(ctx context.Context) {
	if c.done.CompareAndSwap(false, true) {
		c.pool.release(ctx, c, true)
	}
}
