package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore/memory"
	"github.com/ggoodman/mcp-streaming-bridge/protocol"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/sse"
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

type recorder struct {
	frames chan sse.Frame
}

func newRecorder() *recorder { return &recorder{frames: make(chan sse.Frame, 256)} }

func (r *recorder) WriteFrame(f sse.Frame) error {
	r.frames <- f
	return nil
}

func (r *recorder) next(t *testing.T) sse.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return sse.Frame{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(wait):
	}
}

// stuckWriter blocks every write until aborted.
type stuckWriter struct {
	started     chan struct{}
	startOnce   sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

func newStuckWriter() *stuckWriter {
	return &stuckWriter{started: make(chan struct{}), release: make(chan struct{})}
}

func (w *stuckWriter) WriteFrame(sse.Frame) error {
	w.startOnce.Do(func() { close(w.started) })
	<-w.release
	return errors.New("write aborted")
}

func (w *stuckWriter) Abort() {
	w.releaseOnce.Do(func() { close(w.release) })
}

type harness struct {
	reg *sessions.Registry
	mux *Multiplexer
}

func newHarness(t *testing.T, maxStreams int, opts ...Option) *harness {
	t.Helper()
	log := testLogger(t)
	reg := sessions.NewRegistry(protocol.DefaultRegistry(), sessions.WithLogger(log), sessions.WithMaxStreams(maxStreams))
	opts = append([]Option{WithLogger(log), WithHeartbeat(0), WithGrace(100 * time.Millisecond), WithStore(memory.New(64))}, opts...)
	mux := New(opts...)
	mux.Bind(reg)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return &harness{reg: reg, mux: mux}
}

func (h *harness) session(t *testing.T) *sessions.Session {
	t.Helper()
	s, err := h.reg.Create(context.Background(), "", protocol.PrimaryChannel)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) open(t *testing.T, s *sessions.Session, kind Kind, lastEventID string) *Stream {
	t.Helper()
	st, err := h.mux.OpenStream(context.Background(), s, kind, lastEventID)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return st
}

func serve(ctx context.Context, st *Stream, w FrameWriter) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- st.Serve(ctx, w) }()
	return errCh
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":{"i":%d}}`, i))
}

func TestPublishDeliversOnExactlyOneStream(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := h.open(t, s, KindStandalone, ""), h.open(t, s, KindStandalone, "")
	ra, rb := newRecorder(), newRecorder()
	serve(ctx, a, ra)
	serve(ctx, b, rb)

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := h.mux.Publish(ctx, s, payload(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 0; i < 10; i++ {
		f := ra.next(t)
		if want, got := ids[i], f.ID; want != got {
			t.Fatalf("expected id %q, got %q", want, got)
		}
		if want, got := string(payload(i)), string(f.Payload()); want != got {
			t.Fatalf("expected payload %s, got %s", want, got)
		}
	}
	rb.none(t, 50*time.Millisecond)
}

func TestSendTargetsStreamAndFinishEndsIt(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)
	ctx := context.Background()

	standalone := h.open(t, s, KindStandalone, "")
	resp := h.open(t, s, KindResponse, "")
	rs, rr := newRecorder(), newRecorder()
	serve(ctx, standalone, rs)
	done := serve(ctx, resp, rr)

	if _, err := h.mux.Send(ctx, s, resp.ID(), payload(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.mux.Finish(ctx, s, resp.ID())

	if want, got := string(payload(1)), string(rr.next(t).Payload()); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected clean finish, got %v", err)
	}
	rs.none(t, 50*time.Millisecond)

	if _, err := h.mux.Send(ctx, s, resp.ID(), payload(2)); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after finish, got %v", err)
	}
}

func TestOpenStreamHonoursCap(t *testing.T) {
	h := newHarness(t, 2)
	s := h.session(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := h.open(t, s, KindStandalone, "")
	second := h.open(t, s, KindResponse, "")
	if _, err := h.mux.OpenStream(ctx, s, KindStandalone, ""); !errors.Is(err, sessions.ErrTooManyStreams) {
		t.Fatalf("expected ErrTooManyStreams, got %v", err)
	}

	r1, r2 := newRecorder(), newRecorder()
	serve(ctx, first, r1)
	serve(ctx, second, r2)
	if _, err := h.mux.Publish(ctx, s, payload(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	r1.next(t)
	if _, err := h.mux.Send(ctx, s, second.ID(), payload(2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	r2.next(t)
}

func TestResumeReplaysOriginStream(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	a := h.open(t, s, KindStandalone, "")
	ra := newRecorder()
	doneA := serve(ctxA, a, ra)

	resp := h.open(t, s, KindResponse, "")
	go func() { _ = resp.Serve(context.Background(), newRecorder()) }()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.mux.Publish(context.Background(), s, payload(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
		ra.next(t)
	}
	// Lands on the response stream and must not be replayed to A's resumer.
	if _, err := h.mux.Send(context.Background(), s, resp.ID(), payload(99)); err != nil {
		t.Fatalf("send: %v", err)
	}

	cancelA()
	<-doneA
	<-a.Done()

	// Missed while disconnected.
	missed, err := h.mux.Publish(context.Background(), s, payload(3))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	b := h.open(t, s, KindStandalone, ids[0])
	if !b.Resumed() || b.Logical() != a.ID() {
		t.Fatalf("expected b to resume logical stream %q, got resumed=%v logical=%q", a.ID(), b.Resumed(), b.Logical())
	}
	rb := newRecorder()
	serve(context.Background(), b, rb)

	for _, want := range []string{ids[1], ids[2], missed} {
		if got := rb.next(t).ID; want != got {
			t.Fatalf("expected replayed id %q, got %q", want, got)
		}
	}

	live, err := h.mux.Publish(context.Background(), s, payload(4))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if want, got := live, rb.next(t).ID; want != got {
		t.Fatalf("expected live id %q, got %q", want, got)
	}
	rb.none(t, 50*time.Millisecond)
}

func TestResumeUnknownIDStartsFromNow(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)

	for _, last := range []string{"someone-else-n-1", s.ID() + "-n-999"} {
		st := h.open(t, s, KindStandalone, last)
		if st.Resumed() {
			t.Fatalf("expected %q to start a fresh stream", last)
		}
		if want, got := 0, st.Replayed(); want != got {
			t.Fatalf("expected %d replayed, got %d", want, got)
		}
		st.forceDrop()
		_ = st.Serve(context.Background(), newRecorder())
	}
}

func TestConcurrentResumeFirstRegisteredWins(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	a := h.open(t, s, KindStandalone, "")
	ra := newRecorder()
	doneA := serve(ctxA, a, ra)
	id, err := h.mux.Publish(context.Background(), s, payload(1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	ra.next(t)
	cancelA()
	<-doneA

	b := h.open(t, s, KindStandalone, id)
	if _, err := h.mux.OpenStream(context.Background(), s, KindStandalone, id); !errors.Is(err, ErrResumeConflict) {
		t.Fatalf("expected ErrResumeConflict, got %v", err)
	}
	if want, got := 1, s.StreamCount(); want != got {
		t.Fatalf("expected the losing stream to be detached, have %d streams", got)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected winner to stay open, got %v", b.State())
	}
}

func TestResumeSupersedesStaleOriginal(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)

	a := h.open(t, s, KindStandalone, "")
	doneA := serve(context.Background(), a, newRecorder())
	id, err := h.mux.Publish(context.Background(), s, payload(1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	b := h.open(t, s, KindStandalone, id)
	if err := <-doneA; !errors.Is(err, ErrForceDropped) {
		t.Fatalf("expected stale stream to be dropped, got %v", err)
	}
	if !b.Resumed() {
		t.Fatalf("expected b to resume")
	}
}

func TestBacklogFlushedToNextStandaloneStream(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.mux.Publish(ctx, s, payload(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}
	if want, got := 3, h.mux.Backlog(s.ID()); want != got {
		t.Fatalf("expected backlog %d, got %d", want, got)
	}

	st := h.open(t, s, KindStandalone, "")
	r := newRecorder()
	serve(ctx, st, r)
	for _, want := range ids {
		if got := r.next(t).ID; want != got {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if want, got := 0, h.mux.Backlog(s.ID()); want != got {
		t.Fatalf("expected drained backlog, got %d", got)
	}
}

func TestCloseSessionWritesTerminalFrame(t *testing.T) {
	h := newHarness(t, 4)
	s := h.session(t)
	ctx := context.Background()

	st := h.open(t, s, KindStandalone, "")
	r := newRecorder()
	done := serve(ctx, st, r)

	if err := h.reg.Terminate(ctx, s.ID(), sessions.ReasonTerminated); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	f := r.next(t)
	if want, got := CloseEvent, f.Type(); want != got {
		t.Fatalf("expected %q frame, got %q", want, got)
	}
	if want, got := `{"reason":"terminated"}`, string(f.Payload()); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if _, err := h.mux.Publish(ctx, s, payload(1)); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseSessionForceDropsStuckConsumer(t *testing.T) {
	const grace = 100 * time.Millisecond
	h := newHarness(t, 4, WithGrace(grace))
	s := h.session(t)
	ctx := context.Background()

	st := h.open(t, s, KindStandalone, "")
	w := newStuckWriter()
	done := serve(ctx, st, w)

	if _, err := h.mux.Publish(ctx, s, payload(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-w.started

	start := time.Now()
	if err := h.reg.Terminate(ctx, s.ID(), sessions.ReasonTerminated); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > grace+time.Second {
		t.Fatalf("close took %v, expected about %v", elapsed, grace)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected stuck stream to end with an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected stuck stream to be dropped")
	}
	if want, got := StateClosed, st.State(); want != got {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSlowConsumerIsDroppedAndResumable(t *testing.T) {
	h := newHarness(t, 4, WithBuffer(1))
	s := h.session(t)
	ctx := context.Background()

	st := h.open(t, s, KindStandalone, "")
	w := newStuckWriter()
	done := serve(ctx, st, w)

	first, err := h.mux.Publish(ctx, s, payload(0))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-w.started

	var slowErr error
	for i := 1; i < 10 && slowErr == nil; i++ {
		_, slowErr = h.mux.Publish(ctx, s, payload(i))
	}
	if !errors.Is(slowErr, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", slowErr)
	}
	<-done

	next := h.open(t, s, KindStandalone, first)
	if !next.Resumed() || next.Replayed() == 0 {
		t.Fatalf("expected dropped events to be resumable, resumed=%v replayed=%d", next.Resumed(), next.Replayed())
	}
}

func TestHeartbeatsOnIdleStream(t *testing.T) {
	h := newHarness(t, 4, WithHeartbeat(10*time.Millisecond))
	s := h.session(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := h.open(t, s, KindStandalone, "")
	r := newRecorder()
	serve(ctx, st, r)

	f := r.next(t)
	if !f.IsHeartbeat() || f.HasID {
		t.Fatalf("expected an id-less heartbeat, got %+v", f)
	}
	if id := st.LastDeliveredEventID(); id != "" {
		t.Fatalf("expected heartbeats not to move the last event id, got %q", id)
	}
}
