package streaminghttp

import (
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/sse"
)

var (
	_ multiplexer.FrameWriter = (*sseWriter)(nil)
	_ multiplexer.Aborter     = (*sseWriter)(nil)
)

// sseWriter writes frames to an HTTP response and flushes after each one.
// Abort unblocks a write stuck on a client that stopped reading.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) WriteFrame(f sse.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(f.Encode()); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rc.Flush()
}

// Abort is called from another goroutine while a write may be in progress,
// so it does not take the lock.
func (s *sseWriter) Abort() {
	_ = s.rc.SetWriteDeadline(time.Now())
}
