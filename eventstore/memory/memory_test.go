package memory

import (
	"testing"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
	"github.com/ggoodman/mcp-streaming-bridge/eventstore/eventstoretest"
)

func TestMemoryStore(t *testing.T) {
	eventstoretest.RunStoreTests(t, func(t *testing.T, window int) eventstore.Store {
		return New(window)
	})
}
