package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", ProtocolVersion: "2025-06-18"})
	ctx = WithStreamData(ctx, &StreamData{StreamID: "st1", Kind: "standalone"})
	log.InfoContext(ctx, "stream.open.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("expected WithAttrs to keep the wrapper, got component=%v", got)
	}
	sess, _ := rec["sess"].(map[string]any)
	if want, got := "s1", sess["id"]; want != got {
		t.Fatalf("expected sess.id %q, got %v", want, got)
	}
	stream, _ := rec["stream"].(map[string]any)
	if want, got := "st1", stream["id"]; want != got {
		t.Fatalf("expected stream.id %q, got %v", want, got)
	}
	if _, ok := rec["rpc"]; ok {
		t.Fatalf("unexpected rpc group without rpc data")
	}
}
