package codec

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
)

func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    Kind
		wantErr error
	}{
		{name: "request", payload: `{"method":"tools/list","id":1}`, kind: KindRequest},
		{name: "notification", payload: `{"method":"ping"}`, kind: KindNotification},
		{name: "response", payload: `{"id":1,"result":{}}`, kind: KindResponse},
		{name: "error response with null id", payload: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, kind: KindResponse},
		{name: "result without id", payload: `{"result":{}}`, wantErr: ErrInvalidShape},
		{name: "result and error", payload: `{"id":1,"result":{},"error":{"code":1,"message":"x"}}`, wantErr: ErrInvalidShape},
		{name: "id only", payload: `{"id":1}`, wantErr: ErrInvalidShape},
		{name: "method with result", payload: `{"method":"x","id":1,"result":{}}`, wantErr: ErrInvalidShape},
		{name: "null request id", payload: `{"method":"x","id":null}`, wantErr: ErrInvalidShape},
		{name: "null id result", payload: `{"id":null,"result":{}}`, wantErr: ErrInvalidShape},
		{name: "wrong jsonrpc", payload: `{"jsonrpc":"1.0","method":"ping"}`, wantErr: ErrInvalidShape},
		{name: "scalar params", payload: `{"method":"ping","params":3}`, wantErr: ErrInvalidShape},
		{name: "number", payload: `42`, wantErr: ErrInvalidShape},
		{name: "garbage", payload: `{"method":`, wantErr: ErrParse},
		{name: "empty", payload: ``, wantErr: ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decode([]byte(tt.payload), Single)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want, got := tt.kind, d.Items[0].Message.Kind; want != got {
				t.Fatalf("expected kind %v, got %v", want, got)
			}
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	payload := `[{"jsonrpc":"2.0","method":"a","id":1},{"result":{}},{"method":"notify"}]`

	if _, err := Decode([]byte(payload), Single); !errors.Is(err, ErrBatchNotPermitted) {
		t.Fatalf("expected ErrBatchNotPermitted, got %v", err)
	}
	if _, err := Decode([]byte(`[]`), Batched); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	d, err := Decode([]byte(payload), Batched)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Batch || len(d.Items) != 3 {
		t.Fatalf("expected batch of 3, got batch=%v len=%d", d.Batch, len(d.Items))
	}
	var elemErr *ElementError
	if !errors.As(d.Items[1].Err, &elemErr) || elemErr.Index != 1 || !errors.Is(elemErr, ErrInvalidShape) {
		t.Fatalf("expected element 1 to fail with InvalidShape, got %v", d.Items[1].Err)
	}
	if want, got := `{"result":{}}`, string(d.Items[1].Raw); want != got {
		t.Fatalf("expected raw %s, got %s", want, got)
	}
	if d.Items[0].Err != nil || d.Items[2].Err != nil {
		t.Fatalf("expected other elements to decode, got %v / %v", d.Items[0].Err, d.Items[2].Err)
	}
	if want, got := 2, len(d.Messages()); want != got {
		t.Fatalf("expected %d valid messages, got %d", want, got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest(jsonrpc.NewRequestID(7), "tools/call", map[string]any{"name": "echo"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	note, err := NewNotification("notifications/progress", map[string]any{"progress": 1})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	res, err := NewResult(jsonrpc.NewRequestID("abc"), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	errResp := NewError(nil, jsonrpc.ErrorCodeInvalidRequest, "bad", nil)

	seqs := [][]Message{
		{req},
		{note},
		{res},
		{errResp},
		{req, note, res, errResp},
	}
	for _, framing := range []BatchPolicy{Single, Batched} {
		for i, seq := range seqs {
			if len(seq) > 1 && !framing.AllowsBatching() {
				if _, err := Encode(seq, framing); !errors.Is(err, ErrBatchNotPermitted) {
					t.Fatalf("seq %d: expected ErrBatchNotPermitted, got %v", i, err)
				}
				continue
			}
			wire, err := Encode(seq, framing)
			if err != nil {
				t.Fatalf("seq %d: encode: %v", i, err)
			}
			d, err := Decode(wire, framing)
			if err != nil {
				t.Fatalf("seq %d: decode %s: %v", i, wire, err)
			}
			if want, got := len(seq) > 1, d.Batch; want != got {
				t.Fatalf("seq %d: expected batch=%v, got %v", i, want, got)
			}
			if got := d.Messages(); !reflect.DeepEqual(seq, got) {
				t.Fatalf("seq %d: round trip mismatch:\nwant %#v\ngot  %#v", i, seq, got)
			}
		}
	}
}

func TestEncodeStampsVersion(t *testing.T) {
	note, _ := NewNotification("ping", nil)
	wire, err := Encode([]Message{note}, Single)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want, got := `{"jsonrpc":"2.0","method":"ping"}`, string(wire); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEncodeEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on empty encode")
		}
	}()
	_, _ = Encode(nil, Batched)
}

func TestMessageHelpers(t *testing.T) {
	msg, err := DecodeOne([]byte(`{"method":"initialize","id":1,"params":{"protocolVersion":"2025-03-26","_meta":{"progressToken":"tok"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := msg.ParamString("protocolVersion"); !ok || v != "2025-03-26" {
		t.Fatalf("expected protocolVersion param, got %q ok=%v", v, ok)
	}
	tok, ok := msg.ProgressToken()
	if !ok || tok.String() != "tok" {
		t.Fatalf("expected progress token tok, got %v ok=%v", tok, ok)
	}

	rewritten, err := msg.WithParam("protocolVersion", "2025-06-18")
	if err != nil {
		t.Fatalf("with param: %v", err)
	}
	if v, _ := rewritten.ParamString("protocolVersion"); v != "2025-06-18" {
		t.Fatalf("expected rewritten version, got %q", v)
	}
	if v, _ := msg.ParamString("protocolVersion"); v != "2025-03-26" {
		t.Fatalf("expected original message untouched, got %q", v)
	}
	var back map[string]json.RawMessage
	if err := json.Unmarshal(rewritten.Params, &back); err != nil || back["_meta"] == nil {
		t.Fatalf("expected other params preserved, got %s", rewritten.Params)
	}
}

func TestProgressNotificationToken(t *testing.T) {
	msg, err := DecodeOne([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":7,"progress":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tok, ok := msg.ProgressToken()
	if !ok || tok.String() != "7" {
		t.Fatalf("expected progress token 7, got %v ok=%v", tok, ok)
	}

	plain, err := DecodeOne([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := plain.ProgressToken(); ok {
		t.Fatal("expected no progress token")
	}
}

func TestWithResultField(t *testing.T) {
	msg, err := DecodeOne([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18","serverInfo":{"name":"up"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := msg.WithResultField("protocolVersion", "2025-03-26")
	if err != nil {
		t.Fatalf("with result field: %v", err)
	}
	fields, ok := out.ResultFields()
	if !ok {
		t.Fatal("expected object result")
	}
	if want, got := `"2025-03-26"`, string(fields["protocolVersion"]); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if fields["serverInfo"] == nil {
		t.Fatalf("expected other fields preserved, got %s", out.Result)
	}

	failed := NewError(msg.ID, jsonrpc.ErrorCodeInternalError, "boom", nil)
	if _, err := failed.WithResultField("protocolVersion", "x"); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape, got %v", err)
	}
}
