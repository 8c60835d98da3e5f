package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
)

var (
	// ErrParse reports a payload that is not valid JSON.
	ErrParse = errors.New("codec: invalid JSON")
	// ErrInvalidShape reports JSON that is not a request, notification or
	// response.
	ErrInvalidShape = errors.New("codec: invalid message shape")
	// ErrBatchNotPermitted reports an array payload, or a multi-message
	// encode, under a version that forbids batching.
	ErrBatchNotPermitted = errors.New("codec: batching not permitted by protocol version")
	// ErrEmptyBatch reports an empty array payload.
	ErrEmptyBatch = errors.New("codec: empty batch")
)

// Framing is the capability of a protocol version the codec depends on.
type Framing interface {
	AllowsBatching() bool
}

// BatchPolicy is a Framing backed by a plain flag.
type BatchPolicy bool

const (
	Single  BatchPolicy = false
	Batched BatchPolicy = true
)

func (b BatchPolicy) AllowsBatching() bool { return bool(b) }

// ElementError locates a decode failure inside a batch.
type ElementError struct {
	Index int
	Err   error
}

func (e *ElementError) Error() string {
	return fmt.Sprintf("batch element %d: %v", e.Index, e.Err)
}

func (e *ElementError) Unwrap() error { return e.Err }

// Item is one decoded slot. Exactly one of Message and Err is meaningful.
type Item struct {
	Message Message
	// Raw holds the element's compacted bytes, also when Err is set.
	Raw json.RawMessage
	Err error
}

// Decoded is the ordered result of Decode.
type Decoded struct {
	// Batch reports whether the payload was an array.
	Batch bool
	Items []Item
}

// Messages returns the successfully decoded messages in order.
func (d Decoded) Messages() []Message {
	out := make([]Message, 0, len(d.Items))
	for _, it := range d.Items {
		if it.Err == nil {
			out = append(out, it.Message)
		}
	}
	return out
}

// Failed reports whether any slot failed.
func (d Decoded) Failed() bool {
	for _, it := range d.Items {
		if it.Err != nil {
			return true
		}
	}
	return false
}

// Decode parses payload. For an array under a batching version each element
// is decoded independently and a bad element fails only its own slot. A
// single object that fails returns the error directly.
func Decode(payload []byte, v Framing) (Decoded, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return Decoded{}, ErrParse
	}

	switch payload[0] {
	case '[':
		if v == nil || !v.AllowsBatching() {
			return Decoded{}, ErrBatchNotPermitted
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(payload, &elems); err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if len(elems) == 0 {
			return Decoded{}, ErrEmptyBatch
		}
		d := Decoded{Batch: true, Items: make([]Item, len(elems))}
		for i, raw := range elems {
			d.Items[i].Raw = compact(raw)
			msg, err := decodeObject(raw)
			if err != nil {
				d.Items[i].Err = &ElementError{Index: i, Err: err}
				continue
			}
			d.Items[i].Message = msg
		}
		return d, nil
	case '{':
		msg, err := decodeObject(payload)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Items: []Item{{Message: msg, Raw: compact(payload)}}}, nil
	default:
		return Decoded{}, fmt.Errorf("%w: top-level value must be an object or array", ErrInvalidShape)
	}
}

// DecodeOne decodes a payload that must hold exactly one message.
func DecodeOne(payload []byte) (Message, error) {
	d, err := Decode(payload, Single)
	if err != nil {
		return Message{}, err
	}
	return d.Items[0].Message, nil
}

// Encode serializes msgs. More than one message becomes an array and
// requires a batching version; exactly one becomes a bare object.
//
// Calling Encode with no messages is a programming error and panics.
func Encode(msgs []Message, v Framing) ([]byte, error) {
	switch {
	case len(msgs) == 0:
		panic("codec: Encode called with no messages")
	case len(msgs) == 1:
		return json.Marshal(msgs[0])
	case v == nil || !v.AllowsBatching():
		return nil, ErrBatchNotPermitted
	default:
		return json.Marshal(msgs)
	}
}

func decodeObject(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		if json.Valid(raw) {
			return Message{}, fmt.Errorf("%w: not an object", ErrInvalidShape)
		}
		return Message{}, ErrParse
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if v, ok := fields["jsonrpc"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s != jsonrpc.ProtocolVersion {
			return Message{}, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidShape, jsonrpc.ProtocolVersion)
		}
	}

	var id *jsonrpc.RequestID
	if v, ok := fields["id"]; ok {
		id = new(jsonrpc.RequestID)
		if err := json.Unmarshal(v, id); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidShape, err)
		}
	}

	rawMethod, hasMethod := fields["method"]
	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]

	if hasMethod {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return Message{}, fmt.Errorf("%w: method must be a non-empty string", ErrInvalidShape)
		}
		if hasResult || hasError {
			return Message{}, fmt.Errorf("%w: message with method cannot carry result or error", ErrInvalidShape)
		}
		msg := Message{Kind: KindNotification, Method: method}
		if p, ok := fields["params"]; ok {
			p = bytes.TrimSpace(p)
			if len(p) == 0 || (p[0] != '{' && p[0] != '[') {
				return Message{}, fmt.Errorf("%w: params must be an object or array", ErrInvalidShape)
			}
			msg.Params = compact(p)
		}
		if id != nil {
			if id.IsNil() {
				return Message{}, fmt.Errorf("%w: request id cannot be null", ErrInvalidShape)
			}
			msg.Kind = KindRequest
			msg.ID = id
		}
		return msg, nil
	}

	if id == nil {
		return Message{}, fmt.Errorf("%w: message has neither method nor id", ErrInvalidShape)
	}
	if hasResult == hasError {
		return Message{}, fmt.Errorf("%w: response needs exactly one of result or error", ErrInvalidShape)
	}
	msg := Message{Kind: KindResponse, ID: id}
	if hasResult {
		if id.IsNil() {
			return Message{}, fmt.Errorf("%w: null id is only valid on error responses", ErrInvalidShape)
		}
		msg.Result = compact(result)
		return msg, nil
	}
	var e jsonrpc.Error
	if err := json.Unmarshal(rawErr, &e); err != nil || bytes.Equal(bytes.TrimSpace(rawErr), []byte("null")) {
		return Message{}, fmt.Errorf("%w: error must be an object", ErrInvalidShape)
	}
	msg.Error = &e
	return msg, nil
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
