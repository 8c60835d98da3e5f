// Package codec maps wire payloads, a single JSON object or a batch array,
// to classified protocol messages and back.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-streaming-bridge/internal/jsonrpc"
)

// Kind classifies a protocol message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Direction is the travel direction of a message through the bridge.
type Direction int

const (
	ClientToServer Direction = iota + 1
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return "unknown"
	}
}

// Message is a classified JSON-RPC message.
//
// A Request has Method and a non-null ID. A Notification has Method and no
// ID. A Response has an ID (null only alongside Error) and exactly one of
// Result or Error.
type Message struct {
	Kind   Kind
	ID     *jsonrpc.RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *jsonrpc.Error
}

// NewRequest builds a request, marshaling params when non-nil.
func NewRequest(id *jsonrpc.RequestID, method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification, marshaling params when non-nil.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a successful response.
func NewResult(id *jsonrpc.RequestID, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewError builds an error response. A nil id is encoded as null.
func NewError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string, data any) Message {
	if id == nil {
		id = jsonrpc.NullRequestID()
	}
	return Message{
		Kind:  KindResponse,
		ID:    id,
		Error: &jsonrpc.Error{Code: code, Message: message, Data: data},
	}
}

// Validate checks the classification invariant.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.Method == "" || m.ID.IsNil() {
			return fmt.Errorf("%w: request needs method and id", ErrInvalidShape)
		}
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("%w: request cannot carry result or error", ErrInvalidShape)
		}
	case KindNotification:
		if m.Method == "" || m.ID != nil {
			return fmt.Errorf("%w: notification needs method and no id", ErrInvalidShape)
		}
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("%w: notification cannot carry result or error", ErrInvalidShape)
		}
	case KindResponse:
		if m.Method != "" || m.ID == nil {
			return fmt.Errorf("%w: response needs id and no method", ErrInvalidShape)
		}
		if (m.Result == nil) == (m.Error == nil) {
			return fmt.Errorf("%w: response needs exactly one of result or error", ErrInvalidShape)
		}
		if m.ID.IsNil() && m.Error == nil {
			return fmt.Errorf("%w: null id is only valid on error responses", ErrInvalidShape)
		}
	default:
		return fmt.Errorf("%w: unclassified message", ErrInvalidShape)
	}
	return nil
}

type wireMessage struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      *jsonrpc.RequestID `json:"id,omitempty"`
	Method  string             `json:"method,omitempty"`
	Params  json.RawMessage    `json:"params,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *jsonrpc.Error     `json:"error,omitempty"`
}

// MarshalJSON emits the wire object, always stamping "jsonrpc":"2.0".
func (m Message) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		JSONRPC: jsonrpc.ProtocolVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	})
}

// UnmarshalJSON decodes and classifies a single wire object.
func (m *Message) UnmarshalJSON(data []byte) error {
	msg, err := decodeObject(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// ProgressToken returns the progress token a request asks for in
// params._meta.progressToken, or the one a notification reports progress
// for in params.progressToken.
func (m Message) ProgressToken() (*jsonrpc.RequestID, bool) {
	if len(m.Params) == 0 || m.Params[0] != '{' {
		return nil, false
	}
	var p struct {
		ProgressToken *jsonrpc.RequestID `json:"progressToken"`
		Meta          *struct {
			ProgressToken *jsonrpc.RequestID `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, false
	}
	var tok *jsonrpc.RequestID
	if m.Kind == KindNotification {
		tok = p.ProgressToken
	} else if p.Meta != nil {
		tok = p.Meta.ProgressToken
	}
	if tok.IsNil() {
		return nil, false
	}
	return tok, true
}

// ParamString returns a top-level string field of an object params.
func (m Message) ParamString(key string) (string, bool) {
	fields, ok := objectFields(m.Params)
	if !ok {
		return "", false
	}
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// WithParam returns a copy of m whose object params has key set to value.
// Other fields keep their original encoding.
func (m Message) WithParam(key string, value any) (Message, error) {
	fields, ok := objectFields(m.Params)
	if !ok {
		if len(m.Params) != 0 {
			return Message{}, fmt.Errorf("%w: params is not an object", ErrInvalidShape)
		}
		fields = map[string]json.RawMessage{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal param %q: %w", key, err)
	}
	fields[key] = raw
	params, err := json.Marshal(fields)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	m.Params = params
	return m, nil
}

// ResultFields returns the top-level fields of an object result.
func (m Message) ResultFields() (map[string]json.RawMessage, bool) {
	return objectFields(m.Result)
}

// WithResultField returns a copy of m whose object result has key set to
// value. It fails when the result is absent or not an object.
func (m Message) WithResultField(key string, value any) (Message, error) {
	fields, ok := objectFields(m.Result)
	if !ok {
		return Message{}, fmt.Errorf("%w: result is not an object", ErrInvalidShape)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result field %q: %w", key, err)
	}
	fields[key] = raw
	result, err := json.Marshal(fields)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	m.Result = result
	return m, nil
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
