package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindCall Kind = iota
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is the JSON envelope exchanged by both endpoint variants.
//
//	{"id": 1, "method": "ping", "params": "hello"}
//	{"id": 1, "result": "hello"}
//	{"id": 1, "error": "Route not found"}
//
// A message carrying a method is a call; otherwise it is the outcome of the
// call with the same id. Result and Error keep the raw JSON so that a present
// null ("error": null) can be told apart from an absent key.
type Message struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Kind reports whether m is a call, a successful result or an error.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "":
		return KindCall
	case m.Error != nil:
		return KindError
	default:
		return KindResult
	}
}

// Decode parses a single envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewCall encodes a call envelope.
func NewCall(id int64, method string, params any) ([]byte, error) {
	raw, err := marshalValue(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return json.Marshal(Message{ID: &id, Method: method, Params: raw})
}

// NewResult encodes a successful result envelope. A nil result is sent as null.
func NewResult(id int64, result any) ([]byte, error) {
	raw, err := marshalValue(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Message{ID: &id, Result: raw})
}

// NewError encodes an error envelope. id may be nil when the failing message
// could not be parsed.
func NewError(id *int64, value any) ([]byte, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Message{ID: id, Error: raw})
}

// ErrorValue converts err into the value sent in an error envelope. Remote
// errors keep their original payload; anything else becomes its message.
func ErrorValue(err error) any {
	var re *RemoteError
	if errors.As(err, &re) && len(re.Data) > 0 {
		return re.Data
	}
	return err.Error()
}

func marshalValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return val, nil
	default:
		return json.Marshal(v)
	}
}

// RemoteError is the error value carried by an error envelope.
type RemoteError struct {
	Data json.RawMessage
}

// NewRemoteError wraps a raw error payload.
func NewRemoteError(data json.RawMessage) *RemoteError {
	return &RemoteError{Data: data}
}

func (e *RemoteError) Error() string {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "remote error"
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(data)
}
