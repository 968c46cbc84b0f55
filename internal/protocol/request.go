package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is the envelope carried in "AH" frames on the raw socket transport.
//
// A request names what to run: a script, a function, or a module method. The
// receiver echoes the same object back with Reply set and Result filled in,
// and the sender pairs the echo with its request by MessageID.
type Request struct {
	MessageID int64           `json:"message_id"`
	Script    string          `json:"script,omitempty"`
	Function  string          `json:"function,omitempty"`
	Module    string          `json:"module,omitempty"`
	Method    string          `json:"method,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Reply     bool            `json:"reply,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Target returns the callable name the request addresses: the function, or
// module.method, or method alone.
func (r *Request) Target() string {
	switch {
	case r.Function != "":
		return r.Function
	case r.Module != "" && r.Method != "":
		return r.Module + "." + r.Method
	default:
		return r.Method
	}
}

// DecodeResult unmarshals the reply result into v.
func (r *Request) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("message %d has no result", r.MessageID)
	}
	return json.Unmarshal(r.Result, v)
}

// String renders the request as indented JSON for logs and error reports.
func (r *Request) String() string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("message %d", r.MessageID)
	}
	return string(data)
}
