// Package jsonrpc implements the wire types for JSON-RPC 2.0 as used by the
// MCP transports (stdio and HTTP+SSE). It carries no transport logic of its
// own — just the message shapes and the batch/notification rules both
// transports must apply identically.
package jsonrpc

import "encoding/json"

// Standard JSON-RPC 2.0 error codes, plus the server-defined range used for
// session/auth failures (-32000..-32099).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError      = -32000 // generic server-defined error (tool failure)
	CodeSessionError     = -32001
	CodeResourceNotFound = -32002
)

// Request is a single JSON-RPC 2.0 request or notification.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether r carries no id (and therefore must not
// receive a response).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object, extended with a typed `kind` in
// Data for programmatic classification (spec §7).
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is the conventional shape placed in Error.Data.
type ErrorData struct {
	Kind   string   `json:"kind"`
	Field  string   `json:"field,omitempty"`
	Scope  []string `json:"scope,omitempty"`
	Rule   string   `json:"rule,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// Success builds a successful response.
func Success(id json.RawMessage, result any) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Result: result}
}

// Fail builds an error response.
func Fail(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// NullID is the `id: null` value used for parse errors and other failures
// that occur before a request's own id can be read.
var NullID = json.RawMessage("null")

// ParseBody decodes body as either a single Request or a batch (a JSON
// array). Per spec §3/§4.8/§4.9 an empty batch ("[]") is a distinct,
// invalid case the transport must reject explicitly rather than silently
// accept as a zero-length batch.
func ParseBody(body []byte) (batch []Request, isBatch bool, emptyBatch bool, err error) {
	trimmed := body
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 {
		return nil, false, false, errEmptyBody
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, true, false, err
		}
		if len(batch) == 0 {
			return nil, true, true, nil
		}
		return batch, true, false, nil
	}
	var single Request
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, false, err
	}
	return []Request{single}, false, false, nil
}

var errEmptyBody = &bodyError{"empty body"}

type bodyError struct{ msg string }

func (e *bodyError) Error() string { return e.msg }
