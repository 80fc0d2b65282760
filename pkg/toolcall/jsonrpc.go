// Package toolcall implements the JSON-RPC 2.0 tool bridge between the
// reasoning module and the orchestrator: the wire types, the per-path
// tool registry, and argument validation against each tool's input
// schema.
package toolcall

import (
	"encoding/json"
	"fmt"
)

// Version is the required JSON-RPC version string.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// RequestID is a JSON-RPC id: string, number, or null.
type RequestID struct {
	Str *string
	Num *int64
}

// StringID builds a string request id.
func StringID(s string) *RequestID { return &RequestID{Str: &s} }

// NumericID builds a numeric request id.
func NumericID(n int64) *RequestID { return &RequestID{Num: &n} }

func (r *RequestID) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	if r.Str != nil {
		return json.Marshal(*r.Str)
	}
	if r.Num != nil {
		return json.Marshal(*r.Num)
	}
	return []byte("null"), nil
}

func (r *RequestID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Str = &s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		r.Num = &n
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("invalid request id: %s", data)
}

func (r *RequestID) String() string {
	switch {
	case r == nil:
		return "null"
	case r.Str != nil:
		return *r.Str
	case r.Num != nil:
		return fmt.Sprintf("%d", *r.Num)
	}
	return "null"
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object; data is marshalled best-effort.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// successResponse marshals result into a success response for id.
func successResponse(id *RequestID, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, NewError(CodeInternalError, "unencodable result", err.Error()))
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}
}

func errorResponse(id *RequestID, e *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: e}
}
