// Package mcpserver implements the Model Context Protocol surface: JSON-RPC
// 2.0 over stdio, HTTP+SSE, and WebSocket, exposing the research tools,
// prompts, and resources.
package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/inquest-ai/inquest/pkg/apperr"
)

// JSON-RPC 2.0 error codes, plus the implementation-defined auth code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeUnauthorized is the implementation-defined code for requests that
	// fail authentication or authorization at the protocol layer.
	CodeUnauthorized = -32001
)

// Request is an incoming JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Notification is a server-initiated message (progress, resource updates).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response, marshaling the result.
func NewResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "encoding result failed", nil)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
}

// NewNotification builds a server notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// errorCodeFor maps the error taxonomy onto JSON-RPC codes.
func errorCodeFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return CodeInvalidParams
	case apperr.KindUnauthorized, apperr.KindForbidden:
		return CodeUnauthorized
	default:
		return CodeInternalError
	}
}

// toErrorResponse converts a handler error, keeping the kind visible in data.
func toErrorResponse(id json.RawMessage, err error) *Response {
	var eo *ErrorObject
	if ok := asErrorObject(err, &eo); ok {
		return NewErrorResponse(id, eo.Code, eo.Message, eo.Data)
	}
	return NewErrorResponse(id, errorCodeFor(err), err.Error(),
		map[string]string{"kind": string(apperr.KindOf(err))})
}

func asErrorObject(err error, out **ErrorObject) bool {
	for e := err; e != nil; {
		if eo, ok := e.(*ErrorObject); ok {
			*out = eo
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
