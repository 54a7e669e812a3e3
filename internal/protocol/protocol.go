// Package protocol defines pulsar's newline-delimited JSON wire format.
//
// Each frame is one JSON object terminated by '\n'. Clients send Requests;
// the daemon answers every Request with exactly one Response carrying the
// same id, in the order the requests were received on the connection.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Error codes. The negative range follows JSON-RPC.
const (
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeSessionNotFound = 1001
	CodeWriteFailed     = 1003
	CodeTimeout         = 1004 // reserved
)

// Method names.
const (
	MethodGetStatus        = "get_status"
	MethodCreateSession    = "create_session"
	MethodListSessions     = "list_sessions"
	MethodAttachSession    = "attach_session"
	MethodDetachSession    = "detach_session"
	MethodTerminateSession = "terminate_session"
	MethodResizeTerminal   = "resize_terminal"
	MethodSendInput        = "send_input"
	MethodReceiveOutput    = "receive_output"
	MethodSessionHistory   = "session_history"
)

// Request is a client to daemon frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a daemon to client frame. Exactly one of Result and Error is
// set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error member of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pulsar error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewResult marshals v into a success Response.
func NewResult(id string, v any) (Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{ID: id, Result: data}, nil
}

// NewError builds an error Response.
func NewError(id string, e *Error) Response {
	return Response{ID: id, Error: e}
}

// EncodeData is the wire encoding of raw terminal bytes: standard padded
// base64.
func EncodeData(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// DecodeData reverses EncodeData.
func DecodeData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
