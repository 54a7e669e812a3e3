package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peterje/pulsar/internal/session"
)

// Call is a decoded request. The set of implementations is closed: Decode
// is the only constructor and a type switch over it is exhaustive.
type Call interface {
	Method() string
	call()
}

type GetStatus struct{}

type CreateSession struct {
	Name string       `json:"name"`
	Type session.Type `json:"type"`
	Cols uint16       `json:"cols,omitempty"`
	Rows uint16       `json:"rows,omitempty"`
}

type ListSessions struct{}

type AttachSession struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
}

type DetachSession struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
}

type TerminateSession struct {
	SessionID string `json:"session_id"`
}

type ResizeTerminal struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// SendInput carries decoded bytes; on the wire Data is base64.
type SendInput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"-"`
}

// MaxReceiveTimeout caps how long one receive_output may wait.
const MaxReceiveTimeout = 24 * time.Hour

// ReceiveOutput waits up to Timeout for output. Zero polls.
type ReceiveOutput struct {
	SessionID string        `json:"session_id"`
	Timeout   time.Duration `json:"-"`
}

type SessionHistory struct {
	Limit int `json:"limit,omitempty"`
}

func (GetStatus) Method() string        { return MethodGetStatus }
func (CreateSession) Method() string    { return MethodCreateSession }
func (ListSessions) Method() string     { return MethodListSessions }
func (AttachSession) Method() string    { return MethodAttachSession }
func (DetachSession) Method() string    { return MethodDetachSession }
func (TerminateSession) Method() string { return MethodTerminateSession }
func (ResizeTerminal) Method() string   { return MethodResizeTerminal }
func (SendInput) Method() string        { return MethodSendInput }
func (ReceiveOutput) Method() string    { return MethodReceiveOutput }
func (SessionHistory) Method() string   { return MethodSessionHistory }

func (GetStatus) call()        {}
func (CreateSession) call()    {}
func (ListSessions) call()     {}
func (AttachSession) call()    {}
func (DetachSession) call()    {}
func (TerminateSession) call() {}
func (ResizeTerminal) call()   {}
func (SendInput) call()        {}
func (ReceiveOutput) call()    {}
func (SessionHistory) call()   {}

// Decode turns a Request into its typed Call. Unknown methods fail with
// CodeMethodNotFound, bad params with CodeInvalidParams.
func Decode(req Request) (Call, *Error) {
	switch req.Method {
	case MethodGetStatus:
		return GetStatus{}, nil
	case MethodListSessions:
		return ListSessions{}, nil

	case MethodCreateSession:
		var c CreateSession
		if err := decodeParams(req.Params, &c); err != nil {
			return nil, err
		}
		if c.Type.Kind == "" {
			c.Type = session.Local
		}
		return c, nil

	case MethodAttachSession:
		var c AttachSession
		if err := decodeSessionParams(req.Params, &c, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case MethodDetachSession:
		var c DetachSession
		if err := decodeSessionParams(req.Params, &c, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case MethodTerminateSession:
		var c TerminateSession
		if err := decodeSessionParams(req.Params, &c, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case MethodResizeTerminal:
		var c ResizeTerminal
		if err := decodeSessionParams(req.Params, &c, &c.SessionID); err != nil {
			return nil, err
		}
		if c.Cols == 0 || c.Rows == 0 {
			return nil, Errorf(CodeInvalidParams, "cols and rows must be positive")
		}
		return c, nil

	case MethodSendInput:
		var p struct {
			SessionID string  `json:"session_id"`
			Data      *string `json:"data"`
		}
		if err := decodeSessionParams(req.Params, &p, &p.SessionID); err != nil {
			return nil, err
		}
		if p.Data == nil {
			return nil, Errorf(CodeInvalidParams, "missing data")
		}
		data, err := DecodeData(*p.Data)
		if err != nil {
			return nil, Errorf(CodeInvalidParams, "data is not valid base64: %v", err)
		}
		return SendInput{SessionID: p.SessionID, Data: data}, nil

	case MethodReceiveOutput:
		var p struct {
			SessionID string `json:"session_id"`
			TimeoutMS *int64 `json:"timeout_ms"`
		}
		if err := decodeSessionParams(req.Params, &p, &p.SessionID); err != nil {
			return nil, err
		}
		c := ReceiveOutput{SessionID: p.SessionID}
		if p.TimeoutMS != nil {
			if *p.TimeoutMS < 0 {
				return nil, Errorf(CodeInvalidParams, "timeout_ms must not be negative")
			}
			c.Timeout = time.Duration(min(*p.TimeoutMS, MaxReceiveTimeout.Milliseconds())) * time.Millisecond
		}
		return c, nil

	case MethodSessionHistory:
		var c SessionHistory
		if err := decodeParams(req.Params, &c); err != nil {
			return nil, err
		}
		if c.Limit < 0 {
			return nil, Errorf(CodeInvalidParams, "limit must not be negative")
		}
		return c, nil

	default:
		return nil, Errorf(CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

// decodeParams unmarshals params into v. Absent or null params leave v
// zero.
func decodeParams(params json.RawMessage, v any) *Error {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Errorf(CodeInvalidParams, "invalid params: field %s: expected %s", typeErr.Field, typeErr.Type)
		}
		return Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func decodeSessionParams(params json.RawMessage, v any, sessionID *string) *Error {
	if err := decodeParams(params, v); err != nil {
		return err
	}
	if *sessionID == "" {
		return Errorf(CodeInvalidParams, "missing session_id")
	}
	return nil
}

// Encode builds the Request for c. It is the client-side inverse of Decode.
func Encode(id string, c Call) (Request, error) {
	var params any
	switch c := c.(type) {
	case GetStatus, ListSessions:
	case CreateSession:
		if c.Type.Kind == "" {
			c.Type = session.Local
		}
		params = c
	case SendInput:
		params = map[string]string{"session_id": c.SessionID, "data": EncodeData(c.Data)}
	case ReceiveOutput:
		params = map[string]any{"session_id": c.SessionID, "timeout_ms": c.Timeout.Milliseconds()}
	default:
		params = c
	}
	req := Request{ID: id, Method: c.Method()}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}
