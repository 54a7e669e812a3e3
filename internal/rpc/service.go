// Package rpc serves sessions over gRPC as pulsar.terminal.TerminalService,
// next to the Unix socket and the WebSocket surface. Messages travel as
// JSON under the "json" content subtype, so the service is declared by hand
// rather than generated from a .proto file.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/peterje/pulsar/internal/session"
)

const ServiceName = "pulsar.terminal.TerminalService"

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type CreateSessionRequest struct {
	Name string        `json:"name"`
	Type *session.Type `json:"session_type,omitempty"`
	Rows uint16        `json:"rows,omitempty"`
	Cols uint16        `json:"cols,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type ListSessionsRequest struct{}

type ListSessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type GetSessionResponse struct {
	Session session.Summary `json:"session"`
}

// ClientRequest names a client on a session. Clients attached here share
// drain cursors with the Unix socket when they reuse its client ids.
type ClientRequest struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

type ResizeRequest struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type Empty struct{}

type TerminalInput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type SendInputResponse struct {
	BytesWritten int `json:"bytes_written"`
}

// StreamOutputRequest opens an output stream. An empty ClientID gets a
// fresh cursor that starts at the oldest retained byte.
type StreamOutputRequest struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
}

type TerminalOutput struct {
	SessionID string    `json:"session_id"`
	Data      []byte    `json:"data"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusResponse struct {
	Version       string `json:"version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
	NumSessions   int    `json:"num_sessions"`
	NumClients    int    `json:"num_clients"`
}

type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// TerminalServer is the server side of TerminalService.
type TerminalServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	GetSession(context.Context, *SessionRequest) (*GetSessionResponse, error)
	TerminateSession(context.Context, *SessionRequest) (*Empty, error)
	AttachSession(context.Context, *ClientRequest) (*Empty, error)
	DetachSession(context.Context, *ClientRequest) (*Empty, error)
	ResizeTerminal(context.Context, *ResizeRequest) (*Empty, error)
	SendInput(context.Context, *TerminalInput) (*SendInputResponse, error)
	GetDaemonStatus(context.Context, *Empty) (*StatusResponse, error)
	HealthCheck(context.Context, *Empty) (*HealthResponse, error)
	StreamOutput(*StreamOutputRequest, grpc.ServerStreamingServer[TerminalOutput]) error
	StreamInput(grpc.ClientStreamingServer[TerminalInput, SendInputResponse]) error
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the MethodDesc for one request/response call.
func unary[Req, Resp any](name string, call func(TerminalServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TerminalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TerminalServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes TerminalService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TerminalServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", TerminalServer.CreateSession),
		unary("ListSessions", TerminalServer.ListSessions),
		unary("GetSession", TerminalServer.GetSession),
		unary("TerminateSession", TerminalServer.TerminateSession),
		unary("AttachSession", TerminalServer.AttachSession),
		unary("DetachSession", TerminalServer.DetachSession),
		unary("ResizeTerminal", TerminalServer.ResizeTerminal),
		unary("SendInput", TerminalServer.SendInput),
		unary("GetDaemonStatus", TerminalServer.GetDaemonStatus),
		unary("HealthCheck", TerminalServer.HealthCheck),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "StreamOutput",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(StreamOutputRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TerminalServer).StreamOutput(in, &grpc.GenericServerStream[StreamOutputRequest, TerminalOutput]{ServerStream: stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "StreamInput",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(TerminalServer).StreamInput(&grpc.GenericServerStream[TerminalInput, SendInputResponse]{ServerStream: stream})
			},
			ClientStreams: true,
		},
	},
	Metadata: "pulsar/terminal.json",
}
