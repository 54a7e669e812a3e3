package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed TerminalService client.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateSession(ctx context.Context, in *CreateSessionRequest) (*CreateSessionResponse, error) {
	return invoke[CreateSessionRequest, CreateSessionResponse](ctx, c, "CreateSession", in)
}

func (c *Client) ListSessions(ctx context.Context) (*ListSessionsResponse, error) {
	return invoke[ListSessionsRequest, ListSessionsResponse](ctx, c, "ListSessions", &ListSessionsRequest{})
}

func (c *Client) GetSession(ctx context.Context, id string) (*GetSessionResponse, error) {
	return invoke[SessionRequest, GetSessionResponse](ctx, c, "GetSession", &SessionRequest{SessionID: id})
}

func (c *Client) TerminateSession(ctx context.Context, id string) error {
	_, err := invoke[SessionRequest, Empty](ctx, c, "TerminateSession", &SessionRequest{SessionID: id})
	return err
}

func (c *Client) AttachSession(ctx context.Context, sessionID, clientID string) error {
	_, err := invoke[ClientRequest, Empty](ctx, c, "AttachSession", &ClientRequest{SessionID: sessionID, ClientID: clientID})
	return err
}

func (c *Client) DetachSession(ctx context.Context, sessionID, clientID string) error {
	_, err := invoke[ClientRequest, Empty](ctx, c, "DetachSession", &ClientRequest{SessionID: sessionID, ClientID: clientID})
	return err
}

func (c *Client) ResizeTerminal(ctx context.Context, id string, rows, cols uint16) error {
	_, err := invoke[ResizeRequest, Empty](ctx, c, "ResizeTerminal", &ResizeRequest{SessionID: id, Rows: rows, Cols: cols})
	return err
}

func (c *Client) SendInput(ctx context.Context, id string, data []byte) (int, error) {
	out, err := invoke[TerminalInput, SendInputResponse](ctx, c, "SendInput", &TerminalInput{SessionID: id, Data: data})
	if err != nil {
		return 0, err
	}
	return out.BytesWritten, nil
}

func (c *Client) GetDaemonStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[Empty, StatusResponse](ctx, c, "GetDaemonStatus", &Empty{})
}

func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	return invoke[Empty, HealthResponse](ctx, c, "HealthCheck", &Empty{})
}

// StreamOutput opens an output stream; Recv returns io.EOF once the
// session ends.
func (c *Client) StreamOutput(ctx context.Context, in *StreamOutputRequest) (grpc.ServerStreamingClient[TerminalOutput], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("StreamOutput"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[StreamOutputRequest, TerminalOutput]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// StreamInput opens an input stream; CloseAndRecv reports the bytes written.
func (c *Client) StreamInput(ctx context.Context) (grpc.ClientStreamingClient[TerminalInput, SendInputResponse], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], fullMethod("StreamInput"))
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[TerminalInput, SendInputResponse]{ClientStream: stream}, nil
}
