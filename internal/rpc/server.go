package rpc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/peterje/pulsar/internal/session"
)

// streamPoll bounds each output wait so a stream notices a cancelled peer
// on an idle session.
const streamPoll = 30 * time.Second

// Service implements TerminalServer over a session.Registry.
type Service struct {
	registry *session.Registry
	version  string
	started  time.Time
	logger   *zap.Logger
}

func NewService(registry *session.Registry, version string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		version:  version,
		started:  time.Now(),
		logger:   logger.Named("grpc"),
	}
}

// NewServer returns a grpc.Server with the service registered and every
// call logged.
func NewServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(svc.logUnary),
		grpc.ChainStreamInterceptor(svc.logStream),
	)
	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, svc)
	return s
}

func (s *Service) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logCall(info.FullMethod, start, err)
	return resp, err
}

func (s *Service) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logCall(info.FullMethod, start, err)
	return err
}

func (s *Service) logCall(method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	}
	if code := status.Code(err); code == codes.Internal || code == codes.Unknown {
		s.logger.Error("call failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("call", append(fields, zap.Stringer("code", status.Code(err)))...)
}

// toStatus maps registry errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionTerminated):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrUnsupportedType):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, session.ErrInvalidSize):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrWriteFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Service) lookup(id string) (*session.Session, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "missing session_id")
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return sess, nil
}

func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	co := session.CreateOptions{Name: req.Name, Rows: req.Rows, Cols: req.Cols}
	if req.Type != nil {
		co.Type = *req.Type
	}
	sess, err := s.registry.Create(ctx, co)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreateSessionResponse{SessionID: sess.ID()}, nil
}

func (s *Service) ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error) {
	return &ListSessionsResponse{Sessions: s.registry.List()}, nil
}

func (s *Service) GetSession(_ context.Context, req *SessionRequest) (*GetSessionResponse, error) {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	return &GetSessionResponse{Session: sess.Summary()}, nil
}

func (s *Service) TerminateSession(_ context.Context, req *SessionRequest) (*Empty, error) {
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing session_id")
	}
	if err := s.registry.Terminate(req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) AttachSession(_ context.Context, req *ClientRequest) (*Empty, error) {
	if req.ClientID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing client_id")
	}
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Attach(req.ClientID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) DetachSession(_ context.Context, req *ClientRequest) (*Empty, error) {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Detach(req.ClientID)
	return &Empty{}, nil
}

func (s *Service) ResizeTerminal(_ context.Context, req *ResizeRequest) (*Empty, error) {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Resize(req.Rows, req.Cols); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) SendInput(ctx context.Context, req *TerminalInput) (*SendInputResponse, error) {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	n, err := sess.Write(ctx, req.Data)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendInputResponse{BytesWritten: n}, nil
}

func (s *Service) GetDaemonStatus(context.Context, *Empty) (*StatusResponse, error) {
	return &StatusResponse{
		Version:       s.version,
		UptimeSeconds: uint64(time.Since(s.started).Seconds()),
		NumSessions:   s.registry.Count(),
		NumClients:    s.registry.CountClients(),
	}, nil
}

func (s *Service) HealthCheck(context.Context, *Empty) (*HealthResponse, error) {
	return &HealthResponse{Healthy: true, Message: "pulsar daemon is healthy"}, nil
}

// StreamOutput sends output chunks until the session ends or the caller
// goes away. A client id chosen by the server is detached on return.
func (s *Service) StreamOutput(req *StreamOutputRequest, stream grpc.ServerStreamingServer[TerminalOutput]) error {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "grpc-" + uuid.NewString()
		defer sess.Detach(clientID)
	}

	ctx := stream.Context()
	var seq uint64
	for {
		data, err := sess.Receive(ctx, clientID, streamPoll)
		if errors.Is(err, session.ErrSessionTerminated) {
			return nil
		}
		if err != nil {
			return toStatus(err)
		}
		if len(data) > 0 {
			out := &TerminalOutput{SessionID: sess.ID(), Data: data, Sequence: seq, Timestamp: time.Now().UTC()}
			if err := stream.Send(out); err != nil {
				return err
			}
			seq++
			continue
		}
		select {
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		default:
		}
	}
}

// StreamInput writes every received chunk in order and reports the total
// once the caller closes its side.
func (s *Service) StreamInput(stream grpc.ClientStreamingServer[TerminalInput, SendInputResponse]) error {
	var total int
	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&SendInputResponse{BytesWritten: total})
		}
		if err != nil {
			return err
		}
		sess, err := s.lookup(in.SessionID)
		if err != nil {
			return err
		}
		n, err := sess.Write(stream.Context(), in.Data)
		total += n
		if err != nil {
			return toStatus(err)
		}
	}
}
