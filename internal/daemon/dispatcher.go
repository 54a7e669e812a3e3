package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/db"
	"github.com/peterje/pulsar/internal/metrics"
	"github.com/peterje/pulsar/internal/protocol"
	"github.com/peterje/pulsar/internal/session"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// History is the read side of the session history store.
type History interface {
	Recent(ctx context.Context, limit int) ([]db.Record, error)
}

// Dispatcher routes decoded calls to the registry and sessions. It is safe
// for concurrent use by many connections.
type Dispatcher struct {
	registry     *session.Registry
	history      History
	metrics      *metrics.Metrics
	logger       *zap.Logger
	version      string
	historyLimit int
	started      time.Time
}

// DispatcherOptions configures a Dispatcher. History and Metrics are
// optional.
type DispatcherOptions struct {
	Registry     *session.Registry
	History      History
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Version      string
	HistoryLimit int
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Dispatcher{
		registry:     opts.Registry,
		history:      opts.History,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		version:      opts.Version,
		historyLimit: min(opts.HistoryLimit, maxHistoryLimit),
		started:      time.Now(),
	}
}

// Handle answers one request on behalf of clientID. It always returns a
// response carrying req.ID.
func (d *Dispatcher) Handle(ctx context.Context, clientID string, req protocol.Request) (resp protocol.Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling request",
				zap.String("method", req.Method),
				zap.String("client_id", clientID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp = protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInternal, "internal error"))
		}
		if d.metrics != nil {
			code := 0
			if resp.Error != nil {
				code = resp.Error.Code
			}
			d.metrics.ObserveRequest(methodLabel(req.Method), code, time.Since(start))
		}
	}()

	call, perr := protocol.Decode(req)
	if perr != nil {
		return protocol.NewError(req.ID, perr)
	}

	result, err := d.dispatch(ctx, clientID, call)
	if err != nil {
		perr := toProtocolError(err)
		if perr.Code == protocol.CodeInternal {
			d.logger.Error("request failed",
				zap.String("method", req.Method),
				zap.String("client_id", clientID),
				zap.Error(err))
		}
		return protocol.NewError(req.ID, perr)
	}

	resp, err = protocol.NewResult(req.ID, result)
	if err != nil {
		return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInternal, "%v", err))
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, clientID string, call protocol.Call) (any, error) {
	switch c := call.(type) {
	case protocol.GetStatus:
		return protocol.StatusResult{
			Version:       d.version,
			UptimeSeconds: uint64(time.Since(d.started).Seconds()),
			NumSessions:   d.registry.Count(),
			NumClients:    d.registry.CountClients(),
		}, nil

	case protocol.CreateSession:
		s, err := d.registry.Create(ctx, session.CreateOptions{
			Name: c.Name,
			Type: c.Type,
			Rows: c.Rows,
			Cols: c.Cols,
		})
		if err != nil {
			return nil, err
		}
		return protocol.CreateSessionResult{SessionID: s.ID()}, nil

	case protocol.ListSessions:
		return protocol.ListSessionsResult{Sessions: d.registry.List()}, nil

	case protocol.AttachSession:
		s, err := d.registry.Get(c.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.Attach(orDefault(c.ClientID, clientID)); err != nil {
			return nil, err
		}
		return protocol.SuccessResult{Success: true}, nil

	case protocol.DetachSession:
		s, err := d.registry.Get(c.SessionID)
		if err != nil {
			return nil, err
		}
		s.Detach(orDefault(c.ClientID, clientID))
		return protocol.SuccessResult{Success: true}, nil

	case protocol.TerminateSession:
		if err := d.registry.Terminate(c.SessionID); err != nil {
			return nil, err
		}
		return protocol.SuccessResult{Success: true}, nil

	case protocol.ResizeTerminal:
		s, err := d.registry.Get(c.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.Resize(c.Rows, c.Cols); err != nil {
			return nil, err
		}
		return protocol.SuccessResult{Success: true}, nil

	case protocol.SendInput:
		s, err := d.registry.Get(c.SessionID)
		if err != nil {
			return nil, err
		}
		n, err := s.Write(ctx, c.Data)
		if err != nil {
			return nil, err
		}
		return protocol.SendInputResult{BytesWritten: n}, nil

	case protocol.ReceiveOutput:
		s, err := d.registry.Get(c.SessionID)
		if err != nil {
			return nil, err
		}
		data, err := s.Receive(waitContext(ctx), clientID, c.Timeout)
		if err != nil {
			return nil, err
		}
		return protocol.ReceiveOutputResult{Data: protocol.EncodeData(data), BytesRead: len(data)}, nil

	case protocol.SessionHistory:
		return d.sessionHistory(ctx, c.Limit)

	default:
		return nil, protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", call.Method())
	}
}

func (d *Dispatcher) sessionHistory(ctx context.Context, limit int) (protocol.SessionHistoryResult, error) {
	if limit <= 0 {
		limit = d.historyLimit
	}
	limit = min(limit, maxHistoryLimit)

	out := protocol.SessionHistoryResult{Sessions: []protocol.HistoryEntry{}}
	if d.history == nil {
		return out, nil
	}
	records, err := d.history.Recent(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("session history: %w", err)
	}
	for _, r := range records {
		out.Sessions = append(out.Sessions, historyEntry(r))
	}
	return out, nil
}

func historyEntry(r db.Record) protocol.HistoryEntry {
	e := protocol.HistoryEntry{
		ID:          r.ID,
		Name:        r.Name,
		SessionType: r.SessionType,
		CreatedAt:   r.CreatedAt,
	}
	if r.TerminatedAt.Valid {
		at := r.TerminatedAt.Time
		e.TerminatedAt = &at
	}
	if r.Reason.Valid {
		reason := r.Reason.String
		e.Reason = &reason
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		e.ExitCode = &code
	}
	return e
}

// toProtocolError maps domain errors onto wire error codes.
func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionTerminated):
		return &protocol.Error{Code: protocol.CodeSessionNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrWriteFailed):
		return &protocol.Error{Code: protocol.CodeWriteFailed, Message: err.Error()}
	case errors.Is(err, session.ErrUnsupportedType), errors.Is(err, session.ErrInvalidSize):
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.CodeInternal, Message: err.Error()}
	}
}

// methodLabel keeps metric cardinality bounded when clients send garbage.
func methodLabel(method string) string {
	switch method {
	case protocol.MethodGetStatus, protocol.MethodCreateSession, protocol.MethodListSessions,
		protocol.MethodAttachSession, protocol.MethodDetachSession, protocol.MethodTerminateSession,
		protocol.MethodResizeTerminal, protocol.MethodSendInput, protocol.MethodReceiveOutput,
		protocol.MethodSessionHistory:
		return method
	default:
		return "unknown"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
