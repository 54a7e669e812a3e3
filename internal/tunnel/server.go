// Package tunnel carries protocol connections as yamux streams over a
// WebSocket, so remote tooling can reach the daemon through its HTTP port.
package tunnel

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// SecretHeader carries the pre-shared tunnel secret.
const SecretHeader = "X-Pulsar-Secret"

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnServer serves one protocol connection until it closes.
type ConnServer interface {
	ServeConn(ctx context.Context, rwc io.ReadWriteCloser, transport string)
}

// Server is the daemon side of the tunnel: the remote end opens yamux
// streams and each one is served as a protocol connection.
type Server struct {
	secret string
	conns  ConnServer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}
	closed   bool
}

// NewServer returns a tunnel endpoint. An empty secret accepts everyone.
func NewServer(secret string, conns ConnServer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		secret:   secret,
		conns:    conns,
		logger:   logger.Named("tunnel"),
		sessions: make(map[*yamux.Session]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(s.secret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := tunnelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	session, err := yamux.Server(NewWSConn(wsConn), yamuxConfig(s.logger))
	if err != nil {
		s.logger.Error("yamux server", zap.Error(err))
		wsConn.Close()
		return
	}
	if !s.track(session) {
		session.Close()
		return
	}
	defer s.untrack(session)
	s.logger.Info("tunnel connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			break
		}
		go s.conns.ServeConn(ctx, stream, "tunnel")
	}
	session.Close()
	s.logger.Info("tunnel disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) track(session *yamux.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *yamux.Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// Connected reports how many tunnels are up.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close tears down every tunnel. Hijacked connections are not closed by
// http.Server.Shutdown, so the daemon calls this on exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*yamux.Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	return nil
}

func yamuxConfig(logger *zap.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(logger)
	return cfg
}
