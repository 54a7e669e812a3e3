// Package server is the daemon's optional HTTP surface.
package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/api"
	"github.com/peterje/pulsar/internal/metrics"
	"github.com/peterje/pulsar/internal/session"
	"github.com/peterje/pulsar/internal/ws"
)

// HealthResponse is served at GET /api/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Tunnels       int    `json:"tunnels"`
}

// TunnelHandler is the /tunnel endpoint.
type TunnelHandler interface {
	http.Handler
	Connected() int
}

// Options configures a Server. Metrics and Tunnel are optional.
type Options struct {
	Registry *session.Registry
	Metrics  *metrics.Metrics
	Tunnel   TunnelHandler
	Logger   *zap.Logger
	Version  string
}

type Server struct {
	mux     *http.ServeMux
	handler http.Handler
	opts    Options
	logger  *zap.Logger
	started time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		opts:    opts,
		logger:  opts.Logger.Named("server"),
		started: time.Now(),
	}
	s.routes()
	s.handler = loggingMiddleware(s.logger, recoveryMiddleware(s.logger, s.mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.opts.Registry, s.logger)
	wsHandler := ws.NewHandler(s.opts.Registry, s.opts.Logger)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", wsHandler)

	if s.opts.Tunnel != nil {
		s.mux.Handle("GET /tunnel", s.opts.Tunnel)
	}
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.opts.Version,
		UptimeSeconds: uint64(time.Since(s.started).Seconds()),
		Sessions:      s.opts.Registry.Count(),
	}
	if s.opts.Tunnel != nil {
		resp.Tunnels = s.opts.Tunnel.Connected()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
