package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/pty"
)

// ErrRegistryClosed is returned by Create after CloseAll.
var ErrRegistryClosed = errors.New("registry closed")

const (
	defaultBufferSize = 100 * 1024
	defaultRows       = 24
	defaultCols       = 80
	defaultKillGrace  = 2 * time.Second
)

// Hooks observe session lifecycles. Every field is optional.
type Hooks struct {
	Created    func(Summary)
	Terminated func(sum Summary, reason Reason, exitCode int)
	Output     func(sessionID string, n, evicted int)
}

// Options configures a Registry.
type Options struct {
	Spawner pty.Spawner
	Shell   string
	Args    []string
	Dir     string
	Env     []string

	BufferSize  int
	DefaultRows uint16
	DefaultCols uint16
	KillGrace   time.Duration

	Logger *zap.Logger
	Hooks  Hooks
	Now    func() time.Time
}

// CreateOptions describes a new session. Zero Rows/Cols take the registry
// defaults; a zero Type is Local.
type CreateOptions struct {
	Name string
	Type Type
	Rows uint16
	Cols uint16
}

// Registry maps session ids to live sessions. It is the only source of
// truth for which sessions exist.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Spawner == nil {
		opts.Spawner = pty.LocalSpawner{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.DefaultRows == 0 {
		opts.DefaultRows = defaultRows
	}
	if opts.DefaultCols == 0 {
		opts.DefaultCols = defaultCols
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.Named("session"),
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session and returns it in Running. If the process
// cannot be spawned the session is removed again.
func (r *Registry) Create(ctx context.Context, co CreateOptions) (*Session, error) {
	if co.Type.Kind == "" {
		co.Type = Local
	}
	if co.Type.Kind != KindLocal {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, co.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, cols := co.Rows, co.Cols
	if rows == 0 {
		rows = r.opts.DefaultRows
	}
	if cols == 0 {
		cols = r.opts.DefaultCols
	}

	now := r.opts.Now()
	s := &Session{
		id:         uuid.NewString(),
		name:       co.Name,
		typ:        co.Type,
		createdAt:  now,
		buf:        NewBuffer(r.opts.BufferSize),
		logger:     r.logger,
		now:        r.opts.Now,
		killGrace:  r.opts.KillGrace,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		reaped:     make(chan struct{}),
		state:      StateStarting,
		lastActive: now,
		rows:       rows,
		cols:       cols,
		clients:    make(map[string]uint64),
	}
	s.events = events{
		started: r.onStarted,
		output:  r.onOutput,
		ended:   r.onEnded,
		reaped:  r.onReaped,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.seq++
	s.seq = r.seq
	r.sessions[s.id] = s
	r.mu.Unlock()

	err := s.start(r.opts.Spawner, pty.SpawnOptions{
		Path: r.opts.Shell,
		Args: r.opts.Args,
		Dir:  r.opts.Dir,
		Env:  r.opts.Env,
		Rows: rows,
		Cols: cols,
	})
	if err != nil {
		r.remove(s)
		r.logger.Error("spawn failed", zap.String("session_id", s.id), zap.Error(err))
		return nil, fmt.Errorf("spawn session: %w", err)
	}
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.State() == StateTerminated {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List snapshots every session in creation order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].createdAt.Before(sessions[j].createdAt)
		}
		return sessions[i].seq < sessions[j].seq
	})
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Terminate removes the session and stops its process. A second call for
// the same id returns ErrSessionNotFound.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.terminate(ReasonTerminated)
	return nil
}

// Count is the number of sessions in the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountClients sums attached clients over all sessions.
func (r *Registry) CountClients() int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		total += s.NumClients()
	}
	return total
}

// DetachAll detaches clientID from every session, e.g. when its connection
// closes.
func (r *Registry) DetachAll(clientID string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Detach(clientID)
	}
}

// CloseAll terminates every session and waits until their processes are
// reaped or ctx is done. Create fails afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.terminate(ReasonShutdown)
	}
	for _, s := range sessions {
		select {
		case <-s.reaped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// remove deletes s if it is still the entry for its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// onStarted runs before the session's reader and monitor start, so Created
// always precedes Terminated.
func (r *Registry) onStarted(s *Session) {
	sum := s.Summary()
	r.logger.Info("session created",
		zap.String("session_id", sum.ID),
		zap.String("name", sum.Name),
		zap.Uint16("rows", sum.Rows),
		zap.Uint16("cols", sum.Cols))
	if r.opts.Hooks.Created != nil {
		r.opts.Hooks.Created(sum)
	}
}

func (r *Registry) onOutput(s *Session, n, evicted int) {
	if r.opts.Hooks.Output != nil {
		r.opts.Hooks.Output(s.id, n, evicted)
	}
}

func (r *Registry) onEnded(s *Session, _ Reason) {
	r.remove(s)
}

func (r *Registry) onReaped(s *Session, reason Reason, exitCode int) {
	if r.opts.Hooks.Terminated != nil {
		r.opts.Hooks.Terminated(s.Summary(), reason, exitCode)
	}
}
