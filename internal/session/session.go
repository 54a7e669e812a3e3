package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/pty"
)

const readChunk = 32 * 1024

// Session is one PTY-backed process, its buffered output and the clients
// draining it. Sessions are created by a Registry.
type Session struct {
	id        string
	name      string
	typ       Type
	createdAt time.Time
	seq       uint64

	buf       *Buffer
	logger    *zap.Logger
	now       func() time.Time
	killGrace time.Duration
	events    events

	ready  chan struct{} // closed when the session leaves Starting
	done   chan struct{} // closed when the session becomes Terminated
	reaped chan struct{} // closed once the child has been reaped

	mu         sync.Mutex
	state      State
	handle     pty.Handle
	lastActive time.Time
	rows, cols uint16
	clients    map[string]uint64
	reason     Reason
	exitCode   int

	writeMu  sync.Mutex
	termOnce sync.Once
}

// events are the registry's callbacks into a session's lifecycle.
type events struct {
	started func(s *Session)
	output  func(s *Session, n, evicted int)
	ended   func(s *Session, reason Reason)
	reaped  func(s *Session, reason Reason, exitCode int)
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Name() string { return s.name }

// Done is closed when the session is terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reaped is closed once the backing process has been reaped after
// termination.
func (s *Session) Reaped() <-chan struct{} { return s.reaped }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Summary snapshots the session for listing.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:          s.id,
		Name:        s.name,
		SessionType: s.typ,
		State:       s.state,
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
		NumClients:  len(s.clients),
		Cols:        s.cols,
		Rows:        s.rows,
	}
}

// NumClients is the number of attached clients.
func (s *Session) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Attach registers clientID with a cursor at the oldest retained byte. It is
// a no-op for clients that are already attached.
func (s *Session) Attach(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return ErrSessionTerminated
	}
	if _, ok := s.clients[clientID]; !ok {
		s.clients[clientID] = s.buf.Oldest()
	}
	return nil
}

// Detach forgets clientID and reports whether it was attached.
func (s *Session) Detach(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[clientID]
	delete(s.clients, clientID)
	return ok
}

// Write sends p to the PTY verbatim. A session still starting is waited
// for. Concurrent writers are serialised so their bytes never interleave.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return 0, ErrSessionTerminated
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	h, state := s.handle, s.state
	s.mu.Unlock()
	if state == StateTerminated || h == nil {
		return 0, ErrSessionTerminated
	}

	var written int
	for written < len(p) {
		n, err := h.Write(p[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}
	s.touch()
	return written, nil
}

// Receive drains everything clientID has not yet seen, attaching it first
// if needed. With nothing buffered it waits up to timeout for output; a
// zero timeout polls. It returns empty, without error, on timeout, when the
// session terminates mid-wait and when ctx is cancelled.
func (s *Session) Receive(ctx context.Context, clientID string, timeout time.Duration) ([]byte, error) {
	if err := s.Attach(clientID); err != nil {
		return nil, err
	}

	data, cursor := s.drain(clientID)
	if len(data) > 0 || timeout <= 0 {
		return data, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.buf.Wait(cursor):
		case <-s.done:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		}
		data, cursor = s.drain(clientID)
		if len(data) > 0 {
			return data, nil
		}
		select {
		case <-s.done:
			return nil, nil
		default:
		}
	}
}

// drain returns the bytes after clientID's cursor and advances it. The read
// and the cursor update happen under one lock so concurrent drains by the
// same client never see a byte twice.
func (s *Session) drain(clientID string) ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.clients[clientID]
	if !ok {
		return nil, s.buf.Offset()
	}
	data, next := s.buf.ReadFrom(cursor)
	s.clients[clientID] = next
	return data, next
}

// Resize changes the terminal size.
func (s *Session) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return ErrInvalidSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated || s.handle == nil {
		return ErrSessionTerminated
	}
	if err := s.handle.Resize(rows, cols); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	s.rows, s.cols = rows, cols
	return nil
}

// ExitCode is the backing process's exit code; valid after Reaped.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// start spawns the backing process and moves the session to Running.
func (s *Session) start(spawner pty.Spawner, opts pty.SpawnOptions) error {
	h, err := spawner.Spawn(opts)
	if err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.reason = ReasonError
		s.mu.Unlock()
		s.termOnce.Do(func() {
			close(s.done)
			s.buf.Close()
			close(s.reaped)
		})
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateRunning
	s.mu.Unlock()
	close(s.ready)
	if s.events.started != nil {
		s.events.started(s)
	}

	go s.readLoop(h)
	go s.monitor(h)
	return nil
}

func (s *Session) readLoop(h pty.Handle) {
	buf := make([]byte, readChunk)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			evicted := s.buf.Write(buf[:n])
			s.touch()
			if s.events.output != nil {
				s.events.output(s, n, evicted)
			}
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			reason := ReasonExited
			// Linux reports EIO on the master once the slave side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				reason = ReasonError
				s.logger.Warn("pty read failed", zap.String("session_id", s.id), zap.Error(err))
			}
			s.terminate(reason)
			return
		}
	}
}

func (s *Session) monitor(h pty.Handle) {
	select {
	case <-h.Exited():
		s.terminate(ReasonExited)
	case <-s.done:
	}
}

// terminate moves the session to Terminated exactly once: waiters are woken,
// buffered output is dropped and the process is stopped and reaped in the
// background.
func (s *Session) terminate(reason Reason) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		s.reason = reason
		h := s.handle
		s.mu.Unlock()

		close(s.done)
		s.buf.Close()

		s.logger.Info("session terminated",
			zap.String("session_id", s.id),
			zap.String("reason", string(reason)))
		if s.events.ended != nil {
			s.events.ended(s, reason)
		}

		go func() {
			code := -1
			if h != nil {
				pty.Shutdown(h, s.killGrace)
				code = h.ExitCode()
			}
			s.mu.Lock()
			s.exitCode = code
			s.mu.Unlock()
			if s.events.reaped != nil {
				s.events.reaped(s, reason, code)
			}
			close(s.reaped)
		}()
	})
}
