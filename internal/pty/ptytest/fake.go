// Package ptytest provides in-memory PTY handles for tests.
package ptytest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/peterje/pulsar/internal/pty"
)

// Handle is a fake pty.Handle. Output is injected with Emit; input written by
// the code under test is recorded and, with Echo set, looped back as output.
type Handle struct {
	Echo          bool
	IgnoreSignals bool

	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	signals  []syscall.Signal
	rows     uint16
	cols     uint16
	writeErr error

	closeOnce sync.Once
	exitOnce  sync.Once
	exited    chan struct{}
	exitCode  int
	pid       int
}

// NewHandle returns a running fake process.
func NewHandle(pid int) *Handle {
	r, w := io.Pipe()
	return &Handle{outR: r, outW: w, exited: make(chan struct{}), pid: pid}
}

func (h *Handle) Read(p []byte) (int, error) { return h.outR.Read(p) }

func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	if h.writeErr != nil {
		err := h.writeErr
		h.mu.Unlock()
		return 0, err
	}
	h.input.Write(p)
	echo := h.Echo
	h.mu.Unlock()

	if echo {
		if _, err := h.outW.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Emit makes data readable from the master side. It blocks until read.
func (h *Handle) Emit(data []byte) error {
	_, err := h.outW.Write(data)
	return err
}

// Input returns everything written to the handle so far.
func (h *Handle) Input() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.input.Bytes())
}

// FailWrites makes subsequent writes return err.
func (h *Handle) FailWrites(err error) {
	h.mu.Lock()
	h.writeErr = err
	h.mu.Unlock()
}

// Signals returns the signals delivered so far.
func (h *Handle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

// Size returns the last size passed to Resize.
func (h *Handle) Size() (rows, cols uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows, h.cols
}

func (h *Handle) Resize(rows, cols uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows, h.cols = rows, cols
	return nil
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.IgnoreSignals && sig != syscall.SIGKILL
	h.mu.Unlock()
	if !ignore {
		h.Exit(-1)
	}
	return nil
}

func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.outR.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

// Exit simulates the child exiting with code: the reader sees EOF and
// Exited is closed.
func (h *Handle) Exit(code int) {
	h.exitOnce.Do(func() {
		h.exitCode = code
		h.outW.Close()
		close(h.exited)
	})
}

func (h *Handle) Exited() <-chan struct{} { return h.exited }

func (h *Handle) ExitCode() int { return h.exitCode }

// Spawner hands out fake handles and remembers them.
type Spawner struct {
	Echo bool
	Err  error

	mu      sync.Mutex
	handles []*Handle
	opts    []pty.SpawnOptions
}

func (s *Spawner) Spawn(opts pty.SpawnOptions) (pty.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	h := NewHandle(1000 + len(s.handles))
	h.Echo = s.Echo
	h.rows, h.cols = opts.Rows, opts.Cols
	s.handles = append(s.handles, h)
	s.opts = append(s.opts, opts)
	return h, nil
}

// Last returns the most recently spawned handle.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// Options returns the options of every spawn so far.
func (s *Spawner) Options() []pty.SpawnOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pty.SpawnOptions(nil), s.opts...)
}

// ErrBroken is a convenient write error for FailWrites.
var ErrBroken = errors.New("ptytest: broken pipe")

var _ pty.Handle = (*Handle)(nil)
var _ pty.Spawner = (*Spawner)(nil)
