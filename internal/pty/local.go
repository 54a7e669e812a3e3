package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// LocalSpawner starts processes on this host with creack/pty.
type LocalSpawner struct {
	Term string // TERM for the child, e.g. xterm-256color
}

// Spawn starts opts.Path on a new PTY. The child becomes a session leader
// with the PTY as its controlling terminal.
func (s LocalSpawner) Spawn(opts SpawnOptions) (Handle, error) {
	if opts.Path == "" {
		return nil, errors.New("spawn: empty command path")
	}
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()
	if s.Term != "" {
		cmd.Env = append(cmd.Env, "TERM="+s.Term)
	}
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &localHandle{
		cmd:    cmd,
		ptmx:   ptmx,
		exited: make(chan struct{}),
	}
	// Monitor process exit
	go h.wait()
	return h, nil
}

type localHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	closeErr  error

	exited   chan struct{}
	exitCode int
}

func (h *localHandle) wait() {
	_ = h.cmd.Wait()
	code := -1
	if st := h.cmd.ProcessState; st != nil {
		code = st.ExitCode()
	}
	h.exitCode = code
	close(h.exited)
}

func (h *localHandle) Read(p []byte) (int, error)  { return h.ptmx.Read(p) }
func (h *localHandle) Write(p []byte) (int, error) { return h.ptmx.Write(p) }

func (h *localHandle) Resize(rows, cols uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (h *localHandle) Pid() int { return h.cmd.Process.Pid }

func (h *localHandle) Signal(sig syscall.Signal) error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	// Negative pid addresses the process group the child leads.
	err := unix.Kill(-h.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	// The child may have left its group; signal it directly.
	if perr := h.cmd.Process.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
		return fmt.Errorf("signal %d: %w", sig, err)
	}
	return nil
}

func (h *localHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.ptmx.Close()
	})
	return h.closeErr
}

func (h *localHandle) Exited() <-chan struct{} { return h.exited }

// ExitCode is only meaningful after Exited is closed; the channel close
// orders the write in wait before any read here.
func (h *localHandle) ExitCode() int { return h.exitCode }

// Shutdown stops the child: SIGHUP and SIGTERM to its process group, close
// the master, then SIGKILL if it has not been reaped within grace. It
// returns once the child is reaped.
func Shutdown(h Handle, grace time.Duration) {
	_ = h.Signal(syscall.SIGHUP)
	_ = h.Signal(syscall.SIGTERM)
	_ = h.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.Exited():
		return
	case <-timer.C:
	}
	_ = h.Signal(syscall.SIGKILL)
	<-h.Exited()
}
