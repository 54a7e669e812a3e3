package pty

import (
	"io"
	"syscall"
)

// Handle is one pseudo-terminal master plus the child process attached to it.
// Read returns output written by the child; Write feeds its input.
type Handle interface {
	io.ReadWriter

	// Resize sets the terminal window size.
	Resize(rows, cols uint16) error
	// Pid of the child process.
	Pid() int
	// Signal delivers sig to the child's process group.
	Signal(sig syscall.Signal) error
	// Close releases the master descriptor. Safe to call more than once.
	Close() error
	// Exited is closed once the child has been reaped.
	Exited() <-chan struct{}
	// ExitCode is valid after Exited is closed; -1 if killed by a signal.
	ExitCode() int
}

// SpawnOptions describes the process to start on a new PTY.
type SpawnOptions struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the daemon's environment
	Rows uint16
	Cols uint16
}

// Spawner starts processes on fresh pseudo-terminals.
type Spawner interface {
	Spawn(opts SpawnOptions) (Handle, error)
}
