// Package daemon serves the pulsar protocol on a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/peterje/pulsar/internal/metrics"
	"github.com/peterje/pulsar/internal/session"
)

// Version is reported by get_status and /api/health. Release builds set it
// with -ldflags "-X github.com/peterje/pulsar/internal/daemon.Version=...".
var Version = "0.1.0"

// ErrAlreadyRunning is returned by Listen when another daemon owns the
// socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Options configures a Daemon.
type Options struct {
	SocketPath string
	PIDPath    string // optional

	Registry   *session.Registry
	Dispatcher *Dispatcher
	Metrics    *metrics.Metrics // optional
	Logger     *zap.Logger
}

// Daemon owns the Unix listener and every protocol connection, including
// those arriving through the tunnel.
type Daemon struct {
	opts     Options
	logger   *zap.Logger
	listener net.Listener

	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DispatcherOptions{
			Registry: opts.Registry,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
		})
	}
	return &Daemon{
		opts:   opts,
		logger: opts.Logger.Named("daemon"),
		conns:  make(map[io.Closer]struct{}),
	}
}

// Listen binds the socket, replacing a stale one left by a dead daemon,
// and writes the PID file.
func (d *Daemon) Listen() error {
	socketPath := d.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := d.cleanStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if d.opts.PIDPath != "" {
		if err := os.WriteFile(d.opts.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			ln.Close()
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	d.listener = ln
	d.logger.Info("listening", zap.String("socket", socketPath), zap.Int("pid", os.Getpid()))
	return nil
}

// Serve accepts connections until ctx is done or Close is called. Listen
// must have succeeded first.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.listener == nil {
		return errors.New("serve: not listening")
	}
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		nc, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !d.track(nc) {
			nc.Close()
			return nil
		}
		go func() {
			defer d.untrack(nc)
			d.serveConn(ctx, nc, "unix")
		}()
	}
}

// ServeConn runs the protocol on rwc until it closes. It is used for
// streams that do not come from the Unix listener, such as tunnel streams.
func (d *Daemon) ServeConn(ctx context.Context, rwc io.ReadWriteCloser, transport string) {
	if !d.track(rwc) {
		rwc.Close()
		return
	}
	defer d.untrack(rwc)
	d.serveConn(ctx, rwc, transport)
}

func (d *Daemon) track(c io.Closer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.conns[c] = struct{}{}
	d.wg.Add(1)
	return true
}

func (d *Daemon) untrack(c io.Closer) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
	d.wg.Done()
}

// Close stops accepting, closes every connection, waits for their handlers
// and removes the socket and PID files. Sessions are left to the registry.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		conns := make([]io.Closer, 0, len(d.conns))
		for c := range d.conns {
			conns = append(conns, c)
		}
		d.mu.Unlock()

		if d.listener != nil {
			d.listener.Close()
		}
		for _, c := range conns {
			c.Close()
		}
		d.wg.Wait()

		if d.listener != nil {
			os.Remove(d.opts.SocketPath)
			if d.opts.PIDPath != "" {
				os.Remove(d.opts.PIDPath)
			}
		}
		d.logger.Info("stopped")
	})
	return nil
}

// cleanStaleSocket removes a socket file nobody is serving.
func (d *Daemon) cleanStaleSocket() error {
	socketPath, pidPath := d.opts.SocketPath, d.opts.PIDPath
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w (socket %s is active)", ErrAlreadyRunning, socketPath)
	}

	if pid, ok := readPID(pidPath); ok && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	d.logger.Info("removing stale socket", zap.String("socket", socketPath))
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	if pidPath != "" {
		os.Remove(pidPath)
	}
	return nil
}

func readPID(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes pid with signal 0. EPERM means it exists but belongs
// to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
