package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// ErrTunnelClosed is returned by Bridge when the remote end goes away.
var ErrTunnelClosed = errors.New("tunnel closed")

// Bridge serves ln by piping every accepted connection through a fresh
// stream on session, so local clients can talk to a remote daemon as if it
// were local. It returns nil once ctx is done and ErrTunnelClosed if the
// session dies first. ln is closed on return; open pipes end when the caller
// closes session.
func Bridge(ctx context.Context, ln net.Listener, session *yamux.Session, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bridge")

	var lost bool
	var mu sync.Mutex
	go func() {
		select {
		case <-ctx.Done():
		case <-session.CloseChan():
			mu.Lock()
			lost = true
			mu.Unlock()
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case lost:
				return ErrTunnelClosed
			case ctx.Err() != nil:
				return nil
			default:
				ln.Close()
				return err
			}
		}

		stream, err := session.OpenStream()
		if err != nil {
			logger.Warn("open stream", zap.Error(err))
			conn.Close()
			continue
		}
		go pipe(conn, stream)
	}
}

// pipe copies both ways until either side finishes, then closes both.
func pipe(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
