package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/protocol"
)

// readAhead is how many frames the reader may queue while a request is
// being handled. Reading ahead lets the reader notice EOF while a
// receive_output is waiting.
const readAhead = 64

type peerKey struct{}

// withPeer attaches a context that ends when the peer stops sending.
func withPeer(ctx, peer context.Context) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// waitContext returns the context long-polls should wait on: the peer's if
// the request arrived over a connection, ctx otherwise. Requests already
// queued when the peer half-closes still run on ctx and get answered.
func waitContext(ctx context.Context) context.Context {
	if peer, ok := ctx.Value(peerKey{}).(context.Context); ok {
		return peer
	}
	return ctx
}

// serveConn runs one connection. Frames are handled strictly in order and
// each gets exactly one response. The connection's id doubles as the
// client id for drain cursors; it is detached from every session on close.
func (d *Daemon) serveConn(parent context.Context, rwc io.ReadWriteCloser, transport string) {
	connID := uuid.NewString()
	logger := d.logger.With(zap.String("conn_id", connID), zap.String("transport", transport))
	logger.Debug("client connected")

	if m := d.opts.Metrics; m != nil {
		m.ConnectionsActive.WithLabelValues(transport).Inc()
		defer m.ConnectionsActive.WithLabelValues(transport).Dec()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer func() {
		rwc.Close()
		if d.opts.Registry != nil {
			d.opts.Registry.DetachAll(connID)
		}
		logger.Debug("client disconnected")
	}()

	// peer ends at EOF and only wakes receive_output waits. ctx ends when
	// responses can no longer be written or the daemon shuts down.
	peer, peerGone := context.WithCancel(ctx)
	defer peerGone()
	reqCtx := withPeer(ctx, peer)

	frames := make(chan []byte, readAhead)
	go func() {
		defer close(frames)
		defer peerGone()
		r := protocol.NewReader(rwc)
		for {
			frame, err := r.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					logger.Debug("read failed", zap.Error(err))
				}
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	w := bufio.NewWriter(rwc)
	for frame := range frames {
		req, err := protocol.ParseRequest(frame)
		var resp protocol.Response
		if err != nil {
			if req.ID == "" {
				logger.Warn("closing connection after unanswerable frame", zap.Error(err))
				return
			}
			resp = frameError(req.ID, err)
		} else {
			resp = d.opts.Dispatcher.Handle(reqCtx, connID, req)
		}

		if err := protocol.WriteFrame(w, resp); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
		// Flush only once the queue is empty so pipelined requests share
		// writes.
		if len(frames) == 0 {
			if err := w.Flush(); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
	w.Flush()
}

// frameError answers a frame that failed to parse but carried an id.
func frameError(id string, err error) protocol.Response {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	return protocol.NewError(id, perr)
}
