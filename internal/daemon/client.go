package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterje/pulsar/internal/protocol"
	"github.com/peterje/pulsar/internal/session"
)

// ErrClientClosed is returned for calls on a closed Client or after the
// daemon hung up.
var ErrClientClosed = errors.New("client closed")

// Client speaks the pulsar protocol over one connection. Calls may be made
// concurrently; responses are matched to requests by id.
type Client struct {
	conn   io.ReadWriteCloser
	connMu sync.Mutex // serialize writes

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
	readErr    error
}

// Dial connects to the daemon's Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection, e.g. a tunnel stream.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan protocol.Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Call sends call and decodes the result into out, which may be nil.
// Daemon-side failures are returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, call protocol.Call, out any) error {
	id := fmt.Sprintf("r%d", c.reqCounter.Add(1))
	req, err := protocol.Encode(id, call)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err = protocol.WriteFrame(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", call.Method(), err)
		}
		return nil
	case <-c.closed:
		if c.readErr != nil {
			return fmt.Errorf("%w: %v", ErrClientClosed, c.readErr)
		}
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	r := protocol.NewReader(c.conn)
	for {
		frame, err := r.Next()
		if err != nil {
			c.closeOnce.Do(func() {
				c.readErr = err
				close(c.closed)
				c.conn.Close()
			})
			return
		}

		var resp protocol.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var res protocol.StatusResult
	err := c.Call(ctx, protocol.GetStatus{}, &res)
	return res, err
}

// CreateSession starts a local session and returns its id. Zero rows or
// cols take the daemon's defaults.
func (c *Client) CreateSession(ctx context.Context, name string, rows, cols uint16) (string, error) {
	var res protocol.CreateSessionResult
	err := c.Call(ctx, protocol.CreateSession{Name: name, Type: session.Local, Rows: rows, Cols: cols}, &res)
	return res.SessionID, err
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	var res protocol.ListSessionsResult
	err := c.Call(ctx, protocol.ListSessions{}, &res)
	return res.Sessions, err
}

func (c *Client) Attach(ctx context.Context, sessionID string) error {
	return c.Call(ctx, protocol.AttachSession{SessionID: sessionID}, nil)
}

func (c *Client) Detach(ctx context.Context, sessionID string) error {
	return c.Call(ctx, protocol.DetachSession{SessionID: sessionID}, nil)
}

func (c *Client) Terminate(ctx context.Context, sessionID string) error {
	return c.Call(ctx, protocol.TerminateSession{SessionID: sessionID}, nil)
}

func (c *Client) Resize(ctx context.Context, sessionID string, rows, cols uint16) error {
	return c.Call(ctx, protocol.ResizeTerminal{SessionID: sessionID, Rows: rows, Cols: cols}, nil)
}

// SendInput writes data to the session and returns the bytes written.
func (c *Client) SendInput(ctx context.Context, sessionID string, data []byte) (int, error) {
	var res protocol.SendInputResult
	err := c.Call(ctx, protocol.SendInput{SessionID: sessionID, Data: data}, &res)
	return res.BytesWritten, err
}

// ReceiveOutput drains this connection's unread output, waiting up to
// timeout for some to arrive.
func (c *Client) ReceiveOutput(ctx context.Context, sessionID string, timeout time.Duration) ([]byte, error) {
	var res protocol.ReceiveOutputResult
	if err := c.Call(ctx, protocol.ReceiveOutput{SessionID: sessionID, Timeout: timeout}, &res); err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return data, nil
}

// History returns recently recorded sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.HistoryEntry, error) {
	var res protocol.SessionHistoryResult
	err := c.Call(ctx, protocol.SessionHistory{Limit: limit}, &res)
	return res.Sessions, err
}
