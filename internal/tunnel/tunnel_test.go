package tunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upperServer answers every line with its upper-case form.
type upperServer struct {
	served atomic.Int32
}

func (u *upperServer) ServeConn(_ context.Context, rwc io.ReadWriteCloser, transport string) {
	defer rwc.Close()
	if transport != "tunnel" {
		return
	}
	u.served.Add(1)
	sc := bufio.NewScanner(rwc)
	for sc.Scan() {
		if _, err := io.WriteString(rwc, strings.ToUpper(sc.Text())+"\n"); err != nil {
			return
		}
	}
}

func newTunnel(t *testing.T, secret string) (*Server, *upperServer, string) {
	t.Helper()
	conns := &upperServer{}
	srv := NewServer(secret, conns, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, conns, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestTunnelStreams(t *testing.T) {
	srv, conns, url := newTunnel(t, "s3cret")

	session, err := Dial(context.Background(), url, "s3cret", nil)
	require.NoError(t, err)
	defer session.Close()

	for _, word := range []string{"alpha", "beta"} {
		stream, err := session.Open()
		require.NoError(t, err)

		_, err = io.WriteString(stream, word+"\n")
		require.NoError(t, err)
		line, err := bufio.NewReader(stream).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(word)+"\n", line)
		stream.Close()
	}
	assert.Equal(t, int32(2), conns.served.Load())
	assert.Equal(t, 1, srv.Connected())
}

func TestTunnelRejectsBadSecret(t *testing.T) {
	_, _, url := newTunnel(t, "s3cret")

	_, err := Dial(context.Background(), url, "wrong", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = Dial(context.Background(), url, "", nil)
	require.Error(t, err)
}

func TestTunnelWithoutSecret(t *testing.T) {
	_, _, url := newTunnel(t, "")
	session, err := Dial(context.Background(), url, "", nil)
	require.NoError(t, err)
	session.Close()
}

func TestCloseDropsTunnels(t *testing.T) {
	srv, _, url := newTunnel(t, "")
	session, err := Dial(context.Background(), url, "", nil)
	require.NoError(t, err)
	defer session.Close()

	require.Eventually(t, func() bool { return srv.Connected() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case <-session.CloseChan():
	case <-time.After(5 * time.Second):
		t.Fatal("client session not closed")
	}
}

func TestBridge(t *testing.T) {
	srv, _, url := newTunnel(t, "")
	session, err := Dial(context.Background(), url, "", nil)
	require.NoError(t, err)
	defer session.Close()

	dir, err := os.MkdirTemp("", "bridge")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	ln, err := net.Listen("unix", filepath.Join(dir, "b.sock"))
	require.NoError(t, err)

	bridged := make(chan error, 1)
	go func() { bridged <- Bridge(context.Background(), ln, session, nil) }()

	conn, err := net.Dial("unix", filepath.Join(dir, "b.sock"))
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "over the bridge\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OVER THE BRIDGE\n", line)

	require.NoError(t, srv.Close())
	select {
	case err := <-bridged:
		assert.ErrorIs(t, err, ErrTunnelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not notice the tunnel closing")
	}
}

func TestBridgeStopsOnCancel(t *testing.T) {
	_, _, url := newTunnel(t, "")
	session, err := Dial(context.Background(), url, "", nil)
	require.NoError(t, err)
	defer session.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	bridged := make(chan error, 1)
	go func() { bridged <- Bridge(ctx, ln, session, nil) }()

	cancel()
	select {
	case err := <-bridged:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
