package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/pulsar/internal/pty/ptytest"
	"github.com/peterje/pulsar/internal/session"
)

func setup(t *testing.T) (*session.Registry, *ptytest.Spawner, *httptest.Server) {
	t.Helper()
	spawner := &ptytest.Spawner{Echo: true}
	reg := session.NewRegistry(session.Options{Spawner: spawner, Shell: "/bin/sh", KillGrace: 50 * time.Millisecond})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })

	mux := http.NewServeMux()
	mux.Handle("GET /ws/session/{id}", NewHandler(reg, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, spawner, srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var got strings.Builder
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !strings.Contains(got.String(), want) {
		msgType, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, msgType)
		got.Write(msg)
	}
}

func TestUnknownSession(t *testing.T) {
	_, _, srv := setup(t)
	resp, err := http.Get(srv.URL + "/ws/session/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInputEchoAndResize(t *testing.T) {
	reg, spawner, srv := setup(t)
	sess, err := reg.Create(context.Background(), session.CreateOptions{Name: "web"})
	require.NoError(t, err)

	conn := dial(t, srv, sess.ID())
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("whoami\n")))
	readBinary(t, conn, "whoami\n")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","data":{"rows":40,"cols":132}}`)))
	require.Eventually(t, func() bool {
		rows, cols := spawner.Last().Size()
		return rows == 40 && cols == 132
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sess.NumClients())
}

func TestScrollbackOnConnect(t *testing.T) {
	reg, _, srv := setup(t)
	sess, err := reg.Create(context.Background(), session.CreateOptions{Name: "web"})
	require.NoError(t, err)

	_, err = sess.Write(context.Background(), []byte("earlier\n"))
	require.NoError(t, err)
	data, err := sess.Receive(context.Background(), "warmup", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "earlier\n", string(data))

	conn := dial(t, srv, sess.ID())
	readBinary(t, conn, "earlier\n")
}

func TestCloseWhenSessionEnds(t *testing.T) {
	reg, _, srv := setup(t)
	sess, err := reg.Create(context.Background(), session.CreateOptions{Name: "web"})
	require.NoError(t, err)

	conn := dial(t, srv, sess.ID())
	require.Eventually(t, func() bool { return sess.NumClients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Terminate(sess.ID()))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return
		}
	}
}
