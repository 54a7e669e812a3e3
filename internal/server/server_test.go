package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/pulsar/internal/daemon"
	"github.com/peterje/pulsar/internal/metrics"
	"github.com/peterje/pulsar/internal/pty/ptytest"
	"github.com/peterje/pulsar/internal/session"
	"github.com/peterje/pulsar/internal/tunnel"
)

type env struct {
	reg     *session.Registry
	metrics *metrics.Metrics
	tunnel  *tunnel.Server
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := metrics.New()
	reg := session.NewRegistry(session.Options{
		Spawner:   &ptytest.Spawner{Echo: true},
		Shell:     "/bin/sh",
		KillGrace: 50 * time.Millisecond,
		Hooks: session.Hooks{
			Created: func(session.Summary) { m.SessionsCreated.Inc() },
		},
	})
	d := daemon.New(daemon.Options{Registry: reg, Metrics: m})
	tun := tunnel.NewServer("secret", d, nil)

	s := New(Options{Registry: reg, Metrics: m, Tunnel: tun, Version: "test"})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		tun.Close()
		d.Close()
		ts.Close()
		_ = reg.CloseAll(context.Background())
	})
	return &env{reg: reg, metrics: m, tunnel: tun, srv: ts}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Create(context.Background(), session.CreateOptions{Name: "a"})
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 1, health.Sessions)
}

func TestSessionsAPI(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.srv.URL+"/api/sessions", "application/json", strings.NewReader(`{"name":"api","rows":30,"cols":100}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created session.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "api", created.Name)
	assert.Equal(t, uint16(30), created.Rows)

	resp, err = http.Get(e.srv.URL + "/api/sessions")
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0]["id"])
	assert.Equal(t, "Running", list[0]["state"])

	del := func(id string) int {
		req, err := http.NewRequest(http.MethodDelete, e.srv.URL+"/api/sessions/"+id, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del(created.ID))
	assert.Equal(t, http.StatusNotFound, del(created.ID))
	assert.Zero(t, e.reg.Count())
}

func TestCreateRejectsRemoteType(t *testing.T) {
	e := newEnv(t)
	body := bytes.NewBufferString(`{"name":"r","type":{"Serial":{"device":"/dev/ttyS0"}}}`)
	resp, err := http.Post(e.srv.URL+"/api/sessions", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Create(context.Background(), session.CreateOptions{Name: "m"})
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pulsar_sessions_created_total 1")
}

func TestProtocolOverTunnel(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/tunnel"

	mux, err := tunnel.Dial(context.Background(), url, "secret", nil)
	require.NoError(t, err)
	defer mux.Close()
	stream, err := mux.Open()
	require.NoError(t, err)

	client := daemon.NewClient(stream)
	defer client.Close()
	ctx := context.Background()

	id, err := client.CreateSession(ctx, "remote", 0, 0)
	require.NoError(t, err)
	n, err := client.SendInput(ctx, id, []byte("uptime\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	out, err := client.ReceiveOutput(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "uptime\n", string(out))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.NumSessions)
	assert.Equal(t, 1, status.NumClients)
}
