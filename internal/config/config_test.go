package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pulsar.sock"), cfg.SocketPath)
	assert.Equal(t, filepath.Join(dir, "pulsar.pid"), cfg.PIDPath)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, uint16(DefaultCols), cfg.DefaultCols)
	assert.Equal(t, uint16(DefaultRows), cfg.DefaultRows)
	assert.Equal(t, DefaultKillGrace, cfg.KillGrace)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "pulsar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /tmp/custom.sock
buffer_size: 4096
kill_grace: 500ms
log:
  level: debug
tls:
  enabled: true
  cert: ~/certs/pulsar.pem
  key: ~/certs/pulsar.key
`), 0o600))
	t.Setenv("PULSAR_SHELL", "/bin/zsh")
	t.Setenv("PULSAR_GRPC_ADDR", "127.0.0.1:6000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, 500*time.Millisecond, cfg.KillGrace)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.TLSEnabled)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "certs", "pulsar.pem"), cfg.TLSCert)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	assert.Equal(t, "/bin/zsh", cfg.ResolveShell())
	assert.Equal(t, "127.0.0.1:6000", cfg.GRPCAddr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{SocketPath: "/tmp/s", BufferSize: 1, DefaultCols: 80, DefaultRows: 24, HistoryLimit: 1}
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.BufferSize = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.SocketPath = ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.DefaultRows = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.TLSCert = "/tmp/cert.pem"
	assert.Error(t, bad.Validate())
}

func TestResolveShellFallback(t *testing.T) {
	t.Setenv("SHELL", "")
	cfg := &Config{}
	assert.Equal(t, "/bin/sh", cfg.ResolveShell())
}
