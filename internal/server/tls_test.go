package server

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedTLSIsCached(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	first, err := TLSConfig("", "", dir)
	require.NoError(t, err)
	require.Len(t, first.Certificates, 1)

	leaf, err := x509.ParseCertificate(first.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")

	info, err := os.Stat(filepath.Join(dir, "key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := TLSConfig("", "", dir)
	require.NoError(t, err)
	assert.Equal(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])
}

func TestTLSConfigExplicitPair(t *testing.T) {
	dir := t.TempDir()
	_, err := TLSConfig("", "", dir)
	require.NoError(t, err)

	cfg, err := TLSConfig(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), t.TempDir())
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = TLSConfig(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "key.pem"), dir)
	assert.Error(t, err)
}
