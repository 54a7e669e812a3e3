package preflight

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path, err := ResolveShell("sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))

	_, err = ResolveShell("")
	assert.Error(t, err)

	_, err = ResolveShell("/nonexistent/shell")
	assert.Error(t, err)
}

func TestCheckAllMissingShell(t *testing.T) {
	statuses, ok := CheckAll("/nonexistent/shell", zap.NewNop())
	assert.False(t, ok)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "shell", statuses[0].Name)
	assert.False(t, statuses[0].Installed)
}

func TestCheckAllMissingPTY(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	old := ptmxPath
	ptmxPath = filepath.Join(t.TempDir(), "ptmx")
	t.Cleanup(func() { ptmxPath = old })

	statuses, ok := CheckAll("sh", zap.NewNop())
	assert.False(t, ok)
	assert.True(t, statuses[0].Installed)
	assert.False(t, statuses[1].Installed)
}
