// Package preflight verifies the host can run sessions before the daemon
// starts listening.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Required  bool   `json:"required"`
}

// ptmxPath is where the PTY multiplexer lives on Linux and macOS.
var ptmxPath = "/dev/ptmx"

// CheckAll runs every check and logs the results. ok is false when a
// required check failed.
func CheckAll(shell string, logger *zap.Logger) ([]Status, bool) {
	statuses := []Status{
		checkShell(shell),
		checkPTY(),
	}

	ok := true
	for _, st := range statuses {
		switch {
		case st.Installed:
			logger.Info("preflight ok", zap.String("check", st.Name), zap.String("path", st.Path))
		case st.Required:
			ok = false
			logger.Error("preflight failed", zap.String("check", st.Name))
		default:
			logger.Warn("preflight failed", zap.String("check", st.Name))
		}
	}
	return statuses, ok
}

// ResolveShell returns the absolute path of shell, looked up on PATH when
// it has no slash.
func ResolveShell(shell string) (string, error) {
	if shell == "" {
		return "", errors.New("no shell configured")
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return "", fmt.Errorf("shell %q: %w", shell, err)
	}
	return path, nil
}

func checkShell(shell string) Status {
	path, err := ResolveShell(shell)
	if err != nil {
		return Status{Name: "shell", Required: true}
	}
	return Status{Name: "shell", Installed: true, Path: path, Required: true}
}

func checkPTY() Status {
	if _, err := os.Stat(ptmxPath); err != nil {
		return Status{Name: "pty", Required: true}
	}
	return Status{Name: "pty", Installed: true, Path: ptmxPath, Required: true}
}
