package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/config"
	"github.com/peterje/pulsar/internal/logging"
	"github.com/peterje/pulsar/internal/tunnel"
)

func newBridgeCmd(flags *rootFlags) *cobra.Command {
	var (
		listen   string
		secret   string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "bridge URL",
		Short: "Expose a remote daemon's tunnel as a local socket",
		Long: `Bridge dials a remote daemon's /tunnel endpoint and serves a local Unix
socket. Every local connection becomes a stream on the tunnel, so the usual
commands work against the remote daemon:

  pulsar bridge wss://build-box:3030/tunnel --listen /tmp/build.sock
  pulsar --socket /tmp/build.sock ls`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.TunnelSecret
			}
			if listen == "" {
				dir, err := config.Dir()
				if err != nil {
					return err
				}
				listen = filepath.Join(dir, "remote.sock")
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.LogLevel,
				Development: cfg.LogDevelopment,
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var tlsConfig *tls.Config
			if insecure {
				tlsConfig = &tls.Config{InsecureSkipVerify: true}
			}
			session, err := tunnel.Dial(ctx, args[0], secret, tlsConfig)
			if err != nil {
				return err
			}
			defer session.Close()

			ln, err := listenUnix(listen)
			if err != nil {
				return err
			}
			defer os.Remove(listen)

			logger.Info("bridge ready", zap.String("remote", args[0]), zap.String("socket", listen))
			fmt.Fprintf(cmd.OutOrStdout(), "export PULSAR_SOCKET_PATH=%s\n", listen)
			return tunnel.Bridge(ctx, ln, session, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Local socket path (default ~/.config/orbit/remote.sock)")
	cmd.Flags().StringVar(&secret, "secret", "", "Tunnel secret (default tunnel_secret from config)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	return cmd
}

// listenUnix binds path with owner-only permissions, replacing a dead socket.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return nil, fmt.Errorf("%s is already in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
