package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/peterje/pulsar/internal/config"
	"github.com/peterje/pulsar/internal/daemon"
	"github.com/peterje/pulsar/internal/db"
	"github.com/peterje/pulsar/internal/logging"
	"github.com/peterje/pulsar/internal/metrics"
	"github.com/peterje/pulsar/internal/preflight"
	"github.com/peterje/pulsar/internal/pty"
	"github.com/peterje/pulsar/internal/rpc"
	"github.com/peterje/pulsar/internal/server"
	"github.com/peterje/pulsar/internal/session"
	"github.com/peterje/pulsar/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		logLevel string
		noHTTP   bool
		noGRPC   bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the session daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if noHTTP {
				cfg.HTTPAddr = ""
			}
			if cmd.Flags().Changed("grpc") {
				cfg.GRPCAddr = grpcAddr
			}
			if noGRPC {
				cfg.GRPCAddr = ""
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
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
			return runDaemon(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address for health, metrics, WebSocket and tunnel")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Disable the HTTP listener")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address for TerminalService")
	cmd.Flags().BoolVar(&noGRPC, "no-grpc", false, "Disable the gRPC listener")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	return cmd
}

// runDaemon serves until ctx is cancelled, then terminates every session.
func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting pulsar", zap.String("version", daemon.Version))

	shell := cfg.ResolveShell()
	if _, ok := preflight.CheckAll(shell, logger); !ok {
		return errors.New("preflight checks failed")
	}
	shell, err := preflight.ResolveShell(shell)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.MigrateAll(database); err != nil {
		return err
	}
	history := db.NewHistory(database)
	if n, err := history.MarkOrphaned(ctx, time.Now()); err != nil {
		logger.Warn("mark orphaned sessions", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked orphaned sessions", zap.Int64("count", n))
	}

	var tlsConfig *tls.Config
	if (cfg.HTTPAddr != "" || cfg.GRPCAddr != "") && cfg.TLSEnabled {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		if tlsConfig, err = server.TLSConfig(cfg.TLSCert, cfg.TLSKey, filepath.Join(dir, "tls")); err != nil {
			return err
		}
	}

	m := metrics.New()
	reg := session.NewRegistry(session.Options{
		Spawner:     pty.LocalSpawner{Term: cfg.Term},
		Shell:       shell,
		BufferSize:  cfg.BufferSize,
		DefaultRows: cfg.DefaultRows,
		DefaultCols: cfg.DefaultCols,
		KillGrace:   cfg.KillGrace,
		Logger:      logger,
		Hooks:       sessionHooks(history, m, logger),
	})

	d := daemon.New(daemon.Options{
		SocketPath: cfg.SocketPath,
		PIDPath:    cfg.PIDPath,
		Registry:   reg,
		Dispatcher: daemon.NewDispatcher(daemon.DispatcherOptions{
			Registry:     reg,
			History:      history,
			Metrics:      m,
			Logger:       logger,
			HistoryLimit: cfg.HistoryLimit,
		}),
		Metrics: m,
		Logger:  logger,
	})
	var grpcLn net.Listener
	if cfg.GRPCAddr != "" {
		if grpcLn, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}
	if err := d.Listen(); err != nil {
		if grpcLn != nil {
			grpcLn.Close()
		}
		return err
	}

	var grpcSrv *grpc.Server
	if grpcLn != nil {
		var opts []grpc.ServerOption
		if tlsConfig != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}
		grpcSrv = rpc.NewServer(rpc.NewService(reg, daemon.Version, logger), opts...)
		go func() {
			logger.Info("grpc listening", zap.String("addr", grpcLn.Addr().String()), zap.Bool("tls", tlsConfig != nil))
			if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
	}

	var (
		httpSrv *http.Server
		tun     *tunnel.Server
	)
	if cfg.HTTPAddr != "" {
		if cfg.TunnelSecret != "" {
			tun = tunnel.NewServer(cfg.TunnelSecret, d, logger)
		}
		opts := server.Options{
			Registry: reg,
			Metrics:  m,
			Logger:   logger,
			Version:  daemon.Version,
		}
		// A nil *tunnel.Server must not become a non-nil interface.
		if tun != nil {
			opts.Tunnel = tun
		}
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.New(opts),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpSrv.TLSConfig = tlsConfig
		go func() {
			logger.Info("http listening",
				zap.String("addr", cfg.HTTPAddr),
				zap.Bool("tls", cfg.TLSEnabled),
				zap.Bool("tunnel", tun != nil))
			var err error
			if tlsConfig != nil {
				err = httpSrv.ListenAndServeTLS("", "")
			} else {
				err = httpSrv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	serveErr := d.Serve(ctx)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+cfg.KillGrace)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if tun != nil {
		tun.Close()
	}
	d.Close()
	if err := reg.CloseAll(shutdownCtx); err != nil {
		logger.Warn("sessions did not exit in time", zap.Error(err))
	}
	logger.Info("stopped")
	return serveErr
}

// sessionHooks feeds lifecycle events into history and metrics.
func sessionHooks(history *db.History, m *metrics.Metrics, logger *zap.Logger) session.Hooks {
	return session.Hooks{
		Created: func(sum session.Summary) {
			m.SessionsCreated.Inc()
			m.SessionsActive.Inc()
			if err := history.RecordCreated(context.Background(), sum); err != nil {
				logger.Warn("record session created", zap.String("session_id", sum.ID), zap.Error(err))
			}
		},
		Terminated: func(sum session.Summary, reason session.Reason, exitCode int) {
			m.SessionsActive.Dec()
			m.SessionsTerminated.WithLabelValues(string(reason)).Inc()
			if err := history.RecordTerminated(context.Background(), sum.ID, reason, exitCode, time.Now()); err != nil {
				logger.Warn("record session terminated", zap.String("session_id", sum.ID), zap.Error(err))
			}
		},
		Output: func(_ string, n, evicted int) {
			m.OutputBytes.Add(float64(n))
			if evicted > 0 {
				m.OutputEvictedBytes.Add(float64(evicted))
			}
		},
	}
}
