// Package config loads daemon configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Environment variables (PULSAR_*)
//  2. Config file (~/.config/orbit/pulsar.yaml, or an explicit path)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultHTTPAddr     = "127.0.0.1:3030"
	DefaultGRPCAddr     = "127.0.0.1:50051"
	DefaultTerm         = "xterm-256color"
	DefaultCols         = 80
	DefaultRows         = 24
	DefaultBufferSize   = 100 * 1024 // 100KB scrollback per session
	DefaultKillGrace    = 2 * time.Second
	DefaultHistoryLimit = 50
)

// Config is the resolved daemon configuration.
type Config struct {
	SocketPath   string
	PIDPath      string
	DatabasePath string
	HTTPAddr     string
	GRPCAddr     string
	TunnelSecret string
	TLSEnabled   bool
	TLSCert      string
	TLSKey       string

	LogLevel       string
	LogDevelopment bool

	Shell        string
	Term         string
	DefaultCols  uint16
	DefaultRows  uint16
	BufferSize   int
	KillGrace    time.Duration
	HistoryLimit int
}

// Dir returns the directory holding the socket, PID file and database.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "orbit"), nil
}

// Load reads configuration from all sources. path may be empty, in which
// case pulsar.yaml is looked up in Dir.
func Load(path string) (*Config, error) {
	v := viper.New()

	dir, err := Dir()
	if err != nil {
		return nil, fmt.Errorf("config dir: %w", err)
	}
	v.SetDefault("socket_path", filepath.Join(dir, "pulsar.sock"))
	v.SetDefault("pid_path", filepath.Join(dir, "pulsar.pid"))
	v.SetDefault("database_path", filepath.Join(dir, "pulsar.db"))
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("grpc_addr", DefaultGRPCAddr)
	v.SetDefault("tunnel_secret", "")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("shell", "")
	v.SetDefault("term", DefaultTerm)
	v.SetDefault("default_cols", DefaultCols)
	v.SetDefault("default_rows", DefaultRows)
	v.SetDefault("buffer_size", DefaultBufferSize)
	v.SetDefault("kill_grace", DefaultKillGrace)
	v.SetDefault("history_limit", DefaultHistoryLimit)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigName("pulsar")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PULSAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path that does not exist is an error; the implicit one is optional.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		SocketPath:     expandHome(v.GetString("socket_path")),
		PIDPath:        expandHome(v.GetString("pid_path")),
		DatabasePath:   expandHome(v.GetString("database_path")),
		HTTPAddr:       v.GetString("http_addr"),
		GRPCAddr:       v.GetString("grpc_addr"),
		TunnelSecret:   v.GetString("tunnel_secret"),
		TLSEnabled:     v.GetBool("tls.enabled"),
		TLSCert:        expandHome(v.GetString("tls.cert")),
		TLSKey:         expandHome(v.GetString("tls.key")),
		LogLevel:       v.GetString("log.level"),
		LogDevelopment: v.GetBool("log.development"),
		Shell:          v.GetString("shell"),
		Term:           v.GetString("term"),
		DefaultCols:    uint16(v.GetUint("default_cols")),
		DefaultRows:    uint16(v.GetUint("default_rows")),
		BufferSize:     v.GetInt("buffer_size"),
		KillGrace:      v.GetDuration("kill_grace"),
		HistoryLimit:   v.GetInt("history_limit"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.DefaultCols == 0 || c.DefaultRows == 0 {
		return fmt.Errorf("default terminal size must be positive, got %dx%d", c.DefaultCols, c.DefaultRows)
	}
	if c.KillGrace < 0 {
		return fmt.Errorf("kill_grace must not be negative, got %s", c.KillGrace)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// ResolveShell picks the shell for Local sessions: configured, $SHELL, /bin/sh.
func (c *Config) ResolveShell() string {
	if c.Shell != "" {
		return c.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
