package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peterje/pulsar/internal/config"
	"github.com/peterje/pulsar/internal/daemon"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	socketPath string
}

// load resolves configuration, letting --socket override the file.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.socketPath != "" {
		cfg.SocketPath = f.socketPath
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "pulsar",
		Short: "Pulsar - persistent terminal sessions over a Unix socket",
		Long: `Pulsar runs a background daemon that owns pseudo-terminal sessions.
Clients create sessions, send keystrokes and read output through a
newline-delimited JSON protocol on a Unix socket. Sessions outlive the
clients that created them.

Get started:
  pulsar daemon            Run the daemon in the foreground
  pulsar new work          Create a session named "work"
  pulsar ls                List live sessions`,
		Version:       daemon.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default ~/.config/orbit/pulsar.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.socketPath, "socket", "", "Daemon socket path")

	rootCmd.AddCommand(newDaemonCmd(flags))
	rootCmd.AddCommand(newBridgeCmd(flags))

	rootCmd.AddCommand(newStatusCmd(flags))
	rootCmd.AddCommand(newListCmd(flags))
	rootCmd.AddCommand(newNewCmd(flags))
	rootCmd.AddCommand(newAttachCmd(flags))
	rootCmd.AddCommand(newSendCmd(flags))
	rootCmd.AddCommand(newRecvCmd(flags))
	rootCmd.AddCommand(newResizeCmd(flags))
	rootCmd.AddCommand(newKillCmd(flags))
	rootCmd.AddCommand(newHistoryCmd(flags))

	return rootCmd
}
