package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/pulsar/internal/daemon"
)

const requestTimeout = 10 * time.Second

// withClient dials the daemon and runs fn with a bounded context.
func withClient(cmd *cobra.Command, flags *rootFlags, timeout time.Duration, fn func(ctx context.Context, c *daemon.Client) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	c, err := daemon.Dial(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "version:  %s\n", st.Version)
				fmt.Fprintf(out, "uptime:   %s\n", time.Duration(st.UptimeSeconds)*time.Second)
				fmt.Fprintf(out, "sessions: %d\n", st.NumSessions)
				fmt.Fprintf(out, "clients:  %d\n", st.NumClients)
				return nil
			})
		},
	}
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List live sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				sessions, err := c.ListSessions(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, sessions)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(out, "No sessions.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE\tSIZE\tCLIENTS\tCREATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx%d\t%d\t%s\n",
						s.ID, s.Name, s.SessionType, s.State, s.Cols, s.Rows, s.NumClients,
						s.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func newNewCmd(flags *rootFlags) *cobra.Command {
	var rows, cols uint16
	cmd := &cobra.Command{
		Use:   "new NAME",
		Short: "Create a local shell session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				id, err := c.CreateSession(ctx, args[0], rows, cols)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&rows, "rows", 0, "Terminal rows (default from config)")
	cmd.Flags().Uint16Var(&cols, "cols", 0, "Terminal columns (default from config)")
	return cmd
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	var noNewline bool
	cmd := &cobra.Command{
		Use:   "send ID [TEXT...]",
		Short: "Send keystrokes to a session (reads stdin when TEXT is -)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 && args[1] == "-" {
				in, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				data = in
			} else {
				data = []byte(strings.Join(args[1:], " "))
				if !noNewline {
					data = append(data, '\n')
				}
			}
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				n, err := c.SendInput(ctx, args[0], data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "sent %d bytes\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&noNewline, "no-newline", "n", false, "Do not append a newline")
	return cmd
}

func newRecvCmd(flags *rootFlags) *cobra.Command {
	var (
		timeout time.Duration
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "recv ID",
		Short: "Print output produced since this client last read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			c, err := daemon.Dial(cfg.SocketPath)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout+requestTimeout)
				data, err := c.ReceiveOutput(ctx, args[0], timeout)
				cancel()
				if err != nil {
					return err
				}
				if _, err := out.Write(data); err != nil {
					return err
				}
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "How long to wait for output")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep reading until the session ends")
	return cmd
}

func newResizeCmd(flags *rootFlags) *cobra.Command {
	var rows, cols uint16
	cmd := &cobra.Command{
		Use:   "resize ID",
		Short: "Resize a session's terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				return c.Resize(ctx, args[0], rows, cols)
			})
		},
	}
	cmd.Flags().Uint16Var(&rows, "rows", 24, "Terminal rows")
	cmd.Flags().Uint16Var(&cols, "cols", 80, "Terminal columns")
	return cmd
}

func newKillCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill ID",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				return c.Terminate(ctx, args[0])
			})
		},
	}
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently created sessions, including ended ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, requestTimeout, func(ctx context.Context, c *daemon.Client) error {
				entries, err := c.History(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED\tENDED\tREASON\tEXIT")
				for _, e := range entries {
					ended, reason, exit := "-", "-", "-"
					if e.TerminatedAt != nil {
						ended = e.TerminatedAt.Local().Format(time.DateTime)
					}
					if e.Reason != nil {
						reason = *e.Reason
					}
					if e.ExitCode != nil {
						exit = fmt.Sprint(*e.ExitCode)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.Name, e.CreatedAt.Local().Format(time.DateTime), ended, reason, exit)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
