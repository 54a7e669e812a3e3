package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/peterje/pulsar/internal/daemon"
	"github.com/peterje/pulsar/internal/protocol"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

const attachPoll = 30 * time.Second

func newAttachCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach ID",
		Short: "Attach this terminal to a session (Ctrl-] detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			id := args[0]

			// receive_output holds its connection while it waits, so output
			// and input travel on separate connections.
			output, err := daemon.Dial(cfg.SocketPath)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer output.Close()
			input, err := daemon.Dial(cfg.SocketPath)
			if err != nil {
				return err
			}
			defer input.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := output.Attach(ctx, id); err != nil {
				return err
			}

			stdin := os.Stdin
			fd := int(stdin.Fd())
			if term.IsTerminal(fd) {
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw mode: %w", err)
				}
				defer term.Restore(fd, state)
				syncSize(ctx, input, id, fd)

				winch := make(chan os.Signal, 1)
				signal.Notify(winch, syscall.SIGWINCH)
				defer signal.Stop(winch)
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-winch:
							syncSize(ctx, input, id, fd)
						}
					}
				}()
			}

			errc := make(chan error, 2)
			go func() { errc <- pumpOutput(ctx, output, id, cmd.OutOrStdout()) }()
			go func() { errc <- pumpInput(ctx, input, id, stdin) }()

			err = <-errc
			cancel()
			if errors.Is(err, errDetached) || errors.Is(err, io.EOF) {
				return nil
			}
			var perr *protocol.Error
			if errors.As(err, &perr) && perr.Code == protocol.CodeSessionNotFound {
				fmt.Fprint(cmd.ErrOrStderr(), "\r\n[session ended]\r\n")
				return nil
			}
			return err
		},
	}
}

var errDetached = errors.New("detached")

func syncSize(ctx context.Context, c *daemon.Client, id string, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	_ = c.Resize(ctx, id, uint16(rows), uint16(cols))
}

// pumpOutput long-polls receive_output and copies everything to w.
func pumpOutput(ctx context.Context, c *daemon.Client, id string, w io.Writer) error {
	for {
		data, err := c.ReceiveOutput(ctx, id, attachPoll)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
}

// pumpInput forwards r as keystrokes until the detach key or EOF.
func pumpInput(ctx context.Context, c *daemon.Client, id string, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, detachKey)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				if _, werr := c.SendInput(ctx, id, chunk); werr != nil {
					return werr
				}
			}
			if i >= 0 {
				return errDetached
			}
		}
		if err != nil {
			return err
		}
	}
}
