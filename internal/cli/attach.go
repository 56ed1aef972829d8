package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"idlecode/internal/client"
	"idlecode/internal/tui"
)

const dialTimeout = 10 * time.Second

func newAttachCmd() *cobra.Command {
	var (
		addr     string
		create   bool
		filePath string
	)
	cmd := &cobra.Command{
		Use:   "attach [session-id]",
		Short: "Attach a terminal to a session",
		Long: `Attach a terminal to a session.

Every attached client shares the session's output and input line. Press
Ctrl-C to interrupt the running code, Ctrl-K to kill the process, Ctrl-L to
clear the output and Ctrl-D to detach.

With --new a session is created first, running --file if given. The id is
generated when omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			if filePath != "" {
				create = true
				abs, err := filepath.Abs(filePath)
				if err != nil {
					return err
				}
				filePath = abs
			}
			if id == "" {
				if !create {
					return fmt.Errorf("a session id is required unless --new is given")
				}
				id = uuid.New().String()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			c, err := client.Dial(ctx, addr, slog.New(slog.NewTextHandler(io.Discard, nil)))
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			model := tui.New(tui.Options{SessionID: id, Create: create, FilePath: filePath}, c, c.Messages())
			final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
			if err != nil {
				return err
			}
			if m, ok := final.(tui.Model); ok && m.Closed() {
				fmt.Fprintf(cmd.OutOrStdout(), "session %s was closed\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "server address")
	cmd.Flags().BoolVar(&create, "new", false, "create the session before attaching")
	cmd.Flags().StringVar(&filePath, "file", "", "file to run in the new session (implies --new)")
	return cmd
}
