package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"idlecode/internal/client"
	"idlecode/internal/session"
)

const defaultAddr = "localhost:8420"

var (
	listHeaderStyle = lipgloss.NewStyle().Bold(true)
	listDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e738d"))
)

func newListCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions on a server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()

			c, err := client.Dial(ctx, addr, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.ListSessions(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatSessions(infos, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "server address")
	return cmd
}

// formatSessions renders the listing as an aligned table.
func formatSessions(infos []session.Info, now time.Time) string {
	if len(infos) == 0 {
		return listDimStyle.Render("no sessions") + "\n"
	}

	rows := [][]string{{"ID", "NAME", "STATE", "ENTRIES", "CLIENTS", "AGE"}}
	for _, info := range infos {
		rows = append(rows, []string{
			info.ID,
			info.Name,
			string(info.State),
			fmt.Sprint(info.Entries),
			fmt.Sprint(info.Observers),
			now.Sub(info.CreatedAt).Round(time.Second).String(),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var b strings.Builder
	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		line := strings.TrimRight(strings.Join(cells, "  "), " ")
		if n == 0 {
			line = listHeaderStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
