package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/pkg/monitor"
	"github.com/marcus/runlog/pkg/runlog"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard of local attempt directories",
	Long: `Launch a live-updating TUI dashboard showing every attempt directory
under .runlog/ with its acknowledged and written versions.

Key bindings:
  ↑/↓  Select row
  s    Run a sync pass
  r    Force refresh
  q    Quit`,
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		var syncFn monitor.SyncFunc
		client, err := newClient(cmd)
		if err != nil {
			output.Warning("sync disabled: %v", err)
		} else {
			defer client.Close()
			syncFn = syncFunc(client)
		}

		model := monitor.NewModel(getRoot(cmd), interval, versionStr, syncFn)

		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}

		return nil
	},
}

// syncFunc adapts a sync pass to the dashboard's one-line summary.
func syncFunc(client *runlog.Client) monitor.SyncFunc {
	return func(ctx context.Context) (string, error) {
		report, err := client.SyncPass(ctx, runlog.PassOptions{})
		if report == nil {
			return "", err
		}
		var sent uint64
		var removed, skipped int
		for _, c := range report.Containers {
			for _, a := range c.Attempts {
				sent += a.Sent
				if a.Removed {
					removed++
				}
				if a.Skipped {
					skipped++
				}
			}
		}
		summary := fmt.Sprintf("sent %d ops, removed %d attempts", sent, removed)
		if skipped > 0 {
			summary += fmt.Sprintf(", %d live", skipped)
		}
		return summary, err
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval (default 2s)")
}
