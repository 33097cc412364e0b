package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marcus/runlog/pkg/runlog"
)

// newClient builds a client from the user config, RUNLOG_* variables and
// the global flags.
func newClient(cmd *cobra.Command) (*runlog.Client, error) {
	cfg, err := runlog.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.ServerURL = s
	}
	cfg.BaseDir = getBaseDir(cmd)
	cfg.Logger = slog.Default()
	return runlog.NewClient(cfg)
}
