package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/internal/suggest"
	"github.com/marcus/runlog/internal/syncconfig"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show the effective configuration",
	GroupID: "system",
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one effective config value (env overrides included)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := syncconfig.Get(args[0])
		if err != nil {
			output.Error("%v", err)
			if hints := suggest.Closest(args[0], syncconfig.Keys()); len(hints) > 0 {
				output.Info("did you mean: %s", strings.Join(hints, ", "))
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := syncconfig.ConfigPath()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
}
