package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Fprint(cmd.OutOrStdout(), versionStr)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "runlog version %s\n", versionStr)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("short", false, "Print only the version string")
}
