package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/pkg/runlog"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "List local containers and their attempt directories",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatStr, _ := cmd.Flags().GetString("format")
		format, err := output.ParseFormat(formatStr)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		root := getRoot(cmd)
		containers, err := runlog.LocalStatus(root)
		if err != nil {
			output.Error("read %s: %v", root, err)
			return err
		}

		w := cmd.OutOrStdout()
		switch format {
		case output.FormatJSON:
			return output.WriteJSON(w, containers)
		case output.FormatYAML:
			return output.WriteYAML(w, containers)
		}
		printStatus(w, root, containers)
		return nil
	},
}

func printStatus(w io.Writer, root string, containers []runlog.ContainerStatus) {
	if len(containers) == 0 {
		fmt.Fprintf(w, "Nothing under %s. Everything is synchronised.\n", root)
		return
	}

	var pending uint64
	for _, c := range containers {
		name := c.QualifiedID
		if name == "" {
			name = c.Dir
		}
		fmt.Fprintf(w, "%s  %s", output.Title(name), output.Subtle(fmt.Sprintf("%s, %s", c.Kind, c.Mode)))
		if !c.Registered && c.Error == "" {
			fmt.Fprint(w, output.Subtle(", not registered"))
		}
		fmt.Fprintln(w)
		if c.Error != "" {
			fmt.Fprintf(w, "  %s %s\n", output.FormatState("error"), c.Error)
		}
		if len(c.Attempts) == 0 && c.Error == "" {
			fmt.Fprintln(w, output.IndentString(output.Subtle("no attempts"), 2))
		}
		for _, a := range c.Attempts {
			started := ""
			if !a.Started.IsZero() {
				started = output.FormatTimeAgo(a.Started)
			}
			fmt.Fprintf(w, "  %-26s %-12s %-22s %8s  %s\n",
				output.ShortID(a.Name),
				output.FormatState(a.State()),
				output.FormatProgress(a.LastAcked, a.LastPut),
				output.FormatBytes(a.Bytes),
				output.Subtle(started))
		}
		pending += c.Pending()
	}
	fmt.Fprintf(w, "\n%d operations pending in %d containers\n", pending, len(containers))
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
}
