package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/pkg/runlog"
)

var showCmd = &cobra.Command{
	Use:   "show [RUN]",
	Short: "Show the attributes the server holds for a run",
	Long: `Fetches every attribute of a run and renders it as a table. RUN may be
the run id, its short id (PROJ-12) or its custom run id. Without RUN the
project-level entity is shown.`,
	GroupID: "inspect",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatStr, _ := cmd.Flags().GetString("format")
		format, err := output.ParseFormat(formatStr)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			project, _ = syncconfig.Get("project")
		}
		if project == "" {
			err := errors.New("no project: pass --project or set project with runlog init")
			output.Error("%v", err)
			return err
		}
		var run string
		if len(args) > 0 {
			run = args[0]
		}

		client, err := newClient(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer client.Close()

		desc, err := client.Describe(cmd.Context(), project, run)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		w := cmd.OutOrStdout()
		switch format {
		case output.FormatJSON:
			return output.WriteJSON(w, desc)
		case output.FormatYAML:
			return output.WriteYAML(w, desc)
		}

		md := output.AttributesMarkdown(desc.QualifiedID, attributeRows(desc))
		rendered, err := output.RenderMarkdown(md)
		if err != nil {
			fmt.Fprint(w, md)
			return nil
		}
		fmt.Fprint(w, rendered)
		return nil
	},
}

func attributeRows(d *runlog.Description) []output.AttributeRow {
	rows := make([]output.AttributeRow, 0, len(d.Attributes))
	for _, a := range d.Attributes {
		rows = append(rows, output.AttributeRow{Path: a.Path, Type: string(a.Type), Value: formatValue(a.Value)})
	}
	return rows
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case bool, int, int64, float64:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().StringP("project", "p", "", "Project key or name (default: project from config)")
	showCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
}
