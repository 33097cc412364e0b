package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/runlog/internal/suggest"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/internal/workdir"
)

var (
	versionStr string
	baseDir    string
)

// SetVersion sets the version string
func SetVersion(v string) {
	versionStr = v
}

var rootCmd = &cobra.Command{
	Use:   "runlog",
	Short: "Offline operation log and sync tool for experiment metadata",
	Long: `runlog - Manage the local operation logs written by tracked runs.

Runs record their metadata into append-only logs under .runlog/ and a
background engine ships them to the server. Use these commands to deliver
what was left behind, inspect it, or watch it drain.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.OnInitialize(initBaseDir)

	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)

	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspect Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)

	rootCmd.SetFlagErrorFunc(flagError)

	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	pf := rootCmd.PersistentFlags()
	pf.String("path", "", "Directory holding .runlog (default: base_dir from config, else the working directory)")
	pf.String("server", "", "Server URL (overrides server_url from config)")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Write logs to a rotating file instead of stderr")
}

// flagError adds suggestions to pflag's "unknown flag" errors.
func flagError(cmd *cobra.Command, err error) error {
	msg := err.Error()
	name, ok := strings.CutPrefix(msg, "unknown flag: ")
	if !ok {
		name, ok = strings.CutPrefix(msg, "unknown shorthand flag: ")
		if ok {
			name, _, _ = strings.Cut(name, " ")
			name = strings.Trim(name, "'")
		}
	}
	if !ok {
		return err
	}
	if hint := suggest.FlagHint(name); hint != "" {
		return fmt.Errorf("%w (try %s)", err, hint)
	}
	var valid []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		valid = append(valid, "--"+f.Name)
	})
	if hints := suggest.Closest(name, valid); len(hints) > 0 {
		return fmt.Errorf("%w (did you mean %s?)", err, strings.Join(hints, ", "))
	}
	return err
}

func initBaseDir() {
	var err error
	baseDir, err = os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
}

// getBaseDir returns the directory whose .runlog the command works on:
// --path, then base_dir from the config, then the working directory.
func getBaseDir(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("path"); p != "" {
		return absPath(p)
	}
	if v, err := syncconfig.Get("base_dir"); err == nil && v != "" {
		return absPath(v)
	}
	return baseDir
}

// getRoot returns the data root for the command.
func getRoot(cmd *cobra.Command) string {
	return workdir.Root(getBaseDir(cmd))
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// setupLogging installs the default slog logger from --log-level and
// --log-file.
func setupLogging(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(levelStr)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if file, _ := cmd.Flags().GetString("log-file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}
