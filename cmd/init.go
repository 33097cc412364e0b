package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/git"
	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/internal/workdir"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the server, workspace and project",
	Long: `Writes ~/.config/runlog/config.json. Without a terminal, or with --yes,
the flags and the existing file are used as is.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.LoadFile()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		applyInitFlags(cmd, cfg)
		if cfg.Workspace == "" {
			cfg.Workspace = "default"
		}
		if cfg.Mode == "" {
			cfg.Mode = string(config.ModeAsync)
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
			if err := initForm(cfg).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					output.Warning("aborted, nothing written")
					return nil
				}
				output.Error("%v", err)
				return err
			}
		}

		if err := validateInit(cfg); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := syncconfig.Save(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}
		path, _ := syncconfig.ConfigPath()
		output.Success("Wrote %s", path)

		addToGitignore(getBaseDir(cmd))
		return nil
	},
}

func applyInitFlags(cmd *cobra.Command, cfg *syncconfig.Config) {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.ServerURL = s
	}
	if s, _ := cmd.Flags().GetString("workspace"); s != "" {
		cfg.Workspace = s
	}
	if s, _ := cmd.Flags().GetString("project"); s != "" {
		cfg.Project = s
	}
	if s, _ := cmd.Flags().GetString("mode"); s != "" {
		cfg.Mode = s
	}
}

func initForm(cfg *syncconfig.Config) *huh.Form {
	modes := []huh.Option[string]{
		huh.NewOption("Async - ship in the background", string(config.ModeAsync)),
		huh.NewOption("Sync - wait for every write", string(config.ModeSync)),
		huh.NewOption("Offline - keep everything on disk", string(config.ModeOffline)),
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Value(&cfg.ServerURL).
				Placeholder("http://localhost:8080").
				Validate(validateURL),
			huh.NewInput().
				Title("Workspace").
				Value(&cfg.Workspace),
			huh.NewInput().
				Title("Default project").
				Description("Used by runlog show when --project is omitted").
				Value(&cfg.Project),
			huh.NewSelect[string]().
				Title("Mode").
				Options(modes...).
				Value(&cfg.Mode),
		),
	)
}

func validateURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("not an http(s) url: %q", s)
	}
	return nil
}

func validateInit(cfg *syncconfig.Config) error {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if err := validateURL(cfg.ServerURL); err != nil {
		return err
	}
	if _, err := config.ParseMode(cfg.Mode); err != nil {
		return err
	}
	if cfg.PollInterval != "" {
		if _, err := time.ParseDuration(cfg.PollInterval); err != nil {
			return fmt.Errorf("invalid poll_interval %q", cfg.PollInterval)
		}
	}
	return nil
}

// addToGitignore keeps the data root out of the enclosing repository.
func addToGitignore(dir string) {
	if !git.IsRepo(dir) {
		return
	}
	root, err := git.RootDir(dir)
	if err != nil {
		return
	}
	entry := workdir.DefaultDir + "/"
	changed, err := git.AddIgnore(root, entry)
	if err != nil {
		output.Warning("could not update .gitignore: %v", err)
		return
	}
	if changed {
		fmt.Printf("Added %s to .gitignore\n", entry)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("workspace", "", "Workspace name")
	initCmd.Flags().String("project", "", "Default project")
	initCmd.Flags().String("mode", "", "Mode: async, sync or offline")
	initCmd.Flags().BoolP("yes", "y", false, "Do not prompt; use flags and the existing config")
}
