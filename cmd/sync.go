package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/internal/workdir"
	"github.com/marcus/runlog/pkg/runlog"
)

const watchDebounce = 500 * time.Millisecond

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver operations left on disk to the server",
	Long: `Drains every attempt directory under .runlog/async and .runlog/offline.

Runs created offline are registered first. Attempts held by a live session
are skipped. Fully acknowledged attempts and empty containers are removed.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer client.Close()

		run, _ := cmd.Flags().GetString("run")
		project, _ := cmd.Flags().GetString("project")
		watch, _ := cmd.Flags().GetBool("watch")

		opts := runlog.PassOptions{Run: run, Project: project, Out: cmd.OutOrStdout()}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watch {
			interval := 5 * time.Second
			if cfg, err := syncconfig.Load(); err == nil {
				interval = cfg.GetPollInterval()
			}
			return watchAndSync(ctx, client, opts, interval)
		}

		report, err := client.SyncPass(ctx, opts)
		warnSkipped(cmd.ErrOrStderr(), report)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		return nil
	},
}

// warnSkipped reports attempts a live session still holds.
func warnSkipped(w io.Writer, report *runlog.PassReport) {
	if report == nil {
		return
	}
	for _, c := range report.Containers {
		for _, a := range c.Attempts {
			if a.Skipped {
				fmt.Fprintf(w, "Skipped %s: held by a live session\n", a.Dir)
			}
		}
	}
}

// watchAndSync runs a pass, then another whenever the data root changes or
// the poll interval elapses, until ctx is cancelled.
func watchAndSync(ctx context.Context, client *runlog.Client, opts runlog.PassOptions, interval time.Duration) error {
	root := client.Root()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	pass := func() {
		report, err := client.SyncPass(ctx, opts)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("sync pass", "err", err)
		}
		if opts.Out != nil {
			warnSkipped(opts.Out, report)
		}
		if err := addWatches(w, root); err != nil {
			slog.Debug("watch", "err", err)
		}
	}

	if err := addWatches(w, root); err != nil {
		return err
	}
	pass()

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) == ".lock" {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch", "err", err)
		case <-debounce.C:
			pass()
		case <-ticker.C:
			pass()
		}
	}
}

// addWatches watches the root, its two groups and every container. fsnotify
// is not recursive, so this runs again after each pass to pick up new
// containers.
func addWatches(w *fsnotify.Watcher, root string) error {
	dirs := []string{root, filepath.Join(root, "async"), filepath.Join(root, "offline")}
	containers, err := workdir.ListContainers(root)
	if err != nil {
		return err
	}
	dirs = append(dirs, containers...)
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().String("run", "", "Only sync containers of this run (id, short id or custom run id)")
	syncCmd.Flags().String("project", "", "Only sync containers of this project")
	syncCmd.Flags().Bool("watch", false, "Keep running and sync whenever the data root changes")
}
