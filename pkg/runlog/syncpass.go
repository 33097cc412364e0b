package runlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/queue"
	logsync "github.com/marcus/runlog/internal/sync"
	"github.com/marcus/runlog/internal/workdir"
)

// PassOptions configures a sync pass over a data root.
type PassOptions struct {
	// Root is the data root; defaults to the client's.
	Root string
	// Run and Project restrict the pass to matching containers.
	Run     string
	Project string
	// MaxRetries bounds attempts per batch on transient errors. 0 means 3.
	MaxRetries int
	// Out receives progress lines; nil discards them.
	Out io.Writer
}

// AttemptResult is the outcome of draining one attempt directory.
type AttemptResult struct {
	Dir     string
	Sent    uint64
	Removed bool
	Skipped bool
	Err     error
}

// ContainerResult is the outcome for one container.
type ContainerResult struct {
	Dir         string
	QualifiedID string
	Registered  bool
	Attempts    []AttemptResult
	Err         error
}

// PassReport summarises a sync pass.
type PassReport struct {
	Containers []ContainerResult
}

// Failed reports whether any container or attempt failed.
func (r *PassReport) Failed() bool {
	for _, c := range r.Containers {
		if c.Err != nil {
			return true
		}
		for _, a := range c.Attempts {
			if a.Err != nil {
				return true
			}
		}
	}
	return false
}

// SyncPass delivers every operation left on disk: it registers runs created
// offline, drains each attempt directory no live session holds and removes
// what is fully acknowledged. It returns an error if anything failed; the
// report says what.
func (c *Client) SyncPass(ctx context.Context, opts PassOptions) (*PassReport, error) {
	if c.api == nil {
		return nil, errors.New("sync pass needs a server url")
	}
	root := opts.Root
	if root == "" {
		root = c.root
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	dirs, err := workdir.ListContainers(root)
	if err != nil {
		return nil, err
	}

	report := &PassReport{}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ct, err := config.Load(dir)
		if err != nil {
			c.log.Warn("skip container", "dir", dir, "err", err)
			report.Containers = append(report.Containers, ContainerResult{Dir: dir, Err: err})
			continue
		}
		if !matches(ct, opts) {
			continue
		}
		fmt.Fprintf(out, "Synchronising %s\n", dir)
		res := c.syncContainer(ctx, dir, ct, opts.MaxRetries)
		if res.Err == nil {
			fmt.Fprintf(out, "Synchronised %s\n", res.QualifiedID)
		} else {
			fmt.Fprintf(out, "Failed %s: %v\n", dir, res.Err)
		}
		report.Containers = append(report.Containers, res)
	}

	if report.Failed() {
		return report, errors.New("sync pass finished with errors")
	}
	return report, nil
}

func matches(ct *config.Container, opts PassOptions) bool {
	if opts.Project != "" && ct.Project != opts.Project {
		return false
	}
	if opts.Run != "" {
		return ct.ID == opts.Run || ct.ShortID == opts.Run || ct.CustomRunID == opts.Run || ct.LocalID == opts.Run
	}
	return true
}

func (c *Client) syncContainer(ctx context.Context, dir string, ct *config.Container, maxRetries int) ContainerResult {
	res := ContainerResult{Dir: dir, QualifiedID: ct.QualifiedID()}

	if !ct.Registered() {
		registered, err := c.register(ctx, dir)
		if err != nil {
			res.Err = fmt.Errorf("register: %w", err)
			return res
		}
		ct = registered
		res.Registered = true
		res.QualifiedID = ct.QualifiedID()
	}

	attempts, err := oplog.ListAttempts(dir)
	if err != nil {
		res.Err = err
		return res
	}
	for _, attempt := range attempts {
		ar := c.syncAttempt(ctx, attempt, ct, maxRetries)
		res.Attempts = append(res.Attempts, ar)
		if ar.Err != nil {
			res.Err = errors.Join(res.Err, ar.Err)
		}
	}

	if res.Err == nil {
		if _, err := workdir.RemoveIfEmpty(dir); err != nil {
			c.log.Warn("remove container", "dir", dir, "err", err)
		}
	}
	return res
}

// register creates the run of an offline container on the server. The
// container lock and the custom run id make this safe against concurrent
// passes and against a pass that crashed after creating the run.
func (c *Client) register(ctx context.Context, dir string) (*config.Container, error) {
	return config.Update(dir, func(ct *config.Container) error {
		if ct.Registered() {
			return nil
		}
		if _, err := c.api.CreateProject(ctx, ct.Workspace, ct.Project); err != nil {
			return err
		}
		custom := ct.CustomRunID
		if custom == "" {
			custom = "offline-" + ct.LocalID
		}
		e, err := c.api.CreateRun(ctx, ct.Project, custom)
		if err != nil {
			return err
		}
		ct.ID, ct.ShortID, ct.Workspace, ct.CustomRunID = e.ID, e.ShortID, e.Workspace, e.CustomRunID
		c.log.Info("registered offline run", "local", ct.LocalID, "run", ct.QualifiedID())
		return nil
	})
}

func (c *Client) syncAttempt(ctx context.Context, dir string, ct *config.Container, maxRetries int) AttemptResult {
	ar := AttemptResult{Dir: dir}
	if oplog.IsLocked(dir) {
		c.log.Warn("attempt in use, skipping", "dir", dir)
		ar.Skipped = true
		return ar
	}

	q, err := queue.Open(dir, oplog.Options{LockTimeout: -1, Logger: c.log})
	if errors.Is(err, oplog.ErrAttemptLocked) {
		c.log.Warn("attempt in use, skipping", "dir", dir)
		ar.Skipped = true
		return ar
	}
	if err != nil {
		ar.Err = err
		return ar
	}

	before := q.LastAcked()
	policy := logsync.HaltOnError
	if c.cfg.SkipOnError {
		policy = logsync.SkipOnError
	}
	target := logsync.Target{EntityID: ct.ID, AttemptID: attemptName(dir)}
	engine := logsync.New(q, c.api, target, logsync.Options{
		BatchSize:      c.cfg.BatchSize,
		InitialBackoff: c.cfg.InitialBackoff,
		MaxBackoff:     c.cfg.MaxBackoff,
		Policy:         policy,
		Logger:         c.log,
	})

	if err := engine.DrainOnce(ctx, maxRetries); err != nil {
		ar.Sent = q.LastAcked() - before
		ar.Err = errors.Join(err, q.Close())
		return ar
	}
	// Caught up; Stop only closes the engine.
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	err = engine.Stop(stopCtx)
	cancel()
	ar.Sent = q.LastAcked() - before
	if err := errors.Join(err, q.Close()); err != nil {
		ar.Err = err
		return ar
	}

	removed, err := oplog.RemoveIfDrained(dir)
	if err != nil {
		ar.Err = err
		return ar
	}
	ar.Removed = removed
	return ar
}

func attemptName(dir string) string {
	return filepath.Base(dir)
}
