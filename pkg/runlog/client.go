// Package runlog is the client library: it opens sessions on runs and
// projects, records metadata into a durable local operation log and
// synchronises it with runlog-server in the background.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/queue"
	logsync "github.com/marcus/runlog/internal/sync"
	"github.com/marcus/runlog/internal/syncclient"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/internal/workdir"
)

const defaultSyncTimeout = 60 * time.Second

// Config configures a Client. Zero values select defaults.
type Config struct {
	ServerURL string
	Workspace string
	// BaseDir is the working directory holding .runlog. Defaults to ".".
	BaseDir string
	Mode    config.Mode

	PollInterval   time.Duration
	BatchSize      int
	SkipOnError    bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SyncTimeout bounds how long a sync-mode mutation waits for its
	// acknowledgement.
	SyncTimeout time.Duration
	// StopTimeout bounds the final drain in Session.Stop.
	StopTimeout time.Duration

	MaxSegmentBytes int64
	Logger          *slog.Logger
	HTTPClient      *http.Client
}

// ConfigFromEnv builds a Config from the user config file and RUNLOG_*
// environment variables.
func ConfigFromEnv() (Config, error) {
	sc, err := syncconfig.Load()
	if err != nil {
		return Config{}, err
	}
	mode, err := config.ParseMode(sc.Mode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ServerURL:    sc.ServerURL,
		Workspace:    sc.Workspace,
		BaseDir:      sc.BaseDir,
		Mode:         mode,
		PollInterval: sc.GetPollInterval(),
		BatchSize:    sc.GetBatchSize(),
		SkipOnError:  sc.SkipOnError(),
	}, nil
}

// Client is the context object every session is created from. It holds the
// backend connection and the local data root.
type Client struct {
	cfg    Config
	api    *syncclient.Client
	root   string
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client. No network traffic happens until a session
// is initialised.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeAsync
	}
	if _, err := config.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultSyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerURL == "" && cfg.Mode != config.ModeOffline {
		return nil, errors.New("server url is required unless mode is offline")
	}

	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	c := &Client{
		cfg:  cfg,
		root: workdir.Root(base),
		log:  cfg.Logger,
	}
	if cfg.ServerURL != "" {
		c.api = syncclient.New(cfg.ServerURL)
		if cfg.HTTPClient != nil {
			c.api.HTTP = cfg.HTTPClient
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Root returns the data root (…/.runlog).
func (c *Client) Root() string { return c.root }

// Close cancels background sync loops of sessions that were not stopped.
// Their logs stay on disk for a later sync pass.
func (c *Client) Close() error {
	c.cancel()
	return nil
}

// RunOptions selects the run a session writes to.
type RunOptions struct {
	// ID resumes an existing run (id, short id or custom run id).
	ID string
	// CustomRunID creates the run on first use and re-binds to it afterwards,
	// so several processes can share one run.
	CustomRunID string
	Project     string
	// Mode overrides the client's mode.
	Mode config.Mode
}

// ProjectOptions selects the project whose project-level entity a session
// writes to.
type ProjectOptions struct {
	Project string
	Mode    config.Mode
}

// InitRun opens a session on a run. In offline mode a new run is created
// locally and registered by a later sync pass.
func (c *Client) InitRun(ctx context.Context, opts RunOptions) (*Session, error) {
	if opts.Project == "" {
		return nil, errors.New("project is required")
	}
	mode, err := c.mode(opts.Mode)
	if err != nil {
		return nil, err
	}

	if mode == config.ModeOffline {
		dir, ct, err := c.offlineRunContainer(opts)
		if err != nil {
			return nil, err
		}
		return c.openSession(ctx, dir, ct, mode, nil)
	}

	if _, err := c.api.CreateProject(ctx, c.cfg.Workspace, opts.Project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	var e *syncclient.EntityResponse
	if opts.ID != "" {
		e, err = c.api.GetRun(ctx, opts.Project, opts.ID)
	} else {
		e, err = c.api.CreateRun(ctx, opts.Project, opts.CustomRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve run: %w", err)
	}
	return c.openRemote(ctx, e, mode)
}

// InitProject opens a session on a project's project-level entity.
func (c *Client) InitProject(ctx context.Context, opts ProjectOptions) (*Session, error) {
	if opts.Project == "" {
		return nil, errors.New("project is required")
	}
	mode, err := c.mode(opts.Mode)
	if err != nil {
		return nil, err
	}
	if mode == config.ModeOffline {
		return nil, errors.New("project sessions need the server; offline mode is only supported for runs")
	}
	if _, err := c.api.CreateProject(ctx, c.cfg.Workspace, opts.Project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	e, err := c.api.GetProjectEntity(ctx, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("resolve project entity: %w", err)
	}
	return c.openRemote(ctx, e, mode)
}

func (c *Client) mode(m config.Mode) (config.Mode, error) {
	if m == "" {
		m = c.cfg.Mode
	}
	mode, err := config.ParseMode(string(m))
	if err != nil {
		return "", err
	}
	if mode != config.ModeOffline && c.api == nil {
		return "", fmt.Errorf("mode %s needs a server url", mode)
	}
	return mode, nil
}

// offlineRunContainer picks the container for an offline run: an existing
// container when resuming by id, a fresh offline one otherwise.
func (c *Client) offlineRunContainer(opts RunOptions) (string, *config.Container, error) {
	if opts.ID != "" {
		dirs, err := workdir.ListContainers(c.root)
		if err != nil {
			return "", nil, err
		}
		for _, dir := range dirs {
			ct, err := config.Load(dir)
			if err != nil {
				continue
			}
			if ct.Project == opts.Project && (ct.ID == opts.ID || ct.ShortID == opts.ID || ct.CustomRunID == opts.ID || ct.LocalID == opts.ID) {
				return dir, ct, nil
			}
		}
		return "", nil, fmt.Errorf("run %s has no local container; resume it online", opts.ID)
	}

	localID := uuid.NewString()
	dir := workdir.OfflineContainer(c.root, localID)
	ct, err := config.Ensure(dir, &config.Container{
		Kind:        config.KindRun,
		Project:     opts.Project,
		Workspace:   c.cfg.Workspace,
		Mode:        config.ModeOffline,
		CustomRunID: opts.CustomRunID,
		LocalID:     localID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("write container: %w", err)
	}
	return dir, ct, nil
}

func (c *Client) openRemote(ctx context.Context, e *syncclient.EntityResponse, mode config.Mode) (*Session, error) {
	dir := workdir.AsyncContainer(c.root, e.ID)
	ct, err := config.Ensure(dir, &config.Container{
		ID:          e.ID,
		ShortID:     e.ShortID,
		Kind:        e.Kind,
		Project:     e.Project,
		Workspace:   e.Workspace,
		Mode:        mode,
		CustomRunID: e.CustomRunID,
	})
	if err != nil {
		return nil, fmt.Errorf("write container: %w", err)
	}

	attrs, err := c.api.ListAttributes(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch structure: %w", err)
	}
	return c.openSession(ctx, dir, ct, mode, attrs)
}

// openSession creates a fresh attempt directory in the container and, unless
// offline, starts its sync engine.
func (c *Client) openSession(_ context.Context, dir string, ct *config.Container, mode config.Mode, attrs []syncclient.AttributeInfo) (*Session, error) {
	attemptID := oplog.NewAttemptID(time.Now())
	attemptDir := filepath.Join(dir, attemptID)
	q, err := queue.Open(attemptDir, oplog.Options{MaxSegmentBytes: c.cfg.MaxSegmentBytes, Logger: c.log})
	if err != nil {
		return nil, fmt.Errorf("open attempt: %w", err)
	}

	s := &Session{
		client:    c,
		container: ct,
		dir:       dir,
		attempt:   attemptID,
		mode:      mode,
		q:         q,
		structure: newStructure(),
		log:       c.log.With("entity", ct.QualifiedID(), "attempt", attemptID),
	}
	s.structure.merge(structureOf(attrs))

	if mode != config.ModeOffline {
		policy := logsync.HaltOnError
		if c.cfg.SkipOnError {
			policy = logsync.SkipOnError
		}
		s.engine = logsync.New(q, c.api, logsync.Target{EntityID: ct.ID, AttemptID: attemptID}, logsync.Options{
			BatchSize:      c.cfg.BatchSize,
			InitialBackoff: c.cfg.InitialBackoff,
			MaxBackoff:     c.cfg.MaxBackoff,
			PollInterval:   c.cfg.PollInterval,
			Policy:         policy,
			Logger:         c.log,
		})
		s.engine.Start(c.ctx)
	}
	s.log.Debug("session opened", "mode", mode, "dir", attemptDir)
	return s, nil
}

func structureOf(attrs []syncclient.AttributeInfo) map[string]models.AttrType {
	out := make(map[string]models.AttrType, len(attrs))
	for _, a := range attrs {
		out[a.Path] = a.Type
	}
	return out
}

// cleanupAttempt removes an attempt directory after a clean stop. Errors are
// logged; the directory is then left for a sync pass.
func cleanupAttempt(log *slog.Logger, dir string) {
	if _, err := oplog.RemoveIfDrained(dir); err != nil && !os.IsNotExist(err) {
		log.Warn("remove attempt", "dir", dir, "err", err)
	}
}
