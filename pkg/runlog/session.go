package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/queue"
	logsync "github.com/marcus/runlog/internal/sync"
)

var (
	ErrSessionStopped    = errors.New("session is stopped")
	ErrStepNotIncreasing = errors.New("series step must increase")
)

// Session records metadata for one entity. Every mutation is type-checked
// against the session's view of the entity's structure, appended durably to
// the session's own attempt log and delivered by its sync engine.
type Session struct {
	client    *Client
	container *config.Container
	dir       string
	attempt   string
	mode      config.Mode
	q         *queue.Queue
	engine    *logsync.Engine
	structure *structure
	log       *slog.Logger

	// mu orders type checks with appends so the log never holds an
	// operation the structure rejected.
	mu        sync.Mutex
	stopped   bool
	lastSteps map[string]float64
}

// Status is a point-in-time view of a session's delivery.
type Status struct {
	Entity  string
	Attempt string
	Mode    config.Mode
	logsync.Status
}

// QualifiedID returns workspace/project/SHORT-ID, or offline/<local id> for a
// run that has not been registered yet.
func (s *Session) QualifiedID() string { return s.container.QualifiedID() }

// EntityID returns the server id of the entity, empty while offline.
func (s *Session) EntityID() string { return s.container.ID }

// Mode returns how the session delivers operations.
func (s *Session) Mode() config.Mode { return s.mode }

// AttemptDir returns the directory of the session's operation log.
func (s *Session) AttemptDir() string { return filepath.Join(s.dir, s.attempt) }

// Attr returns a handle on path, e.g. s.Attr("params/lr").
func (s *Session) Attr(path string) Handle {
	p, err := models.ParsePath(path)
	return Handle{s: s, path: p, err: err}
}

// Assign sets the value at path. A map[string]any assigns every leaf below
// path in one atomic batch, type-checked as a whole.
func (s *Session) Assign(path string, v any) error {
	return s.Attr(path).Assign(v)
}

// Exists reports whether path holds an attribute or a namespace.
func (s *Session) Exists(path string) bool {
	return s.Attr(path).Exists()
}

// Pop deletes the attribute or namespace at path.
func (s *Session) Pop(path string) error {
	return s.Attr(path).Delete()
}

// Status reports the engine state and log watermarks.
func (s *Session) Status() Status {
	st := Status{Entity: s.QualifiedID(), Attempt: s.attempt, Mode: s.mode}
	if s.engine != nil {
		st.Status = s.engine.Status()
		return st
	}
	st.Status = logsync.Status{State: logsync.StateIdle, LastPut: s.q.LastPut(), LastAcked: s.q.LastAcked()}
	s.mu.Lock()
	if s.stopped {
		st.State = logsync.StateClosed
	}
	s.mu.Unlock()
	return st
}

// Wait blocks until every operation recorded so far is acknowledged.
func (s *Session) Wait(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	return s.engine.Sync(ctx)
}

// Sync waits like Wait and then refreshes the local structure from the
// server, picking up attributes written by other sessions.
func (s *Session) Sync(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	if err := s.engine.Sync(ctx); err != nil {
		return err
	}
	attrs, err := s.client.api.ListAttributes(ctx, s.container.ID)
	if err != nil {
		return fmt.Errorf("refresh structure: %w", err)
	}
	s.structure.merge(structureOf(attrs))
	return nil
}

// Resume restarts delivery after the engine halted on a rejected operation.
func (s *Session) Resume() {
	if s.engine != nil {
		s.engine.Resume()
	}
}

// Stop drains what it can and closes the session. Operations that could not
// be delivered stay on disk for `runlog sync`; the returned error then wraps
// sync.ErrStoppedWithPending.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.client.cfg.StopTimeout)
		defer cancel()
	}

	var stopErr error
	if s.engine != nil {
		stopErr = s.engine.Stop(ctx)
	}
	if err := s.q.Close(); err != nil {
		stopErr = errors.Join(stopErr, fmt.Errorf("close log: %w", err))
	}
	if stopErr != nil {
		s.log.Warn("stopped with pending operations", "dir", s.AttemptDir(), "err", stopErr)
		return stopErr
	}
	if s.engine != nil {
		cleanupAttempt(s.log, s.AttemptDir())
	}
	s.log.Debug("session stopped")
	return nil
}

// record type-checks ops, appends them as one batch and, in sync mode,
// waits for their acknowledgement.
func (s *Session) record(ops []models.Operation) error {
	return s.recordWith(ops, nil)
}

// recordWith is record with a prepare hook that runs under the session lock
// before validation. The func it returns runs only once the operations are
// durably enqueued.
func (s *Session) recordWith(ops []models.Operation, prepare func() (func(), error)) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	var after func()
	if prepare != nil {
		var err error
		if after, err = prepare(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	commit, err := s.structure.plan(ops)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	v, err := s.q.EnqueueBatch(ops)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("append: %w", err)
	}
	commit()
	if after != nil {
		after()
	}
	s.mu.Unlock()

	if s.mode == config.ModeSync {
		ctx, cancel := context.WithTimeout(s.client.ctx, s.client.cfg.SyncTimeout)
		defer cancel()
		if err := s.engine.WaitFor(ctx, v); err != nil {
			return fmt.Errorf("wait for version %d: %w", v, err)
		}
	}
	return nil
}

// planSteps returns n steps for the series at path: automatic ones continue
// from the last step logged in this session, an explicit one must exceed it.
// Nothing is remembered until the returned commit runs. Callers hold s.mu.
func (s *Session) planSteps(path models.Path, step *float64, n int) ([]float64, func(), error) {
	key := path.String()
	last, seen := s.lastSteps[key]
	steps := make([]float64, n)
	for i := range steps {
		switch {
		case step != nil:
			if seen && *step <= last {
				return nil, nil, fmt.Errorf("%w: %s step %v after %v", ErrStepNotIncreasing, path, *step, last)
			}
			steps[i] = *step
		case seen:
			steps[i] = last + 1
		}
		last, seen = steps[i], true
	}
	commit := func() {
		if s.lastSteps == nil {
			s.lastSteps = make(map[string]float64)
		}
		s.lastSteps[key] = last
	}
	return steps, commit, nil
}

// resetSteps forgets step history below path after a clear or delete.
func (s *Session) resetSteps(path models.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path.String()
	for k := range s.lastSteps {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(s.lastSteps, k)
		}
	}
}

// flatten expands a namespace assignment into the operations for its
// leaves, in key order.
func flatten(path models.Path, v any) ([]models.Operation, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return models.EncodeValue(path, v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ops []models.Operation
	for _, k := range keys {
		child, err := models.ParsePath(k)
		if err != nil {
			return nil, err
		}
		sub, err := flatten(path.Child(child...), m[k])
		if err != nil {
			return nil, err
		}
		ops = append(ops, sub...)
	}
	return ops, nil
}
