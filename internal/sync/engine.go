// Package sync drains an operation queue to a Remote: in order, at least
// once, retrying transient failures and halting on permanent ones.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/queue"
)

const (
	defaultBatchSize      = 100
	defaultMaxBatchBytes  = 4 << 20
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultPollInterval   = 5 * time.Second
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	BatchSize      int
	MaxBatchBytes  int64 // encoded size cap; a larger single operation goes alone
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	Policy         ErrorPolicy
	Logger         *slog.Logger
}

// Engine drives one queue. The background loop, DrainOnce and Stop never
// drain concurrently.
type Engine struct {
	q      *queue.Queue
	remote Remote
	target Target
	opts   Options
	log    *slog.Logger

	drainMu stdsync.Mutex

	mu          stdsync.Mutex
	state       State
	lastErr     error
	skipped     int
	lastAttempt time.Time
	progress    chan struct{}
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	kick chan struct{}
}

// New creates an engine for q. It does nothing until Start or DrainOnce.
func New(q *queue.Queue, remote Remote, target Target, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = defaultMaxBatchBytes
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		q:        q,
		remote:   remote,
		target:   target,
		opts:     opts,
		log:      opts.Logger.With("entity", target.EntityID, "attempt", target.AttemptID),
		progress: make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the background drain loop. It wakes on enqueue
// notifications, Kick and the poll interval.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sync loop panic", "panic", r)
			e.setError(fmt.Errorf("sync loop panic: %v", r))
		}
	}()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		if e.State() != StateError {
			if err := e.drain(ctx, 0); err != nil && ctx.Err() == nil {
				e.log.Error("drain", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-e.q.Notify():
		case <-e.kick:
		case <-ticker.C:
		}
	}
}

// Kick asks the background loop to drain now.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// DrainOnce drains synchronously until caught up. maxRetries bounds the
// attempts per batch on transient errors; 0 retries until ctx is done.
func (e *Engine) DrainOnce(ctx context.Context, maxRetries int) error {
	st := e.Status()
	switch st.State {
	case StateClosed:
		return ErrEngineClosed
	case StateError:
		return st.Err
	}
	return e.drain(ctx, maxRetries)
}

// drain sends every unacknowledged operation, restarting the reader whenever
// the backend acknowledges less than a full batch.
func (e *Engine) drain(ctx context.Context, maxRetries int) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := e.q.LastAcked() + 1
		r := e.q.Drain(from)
		upTo := r.UpTo()
		if from > upTo {
			r.Close()
			e.setState(StateCaughtUp)
			return nil
		}
		e.setState(StateDraining)

		restart, err := e.drainReader(ctx, r, maxRetries)
		r.Close()
		if err != nil {
			return err
		}
		if restart {
			continue
		}

		if acked := e.q.LastAcked(); acked < upTo {
			if !r.Exhausted() {
				err := fmt.Errorf("log unreadable after version %d (last put %d)", acked, upTo)
				e.setError(err)
				return err
			}
			// last_put_version was raised without matching records.
			e.log.Warn("no records for versions", "from", acked+1, "to", upTo)
			if err := e.ack(upTo); err != nil {
				return err
			}
		}
	}
}

// drainReader sends r's records batch by batch. It reports restart when the
// watermark moved in a way the reader can't follow.
func (e *Engine) drainReader(ctx context.Context, r *oplog.Reader, maxRetries int) (bool, error) {
	for {
		recs, err := r.BatchBytes(e.opts.BatchSize, e.opts.MaxBatchBytes)
		if err != nil {
			err = fmt.Errorf("read log: %w", err)
			e.setError(err)
			return false, err
		}
		if len(recs) == 0 {
			return false, nil
		}

		acked, err := e.applySplit(ctx, recs, maxRetries)
		if acked > e.q.LastAcked() {
			if ackErr := e.ack(acked); ackErr != nil {
				return false, ackErr
			}
		}
		if err != nil {
			var opErr *models.OperationError
			if !errors.As(err, &opErr) {
				return false, err
			}
			if e.opts.Policy != SkipOnError {
				e.setError(err)
				e.log.Error("operation rejected, halting", "version", opErr.Version, "code", opErr.Code, "msg", opErr.Message)
				return false, err
			}
			v := opErr.Version
			if v == 0 {
				v = e.q.LastAcked() + 1
			}
			e.log.Warn("operation rejected, skipping", "version", v, "code", opErr.Code, "msg", opErr.Message)
			if err := e.ack(v); err != nil {
				return false, err
			}
			e.mu.Lock()
			e.skipped++
			e.mu.Unlock()
			return true, nil
		}
		if acked < recs[len(recs)-1].Version {
			return true, nil
		}
	}
}

// applySplit applies recs, halving the batch whenever the backend refuses it
// for its size. Only a lone operation that still does not fit is rejected.
func (e *Engine) applySplit(ctx context.Context, recs []oplog.Record, maxRetries int) (uint64, error) {
	acked, err := e.apply(ctx, recs, maxRetries)
	if !errors.Is(err, models.ErrBatchTooLarge) {
		return acked, err
	}
	if len(recs) == 1 {
		r := recs[0]
		return acked, &models.OperationError{
			Version: r.Version, Path: r.Op.Path, Kind: r.Op.Kind,
			Code: models.CodeTooLarge, Message: "operation exceeds the backend request size limit",
		}
	}

	mid := len(recs) / 2
	e.log.Info("batch too large, splitting", "ops", len(recs), "from", recs[0].Version)
	first, err := e.applySplit(ctx, recs[:mid], maxRetries)
	if err != nil || first < recs[mid-1].Version {
		return max(acked, first), err
	}
	second, err := e.applySplit(ctx, recs[mid:], maxRetries)
	return max(acked, first, second), err
}

// apply calls the remote, backing off exponentially on transient errors.
func (e *Engine) apply(ctx context.Context, recs []oplog.Record, maxRetries int) (uint64, error) {
	backoff := e.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		e.mu.Lock()
		e.lastAttempt = time.Now()
		e.mu.Unlock()

		acked, err := e.remote.Apply(ctx, e.target, recs)
		if err == nil {
			e.clearTransient()
			return acked, nil
		}
		if !models.IsRetryable(err) {
			return acked, err
		}
		if acked >= recs[0].Version {
			// Partial progress; the caller re-reads from the new watermark.
			return acked, nil
		}
		e.setTransient(err)
		if maxRetries > 0 && attempt >= maxRetries {
			return acked, err
		}
		e.log.Warn("apply failed, retrying", "attempt", attempt, "backoff", backoff.String(), "err", err)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < e.opts.MaxBackoff {
			backoff *= 2
			if backoff > e.opts.MaxBackoff {
				backoff = e.opts.MaxBackoff
			}
		}
	}
}

func (e *Engine) ack(v uint64) error {
	if err := e.q.Ack(v); err != nil {
		err = fmt.Errorf("persist ack %d: %w", v, err)
		e.setError(err)
		return err
	}
	e.broadcast()
	return nil
}

// WaitFor blocks until every version up to v is acknowledged. It returns the
// halting error if the engine stops on a rejected operation first, and the
// context's error on timeout; neither changes engine state.
func (e *Engine) WaitFor(ctx context.Context, v uint64) error {
	for {
		e.mu.Lock()
		if e.q.LastAcked() >= v {
			e.mu.Unlock()
			return nil
		}
		state, lastErr, ch := e.state, e.lastErr, e.progress
		e.mu.Unlock()

		switch state {
		case StateError:
			return lastErr
		case StateClosed:
			return ErrEngineClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sync waits until everything enqueued before the call is acknowledged.
func (e *Engine) Sync(ctx context.Context) error {
	v := e.q.LastPut()
	e.Kick()
	return e.WaitFor(ctx, v)
}

// Resume clears a halted engine so the background loop drains again.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state == StateError {
		e.state = StateIdle
		e.lastErr = nil
	}
	e.mu.Unlock()
	e.broadcast()
	e.Kick()
}

// Stop ends the background loop, makes a final drain attempt bounded by ctx
// and closes the engine. Operations that could not be sent stay in the log
// for a later sync pass.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	running, cancel, done := e.running, e.cancel, e.done
	e.running = false
	e.mu.Unlock()

	if running {
		cancel()
		<-done
	}

	var drainErr error
	if e.State() != StateError {
		drainErr = e.drain(ctx, 0)
	}

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
	e.broadcast()

	if n := e.q.Backlog(); n > 0 {
		return errors.Join(fmt.Errorf("%w: %d operations left in %s", ErrStoppedWithPending, n, e.q.Dir()), drainErr)
	}
	return nil
}

// Status returns the current engine state and watermarks.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:       e.state,
		LastPut:     e.q.LastPut(),
		LastAcked:   e.q.LastAcked(),
		Skipped:     e.skipped,
		Err:         e.lastErr,
		LastAttempt: e.lastAttempt,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s && e.state != StateError && e.state != StateClosed
	if changed {
		e.state = s
	}
	e.mu.Unlock()
	if changed {
		e.broadcast()
	}
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	if e.state != StateClosed {
		e.state = StateError
	}
	e.lastErr = err
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) setTransient(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) clearTransient() {
	e.mu.Lock()
	if e.state != StateError {
		e.lastErr = nil
	}
	e.mu.Unlock()
}

// broadcast wakes every WaitFor caller.
func (e *Engine) broadcast() {
	e.mu.Lock()
	close(e.progress)
	e.progress = make(chan struct{})
	e.mu.Unlock()
}
