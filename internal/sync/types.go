package sync

import (
	"context"
	"errors"
	"time"

	"github.com/marcus/runlog/internal/oplog"
)

var (
	ErrStoppedWithPending = errors.New("stopped with unsynchronised operations")
	ErrEngineClosed       = errors.New("sync engine is closed")
)

// Target identifies where an attempt's operations are applied.
type Target struct {
	EntityID  string
	AttemptID string
}

// Remote applies operations to the backend.
//
// Apply must apply recs in order and return the highest version it applied or
// had already applied for this target (at-least-once delivery relies on the
// backend ignoring versions it has seen). A transient failure is returned as
// a *models.RetryableError; a permanent failure of the next version as a
// *models.OperationError. In both cases acked reports any progress made.
type Remote interface {
	Apply(ctx context.Context, target Target, recs []oplog.Record) (acked uint64, err error)
}

// RemoteFunc adapts a function to the Remote interface.
type RemoteFunc func(ctx context.Context, target Target, recs []oplog.Record) (uint64, error)

func (f RemoteFunc) Apply(ctx context.Context, target Target, recs []oplog.Record) (uint64, error) {
	return f(ctx, target, recs)
}

// State is the engine's position in its drain cycle.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateCaughtUp
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateCaughtUp:
		return "caught-up"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrorPolicy decides what happens when the backend permanently rejects an
// operation.
type ErrorPolicy int

const (
	// HaltOnError stops draining until Resume is called.
	HaltOnError ErrorPolicy = iota
	// SkipOnError acknowledges the rejected operation, logs it and continues.
	SkipOnError
)

// Status is a point-in-time view of an engine.
type Status struct {
	State       State
	LastPut     uint64
	LastAcked   uint64
	Skipped     int
	Err         error
	LastAttempt time.Time
}
