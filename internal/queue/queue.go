// Package queue is the producer/consumer view of one attempt's operation log.
// Enqueue never touches the network; the log itself is the buffer.
package queue

import (
	"fmt"
	"log/slog"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
)

// Queue wraps an oplog.Store with a "new data" notification.
type Queue struct {
	store  *oplog.Store
	notify chan struct{}
	log    *slog.Logger
}

// Open opens the attempt directory dir for exclusive use.
func Open(dir string, opts oplog.Options) (*Queue, error) {
	store, err := oplog.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Queue{
		store:  store,
		notify: make(chan struct{}, 1),
		log:    l,
	}, nil
}

// Enqueue durably appends op and returns its version.
func (q *Queue) Enqueue(op models.Operation) (uint64, error) {
	v, err := q.store.Append(op)
	if err != nil {
		return 0, err
	}
	q.signal()
	return v, nil
}

// EnqueueBatch appends ops atomically and returns the last version.
func (q *Queue) EnqueueBatch(ops []models.Operation) (uint64, error) {
	_, last, err := q.store.AppendBatch(ops)
	if err != nil {
		return 0, err
	}
	q.signal()
	return last, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify receives a value after one or more enqueues since the last receive.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Drain reads unacknowledged operations starting at from.
func (q *Queue) Drain(from uint64) *oplog.Reader {
	return q.store.ReadFrom(from)
}

// Pending reads every operation not yet acknowledged.
func (q *Queue) Pending() *oplog.Reader {
	return q.store.ReadFrom(q.store.LastAckedVersion() + 1)
}

// Ack advances the acknowledged watermark and drops fully acknowledged
// segments.
func (q *Queue) Ack(version uint64) error {
	if err := q.store.MarkAcked(version); err != nil {
		return err
	}
	if _, err := q.store.Compact(); err != nil {
		q.log.Warn("compact log", "err", err)
	}
	return nil
}

func (q *Queue) LastPut() uint64   { return q.store.LastPutVersion() }
func (q *Queue) LastAcked() uint64 { return q.store.LastAckedVersion() }

// Backlog is the number of unacknowledged operations.
func (q *Queue) Backlog() uint64 { return q.store.Pending() }

// Dir returns the attempt directory.
func (q *Queue) Dir() string { return q.store.Dir() }

// Close releases the attempt directory.
func (q *Queue) Close() error {
	return q.store.Close()
}
