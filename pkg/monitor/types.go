package monitor

import (
	"context"
	"time"

	"github.com/marcus/runlog/pkg/runlog"
)

// TickMsg triggers a periodic refresh.
type TickMsg time.Time

// RefreshDataMsg carries a fresh snapshot of the data root.
type RefreshDataMsg struct {
	Containers []runlog.ContainerStatus
	Err        error
	FetchedAt  time.Time
}

// SyncDoneMsg reports the end of a sync pass started from the dashboard.
type SyncDoneMsg struct {
	Summary string
	Err     error
}

// SyncFunc runs a sync pass and returns a one-line summary.
type SyncFunc func(ctx context.Context) (string, error)

// Row is one table row: an attempt directory.
type Row struct {
	Entity  string
	Attempt string
	State   string
	Acked   uint64
	Put     uint64
	Bytes   int64
	Started time.Time
}
