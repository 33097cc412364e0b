package runlog

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/workdir"
)

// AttemptStatus describes one attempt directory on disk.
type AttemptStatus struct {
	Name    string    `json:"name" yaml:"name"`
	Started time.Time `json:"started,omitempty" yaml:"started,omitempty"`
	Pending uint64    `json:"pending" yaml:"pending"`
	oplog.Stats `yaml:",inline"`
}

// ContainerStatus describes one container and its attempts.
type ContainerStatus struct {
	Dir         string          `json:"dir" yaml:"dir"`
	QualifiedID string          `json:"entity" yaml:"entity"`
	Kind        string          `json:"kind" yaml:"kind"`
	Mode        config.Mode     `json:"mode" yaml:"mode"`
	Registered  bool            `json:"registered" yaml:"registered"`
	Attempts    []AttemptStatus `json:"attempts" yaml:"attempts"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Pending sums the unacknowledged operations of every attempt.
func (c ContainerStatus) Pending() uint64 {
	var n uint64
	for _, a := range c.Attempts {
		n += a.Pending
	}
	return n
}

// State summarises an attempt for display: locked attempts belong to a live
// session, unlocked ones with pending operations wait for a sync pass.
func (a AttemptStatus) State() string {
	switch {
	case a.Locked && a.Pending > 0:
		return "draining"
	case a.Locked:
		return "caught-up"
	case a.Pending > 0:
		return "pending"
	}
	return "idle"
}

// LocalStatus inspects every container under root without locking
// anything. A missing root yields no containers.
func LocalStatus(root string) ([]ContainerStatus, error) {
	dirs, err := workdir.ListContainers(root)
	if err != nil {
		return nil, err
	}
	out := make([]ContainerStatus, 0, len(dirs))
	for _, dir := range dirs {
		cs := ContainerStatus{Dir: dir}
		ct, err := config.Load(dir)
		if err != nil {
			cs.Error = err.Error()
			out = append(out, cs)
			continue
		}
		cs.QualifiedID, cs.Kind, cs.Mode, cs.Registered = ct.QualifiedID(), ct.Kind, ct.Mode, ct.Registered()

		attempts, err := oplog.ListAttempts(dir)
		if err != nil {
			cs.Error = err.Error()
			out = append(out, cs)
			continue
		}
		for _, a := range attempts {
			st, err := oplog.Inspect(a)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				cs.Error = err.Error()
				continue
			}
			as := AttemptStatus{Stats: st, Pending: st.Pending()}
			as.Name = filepath.Base(a)
			if t, ok := oplog.AttemptTime(as.Name); ok {
				as.Started = t
			}
			cs.Attempts = append(cs.Attempts, as)
		}
		out = append(out, cs)
	}
	return out, nil
}
