// Package config reads and writes container.json, the metadata file at the
// top of every container directory under the runlog data root.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	fileName = "container.json"
	lockName = "container.json.lock"
)

// ErrNoContainer is returned by Load when the directory has no container.json.
var ErrNoContainer = errors.New("container.json not found")

// Mode is how a session delivers its operations.
type Mode string

const (
	ModeAsync   Mode = "async"
	ModeSync    Mode = "sync"
	ModeOffline Mode = "offline"
)

// ParseMode validates a mode string. Empty means async.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAsync, ModeSync, ModeOffline:
		return m, nil
	case "":
		return ModeAsync, nil
	}
	return "", fmt.Errorf("unknown mode %q (want async, sync or offline)", s)
}

// Entity kinds.
const (
	KindRun     = "run"
	KindProject = "project"
)

// Container describes the entity the attempts in a container directory
// belong to. ID is empty until an offline-created entity is registered.
type Container struct {
	ID          string    `json:"id"`
	ShortID     string    `json:"short_id,omitempty"`
	Kind        string    `json:"kind"`
	Project     string    `json:"project"`
	Workspace   string    `json:"workspace,omitempty"`
	Mode        Mode      `json:"mode"`
	CustomRunID string    `json:"custom_run_id,omitempty"`
	LocalID     string    `json:"local_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registered reports whether the server knows this entity.
func (c *Container) Registered() bool {
	return c.ID != ""
}

// QualifiedID returns workspace/project/SHORT-ID, or the local id for an
// unregistered container.
func (c *Container) QualifiedID() string {
	if !c.Registered() {
		return "offline/" + c.LocalID
	}
	return fmt.Sprintf("%s/%s/%s", c.Workspace, c.Project, c.ShortID)
}

// Load reads dir/container.json.
func Load(dir string) (*Container, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoContainer)
		}
		return nil, err
	}

	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, fileName), err)
	}
	return &c, nil
}

// Save writes dir/container.json using atomic write (temp file + rename)
func Save(dir string, c *Container) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: temp file in same dir, then rename
	tmp, err := os.CreateTemp(dir, "container-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filepath.Join(dir, fileName))
}

// Ensure writes c unless dir already holds a container.json, in which case
// the existing one is returned.
func Ensure(dir string, c *Container) (*Container, error) {
	var out *Container
	err := withContainerLock(dir, func() error {
		existing, err := Load(dir)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNoContainer) {
			return err
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		out = c
		return Save(dir, c)
	})
	return out, err
}

// Update loads dir/container.json, applies fn, and saves the result while
// holding the container lock, so that concurrent sync passes do not
// register the same offline entity twice.
func Update(dir string, fn func(c *Container) error) (*Container, error) {
	var out *Container
	err := withContainerLock(dir, func() error {
		c, err := Load(dir)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		out = c
		return Save(dir, c)
	})
	return out, err
}

// withContainerLock serializes access to container.json using an OS file lock
func withContainerLock(dir string, fn func() error) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock container: %w", err)
	}
	defer unlockFile(f)

	return fn()
}
