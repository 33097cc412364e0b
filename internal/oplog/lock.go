package oplog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName       = "lock"
	defaultLockTimeout = 500 * time.Millisecond
	initialLockBackoff = 5 * time.Millisecond
	maxLockBackoff     = 50 * time.Millisecond
)

// ErrAttemptLocked is returned when another process (or another open Store in
// this process) owns the attempt directory.
var ErrAttemptLocked = errors.New("attempt directory is locked")

// dirLocker holds exclusive ownership of an attempt directory using an OS
// file lock. The lock is released automatically when the process exits.
type dirLocker struct {
	lockPath string
	lockFile *os.File
}

func newDirLocker(dir string) *dirLocker {
	return &dirLocker{lockPath: filepath.Join(dir, lockFileName)}
}

// acquire tries to take the lock until timeout elapses. A negative timeout
// makes a single attempt.
func (l *dirLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	backoff := initialLockBackoff

	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}

		if timeout < 0 || time.Now().After(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("%w: %s (holder %s)", ErrAttemptLocked, filepath.Dir(l.lockPath), holder)
		}

		time.Sleep(backoff)
		if backoff < maxLockBackoff {
			backoff *= 2
			if backoff > maxLockBackoff {
				backoff = maxLockBackoff
			}
		}
	}
}

func (l *dirLocker) release() error {
	if l.lockFile == nil {
		return nil
	}
	l.lockFile.Truncate(0)
	l.unlock()
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

func (l *dirLocker) writeHolder() {
	if l.lockFile == nil {
		return
	}
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.lockFile.Sync()
}

func (l *dirLocker) readHolder() string {
	return readHolder(l.lockPath)
}

// readHolder describes the process recorded in a lock file, flagging it as
// stale when that process no longer exists.
func readHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown"
	}

	var pid, timestamp string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.HasPrefix(line, "pid:") {
			pid = strings.TrimPrefix(line, "pid:")
		} else if strings.HasPrefix(line, "time:") {
			timestamp = strings.TrimPrefix(line, "time:")
		}
	}
	if pid == "" {
		return "unknown"
	}

	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid:%s since %s (STALE - process dead)", pid, timestamp)
	}
	return fmt.Sprintf("pid:%s since %s", pid, timestamp)
}

// IsLocked reports whether a live owner currently holds the attempt directory.
// It probes with a non-blocking lock and releases it straight away.
func IsLocked(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		return false
	}
	l := newDirLocker(dir)
	if err := l.acquire(-1); err != nil {
		return errors.Is(err, ErrAttemptLocked)
	}
	l.release()
	return false
}
