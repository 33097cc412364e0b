//go:build unix

package oplog

import (
	"errors"

	"golang.org/x/sys/unix"
)

// tryLock attempts to acquire an exclusive lock without blocking.
func (l *dirLocker) tryLock() error {
	return unix.Flock(int(l.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *dirLocker) unlock() {
	if l.lockFile != nil {
		unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	}
}

// isProcessAlive probes pid with signal 0. EPERM means it exists under
// another user.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
