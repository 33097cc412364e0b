package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttemptPrefix starts the name of every attempt directory.
const AttemptPrefix = "exec-"

// NewAttemptID returns a fresh attempt directory name. Names sort by
// creation time.
func NewAttemptID(now time.Time) string {
	return fmt.Sprintf("%s%s-%s", AttemptPrefix, now.UTC().Format("20060102T150405"), uuid.NewString())
}

// AttemptTime parses the creation time out of an attempt directory name.
func AttemptTime(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), AttemptPrefix)
	if !ok || len(rest) < len("20060102T150405") {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102T150405", rest[:len("20060102T150405")])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListAttempts returns the attempt directories inside an entity directory,
// oldest first.
func ListAttempts(entityDir string) ([]string, error) {
	entries, err := os.ReadDir(entityDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), AttemptPrefix) {
			dirs = append(dirs, filepath.Join(entityDir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// RemoveIfDrained deletes an attempt directory whose every operation has
// been acknowledged and which no process holds. It reports whether the
// directory was removed.
func RemoveIfDrained(dir string) (bool, error) {
	st, err := Inspect(dir)
	if err != nil {
		return false, err
	}
	if st.Locked || st.Pending() > 0 {
		return false, nil
	}
	// Hand-appended records may exist beyond last_put_version.
	segs, err := listSegments(dir)
	if err != nil {
		return false, err
	}
	var maxSeen uint64
	for i, seg := range segs {
		res, err := scanSegment(seg.path, maxSeen, i == len(segs)-1)
		if err != nil {
			return false, err
		}
		maxSeen = max(maxSeen, res.last)
	}
	if maxSeen > st.LastAcked {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove attempt: %w", err)
	}
	return true, nil
}
