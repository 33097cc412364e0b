package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	lastPutFile = "last_put_version"
	lastAckFile = "last_ack_version"
)

// readVersionFile reads a decimal version control file. A missing or empty
// file reads as 0.
func readVersionFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// writeVersionFile replaces a control file atomically: temp file in the same
// directory, fsync, rename.
func writeVersionFile(path string, v uint64) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.FormatUint(v, 10)); err != nil {
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
	return os.Rename(tmpName, path)
}

// Stats is a lock-free view of an attempt directory's control files.
type Stats struct {
	Dir       string `json:"dir" yaml:"dir"`
	LastPut   uint64 `json:"last_put" yaml:"last_put"`
	LastAcked uint64 `json:"last_acked" yaml:"last_acked"`
	Segments  int    `json:"segments" yaml:"segments"`
	Bytes     int64  `json:"bytes" yaml:"bytes"`
	Locked    bool   `json:"locked" yaml:"locked"`
}

// Pending is the number of operations not yet acknowledged.
func (s Stats) Pending() uint64 {
	if s.LastAcked >= s.LastPut {
		return 0
	}
	return s.LastPut - s.LastAcked
}

// Inspect reads an attempt directory's control files without opening or
// locking the store. Records appended by hand without bumping
// last_put_version are not counted.
func Inspect(dir string) (Stats, error) {
	st := Stats{Dir: dir}
	var err error
	if st.LastPut, err = readVersionFile(filepath.Join(dir, lastPutFile)); err != nil {
		return st, err
	}
	if st.LastAcked, err = readVersionFile(filepath.Join(dir, lastAckFile)); err != nil {
		return st, err
	}
	segs, err := listSegments(dir)
	if err != nil {
		return st, err
	}
	st.Segments = len(segs)
	for _, s := range segs {
		if fi, err := os.Stat(s.path); err == nil {
			st.Bytes += fi.Size()
		}
	}
	st.Locked = IsLocked(dir)
	return st, nil
}
