// Package oplog implements the durable per-attempt operation log: append-only
// JSON-lines segments plus the last_put_version and last_ack_version control
// files that survive process crashes.
package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcus/runlog/internal/models"
)

// DefaultMaxSegmentBytes is the size at which the active segment is rotated.
const DefaultMaxSegmentBytes int64 = 64 << 20

var (
	ErrAckBeyondPut = errors.New("ack version beyond last put version")
	ErrStoreClosed  = errors.New("operation log is closed")
)

// Record is one line of a segment file.
type Record struct {
	Op      models.Operation `json:"obj"`
	Version uint64           `json:"version"`
}

// Options configures a Store.
type Options struct {
	MaxSegmentBytes int64
	// LockTimeout bounds how long Open waits for the directory lock.
	// Zero uses the default; negative tries once.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Store is the operation log of one attempt directory. All methods are safe
// for concurrent use.
type Store struct {
	dir    string
	opts   Options
	log    *slog.Logger
	locker *dirLocker

	mu          sync.Mutex
	segments    []segment
	active      *os.File
	needNewline bool
	lastPut     uint64
	lastAck     uint64
	closed      bool
}

// Open opens (creating if needed) the log in dir, takes the directory lock and
// recovers from any torn write left by a crash.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		opts:   opts,
		log:    opts.Logger.With("dir", dir),
		locker: newDirLocker(dir),
	}
	if err := s.locker.acquire(opts.LockTimeout); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		s.locker.release()
		return nil, err
	}
	return s, nil
}

// recover scans the segments, truncates a torn tail, reconciles the control
// files and opens the active segment for appending.
func (s *Store) recover() error {
	segs, err := listSegments(s.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	if len(segs) == 0 {
		segs = []segment{{index: 1, path: filepath.Join(s.dir, segmentName(1))}}
	}

	var maxSeen uint64
	for i := range segs {
		isLast := i == len(segs)-1
		if _, err := os.Stat(segs[i].path); os.IsNotExist(err) && isLast {
			continue
		}
		res, err := scanSegment(segs[i].path, maxSeen, isLast)
		if err != nil {
			return fmt.Errorf("scan %s: %w", filepath.Base(segs[i].path), err)
		}
		if res.torn {
			s.log.Warn("truncating torn record", "segment", filepath.Base(segs[i].path), "offset", res.validSize)
			if err := os.Truncate(segs[i].path, res.validSize); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
		}
		segs[i].first, segs[i].last, segs[i].size = res.first, res.last, res.validSize
		if res.last > maxSeen {
			maxSeen = res.last
		}
		if isLast {
			s.needNewline = res.openTail
		}
	}

	filePut, err := readVersionFile(filepath.Join(s.dir, lastPutFile))
	if err != nil {
		return err
	}
	fileAck, err := readVersionFile(filepath.Join(s.dir, lastAckFile))
	if err != nil {
		return err
	}

	s.lastPut = max(filePut, maxSeen)
	s.lastAck = min(fileAck, s.lastPut)
	if s.lastPut != filePut {
		s.log.Info("advancing last put version from log", "file", filePut, "scanned", maxSeen)
		if err := writeVersionFile(filepath.Join(s.dir, lastPutFile), s.lastPut); err != nil {
			return fmt.Errorf("write %s: %w", lastPutFile, err)
		}
	} else if _, err := os.Stat(filepath.Join(s.dir, lastPutFile)); os.IsNotExist(err) {
		if err := writeVersionFile(filepath.Join(s.dir, lastPutFile), s.lastPut); err != nil {
			return fmt.Errorf("write %s: %w", lastPutFile, err)
		}
	}
	if s.lastAck != fileAck {
		s.log.Warn("clamping ack version", "file", fileAck, "last_put", s.lastPut)
		if err := writeVersionFile(filepath.Join(s.dir, lastAckFile), s.lastAck); err != nil {
			return fmt.Errorf("write %s: %w", lastAckFile, err)
		}
	}

	s.segments = segs
	return s.openActive()
}

func (s *Store) openActive() error {
	seg := &s.segments[len(s.segments)-1]
	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat segment: %w", err)
	}
	seg.size = fi.Size()
	s.active = f
	return nil
}

// Dir returns the attempt directory.
func (s *Store) Dir() string {
	return s.dir
}

// Append durably writes op and returns its version.
func (s *Store) Append(op models.Operation) (uint64, error) {
	_, last, err := s.AppendBatch([]models.Operation{op})
	return last, err
}

// AppendBatch durably writes ops as consecutive versions with a single fsync.
// Either every operation is written or none is.
func (s *Store) AppendBatch(ops []models.Operation) (first, last uint64, err error) {
	if len(ops) == 0 {
		return 0, 0, errors.New("empty batch")
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return 0, 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrStoreClosed
	}

	var buf []byte
	if s.needNewline {
		buf = append(buf, '\n')
	}
	first = s.lastPut + 1
	for i, op := range ops {
		line, err := json.Marshal(Record{Op: op, Version: first + uint64(i)})
		if err != nil {
			return 0, 0, fmt.Errorf("marshal record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	last = first + uint64(len(ops)) - 1

	seg := &s.segments[len(s.segments)-1]
	if seg.size > 0 && seg.size+int64(len(buf)) > s.opts.MaxSegmentBytes {
		if err := s.rotate(); err != nil {
			return 0, 0, err
		}
		seg = &s.segments[len(s.segments)-1]
		if s.needNewline {
			buf = buf[1:]
			s.needNewline = false
		}
	}

	if _, err := s.active.Write(buf); err != nil {
		s.active.Truncate(seg.size)
		return 0, 0, fmt.Errorf("write segment: %w", err)
	}
	if err := s.active.Sync(); err != nil {
		s.active.Truncate(seg.size)
		return 0, 0, fmt.Errorf("sync segment: %w", err)
	}
	seg.size += int64(len(buf))
	if seg.first == 0 {
		seg.first = first
	}
	seg.last = last
	s.needNewline = false

	if err := writeVersionFile(filepath.Join(s.dir, lastPutFile), last); err != nil {
		// The records are durable; recovery reconciles last_put from the log.
		s.log.Error("write last put version", "version", last, "err", err)
	}
	s.lastPut = last
	return first, last, nil
}

// rotate closes the active segment and starts the next one. Caller holds mu.
func (s *Store) rotate() error {
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	next := s.segments[len(s.segments)-1].index + 1
	s.segments = append(s.segments, segment{index: next, path: filepath.Join(s.dir, segmentName(next))})
	s.log.Debug("rotated segment", "segment", segmentName(next))
	return s.openActive()
}

// MarkAcked records that every version up to v has been applied remotely.
// Acknowledgements never move backwards; a lower v is a no-op.
func (s *Store) MarkAcked(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if v <= s.lastAck {
		return nil
	}
	if v > s.lastPut {
		return fmt.Errorf("%w: %d > %d", ErrAckBeyondPut, v, s.lastPut)
	}
	if err := writeVersionFile(filepath.Join(s.dir, lastAckFile), v); err != nil {
		return fmt.Errorf("write %s: %w", lastAckFile, err)
	}
	s.lastAck = v
	return nil
}

// LastPutVersion is the highest durably appended version.
func (s *Store) LastPutVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPut
}

// LastAckedVersion is the highest version known to be applied remotely.
func (s *Store) LastAckedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// Pending is the number of appended but unacknowledged operations.
func (s *Store) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPut - s.lastAck
}

// Compact deletes segments whose every record is acknowledged. The active
// segment is never removed.
func (s *Store) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	keep := s.segments[:0:0]
	for i, seg := range s.segments {
		active := i == len(s.segments)-1
		if !active && seg.last <= s.lastAck {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove %s: %w", filepath.Base(seg.path), err)
			}
			removed++
			continue
		}
		keep = append(keep, seg)
	}
	s.segments = keep
	if removed > 0 {
		s.log.Debug("compacted log", "removed", removed, "acked", s.lastAck)
	}
	return removed, nil
}

// Close flushes the active segment and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.active != nil {
		if err := s.active.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := s.active.Close(); err != nil {
			errs = append(errs, err)
		}
		s.active = nil
	}
	if err := s.locker.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// snapshot captures what a reader needs under the lock.
func (s *Store) snapshot() ([]segment, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := make([]segment, len(s.segments))
	copy(segs, s.segments)
	return segs, s.lastPut
}
