package oplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// Reader iterates records in version order from a starting version up to the
// last put version observed when the reader was created. It is finite; create
// a new one with ReadFrom to pick up later appends.
type Reader struct {
	segs []segment
	from uint64
	upTo uint64
	prev uint64
	idx  int
	file *os.File
	br   *bufio.Reader
	rec  Record
	size int
	held bool
	err  error
	done bool
	eof  bool
}

// ReadFrom returns a reader positioned at version from.
func (s *Store) ReadFrom(from uint64) *Reader {
	segs, upTo := s.snapshot()
	r := &Reader{segs: segs, from: from, upTo: upTo}
	// Skip segments that end before from; empty segments are kept since
	// their bounds are unknown until read (e.g. records appended by hand).
	for r.idx < len(r.segs)-1 && r.segs[r.idx].last != 0 && r.segs[r.idx].last < from {
		r.idx++
	}
	if from > upTo {
		r.done = true
		r.eof = true
	}
	return r
}

// UpTo is the last version this reader will yield.
func (r *Reader) UpTo() uint64 {
	return r.upTo
}

// Next advances to the next record. It returns false at the end of the
// snapshot, at the first unparseable line, or on an I/O error (see Err).
func (r *Reader) Next() bool {
	for !r.done {
		if r.br == nil && !r.openNext() {
			r.done = true
			r.eof = r.err == nil
			return false
		}

		line, readErr := r.br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil || rec.Version == 0 {
				// A torn or in-progress write; nothing after it is readable.
				r.done = true
				return false
			}
			if rec.Version > r.upTo {
				r.done = true
				r.eof = true
				return false
			}
			if rec.Version >= r.from && rec.Version > r.prev {
				r.prev = rec.Version
				r.rec = rec
				r.size = len(trimmed)
				return true
			}
		}
		if readErr == io.EOF {
			r.closeFile()
			r.idx++
			continue
		}
		if readErr != nil {
			r.err = readErr
			r.done = true
			return false
		}
	}
	return false
}

// openNext opens the next existing segment. Segments removed by compaction
// since the snapshot are skipped.
func (r *Reader) openNext() bool {
	for r.idx < len(r.segs) {
		f, err := os.Open(r.segs[r.idx].path)
		if err != nil {
			if os.IsNotExist(err) {
				r.idx++
				continue
			}
			r.err = err
			return false
		}
		r.file = f
		r.br = bufio.NewReader(f)
		return true
	}
	return false
}

func (r *Reader) closeFile() {
	if r.file != nil {
		r.file.Close()
	}
	r.file = nil
	r.br = nil
}

// Exhausted reports whether iteration ended by reaching the snapshot or the
// end of the log, as opposed to stopping at an unreadable line or I/O error.
func (r *Reader) Exhausted() bool {
	return r.eof
}

// Record returns the record Next advanced to.
func (r *Reader) Record() Record {
	return r.rec
}

// Err returns the I/O error that stopped iteration, if any.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the open segment file.
func (r *Reader) Close() error {
	r.done = true
	r.closeFile()
	return nil
}

// Batch collects up to n records from r.
func (r *Reader) Batch(n int) ([]Record, error) {
	return r.BatchBytes(n, 0)
}

// BatchBytes collects up to n records whose encoded lines total at most
// maxBytes (no limit when maxBytes <= 0). The first record is always taken,
// whatever its size; a record that does not fit is kept for the next call.
func (r *Reader) BatchBytes(n int, maxBytes int64) ([]Record, error) {
	var out []Record
	var total int64
	for len(out) < n {
		if !r.held && !r.Next() {
			break
		}
		r.held = false
		if maxBytes > 0 && len(out) > 0 && total+int64(r.size) > maxBytes {
			r.held = true
			break
		}
		total += int64(r.size)
		out = append(out, r.rec)
	}
	return out, r.Err()
}
