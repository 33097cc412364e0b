package oplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "data-"
	segmentSuffix = ".log"
)

// ErrCorruptSegment is returned when a segment holds an unparseable record
// that is not the torn tail of the log.
var ErrCorruptSegment = errors.New("corrupt log segment")

// segment describes one data-N.log file. first and last are the lowest and
// highest versions it holds; both are 0 for an empty segment.
type segment struct {
	index int
	path  string
	first uint64
	last  uint64
	size  int64
}

func segmentName(index int) string {
	return segmentPrefix + strconv.Itoa(index) + segmentSuffix
}

// listSegments returns the segments of dir ordered by index.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil || n < 1 {
			continue
		}
		segs = append(segs, segment{index: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })
	return segs, nil
}

// scanResult is what recovery learned about one segment.
type scanResult struct {
	first, last uint64
	// validSize is the byte length of the intact prefix.
	validSize int64
	// torn is set when a trailing partial record was found past validSize.
	torn bool
	// openTail is set when the final record has no trailing newline.
	openTail bool
}

// scanSegment reads every record of a segment. prev is the highest version
// seen in earlier segments; records at or below it are ignored. When isLast
// is set an unparseable final line is reported as torn instead of corrupt.
func scanSegment(path string, prev uint64, isLast bool) (scanResult, error) {
	var res scanResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var offset int64
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			start := offset
			offset += int64(len(line))
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				res.validSize = offset
				res.openTail = line[len(line)-1] != '\n'
			} else {
				var rec Record
				if err := json.Unmarshal(trimmed, &rec); err != nil || rec.Version == 0 {
					rest, _ := io.ReadAll(br)
					if isLast && len(bytes.TrimSpace(rest)) == 0 {
						res.torn = true
						res.validSize = start
						res.openTail = false
						return res, nil
					}
					return res, fmt.Errorf("%w: %s at byte %d", ErrCorruptSegment, filepath.Base(path), start)
				}
				if rec.Version > prev {
					if res.first == 0 {
						res.first = rec.Version
					}
					res.last = rec.Version
					prev = rec.Version
				}
				res.validSize = offset
				res.openTail = line[len(line)-1] != '\n'
			}
		}
		if readErr == io.EOF {
			return res, nil
		}
		if readErr != nil {
			return res, readErr
		}
	}
}
