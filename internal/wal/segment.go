package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSegmentMaxNumBytes is the production segment-rollover threshold
// (128 MiB), matching spec's production default.
const DefaultSegmentMaxNumBytes int64 = 128 * 1024 * 1024

// SegmentMaxNumBytes is the active segment-rollover threshold. It is a
// package-level var, not a const, so tests can shrink it (the test default
// used throughout this package's own tests is 64 bytes) without threading a
// parameter through every constructor. Production entrypoints set it once
// from config before opening any WAL.
var SegmentMaxNumBytes = DefaultSegmentMaxNumBytes

const segmentExt = ".log"
const segmentNameWidth = 20

// Segment describes one sealed or write segment file without holding it
// open: its base offset, its top offset, and its path.
type Segment struct {
	BaseOffset uint64
	TopOffset  uint64
	Path       string
}

// Size returns the segment's byte length.
func (s Segment) Size() int64 {
	return int64(s.TopOffset - s.BaseOffset)
}

// segmentFileName formats the 20-digit zero-padded base offset filename.
func segmentFileName(base uint64) string {
	return fmt.Sprintf("%0*d%s", segmentNameWidth, base, segmentExt)
}

// parseBaseOffset parses a segment filename's base offset. It requires the
// name to be exactly segmentNameWidth decimal digits followed by segmentExt.
func parseBaseOffset(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, fmt.Errorf("wal: %q is not a segment file", name)
	}
	digits := strings.TrimSuffix(name, segmentExt)
	if len(digits) != segmentNameWidth {
		return 0, fmt.Errorf("wal: %q has malformed base offset", name)
	}
	base, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: %q has malformed base offset: %w", name, err)
	}
	return base, nil
}

// listSegments enumerates the segment files in dir, sorted ascending by
// base offset, and verifies the WAL directory contiguity invariant: for
// every consecutive pair, the earlier segment's top offset equals the
// later segment's base offset. An empty directory yields a nil, nil slice
// (callers distinguish "no segments" themselves; see ErrNoSegments).
func listSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: reading directory %q: %w", dir, err)
	}

	segments := make([]Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentExt) {
			continue
		}
		base, err := parseBaseOffset(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("wal: stat %q: %w", entry.Name(), err)
		}
		segments = append(segments, Segment{
			BaseOffset: base,
			TopOffset:  base + uint64(info.Size()),
			Path:       filepath.Join(dir, entry.Name()),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].BaseOffset < segments[j].BaseOffset
	})

	for i := 0; i+1 < len(segments); i++ {
		if segments[i].TopOffset != segments[i+1].BaseOffset {
			return nil, fmt.Errorf("%w: segment %s (top %d) is not contiguous with %s (base %d)",
				ErrCorruption, filepath.Base(segments[i].Path), segments[i].TopOffset,
				filepath.Base(segments[i+1].Path), segments[i+1].BaseOffset)
		}
	}

	return segments, nil
}
