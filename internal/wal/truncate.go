package wal

import (
	"fmt"
	"os"
)

// Truncate deletes sealed segments whose top offset is at most offset,
// stopping at the first segment (in ascending order) that does not
// qualify — so a non-contiguous hole is never created. The write segment
// (the one with the greatest base offset) is never a deletion candidate.
//
// Truncation is best-effort storage reclamation, not a semantic boundary:
// readers already positioned inside a deleted region fail on their next
// read, per spec §4.7.
func Truncate(dir string, offset uint64) error {
	segments, err := listSegments(dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	candidates := segments[:len(segments)-1]
	for _, seg := range candidates {
		if seg.TopOffset > offset {
			break
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: removing sealed segment %s: %w", seg.Path, err)
		}
	}
	return nil
}
