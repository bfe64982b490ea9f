package wal

import (
	"fmt"
	"sync"
)

// Writer owns the single active segment writer for a WAL directory and
// rolls it over when the active segment reaches SegmentMaxNumBytes. It is
// grounded on the teacher's WAL.Write rollover trigger
// (internal/wal/wal.go, pre-rewrite), generalized from an entry-count
// threshold to a byte-offset threshold and from JSON lines to framed
// records.
//
// Concurrency: a Writer is meant to be driven by exactly one goroutine (the
// queue service's single-owner worker); it holds a mutex only to make
// Flush/Sync/CurrentOffset safe to call concurrently with Append for
// metrics/health-check readers, not to support concurrent appenders.
type Writer struct {
	dir string
	mu  sync.Mutex
	sw  *segmentWriter
}

// OpenWriter opens dir for writing: if it already holds segments, the
// highest-base (write) segment is reopened for append; otherwise a fresh
// segment at base 0 is created.
func OpenWriter(dir string) (*Writer, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var sw *segmentWriter
	if len(segments) == 0 {
		sw, err = createSegmentWriter(dir, 0)
	} else {
		last := segments[len(segments)-1]
		sw, err = openSegmentWriter(dir, last.BaseOffset)
	}
	if err != nil {
		return nil, err
	}

	return &Writer{dir: dir, sw: sw}, nil
}

// Append writes payload as one frame, rolling over to a new segment first
// if the active segment has already reached the size threshold. The
// rollover check happens on entry, per spec's "roll over on the entry to
// append" design note, so a segment may overrun the threshold by at most
// one record.
func (w *Writer) Append(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sw.numBytes() >= SegmentMaxNumBytes {
		if err := w.rollover(); err != nil {
			return 0, err
		}
	}

	return w.sw.append(payload)
}

// rollover flushes and seals the active segment, then opens a new one whose
// base offset is the old segment's current offset. Callers must hold w.mu.
func (w *Writer) rollover() error {
	if err := w.sw.flush(); err != nil {
		return err
	}
	newBase := w.sw.currentOffset()
	if err := w.sw.close(); err != nil {
		return err
	}
	next, err := createSegmentWriter(w.dir, newBase)
	if err != nil {
		return fmt.Errorf("wal: rollover to new segment at %d: %w", newBase, err)
	}
	w.sw = next
	return nil
}

// Flush pushes the active segment's user-space buffer to the kernel.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sw.flush()
}

// Sync flushes and fsyncs the active segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sw.sync()
}

// CurrentOffset returns the logical WAL offset one past the last byte
// appended.
func (w *Writer) CurrentOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sw.currentOffset()
}

// Close flushes and closes the active segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sw.close()
}
