package wal

import "errors"

// Sentinel errors identifying the WAL's error kinds. Callers use errors.Is
// to classify a failure; wrapped errors carry the offending path or offset
// via fmt.Errorf("%w: ...").
var (
	// ErrCorruption covers bad magic, bad CRC, a truncated frame, or a
	// non-contiguous segment directory. The WAL never self-heals from this.
	ErrCorruption = errors.New("wal: corruption detected")

	// ErrSeek is returned when a seek target falls outside the WAL's byte
	// range, or lands mid-frame (the magic peek at the target fails).
	ErrSeek = errors.New("wal: seek error")

	// ErrNoSegments is returned when a reader is opened against a directory
	// with no segment files.
	ErrNoSegments = errors.New("wal: no segments")

	// ErrServiceUnavailable indicates the queue service is not running or
	// its command channel has been closed.
	ErrServiceUnavailable = errors.New("wal: service unavailable")

	// ErrSegmentExists is returned by create when the target segment file
	// is already present.
	ErrSegmentExists = errors.New("wal: segment file already exists")
)
