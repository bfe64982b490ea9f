package wal

import (
	"fmt"
	"io"
)

// Reader iterates records across a WAL directory's segments, crossing
// segment boundaries transparently. It is grounded on quickwit-wal's
// reader.rs and resolves spec's Open Question in favor of the EOF-driven
// variant: a segment boundary is detected by the frame decoder reporting a
// clean end-of-file, not by comparing byte counts against
// SegmentMaxNumBytes, so it stays correct even for segments shorter than
// the threshold.
type Reader struct {
	dir string
	sr  *segmentReader
}

// OpenReader opens dir for reading, starting at the first (lowest-base)
// segment. It fails with ErrNoSegments if dir holds no segment files.
func OpenReader(dir string) (*Reader, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	sr, err := openSegmentReader(dir, segments[0].BaseOffset)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, sr: sr}, nil
}

// Next returns the next record's payload, advancing past segment
// boundaries as needed. It returns io.EOF when the WAL is exhausted (the
// write segment has no more records to offer right now).
func (r *Reader) Next() ([]byte, error) {
	entry, err := r.NextEntry()
	if err != nil {
		return nil, err
	}
	return entry.Payload, nil
}

// NextEntry is like Next but also returns the entry's absolute offset.
func (r *Reader) NextEntry() (Entry, error) {
	for {
		entry, err := r.sr.nextEntry()
		if err == nil {
			return entry, nil
		}
		if !isEOF(err) {
			return Entry{}, err
		}

		advanced, advanceErr := r.advanceSegment()
		if advanceErr != nil {
			return Entry{}, advanceErr
		}
		if !advanced {
			return Entry{}, io.EOF
		}
		// Loop again on the freshly opened segment.
	}
}

// advanceSegment, called after the current segment reader reports EOF,
// opens the next segment whose base offset equals the current segment's
// top offset. It returns (false, nil) when the current segment is the
// write segment (nothing to advance to).
func (r *Reader) advanceSegment() (bool, error) {
	segments, err := listSegments(r.dir)
	if err != nil {
		return false, err
	}

	currentTop := r.sr.currentOffset()
	for _, seg := range segments {
		if seg.BaseOffset == currentTop {
			next, err := openSegmentReader(r.dir, seg.BaseOffset)
			if err != nil {
				return false, err
			}
			r.sr.close()
			r.sr = next
			return true, nil
		}
	}
	return false, nil
}

// Seek repositions the reader at the given absolute WAL offset. A no-op if
// already positioned there.
func (r *Reader) Seek(offset uint64) error {
	if offset == r.sr.currentOffset() {
		return nil
	}

	segments, err := listSegments(r.dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return ErrNoSegments
	}

	min := segments[0].BaseOffset
	max := segments[len(segments)-1].TopOffset
	if offset < min || offset > max {
		return fmt.Errorf("%w: offset %d outside WAL range [%d, %d]", ErrSeek, offset, min, max)
	}

	idx := len(segments) - 1
	for i, seg := range segments {
		if seg.TopOffset > offset {
			idx = i
			break
		}
	}

	target := segments[idx]
	sr, err := openSegmentReader(r.dir, target.BaseOffset)
	if err != nil {
		return err
	}
	if err := sr.seek(offset); err != nil {
		sr.close()
		return err
	}

	r.sr.close()
	r.sr = sr
	return nil
}

// CurrentOffset returns the offset of the next unread byte.
func (r *Reader) CurrentOffset() uint64 {
	return r.sr.currentOffset()
}

// Close releases the currently open segment file.
func (r *Reader) Close() error {
	return r.sr.close()
}
