package wal

import (
	"errors"
	"io"
	"os"
	"testing"
)

// withSegmentMaxNumBytes temporarily overrides the package-level rollover
// threshold for the duration of one test, matching spec's test default.
func withSegmentMaxNumBytes(t *testing.T, n int64) {
	t.Helper()
	prev := SegmentMaxNumBytes
	SegmentMaxNumBytes = n
	t.Cleanup(func() { SegmentMaxNumBytes = prev })
}

func TestWriterReaderRoundTrip(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	payloads := [][]byte{
		[]byte("Record #0"),
		[]byte("Record #1"),
		[]byte("Record #2"),
	}
	for _, p := range payloads {
		if _, err := w.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	for i, want := range payloads {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("Next() #%d = %q, want %q", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("final Next() = %v, want io.EOF", err)
	}
}

// TestS1TwoRecordsOneSegment is spec scenario S1: two records fit in one
// segment under the test threshold, and the reader yields both then EOF.
func TestS1TwoRecordsOneSegment(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	a := []byte("first record here")
	b := []byte("second record here")
	if _, err := w.Append(a); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if _, err := w.Append(b); err != nil {
		t.Fatalf("Append b: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("len(segments) = %d, want 1", len(segments))
	}
	wantSize := int64(frameSize(len(a)) + frameSize(len(b)))
	if segments[0].Size() != wantSize {
		t.Fatalf("segment size = %d, want %d", segments[0].Size(), wantSize)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	for _, want := range [][]byte{a, b} {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("Next = %q, want %q", got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("final Next = %v, want io.EOF", err)
	}
}

// TestS2Rollover is spec scenario S2: three 37-byte entries (47 bytes on
// disk: 37-byte payload + 10-byte header) with SEGMENT_MAX_NUM_BYTES=64 roll
// over after the second.
func TestS2Rollover(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	entry := make([]byte, 37)
	for i := range entry {
		entry[i] = byte('a' + i%26)
	}

	for i := 0; i < 3; i++ {
		if _, err := w.Append(entry); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("len(segments) = %d, want 2", len(segments))
	}
	if segments[0].BaseOffset != 0 || segments[0].TopOffset != 94 {
		t.Fatalf("segments[0] = %+v, want base 0 top 94", segments[0])
	}
	if segments[1].BaseOffset != 94 || segments[1].TopOffset != 141 {
		t.Fatalf("segments[1] = %+v, want base 94 top 141", segments[1])
	}
}

// TestS3SeekBoundary is spec scenario S3.
func TestS3SeekBoundary(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	entry := make([]byte, 37)
	for i := range entry {
		entry[i] = byte('a' + i%26)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Append(entry); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	if err := r.Seek(94); err != nil {
		t.Fatalf("Seek(94): %v", err)
	}
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next after Seek(94): %v", err)
	}
	if string(got) != string(entry) {
		t.Fatalf("Next after Seek(94) = %q, want third entry", got)
	}

	if err := r.Seek(93); !errors.Is(err, ErrSeek) {
		t.Fatalf("Seek(93) = %v, want ErrSeek", err)
	}

	if err := r.Seek(0); err != nil {
		t.Fatalf("Seek(0): %v", err)
	}
	got, err = r.Next()
	if err != nil {
		t.Fatalf("Next after Seek(0): %v", err)
	}
	if string(got) != string(entry) {
		t.Fatalf("Next after Seek(0) = %q, want first entry", got)
	}
}

// TestSeekCurrentOffsetIsNoop covers the no-op-seek testable property.
func TestSeekCurrentOffsetIsNoop(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append([]byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	before := r.CurrentOffset()
	if err := r.Seek(before); err != nil {
		t.Fatalf("Seek(current): %v", err)
	}
	if r.CurrentOffset() != before {
		t.Fatalf("CurrentOffset changed after no-op seek")
	}
}

// TestS4Truncation is spec scenario S4, built directly against fixture
// segment files (whose contents don't matter for truncation, only their
// base/top offsets and write-segment status).
func TestS4Truncation(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFile(t, dir, 0, 12)
	writeSegmentFile(t, dir, 12, 14)
	writeSegmentFile(t, dir, 26, 12) // write segment: 26..38

	assertSegmentBases := func(t *testing.T, want []uint64) {
		t.Helper()
		segments, err := listSegments(dir)
		if err != nil {
			t.Fatalf("listSegments: %v", err)
		}
		if len(segments) != len(want) {
			t.Fatalf("bases = %v, want %v", baseOffsets(segments), want)
		}
		for i, seg := range segments {
			if seg.BaseOffset != want[i] {
				t.Fatalf("bases = %v, want %v", baseOffsets(segments), want)
			}
		}
	}

	if err := Truncate(dir, 0); err != nil {
		t.Fatalf("Truncate(0): %v", err)
	}
	assertSegmentBases(t, []uint64{0, 12, 26})

	if err := Truncate(dir, 12); err != nil {
		t.Fatalf("Truncate(12): %v", err)
	}
	assertSegmentBases(t, []uint64{12, 26})

	if err := Truncate(dir, 25); err != nil {
		t.Fatalf("Truncate(25): %v", err)
	}
	assertSegmentBases(t, []uint64{12, 26})

	if err := Truncate(dir, 26); err != nil {
		t.Fatalf("Truncate(26): %v", err)
	}
	assertSegmentBases(t, []uint64{26})

	if err := Truncate(dir, 38); err != nil {
		t.Fatalf("Truncate(38): %v", err)
	}
	assertSegmentBases(t, []uint64{26})
}

func baseOffsets(segments []Segment) []uint64 {
	out := make([]uint64, len(segments))
	for i, s := range segments {
		out[i] = s.BaseOffset
	}
	return out
}

// TestCorruptionOnBitFlip covers a flipped payload byte on disk surfacing as
// ErrCorruption rather than silently returning garbage.
func TestCorruptionOnBitFlip(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append([]byte("payload bytes here")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	path := segments[0].Path

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	data[HeaderSize+1] ^= 0xFF // flip a payload bit
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Next() after payload bit flip = %v, want ErrCorruption", err)
	}
}

func TestCorruptionOnMagicFlip(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append([]byte("payload bytes here")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	path := segments[0].Path

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Next() after magic flip = %v, want ErrCorruption", err)
	}
}

// TestTruncatedTailOnExactBoundaryIsCleanEOF covers a write segment that
// simply has no more bytes yet: reading past the last complete frame
// reports a clean EOF, not corruption.
func TestTruncatedTailOnExactBoundaryIsCleanEOF(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append([]byte("one")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next at exact boundary = %v, want io.EOF", err)
	}
}

// TestTruncatedTailPartialFrameIsCorruption covers a write segment whose
// last frame was only partially flushed to disk (e.g. a crash mid-write):
// the partial frame must surface as ErrCorruption, not a clean EOF.
func TestTruncatedTailPartialFrameIsCorruption(t *testing.T) {
	withSegmentMaxNumBytes(t, 64)
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append([]byte("one")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append([]byte("two")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	path := segments[0].Path
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	truncated := data[:len(data)-2] // chop two bytes off the second frame's payload
	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		t.Fatalf("writing truncated segment: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Next on partial tail frame = %v, want ErrCorruption", err)
	}
}
