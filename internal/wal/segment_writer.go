package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// segmentWriter holds an OS file and a buffered writer for one segment, and
// tracks the write position within it. Single-writer, single-goroutine: it
// carries no internal locking, matching spec's "single-writer, single-
// thread" concurrency note for the segment writer.
type segmentWriter struct {
	file       *os.File
	bw         *bufio.Writer
	baseOffset uint64
	currentPos int64
}

// createSegmentWriter creates a brand-new segment file at base offset
// `base`. It fails if the file already exists.
func createSegmentWriter(dir string, base uint64) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentFileName(base))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentExists, path)
		}
		return nil, fmt.Errorf("wal: create segment %s: %w", path, err)
	}
	return &segmentWriter{
		file:       f,
		bw:         bufio.NewWriter(f),
		baseOffset: base,
		currentPos: 0,
	}, nil
}

// openSegmentWriter opens an existing segment file at base offset `base`
// for append, seeking to its current end.
func openSegmentWriter(dir string, base uint64) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentFileName(base))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek to end of segment %s: %w", path, err)
	}
	return &segmentWriter{
		file:       f,
		bw:         bufio.NewWriter(f),
		baseOffset: base,
		currentPos: pos,
	}, nil
}

// append encodes and writes payload as one frame, returning the number of
// bytes written (header + payload).
func (w *segmentWriter) append(payload []byte) (int, error) {
	frame := encodeFrame(payload)
	n, err := w.bw.Write(frame)
	if err != nil {
		return n, fmt.Errorf("wal: append to segment: %w", err)
	}
	w.currentPos += int64(n)
	return n, nil
}

// flush pushes the user-space buffer to the kernel.
func (w *segmentWriter) flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment: %w", err)
	}
	return nil
}

// sync flushes, then fsyncs the underlying file.
func (w *segmentWriter) sync() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment: %w", err)
	}
	return nil
}

// numBytes returns the bytes written to this segment so far.
func (w *segmentWriter) numBytes() int64 {
	return w.currentPos
}

// currentOffset returns the logical WAL offset one past the last byte
// written to this segment.
func (w *segmentWriter) currentOffset() uint64 {
	return w.baseOffset + uint64(w.currentPos)
}

func (w *segmentWriter) close() error {
	if err := w.flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
