// Package filesource implements a file-tailing ingest source sharing the
// source.Source contract with walsource and kafkasource, grounded directly
// on the teacher's internal/tailer.Tailer (fsnotify-driven rotation
// detection, inode-keyed checkpoint positions), adapted to emit
// source.RawDocBatch instead of types.LogEvent.
package filesource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/metrics"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source"
	"github.com/therealutkarshpriyadarshi/walqueue/pkg/types"
)

// batchNumBytesCutoff mirrors the other sources' batch-size cutoff.
const batchNumBytesCutoff = 5_000_000

// Config configures a Source.
type Config struct {
	Path      string
	Heartbeat time.Duration
	// Metrics, if set, receives per-batch record/byte counts.
	Metrics *metrics.Collector
}

// Source tails one file, emitting RawDocBatches of its lines.
type Source struct {
	path      string
	heartbeat time.Duration
	metrics   *metrics.Collector

	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader
	offset int64
	inode  uint64

	watcher *fsnotify.Watcher
	wakeCh  chan struct{}
}

// New opens path at from's offset (the start of the file if from is
// source.Beginning) and starts watching it for rotation.
func New(cfg Config, from source.Position) (*Source, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("filesource: resolving path: %w", err)
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}

	s := &Source{path: abs, heartbeat: heartbeat, metrics: cfg.Metrics, wakeCh: make(chan struct{}, 1)}
	if err := s.openAt(int64(from.Offset), false); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.file.Close()
		return nil, fmt.Errorf("filesource: creating watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		s.file.Close()
		return nil, fmt.Errorf("filesource: watching %s: %w", abs, err)
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// openAt opens the file and positions it at offset. When tailFromEnd is
// true and offset is 0, it seeks to end-of-file instead — the teacher's
// behavior for a freshly (re)created file after rotation, avoiding a replay
// of an entire new file's backlog. An explicit initial offset of 0 from
// New, by contrast, means "read from the start."
func (s *Source) openAt(offset int64, tailFromEnd bool) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("filesource: opening %s: %w", s.path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("filesource: stat %s: %w", s.path, err)
	}

	if offset == 0 && tailFromEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return fmt.Errorf("filesource: seek end %s: %w", s.path, err)
		}
	} else if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("filesource: seek %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.file = file
	s.reader = bufio.NewReader(file)
	s.offset = offset
	s.inode = inodeOf(stat)
	s.mu.Unlock()
	return nil
}

func (s *Source) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				s.reopen()
			}
			select {
			case s.wakeCh <- struct{}{}:
			default:
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Source) reopen() {
	s.mu.Lock()
	if s.file != nil {
		s.file.Close()
	}
	s.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	_ = s.openAt(0, true)
}

// EmitBatches reads lines from the file until the byte cutoff or heartbeat
// deadline, then emits them with a checkpoint delta carrying the new
// byte-offset position (same shape as types.FilePosition).
func (s *Source) EmitBatches(ctx context.Context, sink source.Sink, from source.Position) error {
	deadline := time.NewTimer(s.heartbeat / 2)
	defer deadline.Stop()

	var docs [][]byte
	var batchNumBytes int

readLoop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		line, err := s.reader.ReadString('\n')
		if len(line) > 0 {
			s.offset += int64(len(line))
		}
		s.mu.Unlock()

		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("filesource: reading %s: %w", s.path, err)
			}
			select {
			case <-s.wakeCh:
				continue readLoop
			case <-deadline.C:
				break readLoop
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		trimmed := []byte(trimNewline(line))
		docs = append(docs, trimmed)
		batchNumBytes += len(trimmed)
		if s.metrics != nil {
			s.metrics.SourceRecordsReceived.WithLabelValues("file", s.path).Inc()
			s.metrics.SourceBytesReceived.WithLabelValues("file", s.path).Add(float64(len(trimmed)))
		}

		if batchNumBytes >= batchNumBytesCutoff {
			break readLoop
		}
	}

	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	currentOffset := s.offset
	s.mu.Unlock()

	current := source.Position{Partition: s.path, Offset: uint64(currentOffset)}
	delta := source.CheckpointDelta{
		PartitionID:      s.path,
		PreviousPosition: from,
		CurrentPosition:  current,
	}
	if s.metrics != nil {
		s.metrics.SourceBatchesEmitted.WithLabelValues("file", s.path).Inc()
	}
	return sink.Receive(ctx, source.RawDocBatch{Docs: docs, Checkpoint: delta})
}

// Position returns the current read position in the same shape the
// teacher's checkpoint.Manager persists.
func (s *Source) Position() types.FilePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.FilePosition{Path: s.path, Offset: s.offset, Inode: s.inode}
}

func trimNewline(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

func inodeOf(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}

// Close stops the watcher and closes the underlying file.
func (s *Source) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
