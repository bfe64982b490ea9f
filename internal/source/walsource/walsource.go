// Package walsource implements the WAL ingest source: a pull-based adapter
// that reads records from a WAL directory and emits batches with checkpoint
// deltas, per spec §4.9. It is structurally grounded on the teacher's
// internal/tailer.Tailer (ctx/cancel/wg shape, fsnotify-driven wakeups) with
// file-tailing replaced by WAL-record reading.
package walsource

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/dlq"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/logging"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/metrics"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/wal"
)

// batchNumBytesCutoff is the accumulated payload size, per spec §4.9 step
// 2, at which emit_batches stops accumulating and emits what it has.
const batchNumBytesCutoff = 5_000_000

// Config configures a Source.
type Config struct {
	// Dir is the WAL directory to read from.
	Dir string
	// Heartbeat is the actor heartbeat; emit_batches races each
	// reader.next_entry() against half this duration, per spec §4.9 step 1.
	Heartbeat time.Duration
	// InvalidSink receives non-UTF8 or empty records, if set. Beyond what
	// spec.md requires (§4.9 just drops them and counts num_invalid).
	InvalidSink *dlq.Sink
	Logger      *logging.Logger
	// RecordsPerSecond, if positive, caps the rate at which records are
	// pulled off the WAL within one EmitBatches call — a downstream-
	// protection knob, not part of the core algorithm.
	RecordsPerSecond float64
	// Metrics, if set, receives per-batch record/byte/invalid counts.
	Metrics *metrics.Collector
}

// Source reads records from one WAL directory and emits RawDocBatches.
type Source struct {
	partitionID string
	dir         string
	heartbeat   time.Duration
	invalidSink *dlq.Sink
	logger      *logging.Logger
	limiter     *rate.Limiter
	metrics     *metrics.Collector

	watcher *fsnotify.Watcher
	wakeCh  chan struct{}

	numBytes   uint64
	numRecords uint64
	numInvalid uint64
}

// New creates a Source rooted at cfg.Dir. The WAL directory must already
// exist (created by opening a wal.Writer against it) for the fsnotify
// watcher to attach.
func New(cfg Config) (*Source, error) {
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("walsource: resolving directory: %w", err)
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("walsource: creating watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("walsource: watching %s: %w", abs, err)
	}

	var limiter *rate.Limiter
	if cfg.RecordsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RecordsPerSecond), int(cfg.RecordsPerSecond)+1)
	}

	s := &Source{
		partitionID: abs,
		dir:         abs,
		heartbeat:   heartbeat,
		invalidSink: cfg.InvalidSink,
		logger:      cfg.Logger,
		limiter:     limiter,
		metrics:     cfg.Metrics,
		watcher:     watcher,
		wakeCh:      make(chan struct{}, 1),
	}
	go s.watchLoop()
	return s, nil
}

// watchLoop drains fsnotify events into a single-slot wake channel; the
// event content doesn't matter, only that something changed in the
// directory (a new segment, a rollover).
func (s *Source) watchLoop() {
	for {
		select {
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
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

// Close stops the directory watcher.
func (s *Source) Close() error {
	return s.watcher.Close()
}

// EmitBatches runs one read-and-emit cycle starting from the WAL offset
// named by from (0 for source.Beginning), per spec §4.9's emit_batches:
// race reader.next_entry() against a half-heartbeat deadline, accumulate
// until the 5,000,000-byte cutoff or the deadline, then emit whatever was
// accumulated with its checkpoint delta. A clean end-of-log does not end the
// call: the loop parks until the WAL directory changes or the deadline
// elapses.
func (s *Source) EmitBatches(ctx context.Context, sink source.Sink, from source.Position) error {
	currentOffset := from.Offset

	r, err := wal.OpenReader(s.dir)
	if err != nil {
		if err == wal.ErrNoSegments {
			return nil
		}
		return err
	}
	defer r.Close()

	if currentOffset > 0 {
		if err := r.Seek(currentOffset); err != nil {
			return err
		}
	}

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

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		entry, err := r.NextEntry()
		if err != nil {
			if err != io.EOF {
				return err
			}
			// Clean end-of-log: park until either the WAL directory
			// changes (fsnotify wake, per [EXPANSION 4.9b] — a latency
			// optimization only) or the deadline elapses, then retry.
			select {
			case <-s.wakeCh:
				continue readLoop
			case <-deadline.C:
				break readLoop
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		currentOffset = entry.NextOffset()
		s.numRecords++
		if s.metrics != nil {
			s.metrics.SourceRecordsReceived.WithLabelValues("wal", s.partitionID).Inc()
		}

		if len(entry.Payload) == 0 || !utf8.Valid(entry.Payload) {
			s.numInvalid++
			reason := "empty payload"
			if len(entry.Payload) != 0 {
				reason = "invalid utf-8"
			}
			if s.invalidSink != nil {
				_ = s.invalidSink.Enqueue(s.partitionID, entry.Offset, entry.Payload, reason)
			}
			if s.metrics != nil {
				s.metrics.SourceRecordsInvalid.WithLabelValues("wal", s.partitionID, reason).Inc()
			}
			continue
		}

		docs = append(docs, entry.Payload)
		batchNumBytes += len(entry.Payload)
		s.numBytes += uint64(len(entry.Payload))
		if s.metrics != nil {
			s.metrics.SourceBytesReceived.WithLabelValues("wal", s.partitionID).Add(float64(len(entry.Payload)))
		}

		if batchNumBytes >= batchNumBytesCutoff {
			break readLoop
		}

		select {
		case <-deadline.C:
			break readLoop
		default:
		}
	}

	if len(docs) == 0 {
		return nil
	}

	delta := source.CheckpointDelta{
		PartitionID:      s.partitionID,
		PreviousPosition: from,
		CurrentPosition:  source.Position{Offset: currentOffset, Partition: s.partitionID},
	}
	if s.metrics != nil {
		s.metrics.SourceBatchesEmitted.WithLabelValues("wal", s.partitionID).Inc()
	}
	return sink.Receive(ctx, source.RawDocBatch{Docs: docs, Checkpoint: delta})
}

// Stats returns the cumulative record/byte/invalid counters since New.
func (s *Source) Stats() (numBytes, numRecords, numInvalid uint64) {
	return s.numBytes, s.numRecords, s.numInvalid
}
