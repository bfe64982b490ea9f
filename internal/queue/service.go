package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/metrics"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/reliability"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/tracing"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/wal"
)

// commandChannelCapacity is the bounded MPSC command channel's capacity.
// Fixed, not configurable, matching the single-owner worker design.
const commandChannelCapacity = 5

// Service is the single-owner queue service: one worker goroutine owns the
// WAL writer/reader and a per-index watermark map, processing commands
// sequentially off a bounded channel. It is grounded on the teacher's
// internal/worker.Pool, generalized from an N-worker job pool down to
// exactly one worker with a tagged-command payload in place of JobFunc.
type Service struct {
	dir string

	commands chan command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writer *wal.Writer

	watermarks map[string]uint64
	breaker    *reliability.CircuitBreaker
	metrics    *metrics.Collector
}

// Config configures a Service.
type Config struct {
	Dir                string
	CircuitBreakerTrip func(counts reliability.Counts) bool
	// CircuitBreakerMaxRequests, CircuitBreakerInterval, and
	// CircuitBreakerTimeout mirror config.CircuitBreakerConfig's fields;
	// zero values fall back to internal/reliability's own defaults (1,
	// 60s, 60s) rather than this package's previous hardcoded 1/30s/10s.
	CircuitBreakerMaxRequests uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerTimeout     time.Duration
	// Metrics, if set, receives per-command and per-write observations.
	Metrics *metrics.Collector
}

// Open starts a queue service rooted at dir. It opens (or creates) the WAL
// writer immediately; the worker goroutine starts on Start.
func Open(cfg Config) (*Service, error) {
	w, err := wal.OpenWriter(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("queue: opening WAL writer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	breakerCfg := reliability.CircuitBreakerConfig{
		MaxRequests: cfg.CircuitBreakerMaxRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: cfg.CircuitBreakerTrip,
	}

	svc := &Service{
		dir:        cfg.Dir,
		commands:   make(chan command, commandChannelCapacity),
		ctx:        ctx,
		cancel:     cancel,
		writer:     w,
		watermarks: make(map[string]uint64),
		breaker:    reliability.NewCircuitBreaker(breakerCfg),
		metrics:    cfg.Metrics,
	}
	return svc, nil
}

// Start launches the worker goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops accepting commands, waits for the worker to drain, and closes
// the WAL writer.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.writer.Close()
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd, ok := <-s.commands:
			if !ok {
				return
			}
			s.dispatch(cmd)
		}
	}
}

func (s *Service) dispatch(cmd command) {
	name, start := commandName(cmd.kind), time.Now()
	if s.metrics != nil {
		s.metrics.QueueCommandQueued.Set(float64(len(s.commands)))
	}

	var r reply
	switch cmd.kind {
	case cmdIngest:
		r.err = s.handleIngest(cmd.ingest)
	case cmdFetch:
		r.fetch, r.err = s.handleFetch(cmd.fetch)
	case cmdTail:
		r.fetch, r.err = s.handleTail(cmd.tail)
	case cmdSuggestTruncate:
		r.suggestTruncate, r.err = s.handleSuggestTruncate(cmd.suggestTruncate)
	}

	if s.metrics != nil {
		status := "ok"
		if r.err != nil {
			status = "error"
		}
		s.metrics.QueueCommandsTotal.WithLabelValues(name, status).Inc()
		s.metrics.QueueCommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if cmd.kind == cmdFetch || cmd.kind == cmdTail {
			if r.fetch.DocBatch != nil {
				s.metrics.QueueFetchBatchSize.Observe(float64(len(r.fetch.DocBatch.DocLens)))
			}
		}
	}
	cmd.reply <- r
}

func commandName(kind commandKind) string {
	switch kind {
	case cmdIngest:
		return "ingest"
	case cmdFetch:
		return "fetch"
	case cmdTail:
		return "tail"
	case cmdSuggestTruncate:
		return "suggest_truncate"
	default:
		return "unknown"
	}
}

// submit sends cmd to the worker and waits for its reply, honoring ctx
// cancellation at both the send and the receive suspension points.
func (s *Service) submit(ctx context.Context, cmd command) (reply, error) {
	select {
	case <-s.ctx.Done():
		return reply{}, wal.ErrServiceUnavailable
	default:
	}

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-s.ctx.Done():
		return reply{}, wal.ErrServiceUnavailable
	}

	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Ingest appends every document in req's batches to the WAL, tagged with
// each batch's index id.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	tracer := otel.Tracer("walqueued")
	indexID := ""
	if len(req.DocBatches) > 0 {
		indexID = req.DocBatches[0].IndexID
	}
	ctx, span := tracing.TraceQueue(ctx, tracer, "ingest", indexID)
	defer span.End()

	r, err := s.submit(ctx, command{kind: cmdIngest, ingest: req, reply: make(chan reply, 1)})
	if err != nil {
		return IngestResponse{}, err
	}
	if r.err != nil {
		span.RecordError(r.err)
	}
	return r.ingest, r.err
}

// Fetch returns records for req.IndexID strictly after req.StartAfter.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	tracer := otel.Tracer("walqueued")
	ctx, span := tracing.TraceQueue(ctx, tracer, "fetch", req.IndexID)
	defer span.End()

	r, err := s.submit(ctx, command{kind: cmdFetch, fetch: req, reply: make(chan reply, 1)})
	if err != nil {
		return FetchResponse{}, err
	}
	return r.fetch, r.err
}

// Tail returns the most recent batch of records for req.IndexID.
func (s *Service) Tail(ctx context.Context, req TailRequest) (FetchResponse, error) {
	tracer := otel.Tracer("walqueued")
	ctx, span := tracing.TraceQueue(ctx, tracer, "tail", req.IndexID)
	defer span.End()

	r, err := s.submit(ctx, command{kind: cmdTail, tail: req, reply: make(chan reply, 1)})
	if err != nil {
		return FetchResponse{}, err
	}
	return r.fetch, r.err
}

// SuggestTruncate records a per-index watermark and opportunistically
// reclaims sealed segments that every known index has moved past.
func (s *Service) SuggestTruncate(ctx context.Context, req SuggestTruncateRequest) (SuggestTruncateResponse, error) {
	tracer := otel.Tracer("walqueued")
	ctx, span := tracing.TraceQueue(ctx, tracer, "suggest_truncate", req.IndexID)
	defer span.End()

	r, err := s.submit(ctx, command{kind: cmdSuggestTruncate, suggestTruncate: req, reply: make(chan reply, 1)})
	if err != nil {
		return SuggestTruncateResponse{}, err
	}
	return r.suggestTruncate, r.err
}

func (s *Service) handleIngest(req IngestRequest) error {
	return s.breaker.Execute(s.ctx, func() error {
		var written int
		for _, batch := range req.DocBatches {
			for _, doc := range batch.Docs() {
				envelope := encodeEnvelope(batch.IndexID, doc)
				if _, err := s.writer.Append(envelope); err != nil {
					return fmt.Errorf("queue: ingest append for index %q: %w", batch.IndexID, err)
				}
				written += len(envelope)
			}
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
		if s.metrics != nil && written > 0 {
			s.metrics.WALWriteBytes.WithLabelValues(s.dir).Add(float64(written))
		}
		return nil
	})
}

func (s *Service) handleFetch(req FetchRequest) (FetchResponse, error) {
	r, err := wal.OpenReader(s.dir)
	if errors.Is(err, wal.ErrNoSegments) {
		return FetchResponse{}, nil
	}
	if err != nil {
		return FetchResponse{}, err
	}
	defer r.Close()

	var (
		firstPosition *uint64
		concat        []byte
		lens          []uint64
		accumulated   int
	)

	// A forward scan from the beginning, skipping everything at or before
	// StartAfter, rather than a reader Seek: StartAfter is a position a
	// caller observed in a prior response, not necessarily a frame
	// boundary the reader can seek to directly.
	for {
		entry, err := r.NextEntry()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return FetchResponse{}, err
		}
		if req.StartAfter != nil && entry.Offset <= *req.StartAfter {
			continue
		}

		indexID, doc, decodeErr := decodeEnvelope(entry.Payload)
		if decodeErr != nil {
			return FetchResponse{}, decodeErr
		}
		if indexID != req.IndexID {
			continue
		}
		if accumulated+len(doc) > FetchPayloadLimit && firstPosition != nil {
			break
		}

		if firstPosition == nil {
			offset := entry.Offset
			firstPosition = &offset
		}
		concat = append(concat, doc...)
		lens = append(lens, uint64(len(doc)))
		accumulated += len(doc)

		if accumulated >= FetchPayloadLimit {
			break
		}
	}

	if firstPosition == nil {
		return FetchResponse{}, nil
	}
	return FetchResponse{
		FirstPosition: firstPosition,
		DocBatch:      &DocBatch{IndexID: req.IndexID, ConcatDocs: concat, DocLens: lens},
	}, nil
}

// handleTail scans the WAL forward from the beginning (our reader has no
// native backward iteration), keeping a sliding window of the most recent
// records for req.IndexID that fit within FetchPayloadLimit. The result is
// the same "most recent batch, ascending by offset" the spec describes; it
// costs a full forward scan instead of a true backward seek.
func (s *Service) handleTail(req TailRequest) (FetchResponse, error) {
	r, err := wal.OpenReader(s.dir)
	if errors.Is(err, wal.ErrNoSegments) {
		return FetchResponse{}, nil
	}
	if err != nil {
		return FetchResponse{}, err
	}
	defer r.Close()

	type rec struct {
		offset uint64
		doc    []byte
	}
	var window []rec
	var windowBytes int

	for {
		entry, err := r.NextEntry()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return FetchResponse{}, err
		}

		indexID, doc, decodeErr := decodeEnvelope(entry.Payload)
		if decodeErr != nil {
			return FetchResponse{}, decodeErr
		}
		if indexID != req.IndexID {
			continue
		}

		owned := append([]byte(nil), doc...)
		window = append(window, rec{offset: entry.Offset, doc: owned})
		windowBytes += len(owned)

		for windowBytes > FetchPayloadLimit && len(window) > 1 {
			windowBytes -= len(window[0].doc)
			window = window[1:]
		}
	}

	if len(window) == 0 {
		return FetchResponse{}, nil
	}

	var concat []byte
	lens := make([]uint64, 0, len(window))
	for _, w := range window {
		concat = append(concat, w.doc...)
		lens = append(lens, uint64(len(w.doc)))
	}
	first := window[0].offset
	return FetchResponse{
		FirstPosition: &first,
		DocBatch:      &DocBatch{IndexID: req.IndexID, ConcatDocs: concat, DocLens: lens},
	}, nil
}

func (s *Service) handleSuggestTruncate(req SuggestTruncateRequest) (SuggestTruncateResponse, error) {
	s.watermarks[req.IndexID] = req.UpToPositionIncluded

	min, ok := s.minWatermark()
	if !ok {
		return SuggestTruncateResponse{}, nil
	}

	// A sealed segment qualifies for deletion when top_offset - 1 <= min,
	// i.e. top_offset <= min + 1; Truncate already deletes segments whose
	// top_offset <= the offset passed to it.
	if err := wal.Truncate(s.dir, min+1); err != nil {
		return SuggestTruncateResponse{}, err
	}
	return SuggestTruncateResponse{}, nil
}

func (s *Service) minWatermark() (uint64, bool) {
	if len(s.watermarks) == 0 {
		return 0, false
	}
	first := true
	var min uint64
	for _, w := range s.watermarks {
		if first || w < min {
			min = w
			first = false
		}
	}
	return min, true
}
