package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/buffer"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/config"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/dlq"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/health"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/logging"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/metrics"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/profiling"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/queue"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/reliability"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/server"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source/filesource"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source/kafkasource"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source/walsource"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/tracing"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/wal"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	version    = "0.2.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadOrDefault(*configFile)

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)
	logger.Info().Str("version", version).Str("wal_dir", cfg.WAL.Dir).Msg("Starting walqueued")

	collector := metrics.GetGlobalCollector()
	collector.Start()
	defer collector.Stop()

	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:      cfg.Tracing.Enabled,
			Endpoint:     cfg.Tracing.Endpoint,
			SampleRate:   cfg.Tracing.SampleRate,
			EnableStdout: cfg.Tracing.EnableStdout,
		}
	}
	tracer, err := tracing.NewProvider(context.Background(), tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to start tracing provider: %w", err)
	}

	if cfg.WAL.SegmentMaxBytes > 0 {
		wal.SegmentMaxNumBytes = cfg.WAL.SegmentMaxBytes
	}

	var invalidSink *dlq.Sink
	if cfg.DeadLetter != nil && cfg.DeadLetter.Enabled {
		invalidSink, err = dlq.New(dlq.Config{Dir: cfg.DeadLetter.Dir})
		if err != nil {
			return fmt.Errorf("failed to open dead letter sink: %w", err)
		}
	}

	queueCfg := queue.Config{Dir: cfg.WAL.Dir, Metrics: collector}
	if cfg.Reliability != nil && cfg.Reliability.CircuitBreaker != nil {
		queueCfg.CircuitBreakerMaxRequests = cfg.Reliability.CircuitBreaker.MaxRequests
		queueCfg.CircuitBreakerInterval = cfg.Reliability.CircuitBreaker.Interval
		queueCfg.CircuitBreakerTimeout = cfg.Reliability.CircuitBreaker.Timeout
	}
	svc, err := queue.Open(queueCfg)
	if err != nil {
		return fmt.Errorf("failed to open queue service: %w", err)
	}
	svc.Start()
	if err := queue.Set(svc); err != nil {
		return fmt.Errorf("failed to install queue service: %w", err)
	}

	var healthTimeout time.Duration
	if cfg.Health != nil {
		healthTimeout = cfg.Health.Timeout
	}
	healthChecker := health.NewChecker(healthTimeout)
	healthChecker.Register("queue", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusHealthy, LastChecked: time.Now()}
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	runSource := func(indexID string, src source.Source) {
		rb, err := buffer.NewRingBuffer(buffer.RingBufferConfig{
			Size:                 256,
			BackpressureStrategy: buffer.BackpressureBlock,
		})
		if err != nil {
			logger.Error().Err(err).Str("index_id", indexID).Msg("failed to create ingest buffer")
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rb.Close()
			for {
				batch, err := rb.Dequeue(ctx)
				if err != nil {
					return
				}
				if _, err := svc.Ingest(ctx, queue.IngestRequest{DocBatches: []queue.DocBatch{batch}}); err != nil {
					logger.Error().Err(err).Str("index_id", indexID).Msg("queue ingest failed")
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &ingestSink{buffer: rb, indexID: indexID}
			pos := source.Beginning
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := src.EmitBatches(ctx, sink, pos); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error().Err(err).Str("index_id", indexID).Msg("source emit_batches failed")
					continue
				}
				if d := sink.lastDelta; d != nil {
					pos = d.CurrentPosition
				}
			}
		}()
	}

	var closers []func() error

	for _, wsCfg := range cfg.Sources.WAL {
		src, err := walsource.New(walsource.Config{
			Dir:              wsCfg.Dir,
			Heartbeat:        wsCfg.Heartbeat,
			RecordsPerSecond: wsCfg.RecordsPerSecond,
			InvalidSink:      invalidSink,
			Logger:           logger.WithComponent("walsource"),
			Metrics:          collector,
		})
		if err != nil {
			return fmt.Errorf("failed to start wal source %q: %w", wsCfg.IndexID, err)
		}
		closers = append(closers, src.Close)
		runSource(wsCfg.IndexID, src)
	}

	for _, fsCfg := range cfg.Sources.Files {
		src, err := filesource.New(filesource.Config{
			Path:      fsCfg.Path,
			Heartbeat: fsCfg.Heartbeat,
			Metrics:   collector,
		}, source.Beginning)
		if err != nil {
			return fmt.Errorf("failed to start file source %q: %w", fsCfg.IndexID, err)
		}
		closers = append(closers, src.Close)
		runSource(fsCfg.IndexID, src)
	}

	var kafkaRetry reliability.RetryConfig
	if cfg.Reliability != nil && cfg.Reliability.Retry != nil {
		kafkaRetry = reliability.RetryConfig{
			MaxRetries:     cfg.Reliability.Retry.MaxRetries,
			InitialBackoff: cfg.Reliability.Retry.InitialBackoff,
			MaxBackoff:     cfg.Reliability.Retry.MaxBackoff,
			Multiplier:     cfg.Reliability.Retry.Multiplier,
			Jitter:         cfg.Reliability.Retry.Jitter,
		}
	}

	for _, ksCfg := range cfg.Sources.Kafka {
		src, err := kafkasource.New(kafkasource.Config{
			Brokers:       ksCfg.Brokers,
			Topic:         ksCfg.Topic,
			GroupID:       ksCfg.GroupID,
			Version:       ksCfg.Version,
			Heartbeat:     ksCfg.Heartbeat,
			SASLEnabled:   ksCfg.SASLEnabled,
			SASLMechanism: ksCfg.SASLMechanism,
			SASLUsername:  ksCfg.SASLUsername,
			SASLPassword:  ksCfg.SASLPassword,
			EnableTLS:     ksCfg.EnableTLS,
			Retry:         kafkaRetry,
			Metrics:       collector,
		})
		if err != nil {
			return fmt.Errorf("failed to start kafka source %q: %w", ksCfg.IndexID, err)
		}
		closers = append(closers, src.Close)
		runSource(ksCfg.IndexID, src)
	}

	var httpServer *server.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled || cfg.Health != nil && cfg.Health.Enabled {
		srvCfg := server.Config{Logger: logger, HealthChecker: healthChecker}
		if cfg.Metrics != nil && cfg.Metrics.Enabled {
			srvCfg.MetricsAddress = cfg.Metrics.Address
			srvCfg.MetricsPath = cfg.Metrics.Path
			srvCfg.MetricsRegistry = collector.Registry()
		}
		if cfg.Health != nil && cfg.Health.Enabled {
			srvCfg.HealthAddress = cfg.Health.Address
			srvCfg.LivenessPath = cfg.Health.LivenessPath
			srvCfg.ReadinessPath = cfg.Health.ReadinessPath
		}
		httpServer = server.New(srvCfg)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start http server: %w", err)
		}
	}

	var profiler *profiling.Profiler
	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		profiler, err = profiling.New(profiling.Config{
			Enabled:            cfg.Profiling.Enabled,
			Address:            cfg.Profiling.Address,
			CPUProfilePath:     cfg.Profiling.CPUProfilePath,
			MemProfilePath:     cfg.Profiling.MemProfilePath,
			BlockProfile:       cfg.Profiling.BlockProfile,
			MutexProfile:       cfg.Profiling.MutexProfile,
			GoroutineThreshold: cfg.Profiling.GoroutineThreshold,
		}, logger.WithComponent("profiling"))
		if err != nil {
			return fmt.Errorf("failed to create profiler: %w", err)
		}
		if err := profiler.Start(); err != nil {
			return fmt.Errorf("failed to start profiler: %w", err)
		}
	}

	shutdownMgr := shutdown.New(shutdown.Config{Logger: logger})
	shutdownMgr.RegisterFunc("sources", func(shutdownCtx context.Context) error {
		cancel()
		wg.Wait()
		var firstErr error
		for _, closeFn := range closers {
			if err := closeFn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
	shutdownMgr.RegisterFunc("queue", func(shutdownCtx context.Context) error {
		return svc.Close()
	})
	if invalidSink != nil {
		shutdownMgr.RegisterFunc("dead_letter", func(shutdownCtx context.Context) error {
			return invalidSink.Close()
		})
	}
	if httpServer != nil {
		shutdownMgr.RegisterFunc("http_server", httpServer.Stop)
	}
	if profiler != nil {
		shutdownMgr.RegisterFunc("profiling", func(shutdownCtx context.Context) error {
			return profiler.Stop()
		})
	}
	shutdownMgr.RegisterFunc("tracing", tracer.Shutdown)

	shutdownMgr.WaitForSignal()
	return nil
}

// ingestSink adapts a source.Sink into a queue.DocBatch pushed onto a
// per-source buffer.RingBuffer, tagging every batch with the source's
// configured index id. A separate drain goroutine dequeues from the
// buffer and calls queue.Service.Ingest, decoupling the source's read loop
// from WAL write latency.
type ingestSink struct {
	buffer    *buffer.RingBuffer
	indexID   string
	lastDelta *source.CheckpointDelta
}

func (s *ingestSink) Receive(ctx context.Context, batch source.RawDocBatch) error {
	delta := batch.Checkpoint
	s.lastDelta = &delta
	return s.buffer.Enqueue(ctx, queue.NewDocBatch(s.indexID, batch.Docs))
}
