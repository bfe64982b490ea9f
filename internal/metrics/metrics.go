package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "walqueued"

// Collector provides a central place for all application metrics
type Collector struct {
	// WAL metrics
	WALWriteBytes      *prometheus.CounterVec
	WALSegments        *prometheus.GaugeVec
	WALWriteDuration   *prometheus.HistogramVec
	WALTruncationCount *prometheus.CounterVec

	// Queue service metrics
	QueueCommandsTotal   *prometheus.CounterVec
	QueueCommandDuration *prometheus.HistogramVec
	QueueCommandQueued   *prometheus.Gauge
	QueueFetchBatchSize  *prometheus.Histogram

	// Ingest source metrics
	SourceRecordsReceived *prometheus.CounterVec
	SourceBytesReceived   *prometheus.CounterVec
	SourceRecordsInvalid  *prometheus.CounterVec
	SourceBatchesEmitted  *prometheus.CounterVec

	// System metrics
	SystemGoroutines *prometheus.Gauge
	SystemMemAlloc   *prometheus.Gauge
	SystemMemSys     *prometheus.Gauge
	SystemGCPauses   *prometheus.Histogram

	// Dead letter queue metrics
	DLQEventsWritten *prometheus.Counter
	DLQSize          *prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.RWMutex
	started  bool
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initWALMetrics()
	c.initQueueMetrics()
	c.initSourceMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initWALMetrics() {
	c.WALWriteBytes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "write_bytes_total",
			Help:      "Total bytes written to WAL",
		},
		[]string{"wal_dir"},
	)

	c.WALSegments = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "segments_total",
			Help:      "Current number of WAL segments",
		},
		[]string{"wal_dir"},
	)

	c.WALWriteDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "write_duration_seconds",
			Help:      "Time taken to append and flush a record to WAL",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
		},
		[]string{"wal_dir"},
	)

	c.WALTruncationCount = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "truncation_total",
			Help:      "Total number of sealed-segment truncations",
		},
		[]string{"wal_dir"},
	)
}

func (c *Collector) initQueueMetrics() {
	c.QueueCommandsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_total",
			Help:      "Total number of commands processed by the queue service, by kind and outcome",
		},
		[]string{"command", "status"},
	)

	c.QueueCommandDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "command_duration_seconds",
			Help:      "Time the worker goroutine spent handling a single command",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"command"},
	)

	c.QueueCommandQueued = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_queued",
			Help:      "Current depth of the queue service's command channel",
		},
	)

	c.QueueFetchBatchSize = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetch_batch_docs",
			Help:      "Number of documents returned per Fetch call",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
}

func (c *Collector) initSourceMetrics() {
	c.SourceRecordsReceived = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "records_received_total",
			Help:      "Total number of records read by an ingest source",
		},
		[]string{"source_type", "partition"},
	)

	c.SourceBytesReceived = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_received_total",
			Help:      "Total bytes read by an ingest source",
		},
		[]string{"source_type", "partition"},
	)

	c.SourceRecordsInvalid = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "records_invalid_total",
			Help:      "Total number of records dropped for being empty or non-UTF8",
		},
		[]string{"source_type", "partition", "reason"},
	)

	c.SourceBatchesEmitted = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "batches_emitted_total",
			Help:      "Total number of RawDocBatches emitted to a sink",
		},
		[]string{"source_type", "partition"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~160ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEventsWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_written_total",
			Help:      "Total number of records written to the dead letter queue",
		},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "size_bytes",
			Help:      "Current size of dead letter queue in bytes",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			c.collectSystemMetrics()
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if len(m.PauseNs) > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
		globalCollector.Start()
	})
	return globalCollector
}
