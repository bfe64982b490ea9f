package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the walqueued service.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	WAL         WALConfig          `yaml:"wal"`
	Sources     SourcesConfig      `yaml:"sources,omitempty"`
	Reliability *ReliabilityConfig `yaml:"reliability,omitempty"`
	DeadLetter  *DeadLetterConfig  `yaml:"dead_letter,omitempty"`
	Metrics     *MetricsConfig     `yaml:"metrics,omitempty"`
	Health      *HealthConfig      `yaml:"health,omitempty"`
	Tracing     *TracingConfig     `yaml:"tracing,omitempty"`
	Profiling   *ProfilingConfig   `yaml:"profiling,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// WALConfig holds Write-Ahead Log configuration
type WALConfig struct {
	Dir             string `yaml:"dir"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes,omitempty"`
}

// SourcesConfig defines the ingest sources to start alongside the queue
// service. Unlike the distilled spec, which treats ingestion as a single
// WAL-tailing pull loop, a deployable service also needs file and Kafka
// adapters wired to configuration, since not every upstream writes directly
// to the WAL.
type SourcesConfig struct {
	WAL   []WALSourceConfig   `yaml:"wal,omitempty"`
	Files []FileSourceConfig  `yaml:"files,omitempty"`
	Kafka []KafkaSourceConfig `yaml:"kafka,omitempty"`
}

// WALSourceConfig configures one walsource.Source. IndexID names the queue
// index its records are ingested under.
type WALSourceConfig struct {
	IndexID          string        `yaml:"index_id"`
	Dir              string        `yaml:"dir"`
	Heartbeat        time.Duration `yaml:"heartbeat,omitempty"`
	RecordsPerSecond float64       `yaml:"records_per_second,omitempty"`
}

// FileSourceConfig configures one filesource.Source. IndexID names the
// queue index its lines are ingested under.
type FileSourceConfig struct {
	IndexID   string        `yaml:"index_id"`
	Path      string        `yaml:"path"`
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"`
}

// KafkaSourceConfig configures one kafkasource.Source. IndexID names the
// queue index its messages are ingested under.
type KafkaSourceConfig struct {
	IndexID       string        `yaml:"index_id"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Version       string        `yaml:"version,omitempty"`
	Heartbeat     time.Duration `yaml:"heartbeat,omitempty"`
	SASLEnabled   bool          `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string        `yaml:"sasl_username,omitempty"`
	SASLPassword  string        `yaml:"sasl_password,omitempty"`
	EnableTLS     bool          `yaml:"enable_tls,omitempty"`
}

// ReliabilityConfig holds retry and circuit breaker configuration
type ReliabilityConfig struct {
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration, applied to the
// queue service's ingest path (§4.8b).
type CircuitBreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SampleRate   float64 `yaml:"sample_rate,omitempty"`
	EnableStdout bool    `yaml:"enable_stdout,omitempty"`
}

// ProfilingConfig holds pprof server configuration, mirroring
// internal/profiling.Config's yaml tags directly since that package is
// generic enough to reuse its own struct shape here.
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address"`
	CPUProfilePath     string `yaml:"cpu_profile,omitempty"`
	MemProfilePath     string `yaml:"mem_profile,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// Default values
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultWALDir    = "/var/lib/walqueued/wal"
	DefaultHeartbeat = 2 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = DefaultWALDir
	}

	for i := range c.Sources.WAL {
		if c.Sources.WAL[i].Heartbeat == 0 {
			c.Sources.WAL[i].Heartbeat = DefaultHeartbeat
		}
	}
	for i := range c.Sources.Files {
		if c.Sources.Files[i].Heartbeat == 0 {
			c.Sources.Files[i].Heartbeat = DefaultHeartbeat
		}
	}
	for i := range c.Sources.Kafka {
		if c.Sources.Kafka[i].Heartbeat == 0 {
			c.Sources.Kafka[i].Heartbeat = DefaultHeartbeat
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.WAL.Dir == "" {
		return fmt.Errorf("wal dir must be configured")
	}

	for i, ws := range c.Sources.WAL {
		if ws.IndexID == "" {
			return fmt.Errorf("wal source %d has no index_id configured", i)
		}
		if ws.Dir == "" {
			return fmt.Errorf("wal source %d has no dir configured", i)
		}
	}
	for i, fs := range c.Sources.Files {
		if fs.IndexID == "" {
			return fmt.Errorf("file source %d has no index_id configured", i)
		}
		if fs.Path == "" {
			return fmt.Errorf("file source %d has no path configured", i)
		}
	}
	for i, ks := range c.Sources.Kafka {
		if ks.IndexID == "" {
			return fmt.Errorf("kafka source %d has no index_id configured", i)
		}
		if len(ks.Brokers) == 0 {
			return fmt.Errorf("kafka source %d has no brokers configured", i)
		}
		if ks.Topic == "" {
			return fmt.Errorf("kafka source %d has no topic configured", i)
		}
		if ks.GroupID == "" {
			return fmt.Errorf("kafka source %d has no group_id configured", i)
		}
	}

	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration: a single WAL directory with
// no file or Kafka sources configured.
func DefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		WAL: WALConfig{
			Dir: DefaultWALDir,
		},
	}
	return cfg
}
