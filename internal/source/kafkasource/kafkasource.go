// Package kafkasource implements a Kafka-consuming ingest source sharing
// the source.Source contract with walsource, demonstrating the contract is
// implementable by more than the WAL source. It is grounded on the
// teacher's internal/output.KafkaOutput (broker/SASL/TLS/version config
// shape), inverted from a sarama producer to a sarama consumer-group
// client, and uses internal/reliability for reconnect retry.
package kafkasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/metrics"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/reliability"
	"github.com/therealutkarshpriyadarshi/walqueue/internal/source"
)

// Config configures a Source.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// Version is the Kafka protocol version string (e.g. "3.0.0"); empty
	// uses sarama's default.
	Version string

	EnableTLS bool

	SASLEnabled   bool
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string

	// Heartbeat bounds how long EmitBatches waits for messages before
	// returning whatever it has accumulated.
	Heartbeat time.Duration

	// Retry governs the backoff between consumer-group rejoin attempts
	// after Consume returns an error (rebalance storm, broker unreachable).
	// Zero value falls back to reliability.Retry's own defaults.
	Retry reliability.RetryConfig

	// Metrics, if set, receives per-batch record/byte counts.
	Metrics *metrics.Collector
}

// batchNumBytesCutoff mirrors walsource's batch-size cutoff so both
// sources behave the same way from a pipeline's point of view.
const batchNumBytesCutoff = 5_000_000

// Source consumes one Kafka topic via a consumer group and emits
// RawDocBatches, satisfying source.Source.
type Source struct {
	cfg     Config
	group   sarama.ConsumerGroup
	msgCh   chan *sarama.ConsumerMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	breaker *reliability.CircuitBreaker
}

// New creates a Source and starts its consumer-group session loop.
func New(cfg Config) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkasource: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafkasource: no topic configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafkasource: no consumer group configured")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafkasource: invalid Kafka version: %w", err)
		}
		saramaCfg.Version = version
	}

	if cfg.SASLEnabled {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = cfg.SASLUsername
		saramaCfg.Net.SASL.Password = cfg.SASLPassword
		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	if cfg.EnableTLS {
		saramaCfg.Net.TLS.Enable = true
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafkasource: creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:     cfg,
		group:   group,
		msgCh:   make(chan *sarama.ConsumerMessage, 256),
		ctx:     ctx,
		cancel:  cancel,
		breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{}),
	}

	s.wg.Add(1)
	go s.sessionLoop()

	return s, nil
}

// sessionLoop repeatedly joins the consumer group: sarama's Consume call
// returns whenever a rebalance occurs or the broker becomes unreachable.
// Each join attempt is itself retried with exponential backoff via
// internal/reliability.Retry (s.cfg.Retry); the circuit breaker wraps the
// whole retried attempt so a sustained outage trips open instead of
// retrying forever at the innermost layer.
func (s *Source) sessionLoop() {
	defer s.wg.Done()
	handler := &consumerGroupHandler{msgCh: s.msgCh}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		err := s.breaker.Execute(s.ctx, func() error {
			return reliability.Retry(s.ctx, s.cfg.Retry, func(ctx context.Context) error {
				return s.group.Consume(ctx, []string{s.cfg.Topic}, handler)
			})
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler, forwarding
// claimed messages onto msgCh and marking them consumed immediately
// (auto-commit handles the actual offset persistence).
type consumerGroupHandler struct {
	msgCh chan<- *sarama.ConsumerMessage
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.msgCh <- msg:
				session.MarkMessage(msg, "")
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// EmitBatches accumulates messages from the consumer group's delivery
// channel until the byte cutoff or heartbeat deadline, then emits them.
// from is accepted for interface symmetry with walsource; Kafka consumer
// groups own their committed offsets, so resumption is handled by the
// broker rather than by a caller-supplied Position.
func (s *Source) EmitBatches(ctx context.Context, sink source.Sink, from source.Position) error {
	heartbeat := s.cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	deadline := time.NewTimer(heartbeat / 2)
	defer deadline.Stop()

	var docs [][]byte
	var batchNumBytes int
	var lastPartition int32
	var lastOffset int64

readLoop:
	for {
		select {
		case msg := <-s.msgCh:
			docs = append(docs, msg.Value)
			batchNumBytes += len(msg.Value)
			lastPartition = msg.Partition
			lastOffset = msg.Offset
			if s.cfg.Metrics != nil {
				partition := fmt.Sprintf("%s/%d", s.cfg.Topic, msg.Partition)
				s.cfg.Metrics.SourceRecordsReceived.WithLabelValues("kafka", partition).Inc()
				s.cfg.Metrics.SourceBytesReceived.WithLabelValues("kafka", partition).Add(float64(len(msg.Value)))
			}
			if batchNumBytes >= batchNumBytesCutoff {
				break readLoop
			}
		case <-deadline.C:
			break readLoop
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	}

	if len(docs) == 0 {
		return nil
	}

	current := source.Position{
		Partition: fmt.Sprintf("%s/%d", s.cfg.Topic, lastPartition),
		Offset:    uint64(lastOffset),
	}
	delta := source.CheckpointDelta{
		PartitionID:      current.Partition,
		PreviousPosition: from,
		CurrentPosition:  current,
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SourceBatchesEmitted.WithLabelValues("kafka", current.Partition).Inc()
	}
	return sink.Receive(ctx, source.RawDocBatch{Docs: docs, Checkpoint: delta})
}

// Close stops the session loop and leaves the consumer group.
func (s *Source) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.group.Close()
}
