// Package source defines the pull-based adapter contract shared by the WAL,
// file, and Kafka ingest sources: each reads from its own upstream and emits
// batches of documents paired with a checkpoint delta describing how far it
// advanced.
package source

import "context"

// Position is an opaque resume point a source hands back in a
// CheckpointDelta and accepts again on the next EmitBatches call after a
// restart. Its interpretation (byte offset, partition+offset pair, ...) is
// source-specific.
type Position struct {
	// Offset is the byte or record offset this position names, in
	// whatever unit the owning source defines.
	Offset uint64
	// Partition identifies the upstream partition this offset belongs to
	// (a WAL directory's canonical path, a file path, a Kafka
	// topic-partition). Empty for sources with a single partition.
	Partition string
}

// Beginning is the zero value of Position, representing "start of stream"
// for a source with no prior checkpoint.
var Beginning = Position{}

// CheckpointDelta describes how a source's read position moved during one
// EmitBatches call: from PreviousPosition (exclusive) to CurrentPosition
// (inclusive).
type CheckpointDelta struct {
	PartitionID      string
	PreviousPosition Position
	CurrentPosition  Position
}

// RawDocBatch is one batch of raw document payloads plus the checkpoint
// delta describing the read progress that produced them.
type RawDocBatch struct {
	Docs       [][]byte
	Checkpoint CheckpointDelta
}

// Sink receives batches emitted by a Source. A channel-backed
// implementation is provided by ChannelSink for production wiring; tests
// typically provide a slice-collecting fake.
type Sink interface {
	Receive(ctx context.Context, batch RawDocBatch) error
}

// Source is a pull-based adapter: EmitBatches runs one iteration of its
// read loop, pushing whatever it accumulated to sink, and returns when the
// loop's batch-size cutoff or deadline is reached, or the upstream is
// drained. Callers loop EmitBatches to keep pulling; ctx cancellation ends
// the call at its next suspension point.
type Source interface {
	// EmitBatches runs one read-and-emit cycle starting from the given
	// checkpoint position, pushing accumulated documents to sink.
	EmitBatches(ctx context.Context, sink Sink, from Position) error
	// Close releases any resources the source holds open (file handles,
	// watchers, consumer group sessions).
	Close() error
}

// ChannelSink is a Sink that forwards every batch onto a buffered channel,
// for wiring a Source into a consumer goroutine.
type ChannelSink struct {
	batches chan RawDocBatch
}

// NewChannelSink creates a ChannelSink with the given channel capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{batches: make(chan RawDocBatch, capacity)}
}

// Receive implements Sink by forwarding batch onto the channel, respecting
// ctx cancellation.
func (c *ChannelSink) Receive(ctx context.Context, batch RawDocBatch) error {
	select {
	case c.batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batches returns the channel batches are delivered on.
func (c *ChannelSink) Batches() <-chan RawDocBatch {
	return c.batches
}

// Close closes the underlying channel. Callers must ensure no concurrent
// Receive call is in flight.
func (c *ChannelSink) Close() {
	close(c.batches)
}
