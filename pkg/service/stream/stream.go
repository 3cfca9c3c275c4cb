// Package stream implements support for writing to and reading from a
// partitioned, append-only log.
//
// The log itself is an external system. This package only describes the
// operations the queues rely on: appending messages to a topic, receiving
// records in per partition batches ordered by offset, marking records as
// processed and checkpointing the marked offsets for the consumer group.
package stream

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Poll once the consumer has been closed.
var ErrClosed = errors.New("stream closed")

// Message is a message to append to the log.
type Message struct {
	Key   []byte
	Value []byte
}

// Record is a message read back from the log.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Batch is a run of records of a single partition in offset order.
type Batch struct {
	Topic         string
	Partition     int32
	HighWatermark int64
	Records       []Record

	// Resolve marks the record at offset as processed so that the next
	// checkpoint may commit it.
	Resolve func(offset int64)
}

// Producer appends messages to the log.
type Producer interface {
	Send(ctx context.Context, topic string, msgs []Message) error
}

// Consumer reads the log as a member of a consumer group.
type Consumer interface {
	// Poll blocks until records are available or ctx is done. Batches and an
	// error may be returned together when only some partitions failed.
	Poll(ctx context.Context) ([]Batch, error)
	// CommitMarked checkpoints the offsets marked through Batch.Resolve.
	CommitMarked(ctx context.Context) error
	Close()
}
