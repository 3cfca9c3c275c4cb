package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/leasequeue/pkg/service/stream"
)

// fetchRetryDelay is how long Fetch waits before looking at an empty buffer
// a second time.
const fetchRetryDelay = 50 * time.Millisecond

// Claim is a log message handed out by ClaimQueue.Fetch.
type Claim struct {
	Event
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Position is the log coordinate of a committed claim.
type Position struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// PartitionState is the consumption state of one partition. Offsets are -1
// until something was queued or committed.
type PartitionState struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Queued    int64  `json:"queuedOffset"`
	Committed int64  `json:"committedOffset"`
}

type buffered struct {
	rec     stream.Record
	resolve func(int64)
}

type claimed struct {
	Claim
	resolve func(int64)
}

type topicPartition struct {
	topic     string
	partition int32
}

// ClaimQueue buffers log messages of a subscriber and hands them out one at
// a time. A claimed message must be committed before the next one is handed
// out; fetching again returns the same message.
//
// A ClaimQueue serves a single logical consumer.
type ClaimQueue struct {
	l log.Logger

	mu      sync.Mutex
	buffer  []buffered
	claim   *claimed
	offsets map[topicPartition]*PartitionState
}

// NewClaimQueue returns an empty ClaimQueue.
func NewClaimQueue(l log.Logger) *ClaimQueue {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &ClaimQueue{
		l:       l,
		offsets: make(map[topicPartition]*PartitionState),
	}
}

func (q *ClaimQueue) state(topic string, partition int32) *PartitionState {
	tp := topicPartition{topic, partition}
	s, ok := q.offsets[tp]
	if !ok {
		s = &PartitionState{Topic: topic, Partition: partition, Queued: -1, Committed: -1}
		q.offsets[tp] = s
	}
	return s
}

// Deliver buffers the records of b that lie above the partition's queued
// offset and returns how many were buffered. Records at or below it were
// delivered before and are dropped.
func (q *ClaimQueue) Deliver(b stream.Batch) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.state(b.Topic, b.Partition)
	n := 0
	for _, r := range b.Records {
		if r.Offset <= s.Queued {
			continue
		}
		q.buffer = append(q.buffer, buffered{rec: r, resolve: b.Resolve})
		s.Queued = r.Offset
		n++
	}
	if n > 0 {
		_ = q.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Queued %d messages of %s/%d", n, b.Topic, b.Partition),
			"queuedOffset", s.Queued, "committedOffset", s.Committed)
	} else if len(b.Records) > 0 {
		_ = q.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Dropped redelivered batch of %s/%d", b.Topic, b.Partition),
			"queuedOffset", s.Queued)
	}
	return n
}

// Fetch claims the oldest buffered message. While a claim is held the same
// message is returned again. If the buffer is empty Fetch waits a short
// while once and then returns ErrEmptyQueue.
func (q *ClaimQueue) Fetch(ctx context.Context) (*Claim, error) {
	c, err := q.tryFetch()
	if errors.Cause(err) != ErrEmptyQueue {
		return c, err
	}
	t := time.NewTimer(fetchRetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, err
	}
	return q.tryFetch()
}

func (q *ClaimQueue) tryFetch() (*Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claim != nil {
		c := q.claim.Claim
		return &c, nil
	}
	if len(q.buffer) == 0 {
		return nil, errors.Wrapf(ErrEmptyQueue, "queue: %d claim: 0", len(q.buffer))
	}
	next := q.buffer[0]
	q.buffer[0] = buffered{}
	q.buffer = q.buffer[1:]

	c := claimed{
		Claim: Claim{
			Topic:     next.rec.Topic,
			Partition: next.rec.Partition,
			Offset:    next.rec.Offset,
		},
		resolve: next.resolve,
	}
	if err := json.Unmarshal(next.rec.Value, &c.Event); err != nil {
		_ = q.l.Log("LEVEL", "WARN", "MESSAGE", "Failed to fetch item",
			"topic", next.rec.Topic, "partition", next.rec.Partition, "offset", next.rec.Offset, "error", err)
		return nil, errors.Wrapf(ErrUnreadable, "%s/%d@%d", next.rec.Topic, next.rec.Partition, next.rec.Offset)
	}
	q.claim = &c
	out := c.Claim
	return &out, nil
}

// Commit resolves the offset of the claimed message and releases the claim.
func (q *ClaimQueue) Commit() (Position, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claim == nil {
		return Position{}, ErrNoClaim
	}
	c := q.claim
	q.claim = nil
	if c.resolve != nil {
		c.resolve(c.Offset)
	}
	q.state(c.Topic, c.Partition).Committed = c.Offset
	_ = q.l.Log("LEVEL", "DEBUG", "MESSAGE", "Commit",
		"topic", c.Topic, "partition", c.Partition, "offset", c.Offset)
	return Position{Topic: c.Topic, Partition: c.Partition, Offset: c.Offset}, nil
}

// Offsets returns the state of every partition seen so far, ordered by
// topic and partition.
func (q *ClaimQueue) Offsets() []PartitionState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PartitionState, 0, len(q.offsets))
	for _, s := range q.offsets {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
