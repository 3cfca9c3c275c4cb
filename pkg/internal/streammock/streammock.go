package streammock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rwool/leasequeue/pkg/service/stream"
)

// Log is a mock implementation of the stream.Producer and stream.Consumer
// types: a set of topics split into a fixed number of partitions, read by a
// single consumer.
//
// Intended for testing only.
type Log struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]stream.Record
	cursor     map[string][]int64
	marked     map[string][]int64
	committed  map[string][]int64
	notify     chan struct{}
	closed     bool

	// SendErr, when set, is returned by Send.
	SendErr error
	sends int
}

var (
	_ stream.Producer = (*Log)(nil)
	_ stream.Consumer = (*Log)(nil)
)

// New returns a new Log with the given number of partitions per topic.
func New(partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	return &Log{
		partitions: partitions,
		topics:     make(map[string][][]stream.Record),
		cursor:     make(map[string][]int64),
		marked:     make(map[string][]int64),
		committed:  make(map[string][]int64),
		notify:     make(chan struct{}),
	}
}

func (l *Log) topic(name string) [][]stream.Record {
	t, ok := l.topics[name]
	if !ok {
		t = make([][]stream.Record, l.partitions)
		l.topics[name] = t
		l.cursor[name] = make([]int64, l.partitions)
		l.marked[name] = filled(l.partitions, -1)
		l.committed[name] = filled(l.partitions, -1)
	}
	return t
}

func filled(n int, v int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (l *Log) partition(key []byte) int32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % uint32(l.partitions))
}

// Send appends msgs to topic.
func (l *Log) Send(_ context.Context, topic string, msgs []stream.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends++
	if l.SendErr != nil {
		return l.SendErr
	}
	t := l.topic(topic)
	for _, m := range msgs {
		p := l.partition(m.Key)
		t[p] = append(t[p], stream.Record{
			Topic:     topic,
			Partition: p,
			Offset:    int64(len(t[p])),
			Key:       m.Key,
			Value:     m.Value,
		})
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Poll returns the records appended since the last poll, waiting for new
// ones if there are none.
func (l *Log) Poll(ctx context.Context) ([]stream.Batch, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, stream.ErrClosed
		}
		batches := l.pending()
		wait := l.notify
		l.mu.Unlock()
		if len(batches) > 0 {
			return batches, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Log) pending() []stream.Batch {
	var out []stream.Batch
	for name, t := range l.topics {
		for p, recs := range t {
			from := l.cursor[name][p]
			if from >= int64(len(recs)) {
				continue
			}
			l.cursor[name][p] = int64(len(recs))
			name, p := name, p
			out = append(out, stream.Batch{
				Topic:         name,
				Partition:     int32(p),
				HighWatermark: int64(len(recs)),
				Records:       append([]stream.Record(nil), recs[from:]...),
				Resolve: func(offset int64) {
					l.mu.Lock()
					defer l.mu.Unlock()
					if offset > l.marked[name][p] {
						l.marked[name][p] = offset
					}
				},
			})
		}
	}
	return out
}

// Sends returns the number of calls to Send.
func (l *Log) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

// Redeliver rewinds the read position of a partition, as a consumer group
// rebalance would.
func (l *Log) Redeliver(topic string, partition int32, from int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topic(topic)
	l.cursor[topic][partition] = from
	close(l.notify)
	l.notify = make(chan struct{})
}

// CommitMarked checkpoints the resolved offsets.
func (l *Log) CommitMarked(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, m := range l.marked {
		copy(l.committed[name], m)
	}
	return nil
}

// Committed returns the checkpointed offset of a partition, -1 if none.
func (l *Log) Committed(topic string, partition int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topic(topic)
	return l.committed[topic][partition]
}

// Records returns every record of a topic, partition by partition.
func (l *Log) Records(topic string) []stream.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []stream.Record
	for _, recs := range l.topic(topic) {
		out = append(out, recs...)
	}
	return out
}

// Close stops the consumer side.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
	l.notify = make(chan struct{})
}
