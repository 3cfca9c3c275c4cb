package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rwool/leasequeue/pkg/service/stream"
)

const (
	// EventVersion is the version of the event envelope.
	EventVersion = "1.0.0"
	// DefaultKey is the record key of events without an owner.
	DefaultKey = "core"

	defaultMaxBatchSize = 1000
	defaultFlushDelay   = 50 * time.Millisecond
)

// Meta fields that never leave the process.
var scrubbedMeta = []string{"acl", "auth", "token", "accessToken", "serviceToken"}

// Event is the envelope written to the log for every emitted event.
type Event struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Meta      json.RawMessage `json:"meta"`
	Version   string          `json:"version"`
	UID       string          `json:"uid"`
	Timestamp int64           `json:"timestamp"`
}

// Receipt confirms that an event was written to the log.
type Receipt struct {
	Topic     string `json:"topic"`
	Event     string `json:"event"`
	UID       string `json:"uid"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Producer stream.Producer
	Topic    string
	// MaxBatchSize is the number of pending events that triggers an
	// immediate flush, and the most events written in one call.
	MaxBatchSize int
	// FlushDelay is how long an event waits for others to join its batch.
	FlushDelay time.Duration
	Log        log.Logger
}

type pendingEvent struct {
	msg     stream.Message
	arrival uint64
	done    chan error
}

// Emitter writes events to the log in micro-batches. A batch is written
// when it reaches MaxBatchSize or when FlushDelay has passed since its
// newest event arrived.
type Emitter struct {
	p     stream.Producer
	topic string
	max   int
	delay time.Duration
	l     log.Logger
	now   func() time.Time

	mu       sync.Mutex
	pending  []*pendingEvent
	arrivals uint64
	closed   bool
	sending  sync.WaitGroup
}

// NewEmitter returns an Emitter.
func NewEmitter(conf EmitterConfig) *Emitter {
	if conf.Producer == nil {
		panic("emitter requires a producer")
	}
	if conf.Topic == "" {
		conf.Topic = "events"
	}
	if conf.MaxBatchSize <= 0 {
		conf.MaxBatchSize = defaultMaxBatchSize
	}
	if conf.FlushDelay <= 0 {
		conf.FlushDelay = defaultFlushDelay
	}
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	return &Emitter{
		p:     conf.Producer,
		topic: conf.Topic,
		max:   conf.MaxBatchSize,
		delay: conf.FlushDelay,
		l:     conf.Log,
		now:   time.Now,
	}
}

// Emit writes an event keyed by owner and waits for its batch to be
// written. Authentication material is removed from meta.
//
// If ctx ends first Emit returns its error, but the event stays queued and is
// still written, so retrying may write it twice.
func (e *Emitter) Emit(ctx context.Context, owner, event string, payload interface{}, meta map[string]interface{}) (Receipt, error) {
	key := owner
	if key == "" {
		key = DefaultKey
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "unable to serialize payload")
	}
	m, err := json.Marshal(scrub(meta))
	if err != nil {
		return Receipt{}, errors.Wrap(err, "unable to serialize meta")
	}
	ev := Event{
		Event:     event,
		Payload:   p,
		Meta:      m,
		Version:   EventVersion,
		UID:       uuid.New().String(),
		Timestamp: e.now().UnixNano() / int64(time.Millisecond),
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return Receipt{}, errors.WithStack(err)
	}

	pe := &pendingEvent{
		msg:  stream.Message{Key: []byte(key), Value: value},
		done: make(chan error, 1),
	}
	if err := e.enqueue(pe); err != nil {
		return Receipt{}, err
	}

	select {
	case err := <-pe.done:
		if err != nil {
			_ = e.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Failed to emit event %s to topic %s", event, e.topic),
				"uid", ev.UID, "error", err)
			return Receipt{}, err
		}
	case <-ctx.Done():
		return Receipt{}, errors.WithStack(ctx.Err())
	}
	_ = e.l.Log("LEVEL", "DEBUG", "MESSAGE", "Event emitted",
		"topic", e.topic, "event", event, "uid", ev.UID)
	return Receipt{
		Topic:     e.topic,
		Event:     event,
		UID:       ev.UID,
		Timestamp: ev.Timestamp,
		Version:   ev.Version,
	}, nil
}

func (e *Emitter) enqueue(pe *pendingEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEmitterClosed
	}
	e.arrivals++
	pe.arrival = e.arrivals
	e.pending = append(e.pending, pe)

	if len(e.pending) >= e.max {
		go e.flush(0)
		return nil
	}
	arrival := pe.arrival
	time.AfterFunc(e.delay, func() { e.flush(arrival) })
	return nil
}

// flush writes up to max pending events. A delayed flush scheduled for the
// event with arrival number last is skipped if a newer event has joined the
// batch since; that event's own flush will pick the batch up. A zero last
// flushes unconditionally.
func (e *Emitter) flush(last uint64) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	if last != 0 && e.pending[len(e.pending)-1].arrival > last {
		e.mu.Unlock()
		return
	}
	n := len(e.pending)
	if n > e.max {
		n = e.max
	}
	batch := make([]*pendingEvent, n)
	copy(batch, e.pending)
	e.pending = e.pending[n:]
	if len(e.pending) >= e.max {
		go e.flush(0)
	}
	e.sending.Add(1)
	e.mu.Unlock()
	defer e.sending.Done()

	msgs := make([]stream.Message, n)
	for i, pe := range batch {
		msgs[i] = pe.msg
	}
	err := e.p.Send(context.Background(), e.topic, msgs)
	if err != nil {
		_ = e.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Failed to send %d messages to topic %s", n, e.topic),
			"error", err)
	}
	for _, pe := range batch {
		pe.done <- err
	}
}

// Close writes the remaining events and refuses new ones.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	for {
		e.mu.Lock()
		empty := len(e.pending) == 0
		e.mu.Unlock()
		if empty {
			break
		}
		e.flush(0)
	}
	e.sending.Wait()
}

func scrub(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	for _, k := range scrubbedMeta {
		delete(out, k)
	}
	return out
}
