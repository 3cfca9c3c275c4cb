package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig contains the settings of the Kafka clients.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// Consumer settings.
	Topic          string
	GroupID        string
	FromBeginning  bool
	MaxPollRecords int

	ConnectionTimeout time.Duration
	RetryBackoff      time.Duration
}

func (c *KafkaConfig) withDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 2 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

func (c KafkaConfig) baseOpts() []kgo.Opt {
	backoff := c.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.DialTimeout(c.ConnectionTimeout),
		kgo.RetryBackoffFn(func(int) time.Duration { return backoff }),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	return opts
}

// Ensure KafkaProducer implements Producer.
var _ Producer = (*KafkaProducer)(nil)

// KafkaProducer appends messages to Kafka topics.
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer creates a producer. Extra options are appended to the
// ones derived from conf.
func NewKafkaProducer(conf KafkaConfig, opts ...kgo.Opt) (*KafkaProducer, error) {
	conf.withDefaults()
	opts = append(append(conf.baseOpts(), kgo.AllowAutoTopicCreation()), opts...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create kafka producer")
	}
	return &KafkaProducer{client: cl}, nil
}

// Send writes msgs to topic in one synchronous produce call.
func (p *KafkaProducer) Send(ctx context.Context, topic string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		recs[i] = &kgo.Record{Topic: topic, Key: m.Key, Value: m.Value}
	}
	err := p.client.ProduceSync(ctx, recs...).FirstErr()
	return errors.Wrapf(err, "unable to send %d messages to topic %q", len(msgs), topic)
}

// Close flushes and closes the producer.
func (p *KafkaProducer) Close() {
	p.client.Close()
}

// Ensure KafkaConsumer implements Consumer.
var _ Consumer = (*KafkaConsumer)(nil)

// KafkaConsumer reads a Kafka topic as part of a consumer group. Offsets are
// only committed for records that were resolved.
type KafkaConsumer struct {
	client   *kgo.Client
	maxPoll  int
	poll     func(ctx context.Context, n int) kgo.Fetches
	mark     func(...*kgo.Record)
	commit   func(context.Context) error
	closeCli func()
}

// NewKafkaConsumer creates a group consumer for conf.Topic.
func NewKafkaConsumer(conf KafkaConfig, opts ...kgo.Opt) (*KafkaConsumer, error) {
	conf.withDefaults()
	if conf.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if conf.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	reset := kgo.NewOffset().AtEnd()
	if conf.FromBeginning {
		reset = kgo.NewOffset().AtStart()
	}
	kopts := append(conf.baseOpts(),
		kgo.ConsumerGroup(conf.GroupID),
		kgo.ConsumeTopics(conf.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.AllowAutoTopicCreation(),
	)
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create kafka consumer")
	}
	return &KafkaConsumer{
		client:   cl,
		maxPoll:  conf.MaxPollRecords,
		poll:     cl.PollRecords,
		mark:     cl.MarkCommitRecords,
		commit:   cl.CommitMarkedOffsets,
		closeCli: cl.Close,
	}, nil
}

// Poll fetches the next records and groups them by partition.
func (c *KafkaConsumer) Poll(ctx context.Context) ([]Batch, error) {
	fetches := c.poll(ctx, c.maxPoll)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	var batches []Batch
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		batches = append(batches, c.batch(p))
	})
	var err error
	if errs := fetches.Errors(); len(errs) > 0 {
		first := errs[0]
		err = errors.Wrapf(first.Err, "fetch failed for %s/%d", first.Topic, first.Partition)
	}
	return batches, err
}

func (c *KafkaConsumer) batch(p kgo.FetchTopicPartition) Batch {
	byOffset := make(map[int64]*kgo.Record, len(p.Records))
	recs := make([]Record, len(p.Records))
	for i, r := range p.Records {
		byOffset[r.Offset] = r
		recs[i] = Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
		}
	}
	return Batch{
		Topic:         p.Topic,
		Partition:     p.Partition,
		HighWatermark: p.HighWatermark,
		Records:       recs,
		Resolve: func(offset int64) {
			if r, ok := byOffset[offset]; ok {
				c.mark(r)
			}
		},
	}
}

// CommitMarked commits the resolved offsets.
func (c *KafkaConsumer) CommitMarked(ctx context.Context) error {
	return errors.Wrap(c.commit(ctx), "unable to commit marked offsets")
}

// Close leaves the group and closes the client.
func (c *KafkaConsumer) Close() {
	c.closeCli()
}
