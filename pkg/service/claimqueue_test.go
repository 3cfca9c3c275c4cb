package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/leasequeue/pkg/internal/streammock"
	"github.com/rwool/leasequeue/pkg/service"
	"github.com/rwool/leasequeue/pkg/service/stream"
)

func eventValue(t *testing.T, name string, payload interface{}) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	v, err := json.Marshal(service.Event{Event: name, Payload: p, Meta: json.RawMessage(`{}`), Version: service.EventVersion})
	require.NoError(t, err)
	return v
}

func batch(t *testing.T, partition int32, offsets ...int64) (stream.Batch, *[]int64) {
	t.Helper()
	var resolved []int64
	b := stream.Batch{
		Topic:     "events",
		Partition: partition,
		Resolve:   func(o int64) { resolved = append(resolved, o) },
	}
	for _, o := range offsets {
		b.Records = append(b.Records, stream.Record{
			Topic:     "events",
			Partition: partition,
			Offset:    o,
			Value:     eventValue(t, "tick", o),
		})
	}
	return b, &resolved
}

func TestClaimQueueScenario(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lg := streammock.New(1)
	em := service.NewEmitter(service.EmitterConfig{Producer: lg, Topic: "events", FlushDelay: time.Millisecond})
	for i := 1; i <= 3; i++ {
		_, err := em.Emit(ctx, "owner", "tick", i, nil)
		require.NoError(t, err)
	}
	em.Close()

	q := service.NewClaimQueue(log.NewNopLogger())
	batches, err := lg.Poll(ctx)
	require.NoError(t, err)
	for _, b := range batches {
		q.Deliver(b)
	}

	var committed []int64
	for i := 1; i <= 3; i++ {
		for j := 0; j < 3; j++ {
			c, err := q.Fetch(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, string(mustJSON(t, i)), string(c.Payload), "Claim should be repeated until commit.")
		}
		pos, err := q.Commit()
		require.NoError(t, err)
		committed = append(committed, pos.Offset)
	}
	assert.Equal(t, []int64{0, 1, 2}, committed, "Commits should follow offset order.")

	require.NoError(t, lg.CommitMarked(ctx))
	assert.Equal(t, int64(2), lg.Committed("events", 0))

	_, err = q.Commit()
	assert.Equal(t, service.ErrNoClaim, errors.Cause(err))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFetchEmptyQueue(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	start := time.Now()
	c, err := q.Fetch(context.Background())
	assert.Nil(t, c)
	assert.Equal(t, service.ErrEmptyQueue, errors.Cause(err))
	assert.True(t, time.Since(start) >= 50*time.Millisecond, "Fetch should retry once before giving up.")
}

func TestFetchRetryPicksUpDelivery(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	b, _ := batch(t, 0, 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Deliver(b)
	}()
	c, err := q.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Offset)
}

func TestRedeliveryIsDropped(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	b, resolved := batch(t, 0, 0, 1, 2)
	assert.Equal(t, 3, q.Deliver(b))
	b, _ = batch(t, 0, 1, 2, 3)
	b.Resolve = func(o int64) { *resolved = append(*resolved, o) }
	assert.Equal(t, 1, q.Deliver(b), "Offsets at or below the watermark should be dropped.")

	for want := int64(0); want <= 3; want++ {
		c, err := q.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, c.Offset)
		_, err = q.Commit()
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, *resolved)
	assert.Equal(t, []service.PartitionState{
		{Topic: "events", Partition: 0, Queued: 3, Committed: 3},
	}, q.Offsets())
}

func TestUnreadableMessage(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	b, resolved := batch(t, 0, 0, 1)
	b.Records[0].Value = []byte("not json")
	q.Deliver(b)

	_, err := q.Fetch(context.Background())
	assert.Equal(t, service.ErrUnreadable, errors.Cause(err))
	c, err := q.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Offset, "Unreadable messages should be skipped.")
	_, err = q.Commit()
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, *resolved)
}

func TestUnreadableMessageIsCommittedPast(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lg := streammock.New(1)
	require.NoError(t, lg.Send(ctx, "events", []stream.Message{
		{Key: []byte("owner"), Value: []byte("not json")},
		{Key: []byte("owner"), Value: eventValue(t, "tick", 1)},
	}))
	batches, err := lg.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	q := service.NewClaimQueue(nil)
	q.Deliver(batches[0])
	_, err = q.Fetch(ctx)
	assert.Equal(t, service.ErrUnreadable, errors.Cause(err))
	assert.Equal(t, int64(-1), lg.Committed("events", 0), "Unreadable messages are not resolved.")

	c, err := q.Fetch(ctx)
	require.NoError(t, err)
	_, err = q.Commit()
	require.NoError(t, err)
	require.NoError(t, lg.CommitMarked(ctx))
	assert.Equal(t, c.Offset, lg.Committed("events", 0), "The checkpoint should move past the unreadable message.")
}

func TestOffsetsPerPartition(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	b1, _ := batch(t, 1, 4, 5)
	b0, _ := batch(t, 0, 7)
	q.Deliver(b1)
	q.Deliver(b0)

	c, err := q.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), c.Partition, "Buffer should be served in arrival order.")
	pos, err := q.Commit()
	require.NoError(t, err)
	assert.Equal(t, service.Position{Topic: "events", Partition: 1, Offset: 4}, pos)

	assert.Equal(t, []service.PartitionState{
		{Topic: "events", Partition: 0, Queued: 7, Committed: -1},
		{Topic: "events", Partition: 1, Queued: 5, Committed: 4},
	}, q.Offsets())
}

func TestClaimIsACopy(t *testing.T) {
	t.Parallel()
	q := service.NewClaimQueue(nil)
	b, _ := batch(t, 0, 0)
	q.Deliver(b)

	c, err := q.Fetch(context.Background())
	require.NoError(t, err)
	c.Offset = 99
	c.Event.Event = "changed"

	again, err := q.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Offset)
	assert.Equal(t, "tick", again.Event.Event)
}
