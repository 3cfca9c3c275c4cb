package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rwool/leasequeue/pkg/internal/leasemock"
	"github.com/rwool/leasequeue/pkg/internal/streammock"
	"github.com/rwool/leasequeue/pkg/service"
	"github.com/rwool/leasequeue/pkg/service/keys"
	"github.com/rwool/leasequeue/pkg/service/lease"
	"github.com/rwool/leasequeue/pkg/service/record"
)

var scope = service.Scope{Owner: "owner", Service: "service"}

type fixture struct {
	q    *service.IndexQueue
	reg  *leasemock.Registry
	ring *keys.Ring
}

func newFixture(t *testing.T, c service.Completer) fixture {
	t.Helper()
	reg := leasemock.New()
	q, ring := newQueue(t, reg, c)
	return fixture{q: q, reg: reg, ring: ring}
}

func newQueue(t *testing.T, reg lease.Registry, c service.Completer) (*service.IndexQueue, *keys.Ring) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err, "In-memory database should open.")
	t.Cleanup(func() { _ = db.Close() })

	ring := keys.NewRing(keys.Key{ID: "k1", Secret: []byte("mySecret")})
	q := service.NewIndexQueue(service.IndexQueueConfig{
		Registry:  reg,
		Store:     record.NewBadgerAdapter(db, ring),
		Completer: c,
		Log:       log.NewNopLogger(),
	})
	return q, ring
}

type recordingCompleter struct {
	mu   sync.Mutex
	seen []service.Completion
	err  error
}

func (r *recordingCompleter) Completed(_ context.Context, c service.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
	return r.err
}

func TestIndexQueueScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.q.Add(ctx, scope, map[string]string{"msg": "A"}, nil)
	require.NoError(t, err)
	require.True(t, ok, "Add should succeed.")

	v, err := f.q.Fetch(ctx, scope, "workerA", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"A"}`, string(v))

	v, err = f.q.Fetch(ctx, scope, "workerA", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"A"}`, string(v), "Fetching again should return the same value.")

	v, err = f.q.Fetch(ctx, scope, "workerB", 0)
	require.NoError(t, err)
	assert.Nil(t, v, "Another worker should get nothing.")

	ok, err = f.q.Ack(ctx, scope, "workerA", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok, "Ack should remove the claim.")

	v, err = f.q.Fetch(ctx, scope, "workerA", 0)
	require.NoError(t, err)
	assert.Nil(t, v, "Queue should be drained.")

	info, err := f.q.Info(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(1), info.Index)
	assert.Equal(t, int64(1), info.Fetched)
	assert.Empty(t, info.Claims)
}

func TestRewindBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.q.Rewind(ctx, scope, -1)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := f.q.Fetch(ctx, scope, "worker", 0)
	require.NoError(t, err)
	assert.Nil(t, v)
	_, err = f.q.Ack(ctx, scope, "worker", nil, nil)
	require.NoError(t, err)
	v, err = f.q.Fetch(ctx, scope, "worker", 0)
	require.NoError(t, err)
	assert.Nil(t, v, "Nothing exists beyond the valid range.")
}

func TestRewindRedelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		ok, err := f.q.Add(ctx, scope, i, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 1; i <= 2; i++ {
		v, err := f.q.Fetch(ctx, scope, "worker", 0)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprint(i), string(v))
		_, err = f.q.Ack(ctx, scope, "worker", nil, nil)
		require.NoError(t, err)
	}

	ok, err := f.q.Rewind(ctx, scope, 3)
	require.NoError(t, err)
	assert.False(t, ok, "Rewinding past INDEX should be refused.")

	ok, err = f.q.Rewind(ctx, scope, 0)
	require.NoError(t, err)
	require.True(t, ok)
	v, err := f.q.Fetch(ctx, scope, "worker", 0)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(v), "Acknowledged work should be offered again.")

	info, err := f.q.Info(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Index, "Rewind should not touch INDEX.")
}

func TestRotatedKeyRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	value := map[string]interface{}{"msg": "say hello to the world", "n": 3.5}

	ok, err := f.q.Add(ctx, scope, value, nil)
	require.NoError(t, err)
	require.True(t, ok)
	f.ring.Rotate(scope.Owner, keys.Key{ID: "k2", Secret: []byte("myNextSecret")})

	v, err := f.q.Fetch(ctx, scope, "worker", 0)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(v, &got))
	assert.Equal(t, value, got)
}

func TestNotAuthenticated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, s := range []service.Scope{{}, {Owner: "owner"}, {Service: "service"}} {
		_, err := f.q.Add(ctx, s, "x", nil)
		assert.Equal(t, service.ErrNotAuthenticated, err)
		_, err = f.q.Fetch(ctx, s, "worker", 0)
		assert.Equal(t, service.ErrNotAuthenticated, err)
		_, err = f.q.Ack(ctx, s, "worker", nil, nil)
		assert.Equal(t, service.ErrNotAuthenticated, err)
		_, err = f.q.Rewind(ctx, s, 0)
		assert.Equal(t, service.ErrNotAuthenticated, err)
		_, err = f.q.Info(ctx, s)
		assert.Equal(t, service.ErrNotAuthenticated, err)
	}
}

func TestMissingRecordIsInconsistent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.reg.Allocate(ctx, scope.Owner, scope.Service)
	require.NoError(t, err)

	v, err := f.q.Fetch(ctx, scope, "worker", 0)
	assert.Nil(t, v)
	assert.Equal(t, service.ErrConsistency, errors.Cause(err))
}

func TestStorageFailuresAreNotRaised(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reg.Err = errors.New("connection refused")

	ok, err := f.q.Add(ctx, scope, "x", nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	v, err := f.q.Fetch(ctx, scope, "worker", 0)
	assert.NoError(t, err)
	assert.Nil(t, v)
	ok, err = f.q.Ack(ctx, scope, "worker", nil, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.q.Rewind(ctx, scope, 0)
	assert.NoError(t, err)
	assert.False(t, ok)
	info, err := f.q.Info(ctx, scope)
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestAckNotifiesProcess(t *testing.T) {
	t.Parallel()
	rc := &recordingCompleter{err: errors.New("activity service down")}
	f := newFixture(t, rc)
	ctx := context.Background()

	_, err := f.q.Add(ctx, scope, "with process", map[string]string{"processId": "p1", "instanceId": "i1"})
	require.NoError(t, err)
	_, err = f.q.Add(ctx, scope, "without process", map[string]string{"instanceId": "i2"})
	require.NoError(t, err)
	_, err = f.q.Add(ctx, scope, "without token", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.q.Fetch(ctx, scope, "worker", 0)
		require.NoError(t, err)
		ok, err := f.q.Ack(ctx, scope, "worker", json.RawMessage(`{"done":true}`), nil)
		require.NoError(t, err)
		assert.True(t, ok, "Completion failures should not fail the ack.")
	}

	require.Len(t, rc.seen, 1, "Only tokens with a process should be completed.")
	c := rc.seen[0]
	assert.Equal(t, scope.Owner, c.Owner)
	assert.JSONEq(t, `{"processId":"p1","instanceId":"i1"}`, string(c.Token))
	assert.JSONEq(t, `{"done":true}`, string(c.Result))
	assert.Nil(t, c.Error)
}

// recoveringRegistry hands the claim of one worker to another right after
// the first one looked it up.
type recoveringRegistry struct {
	*leasemock.Registry
	from, to string
}

func (r *recoveringRegistry) Current(ctx context.Context, owner, svc, workerID string) (int64, error) {
	seq, err := r.Registry.Current(ctx, owner, svc, workerID)
	if err != nil || workerID != r.from {
		return seq, err
	}
	if _, err := r.Registry.Recover(ctx, owner, svc, r.from, r.to); err != nil {
		return 0, err
	}
	return seq, nil
}

func TestAckCompletesOnceWhenClaimIsRecovered(t *testing.T) {
	t.Parallel()
	rc := &recordingCompleter{}
	reg := &recoveringRegistry{Registry: leasemock.New(), from: "crashed", to: "rescuer"}
	q, _ := newQueue(t, reg, rc)
	ctx := context.Background()

	_, err := q.Add(ctx, scope, "x", map[string]string{"processId": "p1"})
	require.NoError(t, err)
	_, err = q.Fetch(ctx, scope, "crashed", 0)
	require.NoError(t, err)

	ok, err := q.Ack(ctx, scope, "crashed", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok, "The claim moved away before the ack.")
	assert.Empty(t, rc.seen, "A lost claim should not be completed.")

	ok, err = q.Ack(ctx, scope, "rescuer", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, rc.seen, 1, "The item should be completed exactly once.")
}

func TestAckEmitsCompletion(t *testing.T) {
	t.Parallel()
	lg := streammock.New(1)
	em := service.NewEmitter(service.EmitterConfig{Producer: lg, Topic: "events", FlushDelay: time.Millisecond})
	defer em.Close()
	f := newFixture(t, service.EmitterCompleter{Emitter: em})
	ctx := context.Background()

	_, err := f.q.Add(ctx, scope, "x", map[string]string{"processId": "p1"})
	require.NoError(t, err)
	_, err = f.q.Fetch(ctx, scope, "worker", 0)
	require.NoError(t, err)
	_, err = f.q.Ack(ctx, scope, "worker", nil, json.RawMessage(`{"code":"E1"}`))
	require.NoError(t, err)

	recs := lg.Records("events")
	require.Len(t, recs, 1)
	assert.Equal(t, scope.Owner, string(recs[0].Key))
	var ev service.Event
	require.NoError(t, json.Unmarshal(recs[0].Value, &ev))
	assert.Equal(t, service.CompletedEvent, ev.Event)
	assert.JSONEq(t, `{"token":{"processId":"p1"},"error":{"code":"E1"}}`, string(ev.Payload))
}

func TestStaleClaimRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Unix(1600000000, 0)
	f.reg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := f.q.Add(ctx, scope, "work", nil)
	require.NoError(t, err)
	v, err := f.q.Fetch(ctx, scope, "crashed", 0)
	require.NoError(t, err)
	require.NotNil(t, v)

	v, err = f.q.Fetch(ctx, scope, "rescuer", 0)
	require.NoError(t, err)
	assert.Nil(t, v, "A fresh claim should not be recovered.")

	mu.Lock()
	now = now.Add(2 * service.DefaultTimeToRecover)
	mu.Unlock()

	v, err = f.q.Fetch(ctx, scope, "rescuer", -1)
	require.NoError(t, err)
	assert.Nil(t, v, "Recovery should be disabled by a negative grace period.")

	v, err = f.q.Fetch(ctx, scope, "rescuer", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `"work"`, string(v))

	info, err := f.q.Info(ctx, scope)
	require.NoError(t, err)
	assert.Contains(t, info.Claims, "rescuer")
	assert.NotContains(t, info.Claims, "crashed")
}

func TestConcurrentWorkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	const items = 60
	for i := 0; i < items; i++ {
		ok, err := f.q.Add(ctx, scope, i, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		worker := fmt.Sprintf("worker-%d", w)
		g.Go(func() error {
			for {
				v, err := f.q.Fetch(ctx, scope, worker, -1)
				if err != nil {
					return err
				}
				if v == nil {
					return nil
				}
				mu.Lock()
				seen[string(v)]++
				mu.Unlock()
				if _, err := f.q.Ack(ctx, scope, worker, nil, nil); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, items, "Every item should be delivered.")
	for v, n := range seen {
		assert.Equal(t, 1, n, "Item %s should be delivered once.", v)
	}
}
