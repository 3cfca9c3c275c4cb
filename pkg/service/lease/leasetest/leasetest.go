// Package leasetest provides a behavioural test suite that every
// lease.Registry implementation must pass.
package leasetest

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rwool/leasequeue/pkg/service/lease"
)

var seedOnce sync.Once

// Scope returns a fresh tenant scope so suites can share a store.
func Scope(t *testing.T) (owner, service string) {
	seedOnce.Do(func() { rand.Seed(time.Now().UnixNano()) })
	return "owner-" + strconv.Itoa(rand.Int()), t.Name() + "-" + strconv.Itoa(rand.Int())
}

// Run runs the suite against registries returned by newRegistry.
func Run(t *testing.T, newRegistry func(t *testing.T) lease.Registry) {
	t.Run("Monotonic Allocation", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()
		for i := int64(1); i <= 30; i++ {
			seq, err := r.Allocate(ctx, owner, service)
			require.NoError(t, err, "Allocation should succeed.")
			require.Equal(t, i, seq, "Sequences should be gap free.")
		}
	})

	t.Run("Idempotent Fetch", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := r.Allocate(ctx, owner, service)
			require.NoError(t, err)
		}

		var fetched []int64
		for i := 0; i < 5; i++ {
			seq, err := r.FetchNext(ctx, owner, service, "worker", 0)
			require.NoError(t, err)
			fetched = append(fetched, seq)
		}
		n, err := r.Ack(ctx, owner, service, "worker")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "One claim should be removed.")
		for i := 0; i < 5; i++ {
			seq, err := r.FetchNext(ctx, owner, service, "worker", 0)
			require.NoError(t, err)
			fetched = append(fetched, seq)
		}
		assert.Equal(t, []int64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2}, fetched)
	})

	t.Run("Empty Queue", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		seq, err := r.FetchNext(context.Background(), owner, service, "worker", time.Minute)
		require.NoError(t, err)
		assert.Zero(t, seq, "Nothing should be fetched from an empty queue.")
	})

	t.Run("Ack Without Claim", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		n, err := r.Ack(context.Background(), owner, service, "nobody")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Concurrent Fetch And Write", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const rounds = 20
		var (
			mu   sync.Mutex
			seen = make(map[int64]string)
		)
		group, ctx := errgroup.WithContext(ctx)
		for i := 0; i < rounds; i++ {
			group.Go(func() error {
				_, err := r.Allocate(ctx, owner, service)
				return err
			})
			for _, worker := range []string{"A", "B", "C"} {
				worker := worker
				group.Go(func() error {
					seq, err := r.FetchNext(ctx, owner, service, worker+strconv.Itoa(i), 0)
					if err != nil || seq == 0 {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if other, dup := seen[seq]; dup {
						t.Errorf("sequence %d delivered to %s and %s", seq, other, worker)
					}
					seen[seq] = worker
					return nil
				})
			}
		}
		require.NoError(t, group.Wait())

		info, err := r.Info(context.Background(), owner, service)
		require.NoError(t, err)
		assert.Equal(t, int64(rounds), info.Index)
		assert.True(t, info.Fetched <= info.Index, "FETCHED should never exceed INDEX.")
		assert.Len(t, info.Claims, len(seen), "Every delivered sequence should hold one claim.")
	})

	t.Run("Recover Stale Claim", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := r.Allocate(ctx, owner, service)
			require.NoError(t, err)
		}
		seq, err := r.FetchNext(ctx, owner, service, "crashed", 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), seq)

		// A generous grace period leaves the claim alone.
		seq, err = r.FetchNext(ctx, owner, service, "rescuer", time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(2), seq, "Fresh claims must not be recovered.")
		_, err = r.Ack(ctx, owner, service, "rescuer")
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		seq, err = r.FetchNext(ctx, owner, service, "rescuer", 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq, "Stale claim should be recovered.")

		info, err := r.Info(ctx, owner, service)
		require.NoError(t, err)
		_, stillHeld := info.Claims["crashed"]
		assert.False(t, stillHeld, "Original claim should be gone.")
		assert.Equal(t, int64(1), info.Claims["rescuer"].Sequence)
	})

	t.Run("Recover Moves Claim", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()
		_, err := r.Allocate(ctx, owner, service)
		require.NoError(t, err)
		_, err = r.FetchNext(ctx, owner, service, "from", 0)
		require.NoError(t, err)

		moved, err := r.Recover(ctx, owner, service, "from", "to")
		require.NoError(t, err)
		c, err := lease.ParseClaim(moved)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Sequence)

		moved, err = r.Recover(ctx, owner, service, "from", "to")
		require.NoError(t, err)
		assert.Empty(t, moved, "Nothing left to move.")

		cur, err := r.Current(ctx, owner, service, "to")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cur)
	})

	t.Run("Rewind", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := r.Allocate(ctx, owner, service)
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			_, err := r.FetchNext(ctx, owner, service, "w", 0)
			require.NoError(t, err)
			_, err = r.Ack(ctx, owner, service, "w")
			require.NoError(t, err)
		}

		ok, err := r.Rewind(ctx, owner, service, 4)
		require.NoError(t, err)
		assert.False(t, ok, "Rewinding past INDEX should be refused.")

		ok, err = r.Rewind(ctx, owner, service, 1)
		require.NoError(t, err)
		require.True(t, ok)
		seq, err := r.FetchNext(ctx, owner, service, "w", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq, "Fetch should continue after the rewound cursor.")

		info, err := r.Info(ctx, owner, service)
		require.NoError(t, err)
		assert.Equal(t, int64(3), info.Index, "Rewind must not touch INDEX.")
	})

	t.Run("Rewind Before Start", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		owner, service := Scope(t)
		ctx := context.Background()

		ok, err := r.Rewind(ctx, owner, service, -1)
		require.NoError(t, err)
		require.True(t, ok)
		seq, err := r.FetchNext(ctx, owner, service, "poller", time.Minute)
		require.NoError(t, err)
		assert.Zero(t, seq, "Nothing exists before the first sequence.")

		info, err := r.Info(ctx, owner, service)
		require.NoError(t, err)
		assert.Empty(t, info.Claims, "No claim should be taken on sequence 0.")
		assert.Equal(t, int64(0), info.Fetched)

		_, err = r.Allocate(ctx, owner, service)
		require.NoError(t, err)
		seq, err = r.FetchNext(ctx, owner, service, "poller", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq, "New work should reach the polling worker.")
	})
}
