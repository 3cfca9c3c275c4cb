//+build integration

package lease_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/leasequeue/pkg/service/internal/redistest"
	"github.com/rwool/leasequeue/pkg/service/lease"
	"github.com/rwool/leasequeue/pkg/service/lease/leasetest"
)

func TestRedisConnection(t *testing.T) {
	t.Parallel()
	client := redistest.Connect(t)
	assert.NoError(t, client.Ping().Err(), "Should be no error with Redis connection.")
}

func TestRedisRegistry(t *testing.T) {
	leasetest.Run(t, func(t *testing.T) lease.Registry {
		return lease.NewRedisAdapter(redistest.Connect(t))
	})
}

func TestRecoverRefusesBusyTarget(t *testing.T) {
	t.Parallel()
	r := lease.NewRedisAdapter(redistest.Connect(t))
	owner, service := leasetest.Scope(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Allocate(ctx, owner, service)
		require.NoError(t, err)
	}
	_, err := r.FetchNext(ctx, owner, service, "a", 0)
	require.NoError(t, err)
	_, err = r.FetchNext(ctx, owner, service, "b", 0)
	require.NoError(t, err)

	moved, err := r.Recover(ctx, owner, service, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, moved, "A worker holding a claim must not receive another.")
}
