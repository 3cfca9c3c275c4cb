package lease_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/leasequeue/pkg/service/lease"
)

func TestClaimFormat(t *testing.T) {
	t.Parallel()
	at := time.Unix(1600000000, 123*int64(time.Millisecond))
	v := lease.FormatClaim(42, at)
	assert.Equal(t, "42:1600000000123", v)

	c, err := lease.ParseClaim(v)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Sequence)
	assert.True(t, c.ClaimedAt.Equal(at))

	for _, bad := range []string{"", "42", "x:1", "1:x", "1:2:3"} {
		_, err := lease.ParseClaim(bad)
		assert.Error(t, err, "Claim %q should be rejected.", bad)
	}
}

func TestParseInfo(t *testing.T) {
	t.Parallel()
	info, err := lease.ParseInfo(map[string]string{
		"INDEX":   "5",
		"FETCHED": "3",
		"w1":      "3:1600000000000",
		"junk":    "nope",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Index)
	assert.Equal(t, int64(3), info.Fetched)
	require.Len(t, info.Claims, 1)
	assert.Equal(t, int64(3), info.Claims["w1"].Sequence)

	_, err = lease.ParseInfo(map[string]string{"INDEX": "x"})
	assert.Error(t, err)
}

func TestStale(t *testing.T) {
	t.Parallel()
	now := time.Now()
	assert.True(t, lease.Stale(now.Add(-2*time.Second), time.Second, now))
	assert.False(t, lease.Stale(now.Add(-500*time.Millisecond), time.Second, now))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.Error(t, lease.ValidateWorker(""))
	assert.Error(t, lease.ValidateWorker(lease.FieldIndex))
	assert.Error(t, lease.ValidateWorker(lease.FieldFetched))
	assert.NoError(t, lease.ValidateWorker("worker"))
	assert.Error(t, lease.ValidateScope("", "svc"))
	assert.NoError(t, lease.ValidateScope("owner", "svc"))
}
