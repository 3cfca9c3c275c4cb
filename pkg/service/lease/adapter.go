package lease

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// fetchScript returns the worker's current claim or, if it holds none,
// increments FETCHED and claims the new sequence in the same step. Moving
// FETCHED from -1 to 0 claims nothing.
//
// KEYS[1] table, KEYS[2] worker, ARGV[1] now in epoch millis.
var fetchScript = redis.NewScript(`
local claim = redis.call('HGET', KEYS[1], KEYS[2])
if claim then
  return claim
end
local index = tonumber(redis.call('HGET', KEYS[1], 'INDEX') or '0')
local fetched = tonumber(redis.call('HGET', KEYS[1], 'FETCHED') or '0')
if fetched >= index then
  return 0
end
local seq = redis.call('HINCRBY', KEYS[1], 'FETCHED', 1)
if seq < 1 then
  return 0
end
local entry = seq .. ':' .. ARGV[1]
redis.call('HSET', KEYS[1], KEYS[2], entry)
return entry
`)

// recoverScript moves the claim of KEYS[2] to ARGV[1]. The target must not
// hold a claim. With ARGV[2] set the claim is only moved if it was taken
// before that deadline, and with ARGV[3] set the moved claim is restamped.
var recoverScript = redis.NewScript(`
local entry = redis.call('HGET', KEYS[1], KEYS[2])
if not entry then
  return 0
end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
local sep = string.find(entry, ':', 1, true)
if not sep then
  return 0
end
if ARGV[2] and ARGV[2] ~= '' then
  local claimed = tonumber(string.sub(entry, sep + 1))
  if not claimed or claimed >= tonumber(ARGV[2]) then
    return 0
  end
end
if ARGV[3] and ARGV[3] ~= '' then
  entry = string.sub(entry, 1, sep) .. ARGV[3]
end
redis.call('HSET', KEYS[1], ARGV[1], entry)
redis.call('HDEL', KEYS[1], KEYS[2])
return entry
`)

// rewindScript sets FETCHED to ARGV[1] when -1 <= ARGV[1] <= INDEX.
var rewindScript = redis.NewScript(`
local last = tonumber(ARGV[1])
local index = tonumber(redis.call('HGET', KEYS[1], 'INDEX') or '0')
if not last or last < -1 or last > index then
  return 0
end
redis.call('HSET', KEYS[1], 'FETCHED', last)
return 1
`)

// Ensure RedisAdapter implements Registry.
var _ Registry = (*RedisAdapter)(nil)

// NewRedisAdapter creates a Registry backed by Redis hashes and Lua scripts.
func NewRedisAdapter(c *redis.Client) *RedisAdapter {
	if c == nil {
		panic("nil lease client")
	}
	return &RedisAdapter{c: c, now: time.Now}
}

// RedisAdapter adapts a Redis client to support the Registry interface.
//
// Redis runs each script to completion before serving another command, which
// provides the mutual exclusion the registry needs across processes.
type RedisAdapter struct {
	c   *redis.Client
	now func() time.Time
}

// Allocate increments the INDEX counter of the scope.
func (r *RedisAdapter) Allocate(ctx context.Context, owner, service string) (int64, error) {
	if err := ValidateScope(owner, service); err != nil {
		return 0, err
	}
	client := r.c.WithContext(ctx)
	index, err := client.HIncrBy(Key(owner, service), FieldIndex, 1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "unable to increment index in Redis")
	}
	if index <= 0 {
		return 0, errors.Wrapf(ErrAllocation, "index %d", index)
	}
	return index, nil
}

// FetchNext returns the next sequence for workerID.
func (r *RedisAdapter) FetchNext(ctx context.Context, owner, service, workerID string, timeToRecover time.Duration) (int64, error) {
	if err := ValidateScope(owner, service); err != nil {
		return 0, err
	}
	if err := ValidateWorker(workerID); err != nil {
		return 0, err
	}
	client := r.c.WithContext(ctx)
	key := Key(owner, service)

	fields, err := client.HGetAll(key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "unable to read lease table %q", key)
	}
	// Same work again.
	if v, ok := fields[workerID]; ok {
		if c, err := ParseClaim(v); err == nil {
			return c.Sequence, nil
		}
	}

	now := r.now()
	if timeToRecover > 0 {
		for _, worker := range staleWorkers(fields, timeToRecover, now) {
			deadline := toMillis(now) - timeToRecover.Milliseconds()
			moved, err := r.recover(client, key, worker, workerID, strconv.FormatInt(deadline, 10), strconv.FormatInt(toMillis(now), 10))
			if err != nil {
				return 0, err
			}
			if moved == "" {
				// Someone else got there first.
				continue
			}
			c, err := ParseClaim(moved)
			if err != nil {
				return 0, err
			}
			return c.Sequence, nil
		}
	}

	res, err := fetchScript.Run(client, []string{key, workerID}, toMillis(now)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "unable to run fetch script on %q", key)
	}
	entry, err := scriptString(res)
	if err != nil || entry == "" {
		return 0, err
	}
	c, err := ParseClaim(entry)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

// Recover moves the claim of fromWorker to toWorker unchanged.
func (r *RedisAdapter) Recover(ctx context.Context, owner, service, fromWorker, toWorker string) (string, error) {
	if err := ValidateScope(owner, service); err != nil {
		return "", err
	}
	if err := ValidateWorker(fromWorker); err != nil {
		return "", err
	}
	if err := ValidateWorker(toWorker); err != nil {
		return "", err
	}
	return r.recover(r.c.WithContext(ctx), Key(owner, service), fromWorker, toWorker, "", "")
}

func (r *RedisAdapter) recover(client *redis.Client, key, from, to, deadline, stamp string) (string, error) {
	res, err := recoverScript.Run(client, []string{key, from}, to, deadline, stamp).Result()
	if err != nil {
		return "", errors.Wrapf(err, "unable to run recover script on %q", key)
	}
	return scriptString(res)
}

// Current returns the sequence currently claimed by workerID.
func (r *RedisAdapter) Current(ctx context.Context, owner, service, workerID string) (int64, error) {
	if err := ValidateScope(owner, service); err != nil {
		return 0, err
	}
	client := r.c.WithContext(ctx)
	v, err := client.HGet(Key(owner, service), workerID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "unable to read claim of worker %q", workerID)
	}
	c, err := ParseClaim(v)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

// Ack removes the claim of workerID.
func (r *RedisAdapter) Ack(ctx context.Context, owner, service, workerID string) (int64, error) {
	if err := ValidateScope(owner, service); err != nil {
		return 0, err
	}
	if err := ValidateWorker(workerID); err != nil {
		return 0, err
	}
	client := r.c.WithContext(ctx)
	n, err := client.HDel(Key(owner, service), workerID).Result()
	return n, errors.Wrapf(err, "unable to delete claim of worker %q", workerID)
}

// Rewind resets the FETCHED cursor.
func (r *RedisAdapter) Rewind(ctx context.Context, owner, service string, last int64) (bool, error) {
	if err := ValidateScope(owner, service); err != nil {
		return false, err
	}
	client := r.c.WithContext(ctx)
	key := Key(owner, service)
	res, err := rewindScript.Run(client, []string{key}, last).Result()
	if err != nil {
		return false, errors.Wrapf(err, "unable to run rewind script on %q", key)
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// Info returns a snapshot of the scope table.
func (r *RedisAdapter) Info(ctx context.Context, owner, service string) (Info, error) {
	if err := ValidateScope(owner, service); err != nil {
		return Info{}, err
	}
	client := r.c.WithContext(ctx)
	key := Key(owner, service)
	fields, err := client.HGetAll(key).Result()
	if err != nil {
		return Info{}, errors.Wrapf(err, "unable to read lease table %q", key)
	}
	return ParseInfo(fields)
}

// staleWorkers lists, in sorted order, the workers whose claim is older than
// ttr.
func staleWorkers(fields map[string]string, ttr time.Duration, now time.Time) []string {
	var out []string
	for worker, v := range fields {
		if worker == FieldIndex || worker == FieldFetched {
			continue
		}
		c, err := ParseClaim(v)
		if err != nil {
			continue
		}
		if Stale(c.ClaimedAt, ttr, now) {
			out = append(out, worker)
		}
	}
	sort.Strings(out)
	return out
}

// scriptString converts a script reply into a claim value. Scripts reply with
// the integer 0 when nothing was claimed.
func scriptString(res interface{}) (string, error) {
	switch v := res.(type) {
	case string:
		return v, nil
	case int64:
		if v == 0 {
			return "", nil
		}
		return "", errors.Errorf("unexpected script reply %d", v)
	default:
		return "", errors.Errorf("unexpected script reply type %T", res)
	}
}
