package leasemock

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rwool/leasequeue/pkg/service/lease"
)

// Registry is a mock implementation of the lease.Registry type.
//
// A single mutex stands in for the scripting engine of the real store, so
// every method is indivisible. Intended for testing only.
type Registry struct {
	mu     sync.Mutex
	tables map[string]map[string]string

	// Now is the clock used for claim timestamps.
	Now func() time.Time
	// Err, when set, is returned by every method.
	Err error
}

// Ensure Registry implements lease.Registry.
var _ lease.Registry = (*Registry)(nil)

// New returns a new Registry.
func New() *Registry {
	return &Registry{
		tables: make(map[string]map[string]string),
		Now:    time.Now,
	}
}

func (r *Registry) table(owner, service string) map[string]string {
	key := lease.Key(owner, service)
	t, ok := r.tables[key]
	if !ok {
		t = make(map[string]string)
		r.tables[key] = t
	}
	return t
}

func counter(t map[string]string, field string) int64 {
	n, err := strconv.ParseInt(t[field], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func setCounter(t map[string]string, field string, v int64) {
	t[field] = strconv.FormatInt(v, 10)
}

// Allocate increments INDEX.
func (r *Registry) Allocate(_ context.Context, owner, service string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	if err := lease.ValidateScope(owner, service); err != nil {
		return 0, err
	}
	t := r.table(owner, service)
	next := counter(t, lease.FieldIndex) + 1
	setCounter(t, lease.FieldIndex, next)
	return next, nil
}

// FetchNext returns the current, a recovered or a new claim for workerID.
func (r *Registry) FetchNext(_ context.Context, owner, service, workerID string, timeToRecover time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	if err := lease.ValidateScope(owner, service); err != nil {
		return 0, err
	}
	if err := lease.ValidateWorker(workerID); err != nil {
		return 0, err
	}
	t := r.table(owner, service)
	if v, ok := t[workerID]; ok {
		c, err := lease.ParseClaim(v)
		if err == nil {
			return c.Sequence, nil
		}
	}
	now := r.Now()
	if timeToRecover > 0 {
		var workers []string
		for w := range t {
			workers = append(workers, w)
		}
		sort.Strings(workers)
		for _, w := range workers {
			if w == lease.FieldIndex || w == lease.FieldFetched {
				continue
			}
			c, err := lease.ParseClaim(t[w])
			if err != nil || !lease.Stale(c.ClaimedAt, timeToRecover, now) {
				continue
			}
			delete(t, w)
			t[workerID] = lease.FormatClaim(c.Sequence, now)
			return c.Sequence, nil
		}
	}
	fetched := counter(t, lease.FieldFetched)
	if fetched >= counter(t, lease.FieldIndex) {
		return 0, nil
	}
	fetched++
	setCounter(t, lease.FieldFetched, fetched)
	if fetched < 1 {
		return 0, nil
	}
	t[workerID] = lease.FormatClaim(fetched, now)
	return fetched, nil
}

// Recover moves a claim between workers.
func (r *Registry) Recover(_ context.Context, owner, service, fromWorker, toWorker string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	if err := lease.ValidateScope(owner, service); err != nil {
		return "", err
	}
	if err := lease.ValidateWorker(fromWorker); err != nil {
		return "", err
	}
	if err := lease.ValidateWorker(toWorker); err != nil {
		return "", err
	}
	t := r.table(owner, service)
	v, ok := t[fromWorker]
	if !ok {
		return "", nil
	}
	if _, busy := t[toWorker]; busy {
		return "", nil
	}
	t[toWorker] = v
	delete(t, fromWorker)
	return v, nil
}

// Current returns the sequence claimed by workerID.
func (r *Registry) Current(_ context.Context, owner, service, workerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	v, ok := r.table(owner, service)[workerID]
	if !ok {
		return 0, nil
	}
	c, err := lease.ParseClaim(v)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

// Ack removes the claim of workerID.
func (r *Registry) Ack(_ context.Context, owner, service, workerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	if err := lease.ValidateWorker(workerID); err != nil {
		return 0, err
	}
	t := r.table(owner, service)
	if _, ok := t[workerID]; !ok {
		return 0, nil
	}
	delete(t, workerID)
	return 1, nil
}

// Rewind resets FETCHED.
func (r *Registry) Rewind(_ context.Context, owner, service string, last int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	t := r.table(owner, service)
	if last < -1 || last > counter(t, lease.FieldIndex) {
		return false, nil
	}
	setCounter(t, lease.FieldFetched, last)
	return true, nil
}

// Info returns a snapshot of the table.
func (r *Registry) Info(_ context.Context, owner, service string) (lease.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return lease.Info{}, r.Err
	}
	return lease.ParseInfo(r.table(owner, service))
}
