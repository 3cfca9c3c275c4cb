package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/leasequeue/pkg/service/lease"
	"github.com/rwool/leasequeue/pkg/service/record"
)

// DefaultTimeToRecover is used by Fetch when the caller passes zero.
const DefaultTimeToRecover = time.Minute

// IndexQueueConfig contains the collaborators of an IndexQueue.
type IndexQueueConfig struct {
	Registry  lease.Registry
	Store     record.Store
	Completer Completer
	Log       log.Logger
}

// IndexQueue is a per tenant work queue addressed by sequence numbers.
//
// Storage failures never cross its surface: they are logged and reported as
// false or nil. Only ErrNotAuthenticated and ErrConsistency are returned as
// errors.
type IndexQueue struct {
	reg  lease.Registry
	recs record.Store
	done Completer
	l    log.Logger
}

// NewIndexQueue returns an IndexQueue.
func NewIndexQueue(conf IndexQueueConfig) *IndexQueue {
	if conf.Registry == nil || conf.Store == nil {
		panic("index queue requires a registry and a record store")
	}
	if conf.Completer == nil {
		conf.Completer = NopCompleter{}
	}
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	return &IndexQueue{
		reg:  conf.Registry,
		recs: conf.Store,
		done: conf.Completer,
		l:    conf.Log,
	}
}

func (q *IndexQueue) logError(s Scope, msg string, err error) {
	_ = q.l.Log("LEVEL", "ERROR", "MESSAGE", msg,
		"owner", s.Owner, "service", s.Service, "error", err)
}

// Add appends value to the queue of s. It returns false if the value was not
// enqueued, in which case the call is safe to retry.
func (q *IndexQueue) Add(ctx context.Context, s Scope, value, token interface{}) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	seq, err := q.reg.Allocate(ctx, s.Owner, s.Service)
	if err != nil {
		q.logError(s, "Failed to allocate sequence", err)
		return false, nil
	}
	if err := q.recs.Put(ctx, s.Owner, s.Service, seq, value, token); err != nil {
		q.logError(s, fmt.Sprintf("Failed to store record %d", seq), err)
		return false, nil
	}
	_ = q.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Added record %d", seq),
		"owner", s.Owner, "service", s.Service)
	return true, nil
}

// Fetch returns the value claimed by workerID, or nil if there is no work.
//
// A zero timeToRecover means DefaultTimeToRecover; a negative one disables
// recovery of stale claims.
func (q *IndexQueue) Fetch(ctx context.Context, s Scope, workerID string, timeToRecover time.Duration) (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch {
	case timeToRecover == 0:
		timeToRecover = DefaultTimeToRecover
	case timeToRecover < 0:
		timeToRecover = 0
	}
	seq, err := q.reg.FetchNext(ctx, s.Owner, s.Service, workerID, timeToRecover)
	if err != nil {
		q.logError(s, "Failed to fetch next sequence", err)
		return nil, nil
	}
	// Sequence 0 is only reachable by rewinding to -1 and holds nothing.
	if seq <= 0 {
		return nil, nil
	}
	e, err := q.recs.Get(ctx, s.Owner, s.Service, seq)
	if err != nil {
		q.logError(s, fmt.Sprintf("Failed to read record %d", seq), err)
		return nil, nil
	}
	if e == nil {
		_ = q.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Record %d is claimed but missing", seq),
			"owner", s.Owner, "service", s.Service, "worker", workerID)
		return nil, errors.Wrapf(ErrConsistency, "sequence %d", seq)
	}
	return e.Value, nil
}

// Ack releases the claim of workerID. If the claim was removed and its record
// was added with a token designating a process, the completer is notified
// with result and errObj. It returns true if a claim was removed.
func (q *IndexQueue) Ack(ctx context.Context, s Scope, workerID string, result, errObj json.RawMessage) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	seq, err := q.reg.Current(ctx, s.Owner, s.Service, workerID)
	if err != nil {
		q.logError(s, "Failed to read current claim", err)
		return false, nil
	}
	var token json.RawMessage
	if seq > 0 {
		token, err = q.recs.Token(ctx, s.Owner, s.Service, seq)
		if err != nil {
			q.logError(s, fmt.Sprintf("Failed to read token of record %d", seq), err)
			return false, nil
		}
	}

	n, err := q.reg.Ack(ctx, s.Owner, s.Service, workerID)
	if err != nil {
		q.logError(s, "Failed to remove claim", err)
		return false, nil
	}

	// A claim recovered by another worker in the meantime is completed by
	// that worker's ack.
	if n > 0 && designatesProcess(token) {
		err := q.done.Completed(ctx, Completion{
			Owner:  s.Owner,
			Token:  token,
			Result: result,
			Error:  errObj,
		})
		if err != nil {
			q.logError(s, fmt.Sprintf("Completion callback failed for record %d", seq), err)
		}
	}
	return n > 0, nil
}

// Rewind resets the distribution cursor so that the next fetch claims
// last+1. Values outside -1..INDEX are refused.
func (q *IndexQueue) Rewind(ctx context.Context, s Scope, last int64) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	ok, err := q.reg.Rewind(ctx, s.Owner, s.Service, last)
	if err != nil {
		q.logError(s, "Failed to rewind", err)
		return false, nil
	}
	return ok, nil
}

// Info returns a snapshot of the registry table of s, or nil on failure.
func (q *IndexQueue) Info(ctx context.Context, s Scope) (*lease.Info, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	info, err := q.reg.Info(ctx, s.Owner, s.Service)
	if err != nil {
		q.logError(s, "Failed to read queue info", err)
		return nil, nil
	}
	return &info, nil
}
