// Package service implements the business logic of the lease based work
// queues: the index queue on top of the lease registry and the record store,
// and the log backed emitter and claim queue.
package service

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotAuthenticated is returned when a call carries no owner or no
	// service. Calls are never defaulted to a shared namespace.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrConsistency is returned when a claimed sequence has no record,
	// which means allocation and storage went out of sync.
	ErrConsistency = errors.New("claimed sequence has no record")
	// ErrEmptyQueue is returned by ClaimQueue.Fetch when there is nothing to
	// claim.
	ErrEmptyQueue = errors.New("empty queue")
	// ErrNoClaim is returned by ClaimQueue.Commit when no item is claimed.
	ErrNoClaim = errors.New("no item in claim")
	// ErrUnreadable is returned by ClaimQueue.Fetch for a log message that
	// could not be decoded. The message is dropped without being resolved;
	// committing a later message of the same partition skips it for good.
	ErrUnreadable = errors.New("failed to read item in queue")
	// ErrEmitterClosed is returned by Emit after Close.
	ErrEmitterClosed = errors.New("emitter closed")
)

// Scope identifies the tenant scope of a call.
type Scope struct {
	Owner   string `json:"ownerId"`
	Service string `json:"serviceId"`
}

// Validate returns ErrNotAuthenticated unless both parts are set.
func (s Scope) Validate() error {
	if s.Owner == "" || s.Service == "" {
		return ErrNotAuthenticated
	}
	return nil
}
