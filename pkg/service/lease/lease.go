// Package lease implements the lease registry that hands out sequence numbers
// to producers and claims on those sequences to workers.
//
// Every tenant scope (owner, service) owns a single table holding two
// counters, INDEX and FETCHED, and one claim entry per worker that currently
// holds unacknowledged work. All mutations that span more than one field run
// as a single server-side transaction so that callers spread across many
// processes never observe a half-applied allocation.
package lease

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Reserved table fields. Worker IDs may not use these names.
const (
	FieldIndex   = "INDEX"
	FieldFetched = "FETCHED"
)

var (
	// ErrAllocation is returned when the INDEX counter did not yield a
	// positive sequence. Callers may retry.
	ErrAllocation = errors.New("failed to allocate sequence")
	// ErrInvalidWorker is returned for empty or reserved worker IDs.
	ErrInvalidWorker = errors.New("invalid worker id")
	// ErrInvalidScope is returned when the owner or service is empty.
	ErrInvalidScope = errors.New("invalid tenant scope")
)

// Registry wraps the set of lease operations for a tenant scope.
type Registry interface {
	// Allocate increments INDEX and returns the new value.
	Allocate(ctx context.Context, owner, service string) (int64, error)
	// FetchNext returns the sequence claimed by workerID, recovering a stale
	// claim or allocating a new one as needed. A zero sequence means there is
	// no work. A zero timeToRecover disables recovery.
	FetchNext(ctx context.Context, owner, service, workerID string, timeToRecover time.Duration) (int64, error)
	// Recover moves the claim of fromWorker to toWorker and returns the moved
	// claim value, or "" if nothing was moved.
	Recover(ctx context.Context, owner, service, fromWorker, toWorker string) (string, error)
	// Current returns the sequence claimed by workerID, or 0.
	Current(ctx context.Context, owner, service, workerID string) (int64, error)
	// Ack releases the claim of workerID and returns the number of removed
	// claims.
	Ack(ctx context.Context, owner, service, workerID string) (int64, error)
	// Rewind resets FETCHED to last. It reports false when last lies outside
	// [-1, INDEX].
	Rewind(ctx context.Context, owner, service string, last int64) (bool, error)
	// Info returns a snapshot of the table.
	Info(ctx context.Context, owner, service string) (Info, error)
}

// Claim is an outstanding claim of a worker on a sequence.
type Claim struct {
	Sequence  int64     `json:"sequence"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Info is a snapshot of a tenant scope table.
type Info struct {
	Index   int64            `json:"INDEX"`
	Fetched int64            `json:"FETCHED"`
	Claims  map[string]Claim `json:"claims"`
}

// Key returns the table key of a tenant scope.
func Key(owner, service string) string {
	return owner + "-" + service
}

// FormatClaim encodes a claim as "<sequence>:<claimedAtEpochMillis>".
func FormatClaim(seq int64, at time.Time) string {
	return strconv.FormatInt(seq, 10) + ":" + strconv.FormatInt(toMillis(at), 10)
}

// ParseClaim decodes a claim value written by FormatClaim.
func ParseClaim(v string) (Claim, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return Claim{}, errors.Errorf("malformed claim %q", v)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Claim{}, errors.Wrapf(err, "malformed claim sequence %q", v)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Claim{}, errors.Wrapf(err, "malformed claim timestamp %q", v)
	}
	return Claim{Sequence: seq, ClaimedAt: fromMillis(ms)}, nil
}

// ParseInfo builds an Info from the raw fields of a table. Fields that are
// neither counters nor well formed claims are skipped.
func ParseInfo(fields map[string]string) (Info, error) {
	info := Info{Claims: make(map[string]Claim)}
	for k, v := range fields {
		switch k {
		case FieldIndex, FieldFetched:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Info{}, errors.Wrapf(err, "malformed counter %s=%q", k, v)
			}
			if k == FieldIndex {
				info.Index = n
			} else {
				info.Fetched = n
			}
		default:
			c, err := ParseClaim(v)
			if err != nil {
				continue
			}
			info.Claims[k] = c
		}
	}
	return info, nil
}

// ValidateWorker checks that id can be used as a claim field.
func ValidateWorker(id string) error {
	if id == "" || id == FieldIndex || id == FieldFetched {
		return errors.Wrapf(ErrInvalidWorker, "worker %q", id)
	}
	return nil
}

// ValidateScope checks that both parts of a tenant scope are present.
func ValidateScope(owner, service string) error {
	if owner == "" || service == "" {
		return errors.WithStack(ErrInvalidScope)
	}
	return nil
}

// Stale reports whether a claim taken at claimedAt is older than ttr at now.
func Stale(claimedAt time.Time, ttr time.Duration, now time.Time) bool {
	return toMillis(claimedAt)+ttr.Milliseconds() < toMillis(now)
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}
