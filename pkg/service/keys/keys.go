// Package keys implements the boundary to the provider of owner encryption
// keys.
package keys

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrKeyNotFound is returned when the provider has no key for the
	// request.
	ErrKeyNotFound = errors.New("encryption key not found")
	// ErrProviderUnavailable is returned while the provider is considered
	// unhealthy.
	ErrProviderUnavailable = errors.New("key provider unavailable")
)

// Key is an owner encryption key.
type Key struct {
	ID     string
	Secret []byte
}

// Provider resolves owner encryption keys.
//
// An empty id asks for the current key of the owner; any other id asks for
// that specific, possibly rotated out, key.
type Provider interface {
	Key(ctx context.Context, owner, id string) (Key, error)
}

// Ensure Ring implements Provider.
var _ Provider = (*Ring)(nil)

// Ring is a static Provider holding the keys of each owner in memory. The
// first key of an owner is its current key. Owners without keys of their own
// use the default keys.
type Ring struct {
	mu       sync.RWMutex
	owners   map[string][]Key
	defaults []Key
}

// NewRing returns a Ring using defaults for owners without their own keys.
func NewRing(defaults ...Key) *Ring {
	return &Ring{
		owners:   make(map[string][]Key),
		defaults: append([]Key(nil), defaults...),
	}
}

// Rotate makes k the current key of owner. Previous keys stay resolvable by
// ID.
func (r *Ring) Rotate(owner string, k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.owners[owner]
	if !ok {
		prev = r.defaults
	}
	r.owners[owner] = append([]Key{k}, prev...)
}

// Key returns the requested key of owner.
func (r *Ring) Key(_ context.Context, owner, id string) (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.owners[owner]
	if !ok {
		ring = r.defaults
	}
	if len(ring) == 0 {
		return Key{}, errors.Wrapf(ErrKeyNotFound, "owner %q has no keys", owner)
	}
	if id == "" {
		return ring[0], nil
	}
	for _, k := range ring {
		if k.ID == id {
			return k, nil
		}
	}
	return Key{}, errors.Wrapf(ErrKeyNotFound, "owner %q key %q", owner, id)
}
