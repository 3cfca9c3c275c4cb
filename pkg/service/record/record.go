// Package record implements encrypted, per tenant storage of queued values.
//
// Values are encrypted with a key derived from the owner's current encryption
// key and a random per record IV. Each record remembers the ID of the owner
// key it was written with, so records stay readable after key rotation as
// long as the provider can still resolve the old key.
package record

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrEncryption is returned when a key cannot be resolved or a value
	// cannot be encrypted or decrypted.
	ErrEncryption = errors.New("encryption failure")
	// ErrStorage is returned when the underlying store fails.
	ErrStorage = errors.New("storage failure")
)

// Record is the stored form of a queued value.
type Record struct {
	Sequence int64  `json:"seq"`
	Value    []byte `json:"value"`
	KeyID    string `json:"oek"`
	IV       []byte `json:"iv"`
	Token    []byte `json:"tok,omitempty"`
}

// Entry is a decrypted record.
type Entry struct {
	Value json.RawMessage
	Token json.RawMessage
}

// Store wraps the set of methods for storing and retrieving encrypted
// records addressed by owner, service and sequence.
type Store interface {
	// Put encrypts value and stores it together with the continuation
	// token.
	Put(ctx context.Context, owner, service string, seq int64, value, token interface{}) error
	// Get returns the decrypted record, or nil if there is none.
	Get(ctx context.Context, owner, service string, seq int64) (*Entry, error)
	// Token returns the continuation token of a record without decrypting
	// the value. A missing record or token yields nil.
	Token(ctx context.Context, owner, service string, seq int64) (json.RawMessage, error)
}

func encryptionError(err error, msg string) error {
	return errors.Wrap(ErrEncryption, errors.Wrap(err, msg).Error())
}

func storageError(err error, msg string) error {
	return errors.Wrap(ErrStorage, errors.Wrap(err, msg).Error())
}

// serializeToken stores nil and JSON null tokens as absent.
func serializeToken(token interface{}) ([]byte, error) {
	if token == nil {
		return nil, nil
	}
	if raw, ok := token.(json.RawMessage); ok && (len(raw) == 0 || string(raw) == "null") {
		return nil, nil
	}
	return json.Marshal(token)
}
