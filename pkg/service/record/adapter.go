package record

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/rwool/leasequeue/pkg/service/keys"
)

// Key prefix for records: rec/{owner}/{service}/{seq}. Sequences are zero
// padded so that records of a scope iterate in sequence order.
const recordPrefix = "rec/"

// Ensure BadgerAdapter implements Store.
var _ Store = (*BadgerAdapter)(nil)

// NewBadgerAdapter creates a Store on top of an open Badger database.
func NewBadgerAdapter(db *badger.DB, kp keys.Provider) *BadgerAdapter {
	if db == nil {
		panic("nil record database")
	}
	if kp == nil {
		panic("nil key provider")
	}
	return &BadgerAdapter{db: db, keys: kp}
}

// BadgerAdapter stores encrypted records in BadgerDB.
type BadgerAdapter struct {
	db   *badger.DB
	keys keys.Provider
}

func recordKey(owner, service string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", recordPrefix, owner, service, seq))
}

// Put encrypts value under the owner's current key and stores it.
func (b *BadgerAdapter) Put(ctx context.Context, owner, service string, seq int64, value, token interface{}) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "unable to serialize value")
	}
	tok, err := serializeToken(token)
	if err != nil {
		return errors.Wrap(err, "unable to serialize token")
	}

	k, err := b.keys.Key(ctx, owner, "")
	if err != nil {
		return encryptionError(err, "unable to receive encryption key")
	}
	iv, err := newIV()
	if err != nil {
		return encryptionError(err, "unable to create iv")
	}
	sealed, err := seal(k.Secret, iv, plain)
	if err != nil {
		return encryptionError(err, "unable to encrypt value")
	}

	data, err := json.Marshal(Record{
		Sequence: seq,
		Value:    sealed,
		KeyID:    k.ID,
		IV:       iv,
		Token:    tok,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(owner, service, seq), data)
	})
	if err != nil {
		return storageError(err, "unable to write record")
	}
	return nil
}

// Get reads and decrypts the record at seq.
func (b *BadgerAdapter) Get(ctx context.Context, owner, service string, seq int64) (*Entry, error) {
	rec, err := b.read(owner, service, seq)
	if err != nil || rec == nil {
		return nil, err
	}
	k, err := b.keys.Key(ctx, owner, rec.KeyID)
	if err != nil {
		return nil, encryptionError(err, fmt.Sprintf("unable to retrieve owner encryption key %q", rec.KeyID))
	}
	plain, err := open(k.Secret, rec.IV, rec.Value)
	if err != nil {
		return nil, encryptionError(err, "unable to decrypt value")
	}
	if !json.Valid(plain) {
		return nil, encryptionError(errors.New("invalid json"), "unable to deserialize value")
	}
	return &Entry{Value: plain, Token: rec.Token}, nil
}

// Token reads the continuation token stored with the record at seq.
func (b *BadgerAdapter) Token(_ context.Context, owner, service string, seq int64) (json.RawMessage, error) {
	rec, err := b.read(owner, service, seq)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Token, nil
}

func (b *BadgerAdapter) read(owner, service string, seq int64) (*Record, error) {
	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(owner, service, seq))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(Record)
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, storageError(err, fmt.Sprintf("unable to read record %d", seq))
	}
	return rec, nil
}
