package streamsession

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var sessionPrefix = []byte("ss/")

// BadgerStore persists sessions in Badger so they survive restarts and
// can be shared by processes on the same host. Badger's own TTL garbage
// collects stale records; Resolve still checks CreatedAt so policy does
// not depend on collection timing.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// NewBadgerStore opens (or creates) a session database at path.
func NewBadgerStore(path string, opts Options) (*BadgerStore, error) {
	opts.applyDefaults()

	dbOpts := badger.DefaultOptions(path)
	dbOpts.Logger = nil

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

// Mint implements Store.
func (b *BadgerStore) Mint(realURL, clientID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	record, err := json.Marshal(Session{
		RealURL:     realURL,
		CreatedAt:   b.opts.Clock.Now(),
		BoundClient: clientID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding session record: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(sessionKey(token), record).WithTTL(b.opts.TTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		return "", fmt.Errorf("storing session record: %w", err)
	}
	return token, nil
}

// Resolve implements Store. Lookup and single-use deletion happen inside
// one transaction so a consumed session can never resolve twice.
func (b *BadgerStore) Resolve(token, clientID string) (string, error) {
	var realURL string

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var s Session
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		}); err != nil {
			return err
		}

		now := b.opts.Clock.Now()
		if now.Sub(s.CreatedAt) > b.opts.TTL {
			_ = txn.Delete(sessionKey(token))
			return ErrExpired
		}
		if b.opts.BindClient && s.BoundClient != clientID {
			return ErrClientMismatch
		}
		if b.opts.SingleUse {
			if err := txn.Delete(sessionKey(token)); err != nil {
				return err
			}
		}

		realURL = s.RealURL
		return nil
	})
	if err != nil {
		return "", err
	}
	return realURL, nil
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func sessionKey(token string) []byte {
	return append(append([]byte{}, sessionPrefix...), token...)
}
