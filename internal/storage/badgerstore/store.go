// Package badgerstore implements storage.Store on top of an embedded
// dgraph-io/badger/v4 database — one directory per account namespace,
// which is the natural mapping for badger's own transaction model onto
// spec.md's "transactional, namespaced (per-account) keyed store".
package badgerstore

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/obscura-chat/core/internal/storage"
)

// Store wraps one badger.DB, opened against a single account's data
// directory.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database rooted at dir.
// Each account gets its own dir, giving per-account namespacing for
// free without key prefixing.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badgerstore: close: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(storage.Txn) error) error {
	return s.db.View(func(btxn *badger.Txn) error {
		return fn(&txn{btxn: btxn})
	})
}

func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	return s.db.Update(func(btxn *badger.Txn) error {
		return fn(&txn{btxn: btxn})
	})
}

type txn struct {
	btxn *badger.Txn
}

func compositeKey(collection, key string) []byte {
	return []byte(collection + "\x00" + key)
}

func (t *txn) Get(collection, key string) ([]byte, error) {
	item, err := t.btxn.Get(compositeKey(collection, key))
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get %s/%s: %w", collection, key, err)
	}
	return item.ValueCopy(nil)
}

func (t *txn) Put(collection, key string, value []byte) error {
	if err := t.btxn.Set(compositeKey(collection, key), value); err != nil {
		return fmt.Errorf("badgerstore: put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (t *txn) Delete(collection, key string) error {
	if err := t.btxn.Delete(compositeKey(collection, key)); err != nil {
		return fmt.Errorf("badgerstore: delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (t *txn) Iterate(collection string, fn func(key string, value []byte) error) error {
	prefix := []byte(collection + "\x00")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.btxn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil)[len(prefix):])
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badgerstore: iterate %s: %w", collection, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}
