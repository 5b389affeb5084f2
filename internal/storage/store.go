// Package storage defines the Storage capability spec.md treats as an
// external collaborator ("the underlying durable key/value container...
// treated as a transactional keyed store"). The core depends only on
// this interface; concrete backends live in storage/badgerstore (the
// recommended on-device embedded store) and storage/sqlstore (a
// database/sql backend for deployments that already run Postgres or
// want a single sqlite file).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Txn.Get when the key does not exist in the
// named collection.
var ErrNotFound = errors.New("storage: key not found")

// Txn is a single read or read-write transaction scoped to one account
// namespace. Every KeyStore mutation (spec.md §4.1, §5) runs inside
// exactly one Txn so the TOFU check-then-save and the per-address
// session read-modify-write are atomic.
type Txn interface {
	Get(collection, key string) ([]byte, error)
	Put(collection, key string, value []byte) error
	Delete(collection, key string) error
	// Iterate calls fn for every key in collection, in unspecified
	// order, stopping early if fn returns an error.
	Iterate(collection string, fn func(key string, value []byte) error) error
}

// Store is the capability injected into Core at construction (Design
// Notes §9: "explicit injection of the Storage capability... no
// conditional branching on runtime").
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(txn Txn) error) error
	// Update runs fn in a read-write transaction, committing iff fn
	// returns nil.
	Update(ctx context.Context, fn func(txn Txn) error) error
	Close() error
}
