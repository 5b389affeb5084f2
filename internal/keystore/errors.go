package keystore

import "errors"

// ErrNotInitialized is returned by every KeyStore method if Open has not
// been called yet (spec.md §4.1).
var ErrNotInitialized = errors.New("keystore: not initialized, call Open first")

// ErrIdentityLocked is returned when the identity keypair is requested
// but neither the in-memory key cache nor a plaintext IDENTITY record
// is available — the caller must decrypt the EncryptedIdentityRecord
// (via login) first.
var ErrIdentityLocked = errors.New("keystore: identity keypair is locked, login required")

// ErrStorageIO wraps a backend storage.Store failure.
type ErrStorageIO struct {
	Op  string
	Err error
}

func (e *ErrStorageIO) Error() string {
	return "keystore: storage I/O during " + e.Op + ": " + e.Err.Error()
}

func (e *ErrStorageIO) Unwrap() error { return e.Err }
