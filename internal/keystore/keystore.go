// Package keystore implements KeyStore (spec.md §4.1): the exclusive
// owner of all ratchet/key material, backed by the injected
// storage.Store capability.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/storage"
)

// Collection names, exactly as spec.md §4.1 enumerates them.
const (
	collectionIdentity       = "IDENTITY"
	collectionPreKeys        = "PRE_KEYS"
	collectionSignedPreKeys  = "SIGNED_PRE_KEYS"
	collectionSessions       = "SESSIONS"
	collectionTrustedIdentities = "TRUSTED_IDENTITIES"
	collectionDeviceIdentity = "DEVICE_IDENTITY"
)

const (
	keyEncryptedIdentity = "encrypted"
	keyPlaintextIdentity = "plaintext"
	keySingleton         = "singleton"
)

// Address formats the (peer_user_id, device_index) pair the spec uses
// to key SESSIONS and TRUSTED_IDENTITIES.
func Address(peerUserID string, deviceIndex int) string {
	return fmt.Sprintf("%s:%d", peerUserID, deviceIndex)
}

// KeyStore is the transactional, namespaced keyed store described in
// spec.md §4.1, with an in-memory key cache layered on top for the
// decrypted identity keypair (spec.md §5: "process-wide; populated on
// successful login decrypt; cleared on logout").
type KeyStore struct {
	store  storage.Store
	opened bool

	cacheMu        sync.RWMutex
	cachedIdentity *IdentityKeyPair
}

// New wraps a storage.Store. The KeyStore is unusable until Open is called.
func New(store storage.Store) *KeyStore {
	return &KeyStore{store: store}
}

// Open marks the KeyStore ready for use. Kept as an explicit lifecycle
// step (rather than doing it in New) so Core's construction order is
// always: build capabilities, then Open each one — matching the
// Design Notes' "explicit Core handle with initialization lifecycle".
func (k *KeyStore) Open(ctx context.Context) error {
	k.opened = true
	return nil
}

func (k *KeyStore) requireOpen() error {
	if !k.opened {
		return ErrNotInitialized
	}
	return nil
}

// --- In-memory key cache -----------------------------------------------

// PopulateKeyCache installs the decrypted identity keypair into the
// process-wide cache. Called by StorePlaintextIdentity and by
// Core.Register, each of which already holds the plaintext keypair.
func (k *KeyStore) PopulateKeyCache(identity *IdentityKeyPair) {
	k.cacheMu.Lock()
	defer k.cacheMu.Unlock()
	cp := *identity
	k.cachedIdentity = &cp
}

// ClearKeyCache clears the in-memory identity keypair. Called on
// logout, session-token expiry, or explicit recovery-file restore
// (spec.md §5).
func (k *KeyStore) ClearKeyCache() {
	k.cacheMu.Lock()
	defer k.cacheMu.Unlock()
	k.cachedIdentity = nil
}

// GetIdentityKeyPair returns the decrypted identity keypair from cache.
// Falls back to a plaintext IDENTITY record (the unencrypted-at-rest
// path spec.md §3 allows) if the cache is empty.
func (k *KeyStore) GetIdentityKeyPair(ctx context.Context) (*IdentityKeyPair, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	k.cacheMu.RLock()
	cached := k.cachedIdentity
	k.cacheMu.RUnlock()
	if cached != nil {
		cp := *cached
		return &cp, nil
	}

	var identity *IdentityKeyPair
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionIdentity, keyPlaintextIdentity)
		if err == storage.ErrNotFound {
			return ErrIdentityLocked
		}
		if err != nil {
			return &ErrStorageIO{Op: "get identity", Err: err}
		}
		var rec IdentityKeyPair
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("keystore: decode identity: %w", err)
		}
		identity = &rec
		return nil
	})
	return identity, err
}

// GetLocalRegistrationID returns the registration id bound to the
// identity keypair.
func (k *KeyStore) GetLocalRegistrationID(ctx context.Context) (uint32, error) {
	identity, err := k.GetIdentityKeyPair(ctx)
	if err != nil {
		return 0, err
	}
	return identity.RegistrationID, nil
}

// StorePlaintextIdentity persists the identity keypair unencrypted
// (used when the host application has chosen not to password-protect
// the account, e.g. during tests).
func (k *KeyStore) StorePlaintextIdentity(ctx context.Context, identity *IdentityKeyPair) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("keystore: encode identity: %w", err)
	}
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionIdentity, keyPlaintextIdentity, raw)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put identity", Err: err}
	}
	k.PopulateKeyCache(identity)
	return nil
}

// StoreEncryptedIdentity persists the salt+nonce+ciphertext record
// spec.md §3 describes for password-protected accounts.
func (k *KeyStore) StoreEncryptedIdentity(ctx context.Context, rec *EncryptedIdentityRecord) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode encrypted identity: %w", err)
	}
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionIdentity, keyEncryptedIdentity, raw)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put encrypted identity", Err: err}
	}
	return nil
}

// LoadEncryptedIdentity returns the stored EncryptedIdentityRecord, if any.
func (k *KeyStore) LoadEncryptedIdentity(ctx context.Context) (*EncryptedIdentityRecord, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var rec *EncryptedIdentityRecord
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionIdentity, keyEncryptedIdentity)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return &ErrStorageIO{Op: "get encrypted identity", Err: err}
		}
		var r EncryptedIdentityRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("keystore: decode encrypted identity: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// --- Trusted identities (TOFU) ------------------------------------------

// IsTrustedIdentity implements the TOFU check (spec.md §4.1): true if no
// prior entry exists, or the stored key matches byte-for-byte.
func (k *KeyStore) IsTrustedIdentity(ctx context.Context, addr string, key []byte) (bool, error) {
	if err := k.requireOpen(); err != nil {
		return false, err
	}
	trusted := true
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionTrustedIdentities, addr)
		if err == storage.ErrNotFound {
			trusted = true
			return nil
		}
		if err != nil {
			return &ErrStorageIO{Op: "get trusted identity", Err: err}
		}
		var rec TrustedIdentityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("keystore: decode trusted identity: %w", err)
		}
		trusted = cryptoutil.ConstantTimeEqual(rec.PeerIdentityKey, key)
		return nil
	})
	return trusted, err
}

// SaveIdentity records first_seen/last_seen for addr's identity key and
// reports whether an entry already existed (spec.md §4.1). The
// check-then-save happens inside one transaction so no concurrent
// mutation can slip in between the TOFU check and this write
// (spec.md §5).
func (k *KeyStore) SaveIdentity(ctx context.Context, addr string, key []byte) (wasExisting bool, err error) {
	if err := k.requireOpen(); err != nil {
		return false, err
	}
	now := time.Now().UnixMilli()
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		raw, getErr := txn.Get(collectionTrustedIdentities, addr)
		var rec TrustedIdentityRecord
		if getErr == storage.ErrNotFound {
			rec = TrustedIdentityRecord{PeerIdentityKey: key, FirstSeenMs: now, LastSeenMs: now}
			wasExisting = false
		} else if getErr != nil {
			return &ErrStorageIO{Op: "get trusted identity", Err: getErr}
		} else {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("keystore: decode trusted identity: %w", err)
			}
			wasExisting = true
			rec.PeerIdentityKey = key
			rec.LastSeenMs = now
		}
		newRaw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("keystore: encode trusted identity: %w", err)
		}
		return txn.Put(collectionTrustedIdentities, addr, newRaw)
	})
	return wasExisting, err
}

// --- PreKeys --------------------------------------------------------------

func preKeyKey(keyID uint32) string { return strconv.FormatUint(uint64(keyID), 10) }

// StorePreKey persists a one-time prekey.
func (k *KeyStore) StorePreKey(ctx context.Context, rec *PreKeyRecord) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode prekey: %w", err)
	}
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionPreKeys, preKeyKey(rec.KeyID), raw)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put prekey", Err: err}
	}
	return nil
}

// LoadPreKey returns the stored prekey, or storage.ErrNotFound.
func (k *KeyStore) LoadPreKey(ctx context.Context, keyID uint32) (*PreKeyRecord, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var rec *PreKeyRecord
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionPreKeys, preKeyKey(keyID))
		if err != nil {
			return err
		}
		var r PreKeyRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("keystore: decode prekey: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// RemovePreKey deletes a one-time prekey (consumed on PREKEY decrypt).
func (k *KeyStore) RemovePreKey(ctx context.Context, keyID uint32) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	err := k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(collectionPreKeys, preKeyKey(keyID))
	})
	if err != nil {
		return &ErrStorageIO{Op: "delete prekey", Err: err}
	}
	return nil
}

// CountPreKeys returns how many one-time prekeys remain, and the
// highest key id in use (0 if none) so replenishment can continue the
// id sequence (spec.md §4.2).
func (k *KeyStore) CountPreKeys(ctx context.Context) (count int, highestID uint32, err error) {
	if err := k.requireOpen(); err != nil {
		return 0, 0, err
	}
	err = k.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionPreKeys, func(key string, value []byte) error {
			count++
			id, parseErr := strconv.ParseUint(key, 10, 32)
			if parseErr == nil && uint32(id) > highestID {
				highestID = uint32(id)
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, &ErrStorageIO{Op: "count prekeys", Err: err}
	}
	return count, highestID, nil
}

// --- Signed PreKeys ---------------------------------------------------

func signedPreKeyKey(keyID uint32) string { return strconv.FormatUint(uint64(keyID), 10) }

// StoreSignedPreKey persists a signed prekey.
func (k *KeyStore) StoreSignedPreKey(ctx context.Context, rec *SignedPreKeyRecord) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode signed prekey: %w", err)
	}
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionSignedPreKeys, signedPreKeyKey(rec.KeyID), raw)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put signed prekey", Err: err}
	}
	return nil
}

// LoadSignedPreKey returns a signed prekey by id.
func (k *KeyStore) LoadSignedPreKey(ctx context.Context, keyID uint32) (*SignedPreKeyRecord, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var rec *SignedPreKeyRecord
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionSignedPreKeys, signedPreKeyKey(keyID))
		if err != nil {
			return err
		}
		var r SignedPreKeyRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("keystore: decode signed prekey: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// LatestSignedPreKey returns the most recently created signed prekey,
// used by backup export (spec.md §4.9).
func (k *KeyStore) LatestSignedPreKey(ctx context.Context) (*SignedPreKeyRecord, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var latest *SignedPreKeyRecord
	err := k.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionSignedPreKeys, func(key string, value []byte) error {
			var r SignedPreKeyRecord
			if err := json.Unmarshal(value, &r); err != nil {
				return fmt.Errorf("keystore: decode signed prekey: %w", err)
			}
			if latest == nil || r.CreatedAt > latest.CreatedAt {
				latest = &r
			}
			return nil
		})
	})
	return latest, err
}

// --- Sessions --------------------------------------------------------

// StoreSession persists the opaque ratchet state for addr.
func (k *KeyStore) StoreSession(ctx context.Context, addr string, state []byte) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	err := k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionSessions, addr, state)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put session", Err: err}
	}
	return nil
}

// LoadSession returns the ratchet state for addr, or storage.ErrNotFound.
func (k *KeyStore) LoadSession(ctx context.Context, addr string) ([]byte, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var state []byte
	err := k.store.View(ctx, func(txn storage.Txn) error {
		var err error
		state, err = txn.Get(collectionSessions, addr)
		return err
	})
	return state, err
}

// DeleteSession removes a session (explicit reset, spec.md §3).
func (k *KeyStore) DeleteSession(ctx context.Context, addr string) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	err := k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(collectionSessions, addr)
	})
	if err != nil {
		return &ErrStorageIO{Op: "delete session", Err: err}
	}
	return nil
}

// --- Device identity ---------------------------------------------------

// StoreDeviceIdentity persists the local install's DeviceIdentity.
func (k *KeyStore) StoreDeviceIdentity(ctx context.Context, rec *DeviceIdentityRecord) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode device identity: %w", err)
	}
	err = k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionDeviceIdentity, keySingleton, raw)
	})
	if err != nil {
		return &ErrStorageIO{Op: "put device identity", Err: err}
	}
	return nil
}

// LoadDeviceIdentity returns the local DeviceIdentity, or
// storage.ErrNotFound if this device has not registered/linked yet.
func (k *KeyStore) LoadDeviceIdentity(ctx context.Context) (*DeviceIdentityRecord, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	var rec *DeviceIdentityRecord
	err := k.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionDeviceIdentity, keySingleton)
		if err != nil {
			return err
		}
		var r DeviceIdentityRecord
		if jsonErr := json.Unmarshal(raw, &r); jsonErr != nil {
			return fmt.Errorf("keystore: decode device identity: %w", jsonErr)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// DeleteDeviceIdentity removes the device identity (device unlink,
// spec.md §3 lifecycle).
func (k *KeyStore) DeleteDeviceIdentity(ctx context.Context) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	err := k.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(collectionDeviceIdentity, keySingleton)
	})
	if err != nil {
		return &ErrStorageIO{Op: "delete device identity", Err: err}
	}
	return nil
}
