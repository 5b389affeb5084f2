// Package backup implements account export/import (spec.md §4.9):
// a self-contained, encrypted-to-the-recovery-key snapshot of this
// device's identity, session material, own device list, friends, and
// message history, framed as MAGIC || version || ECIES payload.
//
// Grounded on internal/security/recovery.go's EncryptMasterKey/
// DecryptMasterKey pair (salt-then-derive-then-AEAD shape) for the
// account-password re-encryption step Apply performs when a restored
// snapshot only carried a raw identity keypair, and on
// internal/cryptoutil/ecies.go for the payload's crypto and bit-exact
// framing.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/devicegraph"
	"github.com/obscura-chat/core/internal/dispatcher"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/wire"
)

// Magic is the 14-byte ASCII marker every backup file starts with
// (spec.md §6, bit-exact).
const Magic = "OBSCURA_BACKUP"

// CurrentVersion is the only snapshot version this package currently
// writes or reads.
const CurrentVersion = 1

var (
	// ErrBadMagic means the file does not start with Magic — it is not
	// an Obscura backup at all.
	ErrBadMagic = errors.New("backup: missing or corrupt magic header")
	// ErrUnsupportedVersion means the magic matched but the version
	// byte names a snapshot format this build cannot parse.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup version")
	// ErrDecrypt wraps any ECIES AEAD failure during import.
	ErrDecrypt = errors.New("backup: payload decryption failed")
	// ErrNoDeviceIdentity means Collect was called before this device
	// ever registered or linked (no DeviceIdentityRecord to export).
	ErrNoDeviceIdentity = errors.New("backup: no device identity to export")
)

// Snapshot is the versioned JSON payload ECIES-encrypts inside a backup
// file (spec.md §4.9 step 2). Exactly one of PlaintextIdentity or
// EncryptedIdentity is populated, mirroring KeyStore's own
// encrypted-at-rest-or-raw storage choice.
type Snapshot struct {
	ExportedAt int64  `json:"exported_at"`
	Username   string `json:"username"`
	Version    int    `json:"version"`

	DeviceIdentity    keystore.DeviceIdentityRecord     `json:"device_identity"`
	PlaintextIdentity *keystore.IdentityKeyPair         `json:"plaintext_identity,omitempty"`
	EncryptedIdentity *keystore.EncryptedIdentityRecord `json:"encrypted_identity,omitempty"`
	SignedPreKey      *keystore.SignedPreKeyRecord      `json:"signed_prekey,omitempty"`

	OwnDevices []wire.DeviceInfo          `json:"own_devices"`
	Friends    []dispatcher.Friend        `json:"friends"`
	Messages   []dispatcher.StoredMessage `json:"messages"`
}

// Collect gathers everything Export needs straight out of the account's
// live stores (spec.md §4.9 step 1). Export itself never needs the
// recovery phrase — only the recovery_public_key already recorded on
// DeviceIdentity, which is where the encryption step sends the
// snapshot.
func Collect(
	ctx context.Context,
	ks *keystore.KeyStore,
	graph *devicegraph.Graph,
	friends *dispatcher.FriendStore,
	inbox *dispatcher.Inbox,
	now time.Time,
) (*Snapshot, error) {
	deviceIdentity, err := ks.LoadDeviceIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDeviceIdentity, err)
	}

	snap := &Snapshot{
		ExportedAt:     now.UnixMilli(),
		Username:       deviceIdentity.CoreUsername,
		Version:        CurrentVersion,
		DeviceIdentity: *deviceIdentity,
	}

	encIdentity, err := ks.LoadEncryptedIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: load encrypted identity: %w", err)
	}
	if encIdentity != nil {
		snap.EncryptedIdentity = encIdentity
	} else {
		plain, err := ks.GetIdentityKeyPair(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: load plaintext identity: %w", err)
		}
		snap.PlaintextIdentity = plain
	}

	signedPreKey, err := ks.LatestSignedPreKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: load signed prekey: %w", err)
	}
	snap.SignedPreKey = signedPreKey

	ownDevices, err := graph.OwnDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: load own devices: %w", err)
	}
	snap.OwnDevices = ownDevices

	allFriends, err := friends.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: load friends: %w", err)
	}
	snap.Friends = allFriends

	allMessages, err := inbox.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: load messages: %w", err)
	}
	snap.Messages = allMessages

	return snap, nil
}

// Export serializes snap, encrypts it to recoveryPublicKey (ECIES, spec.md
// §4.9 step 3), and prepends the MAGIC/version framing (step 4). The
// result is the exact byte sequence a host application writes to
// `obscura-backup-{username}-{YYYY-MM-DD}.obscura` (step 5 is a file
// naming convention the host owns, not this package's concern).
func Export(snap *Snapshot, recoveryPublicKey [32]byte) ([]byte, error) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("backup: encode snapshot: %w", err)
	}
	payload, err := cryptoutil.EciesEncrypt(recoveryPublicKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("backup: encrypt snapshot: %w", err)
	}

	out := make([]byte, 0, len(Magic)+1+32+12+len(payload.Ciphertext))
	out = append(out, []byte(Magic)...)
	out = append(out, byte(CurrentVersion))
	out = append(out, cryptoutil.MarshalEciesPayload(payload)...)
	return out, nil
}

// Parse verifies the MAGIC and version header and hands back the raw
// ECIES payload bytes, without decrypting. Separated from Import so a
// caller can report UnsupportedBackupVersion before asking the user for
// a recovery phrase.
func Parse(file []byte) (version int, payload []byte, err error) {
	if len(file) < len(Magic)+1 {
		return 0, nil, ErrBadMagic
	}
	if !bytes.Equal(file[:len(Magic)], []byte(Magic)) {
		return 0, nil, ErrBadMagic
	}
	version = int(file[len(Magic)])
	if version != CurrentVersion {
		return version, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return version, file[len(Magic)+1:], nil
}

// Decrypt reverses Export's ECIES step given the recovery keypair
// derived from the user's 12-word phrase (spec.md §4.9 import step 2-3).
// The caller is expected to discard recoveryPriv once this returns.
func Decrypt(payload []byte, recoveryPriv [32]byte) (*Snapshot, error) {
	eciesPayload, err := cryptoutil.UnmarshalEciesPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := cryptoutil.EciesDecrypt(recoveryPriv, eciesPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("backup: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Import is the full read side of Export: verify framing, derive the
// recovery keypair from the phrase, decrypt, and parse (spec.md §4.9
// import steps 1-3).
func Import(file []byte, recoveryPhrase string) (*Snapshot, error) {
	_, payload, err := Parse(file)
	if err != nil {
		return nil, err
	}
	recoveryKeys, err := cryptoutil.DeriveRecoveryKeyPair(recoveryPhrase)
	if err != nil {
		return nil, fmt.Errorf("backup: derive recovery keypair: %w", err)
	}
	snap, err := Decrypt(payload, recoveryKeys.Private)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Apply writes a decrypted Snapshot back into a fresh device's stores
// (spec.md §4.9 import step 4): device identity, own devices, ratchet
// identity (re-encrypted at rest with accountPassword if the snapshot
// only carried a raw keypair), signed prekey, friends, and messages.
// accountPassword may be nil when the restoring device does not
// password-protect its identity (e.g. in tests), in which case a
// snapshot carrying PlaintextIdentity is stored as-is and one carrying
// EncryptedIdentity is restored unchanged (still locked to its
// original password).
func Apply(
	ctx context.Context,
	snap *Snapshot,
	ks *keystore.KeyStore,
	graph *devicegraph.Graph,
	friends *dispatcher.FriendStore,
	inbox *dispatcher.Inbox,
	accountPassword []byte,
) error {
	if err := ks.StoreDeviceIdentity(ctx, &snap.DeviceIdentity); err != nil {
		return fmt.Errorf("backup: restore device identity: %w", err)
	}

	switch {
	case snap.EncryptedIdentity != nil:
		if err := ks.StoreEncryptedIdentity(ctx, snap.EncryptedIdentity); err != nil {
			return fmt.Errorf("backup: restore encrypted identity: %w", err)
		}
	case snap.PlaintextIdentity != nil:
		if len(accountPassword) == 0 {
			if err := ks.StorePlaintextIdentity(ctx, snap.PlaintextIdentity); err != nil {
				return fmt.Errorf("backup: restore plaintext identity: %w", err)
			}
		} else {
			encrypted, err := EncryptIdentityAtRest(snap.PlaintextIdentity, accountPassword)
			if err != nil {
				return fmt.Errorf("backup: re-encrypt identity: %w", err)
			}
			if err := ks.StoreEncryptedIdentity(ctx, encrypted); err != nil {
				return fmt.Errorf("backup: restore re-encrypted identity: %w", err)
			}
		}
	default:
		return errors.New("backup: snapshot carries neither a plaintext nor an encrypted identity")
	}

	if snap.SignedPreKey != nil {
		if err := ks.StoreSignedPreKey(ctx, snap.SignedPreKey); err != nil {
			return fmt.Errorf("backup: restore signed prekey: %w", err)
		}
	}

	if err := graph.SetOwnDevices(ctx, snap.OwnDevices); err != nil {
		return fmt.Errorf("backup: restore own devices: %w", err)
	}

	for _, friend := range snap.Friends {
		if err := friends.Put(ctx, friend); err != nil {
			return fmt.Errorf("backup: restore friend %s: %w", friend.Username, err)
		}
	}

	for _, msg := range snap.Messages {
		if err := inbox.Append(ctx, msg); err != nil {
			return fmt.Errorf("backup: restore message %s: %w", msg.MessageID, err)
		}
	}

	return nil
}

// identityAtRestInfo binds the account-password-derived key to this one
// use, the same HKDF-info-labeling idiom cryptoutil's ECIES and recovery
// derivations use.
var identityAtRestInfo = []byte("obscura-identity-at-rest-v1")

// EncryptIdentityAtRest mirrors the teacher's EncryptMasterKey shape
// (random salt, HKDF-derive a key from the password, AES-256-GCM seal)
// generalized from "recovery-key-derived key" to "password-derived key"
// and returning the structured EncryptedIdentityRecord this module
// already declares instead of a salt-prefixed opaque blob. Apply is its
// only caller in this module.
func EncryptIdentityAtRest(identity *keystore.IdentityKeyPair, password []byte) (*keystore.EncryptedIdentityRecord, error) {
	plaintext, err := json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	salt, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	key, err := cryptoutil.DeriveKey(password, salt, identityAtRestInfo, cryptoutil.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	nonce, err := cryptoutil.RandomBytes(cryptoutil.NonceSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cryptoutil.SealAESGCM(key, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal identity: %w", err)
	}
	return &keystore.EncryptedIdentityRecord{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// DecryptIdentityAtRest reverses EncryptIdentityAtRest. Nothing in this
// module calls it outside tests; it is kept alongside its counterpart
// since both sides of the at-rest encryption scheme belong together.
func DecryptIdentityAtRest(rec *keystore.EncryptedIdentityRecord, password []byte) (*keystore.IdentityKeyPair, error) {
	key, err := cryptoutil.DeriveKey(password, rec.Salt, identityAtRestInfo, cryptoutil.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	plaintext, err := cryptoutil.OpenAESGCM(key, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open identity: %w", err)
	}
	var identity keystore.IdentityKeyPair
	if err := json.Unmarshal(plaintext, &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &identity, nil
}
