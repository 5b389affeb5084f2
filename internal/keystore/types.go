package keystore

import "github.com/obscura-chat/core/internal/cryptoutil"

// IdentityKeyPair is the long-term ratchet identity (spec.md §3,
// RatchetIdentity): an X25519 pair for ECDH and an Ed25519 pair for
// signatures, plus the registration id the peer's Transport prekey
// bundle carries.
type IdentityKeyPair struct {
	ECDH           cryptoutil.X25519KeyPair
	Signing        cryptoutil.Ed25519KeyPair
	RegistrationID uint32
}

// EncryptedIdentityRecord is the at-rest form of an IdentityKeyPair when
// it is stored encrypted with the account password (spec.md §3): a
// salt, an IV/nonce, and the AES-GCM ciphertext of the JSON-encoded key
// material.
type EncryptedIdentityRecord struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// PreKeyRecord is a one-time prekey (spec.md §3). Consumed on receipt of
// a PREKEY message.
type PreKeyRecord struct {
	KeyID   uint32
	KeyPair cryptoutil.X25519KeyPair
}

// SignedPreKeyRecord is the medium-term signed prekey, uploaded once at
// registration and rotated opportunistically.
type SignedPreKeyRecord struct {
	KeyID     uint32
	KeyPair   cryptoutil.X25519KeyPair
	Signature []byte
	CreatedAt int64 // unix ms
}

// TrustedIdentityRecord is the TOFU record for a peer's identity key
// (spec.md §3).
type TrustedIdentityRecord struct {
	PeerIdentityKey []byte
	FirstSeenMs     int64
	LastSeenMs      int64
}

// DeviceIdentityRecord is the local install's device identity
// (spec.md §3).
type DeviceIdentityRecord struct {
	CoreUsername       string
	DeviceUUID         string
	DeviceUsername     string
	P2PKeyPair         cryptoutil.X25519KeyPair
	RecoveryPublicKey  []byte
	IsFirstDevice      bool
}

// SessionRecord is the opaque per-address Double Ratchet state (spec.md
// §3). KeyStore persists it as an opaque blob; only internal/session
// interprets its contents.
type SessionRecord struct {
	Address string
	State   []byte // session.marshalState() output
}
