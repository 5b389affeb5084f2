// Package cryptoutil holds the named cryptographic operations the core
// builds on: X25519 key agreement, Ed25519 signing, HKDF key derivation,
// and AES-256-GCM AEAD. None of this is novel protocol design — it is the
// same primitive set the Signal-derived protocols use, wired the way
// internal/security/signal.go wires it, with the signature half replaced
// by real Ed25519 instead of a placeholder.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrKeySize        = errors.New("cryptoutil: key must be 32 bytes")
	ErrCiphertextSize = errors.New("cryptoutil: ciphertext too short")
)

// X25519KeyPair is an ECDH key pair used for session and identity keys.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair generates a fresh, correctly-clamped X25519 key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv, pub [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return &X25519KeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret performs an X25519 Diffie-Hellman exchange.
func SharedSecret(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("cryptoutil: X25519: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// Ed25519KeyPair signs identity-bound assertions: signed-prekey
// certificates, device-announce bodies, link-code challenges, and CRDT
// entry signatures.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519KeyPair generates a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate ed25519 key: %w", err)
	}
	return &Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// DeriveKey runs HKDF-SHA256 over ikm, producing outLen bytes of key
// material bound to salt and info.
func DeriveKey(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptoutil: hkdf: %w", err)
	}
	return out, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("cryptoutil: random bytes: %w", err)
	}
	return b, nil
}

// SHA256 hashes data and returns the 32-byte digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SealAESGCM encrypts plaintext under key with the given 12-byte nonce,
// returning ciphertext||tag. The nonce is caller-supplied (the content
// key/nonce pair is generated once per upload, per spec) rather than
// prepended, matching the ContentReference wire shape which carries the
// nonce as a separate field.
func SealAESGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptoutil: nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenAESGCM decrypts ciphertext||tag produced by SealAESGCM.
func OpenAESGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptoutil: nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}

// SharedSecretBase computes the X25519 public key for a given private
// scalar (used when a key pair is derived rather than freshly generated).
func SharedSecretBase(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub, nil
}

// ed25519KeyPairFromSeed builds an Ed25519 key pair from a 32-byte seed
// (used for deterministic derivation from recovery-phrase material).
func ed25519KeyPairFromSeed(seed []byte) (*Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("cryptoutil: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
