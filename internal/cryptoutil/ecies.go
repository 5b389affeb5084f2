package cryptoutil

import "fmt"

// EciesPayload is the ephemeral_pub || nonce || ciphertext || tag framing
// the backup format (spec.md §6) embeds after its magic/version header.
type EciesPayload struct {
	EphemeralPublic [32]byte
	Nonce           [12]byte
	Ciphertext      []byte // includes the 16-byte GCM tag
}

// eciesInfo is the HKDF info label binding derived keys to this exact use,
// so the same ephemeral/shared secret pair can never be reused as a key
// for anything else.
var eciesInfo = []byte("obscura-backup-ecies-v1")

// EciesEncrypt encrypts plaintext to recipientPub using an ephemeral
// X25519 key pair: a fresh key pair is generated, a shared secret is
// derived via X25519, a symmetric key is derived via HKDF, and the
// plaintext is sealed with AES-256-GCM. This is the scheme spec.md §4.9
// describes for account backup export.
func EciesEncrypt(recipientPub [32]byte, plaintext []byte) (*EciesPayload, error) {
	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies ephemeral key: %w", err)
	}
	shared, err := SharedSecret(ephemeral.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies shared secret: %w", err)
	}
	key, err := DeriveKey(shared[:], ephemeral.Public[:], eciesInfo, KeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies derive key: %w", err)
	}
	var nonce [12]byte
	nb, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	copy(nonce[:], nb)

	ciphertext, err := SealAESGCM(key, nonce[:], plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies seal: %w", err)
	}
	return &EciesPayload{
		EphemeralPublic: ephemeral.Public,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// EciesDecrypt reverses EciesEncrypt given the recipient's private key.
func EciesDecrypt(recipientPriv [32]byte, payload *EciesPayload) ([]byte, error) {
	shared, err := SharedSecret(recipientPriv, payload.EphemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies shared secret: %w", err)
	}
	key, err := DeriveKey(shared[:], payload.EphemeralPublic[:], eciesInfo, KeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies derive key: %w", err)
	}
	plaintext, err := OpenAESGCM(key, payload.Nonce[:], payload.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ecies open: %w", err)
	}
	return plaintext, nil
}

// MarshalEciesPayload encodes a payload as ephemeral_pub(32) || nonce(12) || ciphertext||tag,
// the bit-exact layout spec.md §6 requires.
func MarshalEciesPayload(p *EciesPayload) []byte {
	out := make([]byte, 0, 32+12+len(p.Ciphertext))
	out = append(out, p.EphemeralPublic[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Ciphertext...)
	return out
}

// UnmarshalEciesPayload reverses MarshalEciesPayload.
func UnmarshalEciesPayload(b []byte) (*EciesPayload, error) {
	if len(b) < 32+12+TagSize {
		return nil, fmt.Errorf("cryptoutil: ecies payload too short")
	}
	p := &EciesPayload{}
	copy(p.EphemeralPublic[:], b[0:32])
	copy(p.Nonce[:], b[32:44])
	p.Ciphertext = append([]byte(nil), b[44:]...)
	return p, nil
}
