package cryptoutil

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// recoveryKeyInfo binds the recovery key pair derivation to its one
// purpose: decrypting backups and signing device revocations. Using a
// fixed info label means the same seed can later derive other
// purpose-specific keys without collision.
var recoveryKeyInfo = []byte("obscura-recovery-keypair-v1")

// GenerateRecoveryPhrase creates a standard 12-word BIP39 mnemonic (128
// bits of entropy), replacing the ad-hoc partial word-list generator the
// teacher carried (which indexed a 256-word subset with entropy[i] %
// len(wordList) — a shortcut its own comments flagged as a placeholder).
func GenerateRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateRecoveryPhrase checks word count, wordlist membership, and the
// BIP39 checksum.
func ValidateRecoveryPhrase(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// DeriveRecoveryKeyPair turns a 12-word mnemonic into the deterministic
// X25519 key pair used to decrypt backups (EciesDecrypt) and, via its
// Ed25519 twin, to sign device revocations. The mnemonic seed (BIP39,
// no passphrase — the core never asks the user for one) is stretched
// through HKDF into ECDH key material.
func DeriveRecoveryKeyPair(mnemonic string) (*X25519KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("cryptoutil: invalid recovery phrase")
	}
	seed := bip39.NewSeed(mnemonic, "")
	material, err := DeriveKey(seed, nil, recoveryKeyInfo, KeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: derive recovery key: %w", err)
	}
	var priv, pub [32]byte
	copy(priv[:], material)
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubBytes, err := SharedSecretBase(priv)
	if err != nil {
		return nil, err
	}
	pub = pubBytes
	return &X25519KeyPair{Private: priv, Public: pub}, nil
}

// DeriveRecoverySigningKeyPair derives the Ed25519 key pair used to sign
// self-revocation DeviceAnnounce messages (spec.md §4.6): "the user
// derives a one-time keypair from their 12-word recovery phrase,
// produces the signature, then discards the derived private key."
func DeriveRecoverySigningKeyPair(mnemonic string) (*Ed25519KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("cryptoutil: invalid recovery phrase")
	}
	seed := bip39.NewSeed(mnemonic, "")
	material, err := DeriveKey(seed, nil, append(recoveryKeyInfo, "-sign"...), 32)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: derive recovery signing key: %w", err)
	}
	return ed25519KeyPairFromSeed(material)
}
