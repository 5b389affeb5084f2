package session

import (
	"fmt"

	"github.com/obscura-chat/core/internal/cryptoutil"
)

// kdfRootKey is the Double Ratchet "KDF_RK": derive a new root key and
// a chain key from the current root key and a fresh DH output. Grounded
// on internal/security/signal.go's RatchetStep (same HKDF-over-root||dh
// shape), generalized to split the root key out of the input key
// material (as HKDF salt) instead of concatenating raw bytes.
func kdfRootKey(rootKey, dhOut [32]byte) (newRoot, chainKey [32]byte, err error) {
	derived, err := cryptoutil.DeriveKey(dhOut[:], rootKey[:], []byte("DoubleRatchetStep"), 64)
	if err != nil {
		return newRoot, chainKey, fmt.Errorf("session: kdf_rk: %w", err)
	}
	copy(newRoot[:], derived[:32])
	copy(chainKey[:], derived[32:])
	return newRoot, chainKey, nil
}

// deriveMessageKey is the Double Ratchet "KDF_CK": derive a message key
// and the next chain key from the current chain key. Grounded on
// internal/security/signal.go's DeriveMessageKey, minus its HMAC
// fallback path (HKDF over a 32-byte key never fails).
func deriveMessageKey(chainKey [32]byte) (msgKey, nextChainKey [32]byte, err error) {
	msg, err := cryptoutil.DeriveKey(chainKey[:], nil, []byte("DoubleRatchetMessageKey"), 32)
	if err != nil {
		return msgKey, nextChainKey, fmt.Errorf("session: kdf_ck message key: %w", err)
	}
	next, err := cryptoutil.DeriveKey(chainKey[:], nil, []byte("DoubleRatchetChainKey"), 32)
	if err != nil {
		return msgKey, nextChainKey, fmt.Errorf("session: kdf_ck chain key: %w", err)
	}
	copy(msgKey[:], msg)
	copy(nextChainKey[:], next)
	return msgKey, nextChainKey, nil
}

// dhRatchet performs a full DH ratchet step on receipt of a message
// whose header carries a DH public key the session hasn't seen yet: it
// closes out the receiving chain against theirDHPublic, then opens a
// fresh sending chain by generating a new local ratchet key pair.
func (s *ratchetState) dhRatchet(theirDHPublic [32]byte) error {
	s.PrevChainLen = s.SendCount
	s.SendCount = 0
	s.RecvCount = 0
	s.DHR = &theirDHPublic

	recvDH, err := cryptoutil.SharedSecret(s.DHSPriv, theirDHPublic)
	if err != nil {
		return fmt.Errorf("session: dh ratchet (recv): %w", err)
	}
	newRoot, recvChain, err := kdfRootKey(s.RootKey, recvDH)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.RecvChainKey = &recvChain

	newPair, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("session: dh ratchet (new keypair): %w", err)
	}
	sendDH, err := cryptoutil.SharedSecret(newPair.Private, theirDHPublic)
	if err != nil {
		return fmt.Errorf("session: dh ratchet (send): %w", err)
	}
	newRoot2, sendChain, err := kdfRootKey(s.RootKey, sendDH)
	if err != nil {
		return err
	}
	s.RootKey = newRoot2
	s.SendChainKey = &sendChain
	s.DHSPriv = newPair.Private
	s.DHSPub = newPair.Public
	return nil
}

// openSendChain performs the "lazy" half of a DH ratchet step: when a
// session has a receiving chain (DHR known) but no sending chain yet —
// the responder side right after establishing from a PREKEY message
// (dhRatchet opens its own send chain, so it never leaves this case
// behind) — generate a fresh local ratchet key pair and open a send chain
// against the known remote ratchet public key.
func (s *ratchetState) openSendChain() error {
	if s.DHR == nil {
		return ErrSessionNotEstablished
	}
	newPair, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("session: open send chain: %w", err)
	}
	dhOut, err := cryptoutil.SharedSecret(newPair.Private, *s.DHR)
	if err != nil {
		return fmt.Errorf("session: open send chain: %w", err)
	}
	newRoot, chainKey, err := kdfRootKey(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.SendChainKey = &chainKey
	s.DHSPriv = newPair.Private
	s.DHSPub = newPair.Public
	s.PrevChainLen = s.SendCount
	s.SendCount = 0
	return nil
}

// skipMessageKeys advances the receiving chain up to (not including)
// "until", caching each derived key as a skippedKey so a message that
// arrives later out of order can still be decrypted.
func (s *ratchetState) skipMessageKeys(until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	for s.RecvCount < until {
		if len(s.Skipped) >= maxSkippedMessageKeys {
			return ErrMessageCounter
		}
		msgKey, nextChain, err := deriveMessageKey(*s.RecvChainKey)
		if err != nil {
			return err
		}
		s.Skipped = append(s.Skipped, skippedKey{DHPublic: *s.DHR, N: s.RecvCount, MessageKey: msgKey})
		s.RecvChainKey = &nextChain
		s.RecvCount++
	}
	return nil
}

// takeSkippedMessageKey removes and returns a previously cached
// skipped key for (dhPublic, n), if one exists.
func (s *ratchetState) takeSkippedMessageKey(dhPublic [32]byte, n uint32) ([32]byte, bool) {
	for i, sk := range s.Skipped {
		if sk.DHPublic == dhPublic && sk.N == n {
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return sk.MessageKey, true
		}
	}
	return [32]byte{}, false
}
