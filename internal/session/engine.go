// Package session implements SessionEngine (spec.md §4.2): a
// Double-Ratchet-style protocol over sessions addressed by
// (peer_user_id, device_index), bootstrapped with an X3DH-style prekey
// agreement. Grounded on internal/security/signal.go and
// internal/security/session.go, with the signature verification
// placeholder replaced by real Ed25519 and skipped-message-key
// handling added for genuine out-of-order delivery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/storage"
	"github.com/obscura-chat/core/internal/wire"
)

const (
	minPreKeyThreshold = 20
	replenishBatchSize = 50
)

var x3dhInfo = []byte("X3DH")

// Engine is the SessionEngine contract's implementation.
type Engine struct {
	keys      *keystore.KeyStore
	transport PrekeySource
	log       *logrus.Entry
}

// New builds an Engine over the given KeyStore and PrekeySource. log
// may be nil, in which case the standard logrus logger is used.
func New(keys *keystore.KeyStore, transport PrekeySource, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{keys: keys, transport: transport, log: log.WithField("component", "session")}
}

// Encrypt implements encrypt(peer_user_id, plaintext_bytes) → {type, body}.
func (e *Engine) Encrypt(ctx context.Context, peerUserID string, plaintext []byte) (wire.EncryptedMessage, error) {
	addr := keystore.Address(peerUserID, 1)
	raw, err := e.keys.LoadSession(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return e.encryptInitial(ctx, peerUserID, addr, plaintext)
	}
	if err != nil {
		return wire.EncryptedMessage{}, err
	}

	state, err := unmarshalState(raw)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("session: decode state: %w", err)
	}
	if state.SendChainKey == nil {
		if err := state.openSendChain(); err != nil {
			return wire.EncryptedMessage{}, err
		}
	}
	body, err := e.sealBody(state, addr, plaintext)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	if err := e.persistSession(ctx, addr, state); err != nil {
		return wire.EncryptedMessage{}, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("session: encode body: %w", err)
	}
	return wire.EncryptedMessage{Type: wire.SessionMessageEncrypted, Content: encoded}, nil
}

// encryptInitial establishes a new session as initiator: fetches the
// peer's prekey bundle, performs X3DH, opens the first sending chain,
// and tags the result PREKEY.
func (e *Engine) encryptInitial(ctx context.Context, peerUserID, addr string, plaintext []byte) (wire.EncryptedMessage, error) {
	bundle, err := e.transport.FetchPrekeyBundle(ctx, peerUserID)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("session: fetch prekey bundle: %w", err)
	}

	trusted, err := e.keys.IsTrustedIdentity(ctx, addr, bundle.IdentityKey[:])
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	if !trusted {
		return wire.EncryptedMessage{}, ErrIdentityMismatch
	}
	if !cryptoutil.Verify(bundle.IdentitySigningKey[:], bundle.SignedPreKeyPublic[:], bundle.SignedPreKeySignature) {
		return wire.EncryptedMessage{}, ErrInvalidSignedPreKeySignature
	}
	if _, err := e.keys.SaveIdentity(ctx, addr, bundle.IdentityKey[:]); err != nil {
		return wire.EncryptedMessage{}, err
	}

	identity, err := e.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	ephemeral, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return wire.EncryptedMessage{}, err
	}

	dh1, err := cryptoutil.SharedSecret(identity.ECDH.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	dh2, err := cryptoutil.SharedSecret(ephemeral.Private, bundle.IdentityKey)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	dh3, err := cryptoutil.SharedSecret(ephemeral.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	concat := concatSecrets(dh1, dh2, dh3)
	if bundle.OneTimePreKeyPublic != nil {
		dh4, err := cryptoutil.SharedSecret(ephemeral.Private, *bundle.OneTimePreKeyPublic)
		if err != nil {
			return wire.EncryptedMessage{}, err
		}
		concat = append(concat, dh4[:]...)
	}
	rootKeyBytes, err := cryptoutil.DeriveKey(concat, make([]byte, 32), x3dhInfo, 32)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("session: x3dh derive: %w", err)
	}
	var rootKey [32]byte
	copy(rootKey[:], rootKeyBytes)

	state := &ratchetState{RootKey: rootKey, DHSPriv: ephemeral.Private, DHSPub: ephemeral.Public}
	spkPublic := bundle.SignedPreKeyPublic
	state.DHR = &spkPublic

	newRoot, sendChain, err := kdfRootKey(state.RootKey, dh3)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	state.RootKey = newRoot
	state.SendChainKey = &sendChain

	message, err := e.sealBody(state, addr, plaintext)
	if err != nil {
		return wire.EncryptedMessage{}, err
	}
	if err := e.persistSession(ctx, addr, state); err != nil {
		return wire.EncryptedMessage{}, err
	}

	body := preKeyBody{
		InitiatorIdentityKey:  identity.ECDH.Public,
		InitiatorEphemeralKey: ephemeral.Public,
		SignedPreKeyID:        bundle.SignedPreKeyID,
		OneTimePreKeyID:       bundle.OneTimePreKeyID,
		Message:               message,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("session: encode prekey body: %w", err)
	}
	return wire.EncryptedMessage{Type: wire.SessionMessagePreKey, Content: encoded}, nil
}

// Decrypt implements decrypt(peer_user_id, body, type) → plaintext_bytes.
func (e *Engine) Decrypt(ctx context.Context, peerUserID string, msgType wire.SessionMessageType, content []byte) ([]byte, error) {
	addr := keystore.Address(peerUserID, 1)
	switch msgType {
	case wire.SessionMessagePreKey:
		return e.decryptPreKey(ctx, peerUserID, addr, content)
	case wire.SessionMessageEncrypted:
		return e.decryptEncrypted(ctx, addr, content)
	default:
		return nil, fmt.Errorf("session: unknown session message type %d", msgType)
	}
}

func (e *Engine) decryptEncrypted(ctx context.Context, addr string, content []byte) ([]byte, error) {
	raw, err := e.keys.LoadSession(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotEstablished
	}
	if err != nil {
		return nil, err
	}
	state, err := unmarshalState(raw)
	if err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	var body encryptedBody
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("session: decode body: %w", err)
	}
	return e.completeDecrypt(ctx, addr, state, body)
}

func (e *Engine) decryptPreKey(ctx context.Context, peerUserID, addr string, content []byte) ([]byte, error) {
	var body preKeyBody
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("session: decode prekey body: %w", err)
	}

	// A duplicate/retransmitted PREKEY message for an already-established
	// session is just a normal ratchet message.
	if raw, err := e.keys.LoadSession(ctx, addr); err == nil {
		state, decodeErr := unmarshalState(raw)
		if decodeErr == nil && state.DHR != nil && *state.DHR == body.InitiatorEphemeralKey {
			return e.completeDecrypt(ctx, addr, state, body.Message)
		}
	}

	spk, err := e.keys.LoadSignedPreKey(ctx, body.SignedPreKeyID)
	if err != nil {
		return nil, ErrSignedPreKeyMismatch
	}

	var otk *keystore.PreKeyRecord
	if body.OneTimePreKeyID != nil {
		otk, err = e.keys.LoadPreKey(ctx, *body.OneTimePreKeyID)
		if err != nil {
			return nil, ErrMissingOneTimePreKey
		}
	}

	trusted, err := e.keys.IsTrustedIdentity(ctx, addr, body.InitiatorIdentityKey[:])
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, ErrIdentityMismatch
	}
	if _, err := e.keys.SaveIdentity(ctx, addr, body.InitiatorIdentityKey[:]); err != nil {
		return nil, err
	}

	identity, err := e.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	dh1, err := cryptoutil.SharedSecret(spk.KeyPair.Private, body.InitiatorIdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoutil.SharedSecret(identity.ECDH.Private, body.InitiatorEphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoutil.SharedSecret(spk.KeyPair.Private, body.InitiatorEphemeralKey)
	if err != nil {
		return nil, err
	}
	concat := concatSecrets(dh1, dh2, dh3)
	if otk != nil {
		dh4, err := cryptoutil.SharedSecret(otk.KeyPair.Private, body.InitiatorEphemeralKey)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}
	rootKeyBytes, err := cryptoutil.DeriveKey(concat, make([]byte, 32), x3dhInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("session: x3dh derive: %w", err)
	}
	var rootKey [32]byte
	copy(rootKey[:], rootKeyBytes)

	state := &ratchetState{RootKey: rootKey, DHSPriv: spk.KeyPair.Private, DHSPub: spk.KeyPair.Public}
	remoteEphemeral := body.InitiatorEphemeralKey
	state.DHR = &remoteEphemeral

	newRoot, recvChain, err := kdfRootKey(state.RootKey, dh3)
	if err != nil {
		return nil, err
	}
	state.RootKey = newRoot
	state.RecvChainKey = &recvChain

	if otk != nil {
		if err := e.keys.RemovePreKey(ctx, *body.OneTimePreKeyID); err != nil {
			e.log.WithError(err).Warn("failed to remove consumed one-time prekey")
		}
	}

	return e.completeDecrypt(ctx, addr, state, body.Message)
}

// completeDecrypt runs the symmetric/DH ratchet steps common to both
// PREKEY and ENCRYPTED messages once a ratchetState is in hand.
func (e *Engine) completeDecrypt(ctx context.Context, addr string, state *ratchetState, body encryptedBody) ([]byte, error) {
	header := body.Header

	if key, found := state.takeSkippedMessageKey(header.DHPublic, header.N); found {
		pt, err := cryptoutil.OpenAESGCM(key[:], body.Nonce[:], body.Ciphertext, []byte(addr))
		if err != nil {
			return nil, ErrDecryptAuth
		}
		if err := e.persistSession(ctx, addr, state); err != nil {
			return nil, err
		}
		e.maybeReplenishPrekeys(ctx)
		return pt, nil
	}

	if state.DHR == nil || header.DHPublic != *state.DHR {
		if err := state.skipMessageKeys(header.PN); err != nil {
			return nil, err
		}
		if err := state.dhRatchet(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if header.N < state.RecvCount {
		return nil, ErrMessageCounter
	}
	if err := state.skipMessageKeys(header.N); err != nil {
		return nil, err
	}
	if state.RecvChainKey == nil {
		return nil, ErrSessionNotEstablished
	}

	msgKey, nextChain, err := deriveMessageKey(*state.RecvChainKey)
	if err != nil {
		return nil, err
	}
	state.RecvChainKey = &nextChain
	state.RecvCount++

	pt, err := cryptoutil.OpenAESGCM(msgKey[:], body.Nonce[:], body.Ciphertext, []byte(addr))
	if err != nil {
		return nil, ErrDecryptAuth
	}

	if err := e.persistSession(ctx, addr, state); err != nil {
		return nil, err
	}
	e.maybeReplenishPrekeys(ctx)
	return pt, nil
}

// sealBody derives the next sending message key and seals plaintext,
// advancing state's sending chain.
func (e *Engine) sealBody(state *ratchetState, addr string, plaintext []byte) (encryptedBody, error) {
	if state.SendChainKey == nil {
		return encryptedBody{}, ErrSessionNotEstablished
	}
	msgKey, nextChain, err := deriveMessageKey(*state.SendChainKey)
	if err != nil {
		return encryptedBody{}, err
	}
	nonce, err := cryptoutil.RandomBytes(cryptoutil.NonceSize)
	if err != nil {
		return encryptedBody{}, err
	}
	var nonceArr [12]byte
	copy(nonceArr[:], nonce)

	ct, err := cryptoutil.SealAESGCM(msgKey[:], nonce, plaintext, []byte(addr))
	if err != nil {
		return encryptedBody{}, fmt.Errorf("session: seal: %w", err)
	}

	header := ratchetHeader{DHPublic: state.DHSPub, PN: state.PrevChainLen, N: state.SendCount}
	state.SendChainKey = &nextChain
	state.SendCount++

	return encryptedBody{Header: header, Nonce: nonceArr, Ciphertext: ct}, nil
}

func (e *Engine) persistSession(ctx context.Context, addr string, state *ratchetState) error {
	raw, err := marshalState(state)
	if err != nil {
		return fmt.Errorf("session: encode state: %w", err)
	}
	return e.keys.StoreSession(ctx, addr, raw)
}

// Reset drops the session for peerUserID so the next Encrypt call
// rebuilds it from a fresh prekey bundle (spec.md §4.2 SessionReset).
func (e *Engine) Reset(ctx context.Context, peerUserID string) error {
	return e.keys.DeleteSession(ctx, keystore.Address(peerUserID, 1))
}

// maybeReplenishPrekeys implements the prekey replenishment rule:
// after any successful decrypt, if fewer than minPreKeyThreshold
// one-time prekeys remain, generate replenishBatchSize more and upload
// them. Failure here is logged and swallowed (spec.md §4.2).
func (e *Engine) maybeReplenishPrekeys(ctx context.Context) {
	count, highest, err := e.keys.CountPreKeys(ctx)
	if err != nil {
		e.log.WithError(err).Warn("prekey replenishment: count failed")
		return
	}
	if count >= minPreKeyThreshold {
		return
	}

	identity, err := e.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		e.log.WithError(err).Warn("prekey replenishment: identity unavailable")
		return
	}
	latestSPK, err := e.keys.LatestSignedPreKey(ctx)
	if err != nil {
		e.log.WithError(err).Warn("prekey replenishment: no signed prekey on file")
		return
	}

	uploads := make([]OneTimePreKeyUpload, 0, replenishBatchSize)
	for i := uint32(1); i <= replenishBatchSize; i++ {
		id := highest + i
		kp, err := cryptoutil.GenerateX25519KeyPair()
		if err != nil {
			e.log.WithError(err).Warn("prekey replenishment: generate failed")
			return
		}
		if err := e.keys.StorePreKey(ctx, &keystore.PreKeyRecord{KeyID: id, KeyPair: *kp}); err != nil {
			e.log.WithError(err).Warn("prekey replenishment: store failed")
			return
		}
		uploads = append(uploads, OneTimePreKeyUpload{KeyID: id, Public: kp.Public})
	}

	err = e.transport.UploadPrekeys(ctx, UploadBundle{
		IdentityKey:        identity.ECDH.Public,
		IdentitySigningKey: toArray32(identity.Signing.Public),
		RegistrationID:     identity.RegistrationID,
		SignedPreKey: SignedPreKeyUpload{
			KeyID:     latestSPK.KeyID,
			Public:    latestSPK.KeyPair.Public,
			Signature: latestSPK.Signature,
		},
		OneTimePreKeys: uploads,
	})
	if err != nil {
		e.log.WithError(err).Warn("prekey replenishment: upload failed, will retry after next decrypt")
	}
}

func concatSecrets(secrets ...[32]byte) []byte {
	out := make([]byte, 0, len(secrets)*32)
	for _, s := range secrets {
		out = append(out, s[:]...)
	}
	return out
}

func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
