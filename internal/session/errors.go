package session

import "errors"

// ErrSessionNotEstablished is returned by Decrypt when no ratchet state
// exists for an address and the inbound message is not a PREKEY message.
var ErrSessionNotEstablished = errors.New("session: not established for this address")

// ErrMessageCounter is returned on a replayed or stale ratchet message
// (spec.md §4.2). Callers suppress it rather than surfacing it.
var ErrMessageCounter = errors.New("session: message counter rejected (replay or too far out of order)")

// ErrIdentityMismatch is returned when the peer's bundle identity key
// does not match a previously trusted identity key for the address.
var ErrIdentityMismatch = errors.New("session: peer identity key does not match trusted record")

// ErrDecryptAuth is returned when AEAD authentication fails.
var ErrDecryptAuth = errors.New("session: decrypt authentication failed")

// ErrMissingOneTimePreKey is returned by the responder side when a
// PREKEY message references a one_time_pre_key_id that is no longer
// present (already consumed, or never existed).
var ErrMissingOneTimePreKey = errors.New("session: referenced one-time prekey not found")

// ErrSignedPreKeyMismatch is returned when a PREKEY message references
// a signed prekey id this device does not hold.
var ErrSignedPreKeyMismatch = errors.New("session: referenced signed prekey not found")

// ErrInvalidSignedPreKeySignature is returned when a prekey bundle's
// signed_pre_key signature does not verify against its identity_signing_key.
var ErrInvalidSignedPreKeySignature = errors.New("session: signed prekey signature does not verify")
