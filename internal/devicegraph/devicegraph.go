// Package devicegraph implements DeviceGraph (spec.md §4.6): this
// account's own other devices, each friend's device list and recovery
// key, the device-link code protocol, and signed announce/revocation
// handling. Grounded on the teacher's internal/security/session.go for
// the storage.Store-backed collection pattern keystore.KeyStore
// already established, and on internal/security/recovery.go for the
// self-revocation flow (replacing its placeholder word-list derivation
// with internal/cryptoutil's real BIP39-backed recovery key pair).
package devicegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/storage"
	"github.com/obscura-chat/core/internal/wire"
)

const (
	collectionOwnDevices    = "OWN_DEVICES"
	collectionFriendDevices = "FRIEND_DEVICES"

	keyOwnDevicesSingleton = "singleton"

	linkChallengeTTL = 5 * time.Minute
)

var (
	ErrNotInitialized      = errors.New("devicegraph: not initialized")
	ErrLinkCodeExpired     = errors.New("devicegraph: link code expired")
	ErrLinkCodeReplayed    = errors.New("devicegraph: link code already used")
	ErrLinkCodeSignature   = errors.New("devicegraph: link code signature invalid")
	ErrRevocationSignature = errors.New("devicegraph: revocation signature invalid")
)

// FriendDevices is the per-friend record §3 describes: { devices,
// devices_updated_at, recovery_public_key? }.
type FriendDevices struct {
	Devices           []wire.DeviceInfo `json:"devices"`
	DevicesUpdatedAt  int64             `json:"devices_updated_at"`
	RecoveryPublicKey []byte            `json:"recovery_public_key,omitempty"`
}

// LinkCode is the decoded form of the base64(JSON) code a new device
// displays and an existing device scans/pastes (spec.md §4.6).
type LinkCode struct {
	ServerUserID   string `json:"i"`
	DeviceUsername string `json:"u"`
	IdentityPub    []byte `json:"k"`
	Challenge      []byte `json:"c"`
	Signature      []byte `json:"s"`
	ExpiresAt      int64  `json:"e"`
}

// Graph owns own_devices and every friend's device list, persisted
// through storage.Store.
type Graph struct {
	store  storage.Store
	opened bool

	challengeMu sync.Mutex
	seenOnce    map[string]struct{} // base64 challenge -> consumed
}

// New builds a Graph over store.
func New(store storage.Store) *Graph {
	return &Graph{store: store, seenOnce: make(map[string]struct{})}
}

// Open marks the graph ready for use, mirroring KeyStore.Open's
// explicit lifecycle.
func (g *Graph) Open(ctx context.Context) error {
	g.opened = true
	return nil
}

func (g *Graph) requireOpen() error {
	if !g.opened {
		return ErrNotInitialized
	}
	return nil
}

// OwnDevices returns the set of this account's other devices.
func (g *Graph) OwnDevices(ctx context.Context) ([]wire.DeviceInfo, error) {
	if err := g.requireOpen(); err != nil {
		return nil, err
	}
	var devices []wire.DeviceInfo
	err := g.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionOwnDevices, keyOwnDevicesSingleton)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &devices)
	})
	if err != nil {
		return nil, fmt.Errorf("devicegraph: load own devices: %w", err)
	}
	return devices, nil
}

// SetOwnDevices replaces the own_devices set, e.g. after a
// DEVICE_LINK_APPROVAL import or a DEVICE_ANNOUNCE about the local
// account's other devices.
func (g *Graph) SetOwnDevices(ctx context.Context, devices []wire.DeviceInfo) error {
	if err := g.requireOpen(); err != nil {
		return err
	}
	encoded, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("devicegraph: encode own devices: %w", err)
	}
	err = g.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionOwnDevices, keyOwnDevicesSingleton, encoded)
	})
	if err != nil {
		return fmt.Errorf("devicegraph: store own devices: %w", err)
	}
	return nil
}

// FriendDevices returns the stored device record for a friend, or the
// zero value if none exists yet.
func (g *Graph) FriendDevices(ctx context.Context, friendUsername string) (FriendDevices, error) {
	if err := g.requireOpen(); err != nil {
		return FriendDevices{}, err
	}
	var rec FriendDevices
	err := g.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionFriendDevices, friendUsername)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return FriendDevices{}, fmt.Errorf("devicegraph: load friend devices: %w", err)
	}
	return rec, nil
}

func (g *Graph) putFriendDevices(ctx context.Context, friendUsername string, rec FriendDevices) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("devicegraph: encode friend devices: %w", err)
	}
	err = g.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionFriendDevices, friendUsername, encoded)
	})
	if err != nil {
		return fmt.Errorf("devicegraph: store friend devices: %w", err)
	}
	return nil
}

// ApplyAnnounce handles a DEVICE_ANNOUNCE for friendUsername (spec.md
// §4.5/§4.6 routing). Non-revocation announces are LWW by timestamp.
// Revocation announces must verify against the friend's stored
// recovery public key; if none is stored yet, the announce is accepted
// for backwards compatibility (Open Question, see DESIGN.md) but the
// caller should log this.
func (g *Graph) ApplyAnnounce(ctx context.Context, friendUsername string, announce wire.DeviceAnnouncePayload) (acceptedWithoutRecoveryKey bool, err error) {
	if err := g.requireOpen(); err != nil {
		return false, err
	}
	current, err := g.FriendDevices(ctx, friendUsername)
	if err != nil {
		return false, err
	}

	if announce.IsRevocation {
		if len(current.RecoveryPublicKey) == 0 {
			current.Devices = announce.Devices
			current.DevicesUpdatedAt = announce.TimestampMs
			return true, g.putFriendDevices(ctx, friendUsername, current)
		}
		if !verifyAnnounceSignature(current.RecoveryPublicKey, announce) {
			return false, ErrRevocationSignature
		}
		current.Devices = announce.Devices
		current.DevicesUpdatedAt = announce.TimestampMs
		return false, g.putFriendDevices(ctx, friendUsername, current)
	}

	if announce.TimestampMs <= current.DevicesUpdatedAt {
		return false, nil // stale, drop per LWW
	}
	current.Devices = announce.Devices
	current.DevicesUpdatedAt = announce.TimestampMs
	return false, g.putFriendDevices(ctx, friendUsername, current)
}

// SetFriendRecoveryPublicKey records recoveryPub the first time it is
// seen for a friend (TOFU, spec.md §3); later calls are no-ops so a
// hostile later announce cannot swap the verification key out from
// under a friend relationship.
func (g *Graph) SetFriendRecoveryPublicKey(ctx context.Context, friendUsername string, recoveryPub []byte) error {
	if err := g.requireOpen(); err != nil {
		return err
	}
	current, err := g.FriendDevices(ctx, friendUsername)
	if err != nil {
		return err
	}
	if len(current.RecoveryPublicKey) != 0 {
		return nil
	}
	current.RecoveryPublicKey = recoveryPub
	return g.putFriendDevices(ctx, friendUsername, current)
}

// canonicalAnnounceInput serializes {devices, timestamp, is_revocation}
// exactly as spec.md §4.6 specifies the revocation signature input.
// Field order is fixed by this struct's declaration, so every device
// that builds the same logical announce signs and verifies the same
// bytes without needing the general-purpose key-sorting machinery
// internal/cryptoutil's CanonicalEntry uses for CRDT entries (that
// type's model/id/author fields don't apply here).
type canonicalAnnounce struct {
	Devices      []wire.DeviceInfo `json:"devices"`
	TimestampMs  int64             `json:"timestamp"`
	IsRevocation bool              `json:"is_revocation"`
}

func canonicalAnnounceInput(devices []wire.DeviceInfo, timestampMs int64, isRevocation bool) ([]byte, error) {
	return json.Marshal(canonicalAnnounce{Devices: devices, TimestampMs: timestampMs, IsRevocation: isRevocation})
}

func verifyAnnounceSignature(recoveryPub []byte, announce wire.DeviceAnnouncePayload) bool {
	input, err := canonicalAnnounceInput(announce.Devices, announce.TimestampMs, announce.IsRevocation)
	if err != nil {
		return false
	}
	return cryptoutil.Verify(recoveryPub, input, announce.Signature)
}

// SignAnnounce builds and signs a DeviceAnnouncePayload with priv — used
// both for ordinary own-device announces (signed with the device's own
// ratchet identity key, verification of which is out of scope here
// since those always flow as LWW non-revocations) and self-revocation
// (signed with a one-time recovery-derived key, see SelfRevoke).
func SignAnnounce(priv []byte, devices []wire.DeviceInfo, timestampMs int64, isRevocation bool) (wire.DeviceAnnouncePayload, error) {
	input, err := canonicalAnnounceInput(devices, timestampMs, isRevocation)
	if err != nil {
		return wire.DeviceAnnouncePayload{}, err
	}
	sig := cryptoutil.Sign(priv, input)
	return wire.DeviceAnnouncePayload{
		Devices:      devices,
		TimestampMs:  timestampMs,
		IsRevocation: isRevocation,
		Signature:    sig,
	}, nil
}

// SelfRevoke derives a one-time signing keypair from the account's
// recovery phrase, signs the new device list as a revocation, and
// discards the derived private key immediately (spec.md §4.6).
func SelfRevoke(recoveryPhrase string, devices []wire.DeviceInfo, now time.Time) (wire.DeviceAnnouncePayload, error) {
	keyPair, err := cryptoutil.DeriveRecoverySigningKeyPair(recoveryPhrase)
	if err != nil {
		return wire.DeviceAnnouncePayload{}, fmt.Errorf("devicegraph: derive recovery signing key: %w", err)
	}
	announce, err := SignAnnounce(keyPair.Private, devices, now.UnixMilli(), true)
	keyPair.Private = nil // discard the derived private key per spec.md §4.6
	return announce, err
}
