package keystore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/storage/badgerstore"
)

func newTestKeyStore(t *testing.T) *keystore.KeyStore {
	t.Helper()
	store, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks := keystore.New(store)
	require.NoError(t, ks.Open(context.Background()))
	return ks
}

func TestUninitializedKeyStoreRejectsCalls(t *testing.T) {
	store, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ks := keystore.New(store)
	_, err = ks.GetIdentityKeyPair(context.Background())
	assert.ErrorIs(t, err, keystore.ErrNotInitialized)
}

func TestIdentityKeyPairCacheRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	_, err := ks.GetIdentityKeyPair(ctx)
	assert.ErrorIs(t, err, keystore.ErrIdentityLocked)

	ecdh, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing, err := cryptoutil.GenerateEd25519KeyPair()
	require.NoError(t, err)
	identity := &keystore.IdentityKeyPair{ECDH: *ecdh, Signing: *signing, RegistrationID: 42}

	require.NoError(t, ks.StorePlaintextIdentity(ctx, identity))

	got, err := ks.GetIdentityKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.RegistrationID, got.RegistrationID)
	assert.Equal(t, identity.ECDH.Public, got.ECDH.Public)

	regID, err := ks.GetLocalRegistrationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), regID)

	ks.ClearKeyCache()
	got2, err := ks.GetIdentityKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.ECDH.Public, got2.ECDH.Public)
}

func TestTrustedIdentityTOFU(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()
	addr := keystore.Address("alice", 1)
	key1 := []byte("peer-identity-key-v1")
	key2 := []byte("peer-identity-key-v2")

	trusted, err := ks.IsTrustedIdentity(ctx, addr, key1)
	require.NoError(t, err)
	assert.True(t, trusted, "no prior record should be trusted on first contact")

	wasExisting, err := ks.SaveIdentity(ctx, addr, key1)
	require.NoError(t, err)
	assert.False(t, wasExisting)

	trusted, err = ks.IsTrustedIdentity(ctx, addr, key1)
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = ks.IsTrustedIdentity(ctx, addr, key2)
	require.NoError(t, err)
	assert.False(t, trusted, "a changed identity key must not be trusted silently")

	wasExisting, err = ks.SaveIdentity(ctx, addr, key2)
	require.NoError(t, err)
	assert.True(t, wasExisting)
}

func TestPreKeyLifecycleAndCount(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	for id := uint32(1); id <= 3; id++ {
		kp, err := cryptoutil.GenerateX25519KeyPair()
		require.NoError(t, err)
		require.NoError(t, ks.StorePreKey(ctx, &keystore.PreKeyRecord{KeyID: id, KeyPair: *kp}))
	}

	count, highest, err := ks.CountPreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, uint32(3), highest)

	rec, err := ks.LoadPreKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.KeyID)

	require.NoError(t, ks.RemovePreKey(ctx, 2))
	count, _, err = ks.CountPreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = ks.LoadPreKey(ctx, 2)
	assert.Error(t, err)
}

func TestSignedPreKeyLatest(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	kp1, _ := cryptoutil.GenerateX25519KeyPair()
	kp2, _ := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, ks.StoreSignedPreKey(ctx, &keystore.SignedPreKeyRecord{KeyID: 1, KeyPair: *kp1, CreatedAt: 100}))
	require.NoError(t, ks.StoreSignedPreKey(ctx, &keystore.SignedPreKeyRecord{KeyID: 2, KeyPair: *kp2, CreatedAt: 200}))

	latest, err := ks.LatestSignedPreKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), latest.KeyID)
}

func TestSessionStoreLoadDelete(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()
	addr := keystore.Address("bob", 1)

	_, err := ks.LoadSession(ctx, addr)
	assert.Error(t, err)

	require.NoError(t, ks.StoreSession(ctx, addr, []byte("ratchet-state")))
	state, err := ks.LoadSession(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("ratchet-state"), state)

	require.NoError(t, ks.DeleteSession(ctx, addr))
	_, err = ks.LoadSession(ctx, addr)
	assert.Error(t, err)
}

func TestDeviceIdentityRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	_, err := ks.LoadDeviceIdentity(ctx)
	assert.Error(t, err)

	kp, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	rec := &keystore.DeviceIdentityRecord{
		CoreUsername:      "alice",
		DeviceUUID:        "device-uuid-1",
		DeviceUsername:    "alice.laptop",
		P2PKeyPair:        *kp,
		RecoveryPublicKey: []byte("recovery-pub"),
		IsFirstDevice:     true,
	}
	require.NoError(t, ks.StoreDeviceIdentity(ctx, rec))

	got, err := ks.LoadDeviceIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.DeviceUUID, got.DeviceUUID)
	assert.True(t, got.IsFirstDevice)

	require.NoError(t, ks.DeleteDeviceIdentity(ctx))
	_, err = ks.LoadDeviceIdentity(ctx)
	assert.Error(t, err)
}
