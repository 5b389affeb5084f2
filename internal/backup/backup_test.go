package backup_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/backup"
	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/devicegraph"
	"github.com/obscura-chat/core/internal/dispatcher"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/metrics"
	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/storage/badgerstore"
	"github.com/obscura-chat/core/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// rig bundles everything Collect/Apply need, built the same way
// dispatcher_test.go's peer harness builds one account's stores.
type rig struct {
	ks    *keystore.KeyStore
	graph *devicegraph.Graph
	dp    *dispatcher.Dispatcher
}

func newRig(t *testing.T, username string) *rig {
	t.Helper()
	ctx := context.Background()
	store, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ks := keystore.New(store)
	require.NoError(t, ks.Open(ctx))

	graph := devicegraph.New(store)
	require.NoError(t, graph.Open(ctx))

	engine := session.New(ks, nil, discardLog())
	dp := dispatcher.New(store, engine, nil, nil, graph, nil, nil, metrics.New(), discardLog(), username, username, username+"-device")

	return &rig{ks: ks, graph: graph, dp: dp}
}

func seedAccount(t *testing.T, r *rig, username string, recoveryPub [32]byte) *keystore.IdentityKeyPair {
	t.Helper()
	ctx := context.Background()

	ecdh, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing, err := cryptoutil.GenerateEd25519KeyPair()
	require.NoError(t, err)
	identity := &keystore.IdentityKeyPair{ECDH: *ecdh, Signing: *signing, RegistrationID: 7}
	require.NoError(t, r.ks.StorePlaintextIdentity(ctx, identity))

	p2p, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	require.NoError(t, r.ks.StoreDeviceIdentity(ctx, &keystore.DeviceIdentityRecord{
		CoreUsername:      username,
		DeviceUUID:        username + "-device",
		DeviceUsername:    username + "-device",
		P2PKeyPair:        *p2p,
		RecoveryPublicKey: recoveryPub[:],
		IsFirstDevice:     true,
	}))

	signedPreKeyPair, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	require.NoError(t, r.ks.StoreSignedPreKey(ctx, &keystore.SignedPreKeyRecord{
		KeyID:     1,
		KeyPair:   *signedPreKeyPair,
		Signature: cryptoutil.Sign(signing.Private, signedPreKeyPair.Public[:]),
		CreatedAt: time.Now().UnixMilli(),
	}))

	require.NoError(t, r.graph.SetOwnDevices(ctx, []wire.DeviceInfo{
		{ServerUserID: username + "-laptop", DeviceUUID: "laptop", DeviceName: "Laptop"},
	}))

	require.NoError(t, r.dp.Friends().Put(ctx, dispatcher.Friend{Username: "bob", ServerUserID: "bob", Status: dispatcher.FriendAccepted}))
	require.NoError(t, r.dp.Inbox().Append(ctx, dispatcher.StoredMessage{
		ConversationID: "dm:bob",
		MessageID:      "msg1",
		PeerUsername:   "bob",
		Direction:      dispatcher.DirectionOutbound,
		TimestampMs:    time.Now().UnixMilli(),
		Type:           "text",
	}))

	return identity
}

func TestBackupExportImportApplyRoundTrip(t *testing.T) {
	ctx := context.Background()

	phrase, err := cryptoutil.GenerateRecoveryPhrase()
	require.NoError(t, err)
	recoveryKeys, err := cryptoutil.DeriveRecoveryKeyPair(phrase)
	require.NoError(t, err)

	source := newRig(t, "alice")
	identity := seedAccount(t, source, "alice", recoveryKeys.Public)

	snap, err := backup.Collect(ctx, source.ks, source.graph, source.dp.Friends(), source.dp.Inbox(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.Username)
	assert.Equal(t, backup.CurrentVersion, snap.Version)
	require.NotNil(t, snap.PlaintextIdentity)
	assert.Nil(t, snap.EncryptedIdentity)
	require.Len(t, snap.Friends, 1)
	require.Len(t, snap.Messages, 1)

	file, err := backup.Export(snap, recoveryKeys.Public)
	require.NoError(t, err)
	assert.Equal(t, backup.Magic, string(file[:len(backup.Magic)]))

	version, _, err := backup.Parse(file)
	require.NoError(t, err)
	assert.Equal(t, backup.CurrentVersion, version)

	imported, err := backup.Import(file, phrase)
	require.NoError(t, err)
	assert.Equal(t, "alice", imported.Username)
	require.Len(t, imported.Friends, 1)
	assert.Equal(t, "bob", imported.Friends[0].Username)
	require.Len(t, imported.Messages, 1)
	assert.Equal(t, "msg1", imported.Messages[0].MessageID)

	dest := newRig(t, "alice-restored")
	require.NoError(t, backup.Apply(ctx, imported, dest.ks, dest.graph, dest.dp.Friends(), dest.dp.Inbox(), nil))

	restoredDevice, err := dest.ks.LoadDeviceIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", restoredDevice.CoreUsername)

	restoredIdentity, err := dest.ks.GetIdentityKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.ECDH.Public, restoredIdentity.ECDH.Public)

	ownDevices, err := dest.graph.OwnDevices(ctx)
	require.NoError(t, err)
	require.Len(t, ownDevices, 1)
	assert.Equal(t, "laptop", ownDevices[0].DeviceUUID)

	friend, found, err := dest.dp.Friends().Get(ctx, "bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dispatcher.FriendAccepted, friend.Status)

	messages, err := dest.dp.Inbox().All(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "msg1", messages[0].MessageID)
}

func TestBackupApplyReencryptsPlaintextIdentityWithAccountPassword(t *testing.T) {
	ctx := context.Background()

	phrase, err := cryptoutil.GenerateRecoveryPhrase()
	require.NoError(t, err)
	recoveryKeys, err := cryptoutil.DeriveRecoveryKeyPair(phrase)
	require.NoError(t, err)

	source := newRig(t, "alice")
	identity := seedAccount(t, source, "alice", recoveryKeys.Public)

	snap, err := backup.Collect(ctx, source.ks, source.graph, source.dp.Friends(), source.dp.Inbox(), time.Now())
	require.NoError(t, err)

	dest := newRig(t, "alice-restored")
	require.NoError(t, backup.Apply(ctx, snap, dest.ks, dest.graph, dest.dp.Friends(), dest.dp.Inbox(), []byte("hunter2")))

	_, err = dest.ks.GetIdentityKeyPair(ctx)
	assert.ErrorIs(t, err, keystore.ErrIdentityLocked)

	encrypted, err := dest.ks.LoadEncryptedIdentity(ctx)
	require.NoError(t, err)
	require.NotNil(t, encrypted)

	decrypted, err := backup.DecryptIdentityAtRest(encrypted, []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, identity.ECDH.Public, decrypted.ECDH.Public)

	_, err = backup.DecryptIdentityAtRest(encrypted, []byte("wrong password"))
	assert.Error(t, err)
}

func TestBackupParseRejectsBadMagicAndVersion(t *testing.T) {
	_, _, err := backup.Parse([]byte("too short"))
	assert.ErrorIs(t, err, backup.ErrBadMagic)

	garbage := append([]byte("NOT_OBSCURA_X"), 0x01)
	_, _, err = backup.Parse(garbage)
	assert.ErrorIs(t, err, backup.ErrBadMagic)

	futureVersion := append([]byte(backup.Magic), 0x7F)
	_, _, err = backup.Parse(futureVersion)
	assert.True(t, errors.Is(err, backup.ErrUnsupportedVersion))
}

func TestBackupImportFailsOnWrongRecoveryPhrase(t *testing.T) {
	ctx := context.Background()

	phrase, err := cryptoutil.GenerateRecoveryPhrase()
	require.NoError(t, err)
	recoveryKeys, err := cryptoutil.DeriveRecoveryKeyPair(phrase)
	require.NoError(t, err)

	source := newRig(t, "alice")
	seedAccount(t, source, "alice", recoveryKeys.Public)
	snap, err := backup.Collect(ctx, source.ks, source.graph, source.dp.Friends(), source.dp.Inbox(), time.Now())
	require.NoError(t, err)
	file, err := backup.Export(snap, recoveryKeys.Public)
	require.NoError(t, err)

	wrongPhrase, err := cryptoutil.GenerateRecoveryPhrase()
	require.NoError(t, err)
	_, err = backup.Import(file, wrongPhrase)
	assert.ErrorIs(t, err, backup.ErrDecrypt)
}
