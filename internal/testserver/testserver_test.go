package testserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/testserver"
	"github.com/obscura-chat/core/internal/transport"
	"github.com/obscura-chat/core/internal/wire"
)

func newRESTClient(srv *testserver.Server, userID string) *transport.RESTClient {
	creds := transport.NewStaticCredentialProvider(userID)
	locator := transport.NewStaticServerLocator(srv.URL())
	return transport.NewRESTClient(nil, creds, locator)
}

func newGatewayClient(srv *testserver.Server, userID string, handler func(ctx context.Context, env wire.GatewayEnvelope)) *transport.GatewayClient {
	creds := transport.NewStaticCredentialProvider(userID)
	locator := transport.NewStaticServerLocator(srv.URL())
	return transport.NewGatewayClient(creds, locator, handler, logrus.NewEntry(logrus.StandardLogger()))
}

func sampleBundle(seed byte) session.UploadBundle {
	var idKey, signKey, spkPub, otkPub [32]byte
	for i := range idKey {
		idKey[i] = seed
		signKey[i] = seed + 1
		spkPub[i] = seed + 2
		otkPub[i] = seed + 3
	}
	return session.UploadBundle{
		IdentityKey:        idKey,
		IdentitySigningKey: signKey,
		RegistrationID:     42,
		SignedPreKey: session.SignedPreKeyUpload{
			KeyID:     1,
			Public:    spkPub,
			Signature: []byte{0xAB, 0xCD},
		},
		OneTimePreKeys: []session.OneTimePreKeyUpload{
			{KeyID: 1, Public: otkPub},
		},
	}
}

func TestUploadAndFetchPrekeyBundle(t *testing.T) {
	srv := testserver.New(nil)
	defer srv.Close()
	ctx := context.Background()

	alice := newRESTClient(srv, "alice")
	bundle := sampleBundle(0x10)
	require.NoError(t, alice.UploadPrekeys(ctx, bundle))

	bob := newRESTClient(srv, "bob")
	fetched, err := bob.FetchPrekeyBundle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, bundle.IdentityKey, fetched.IdentityKey)
	assert.Equal(t, bundle.IdentitySigningKey, fetched.IdentitySigningKey)
	assert.Equal(t, bundle.RegistrationID, fetched.RegistrationID)
	require.NotNil(t, fetched.OneTimePreKeyID)
	assert.Equal(t, uint32(1), *fetched.OneTimePreKeyID)

	// The one-time prekey just consumed must not be handed out again.
	second, err := bob.FetchPrekeyBundle(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, second.OneTimePreKeyID)
}

func TestGatewayDeliversLiveEnvelope(t *testing.T) {
	srv := testserver.New(nil)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan wire.GatewayEnvelope, 1)
	bobGateway := newGatewayClient(srv, "bob", func(_ context.Context, env wire.GatewayEnvelope) {
		received <- env
	})
	go bobGateway.Run(ctx)
	defer bobGateway.Close()

	require.Eventually(t, func() bool {
		return srv.HasConnection("bob")
	}, 2*time.Second, 10*time.Millisecond)

	alice := newRESTClient(srv, "alice")
	msg := wire.EncryptedMessage{Type: wire.SessionMessageEncrypted, Content: []byte("hello bob")}
	require.NoError(t, alice.PostEncryptedEnvelope(ctx, "bob", msg))

	select {
	case env := <-received:
		assert.Equal(t, "alice", env.SourceUserID)
		assert.Equal(t, []byte("hello bob"), env.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope delivery")
	}
}

func TestGatewayDeliversOfflineEnvelopeOnConnect(t *testing.T) {
	srv := testserver.New(nil)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newRESTClient(srv, "alice")
	msg := wire.EncryptedMessage{Type: wire.SessionMessageEncrypted, Content: []byte("while you were away")}
	require.NoError(t, alice.PostEncryptedEnvelope(ctx, "bob", msg))

	received := make(chan wire.GatewayEnvelope, 1)
	bobGateway := newGatewayClient(srv, "bob", func(_ context.Context, env wire.GatewayEnvelope) {
		received <- env
	})
	go bobGateway.Run(ctx)
	defer bobGateway.Close()

	select {
	case env := <-received:
		assert.Equal(t, "alice", env.SourceUserID)
		assert.Equal(t, []byte("while you were away"), env.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued envelope delivery")
	}
}

func TestAttachmentPutGetRoundTrip(t *testing.T) {
	srv := testserver.New(nil)
	defer srv.Close()
	ctx := context.Background()

	alice := newRESTClient(srv, "alice")
	blob := []byte("encrypted attachment bytes")
	id, expiresAt, err := alice.PutAttachment(ctx, blob)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Nil(t, expiresAt)

	fetched, err := alice.GetAttachment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blob, fetched)
}
