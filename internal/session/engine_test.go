package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/keystore"
	"github.com/obscura-chat/core/internal/session"
	"github.com/obscura-chat/core/internal/storage/badgerstore"
	"github.com/obscura-chat/core/internal/wire"
)

type party struct {
	ks       *keystore.KeyStore
	identity *keystore.IdentityKeyPair
	engine   *session.Engine
	uploads  []session.UploadBundle
}

func newParty(t *testing.T, regID uint32) *party {
	t.Helper()
	store, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks := keystore.New(store)
	require.NoError(t, ks.Open(context.Background()))

	ecdh, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing, err := cryptoutil.GenerateEd25519KeyPair()
	require.NoError(t, err)
	identity := &keystore.IdentityKeyPair{ECDH: *ecdh, Signing: *signing, RegistrationID: regID}
	require.NoError(t, ks.StorePlaintextIdentity(context.Background(), identity))

	return &party{ks: ks, identity: identity}
}

// fakeTransport hands out a fixed prekey bundle for one peer and
// records upload calls; it is the PrekeySource each side's Engine uses.
type fakeTransport struct {
	p       *party
	bundles map[string]*session.PrekeyBundle
}

func (f *fakeTransport) FetchPrekeyBundle(ctx context.Context, peerUserID string) (*session.PrekeyBundle, error) {
	b, ok := f.bundles[peerUserID]
	if !ok {
		return nil, assertNotFoundErr(peerUserID)
	}
	return b, nil
}

func (f *fakeTransport) UploadPrekeys(ctx context.Context, bundle session.UploadBundle) error {
	f.p.uploads = append(f.p.uploads, bundle)
	return nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return "no bundle registered for " + string(e) }

func assertNotFoundErr(peer string) error { return notFoundErr(peer) }

func bundleFor(t *testing.T, p *party) *session.PrekeyBundle {
	t.Helper()
	ctx := context.Background()

	spkKP, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	sig := cryptoutil.Sign(p.identity.Signing.Private, spkKP.Public[:])
	require.NoError(t, p.ks.StoreSignedPreKey(ctx, &keystore.SignedPreKeyRecord{
		KeyID: 1, KeyPair: *spkKP, Signature: sig, CreatedAt: 1000,
	}))

	otkKP, err := cryptoutil.GenerateX25519KeyPair()
	require.NoError(t, err)
	require.NoError(t, p.ks.StorePreKey(ctx, &keystore.PreKeyRecord{KeyID: 1, KeyPair: *otkKP}))

	otkID := uint32(1)
	var signingPub [32]byte
	copy(signingPub[:], p.identity.Signing.Public)

	return &session.PrekeyBundle{
		IdentityKey:           p.identity.ECDH.Public,
		IdentitySigningKey:    signingPub,
		RegistrationID:        p.identity.RegistrationID,
		SignedPreKeyID:        1,
		SignedPreKeyPublic:    spkKP.Public,
		SignedPreKeySignature: sig,
		OneTimePreKeyID:       &otkID,
		OneTimePreKeyPublic:   &otkKP.Public,
	}
}

func TestSessionEngineRoundTripAndReply(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	bobBundle := bundleFor(t, bob)
	aliceTransport := &fakeTransport{p: alice, bundles: map[string]*session.PrekeyBundle{"bob": bobBundle}}
	bobTransport := &fakeTransport{p: bob, bundles: map[string]*session.PrekeyBundle{}}

	alice.engine = session.New(alice.ks, aliceTransport, nil)
	bob.engine = session.New(bob.ks, bobTransport, nil)

	msg1, err := alice.engine.Encrypt(ctx, "bob", []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, wire.SessionMessagePreKey, msg1.Type)

	pt1, err := bob.engine.Decrypt(ctx, "alice", msg1.Type, msg1.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt1))
	assert.NotEmpty(t, bob.uploads, "prekey replenishment should fire after consuming the only one-time prekey")

	msg2, err := bob.engine.Encrypt(ctx, "alice", []byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, wire.SessionMessageEncrypted, msg2.Type)

	pt2, err := alice.engine.Decrypt(ctx, "bob", msg2.Type, msg2.Content)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt2))
}

func TestSessionEngineOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	bobBundle := bundleFor(t, bob)
	aliceTransport := &fakeTransport{p: alice, bundles: map[string]*session.PrekeyBundle{"bob": bobBundle}}
	bobTransport := &fakeTransport{p: bob, bundles: map[string]*session.PrekeyBundle{}}

	alice.engine = session.New(alice.ks, aliceTransport, nil)
	bob.engine = session.New(bob.ks, bobTransport, nil)

	msg1, err := alice.engine.Encrypt(ctx, "bob", []byte("one"))
	require.NoError(t, err)
	_, err = bob.engine.Decrypt(ctx, "alice", msg1.Type, msg1.Content)
	require.NoError(t, err)

	// Bob replies so Alice's next chain to Bob is opened via a DH ratchet.
	reply, err := bob.engine.Encrypt(ctx, "alice", []byte("ack"))
	require.NoError(t, err)
	_, err = alice.engine.Decrypt(ctx, "bob", reply.Type, reply.Content)
	require.NoError(t, err)

	msg3, err := alice.engine.Encrypt(ctx, "bob", []byte("three"))
	require.NoError(t, err)
	msg4, err := alice.engine.Encrypt(ctx, "bob", []byte("four"))
	require.NoError(t, err)

	pt4, err := bob.engine.Decrypt(ctx, "alice", msg4.Type, msg4.Content)
	require.NoError(t, err, "a later message should decrypt even if it arrives first")
	assert.Equal(t, "four", string(pt4))

	pt3, err := bob.engine.Decrypt(ctx, "alice", msg3.Type, msg3.Content)
	require.NoError(t, err, "the earlier message should still decrypt via its cached skipped key")
	assert.Equal(t, "three", string(pt3))

	_, err = bob.engine.Decrypt(ctx, "alice", msg3.Type, msg3.Content)
	assert.ErrorIs(t, err, session.ErrMessageCounter, "replaying an already-consumed message must be rejected")
}

func TestSessionEngineSessionReset(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	bobBundle := bundleFor(t, bob)
	aliceTransport := &fakeTransport{p: alice, bundles: map[string]*session.PrekeyBundle{"bob": bobBundle}}
	alice.engine = session.New(alice.ks, aliceTransport, nil)

	msg1, err := alice.engine.Encrypt(ctx, "bob", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, wire.SessionMessagePreKey, msg1.Type)

	require.NoError(t, alice.engine.Reset(ctx, "bob"))

	msg2, err := alice.engine.Encrypt(ctx, "bob", []byte("hello again"))
	require.NoError(t, err)
	assert.Equal(t, wire.SessionMessagePreKey, msg2.Type, "after reset the next message must re-establish via PREKEY")
}
