package model_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/model"
	"github.com/obscura-chat/core/internal/storage/badgerstore"
)

type fakeResolver struct {
	self        []string
	groupMembers map[string][]string // "model\x00id" -> usernames
	friendDevices map[string][]string
	allFriends  []string
}

func (f *fakeResolver) SelfDeviceUserIDs(ctx context.Context) ([]string, error) {
	return f.self, nil
}

func (f *fakeResolver) GroupMemberUsernames(ctx context.Context, parentModel, parentID string) ([]string, error) {
	members, ok := f.groupMembers[parentModel+"\x00"+parentID]
	if !ok {
		return nil, nil
	}
	return members, nil
}

func (f *fakeResolver) FriendDeviceUserIDs(ctx context.Context, username string) ([]string, error) {
	return f.friendDevices[username], nil
}

func (f *fakeResolver) AllAcceptedFriendsDeviceUserIDs(ctx context.Context) ([]string, error) {
	return f.allFriends, nil
}

type fakeBroadcaster struct {
	calls []broadcastCall
}

type broadcastCall struct {
	targets   []string
	modelName string
	entry     model.Entry
}

func (b *fakeBroadcaster) BroadcastModelEntry(ctx context.Context, targetUserIDs []string, modelName string, entry model.Entry) error {
	b.calls = append(b.calls, broadcastCall{targets: append([]string{}, targetUserIDs...), modelName: modelName, entry: entry})
	return nil
}

func newTestStore(t *testing.T, resolver model.TargetResolver, broadcaster model.Broadcaster) (*model.Store, []byte) {
	t.Helper()
	backend, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	keyPair, err := cryptoutil.GenerateEd25519KeyPair()
	require.NoError(t, err)

	s := model.New(backend, resolver, broadcaster, "device-1", keyPair.Private)
	require.NoError(t, s.Open(context.Background()))
	return s, keyPair.Private
}

func noteDefinition() model.Definition {
	return model.Definition{
		Name: "Note",
		Fields: map[string]model.FieldSpec{
			"text": {Type: model.FieldString},
		},
		Sync:        model.SyncGSet,
		Collectable: true,
	}
}

func profileDefinition() model.Definition {
	return model.Definition{
		Name: "Profile",
		Fields: map[string]model.FieldSpec{
			"displayName": {Type: model.FieldString},
		},
		Sync: model.SyncLWW,
	}
}

func TestCreateGSetRoundTripAndRejectsWrongMode(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(noteDefinition()))
	require.NoError(t, s.RegisterModel(profileDefinition()))

	entry, err := s.Create(ctx, "Note", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Data["text"])
	assert.Equal(t, "device-1", entry.AuthorDeviceID)
	assert.NotEmpty(t, entry.Signature)

	found, ok, err := s.Find(ctx, "Note", entry.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.ID, found.ID)

	_, err = s.Create(ctx, "Profile", map[string]any{"displayName": "a"})
	assert.ErrorIs(t, err, model.ErrWrongSyncModeOp)
}

func TestCreatedEntryIsFoundByID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(noteDefinition()))

	first, err := s.Create(ctx, "Note", map[string]any{"text": "hello"})
	require.NoError(t, err)

	second, found, err := s.Find(ctx, "Note", first.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Data, second.Data)
}

func TestUpsertLWWAndRejectsWrongMode(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(profileDefinition()))

	_, err := s.Upsert(ctx, "Profile", "p1", map[string]any{"displayName": "Ada"})
	require.NoError(t, err)

	found, ok, err := s.Find(ctx, "Profile", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", found.Data["displayName"])

	time.Sleep(2 * time.Millisecond)
	_, err = s.Upsert(ctx, "Profile", "p1", map[string]any{"displayName": "Ada Lovelace"})
	require.NoError(t, err)

	found, ok, err = s.Find(ctx, "Profile", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", found.Data["displayName"])

	require.NoError(t, s.RegisterModel(noteDefinition()))
	_, err = s.Upsert(ctx, "Note", "n1", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, model.ErrWrongSyncModeOp)
}

func TestDeleteTombstonesAndHidesFromFindAndQuery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(profileDefinition()))

	_, err := s.Upsert(ctx, "Profile", "p1", map[string]any{"displayName": "Ada"})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = s.Delete(ctx, "Profile", "p1")
	require.NoError(t, err)

	_, ok, err := s.Find(ctx, "Profile", "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := s.All("Profile").Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestValidationRejectsUnknownAndMissingFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(noteDefinition()))

	_, err := s.Create(ctx, "Note", map[string]any{"text": "ok", "extra": "nope"})
	assert.Error(t, err)

	_, err = s.Create(ctx, "Note", map[string]any{})
	assert.Error(t, err)
}

func TestQueryWhereOrderByLimitAndInclude(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:   "Thread",
		Fields: map[string]model.FieldSpec{"title": {Type: model.FieldString}},
		Sync:   model.SyncGSet,
	}))
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:      "Message",
		Fields:    map[string]model.FieldSpec{"threadId": {Type: model.FieldString}, "seq": {Type: model.FieldNumber}},
		Sync:      model.SyncGSet,
		BelongsTo: []string{"Thread"},
	}))

	thread, err := s.Create(ctx, "Thread", map[string]any{"title": "general"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, "Message", map[string]any{"threadId": thread.ID, "seq": float64(i)})
		require.NoError(t, err)
	}

	results, err := s.Where("Message", "threadId", model.OpEq, thread.ID).OrderBy("seq", false).Limit(2).Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, float64(2), results[0].Data["seq"])
	assert.Equal(t, float64(1), results[1].Data["seq"])

	withChildren, err := s.All("Thread").Include("Message").Run(ctx)
	require.NoError(t, err)
	require.Len(t, withChildren, 1)
	children, ok := withChildren[0].Data["Messages"].([]model.Entry)
	require.True(t, ok)
	assert.Len(t, children, 3)
}

func TestHandleSyncGSetAndLWW(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(noteDefinition()))
	require.NoError(t, s.RegisterModel(profileDefinition()))

	gsetEntry := model.Entry{ID: "remote-1", Model: "Note", Data: map[string]any{"text": "from peer"}, TimestampMs: 1000, AuthorDeviceID: "device-2"}
	merged, verified, err := s.HandleSync(ctx, "Note", gsetEntry)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.False(t, verified, "no TOFU key recorded yet for device-2")

	mergedAgain, _, err := s.HandleSync(ctx, "Note", gsetEntry)
	require.NoError(t, err)
	assert.Nil(t, mergedAgain)

	older := model.Entry{ID: "p1", Model: "Profile", Data: map[string]any{"displayName": "old"}, TimestampMs: 1000, AuthorDeviceID: "device-2"}
	merged, _, err = s.HandleSync(ctx, "Profile", older)
	require.NoError(t, err)
	require.NotNil(t, merged)

	stale := model.Entry{ID: "p1", Model: "Profile", Data: map[string]any{"displayName": "stale"}, TimestampMs: 500, AuthorDeviceID: "device-2"}
	merged, _, err = s.HandleSync(ctx, "Profile", stale)
	require.NoError(t, err)
	assert.Nil(t, merged)

	newer := model.Entry{ID: "p1", Model: "Profile", Data: map[string]any{"displayName": "new"}, TimestampMs: 1500, AuthorDeviceID: "device-2"}
	merged, _, err = s.HandleSync(ctx, "Profile", newer)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "new", merged.Data["displayName"])

	_, _, err = s.HandleSync(ctx, "NoSuchModel", newer)
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}

func TestBroadcastPrivateModelOnlyTargetsSelf(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{self: []string{"self-device-2"}, allFriends: []string{"friend-device-1"}}
	broadcaster := &fakeBroadcaster{}
	s, _ := newTestStore(t, resolver, broadcaster)
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:    "Draft",
		Fields:  map[string]model.FieldSpec{"text": {Type: model.FieldString}},
		Sync:    model.SyncGSet,
		Private: true,
	}))

	_, err := s.Create(ctx, "Draft", map[string]any{"text": "shh"})
	require.NoError(t, err)

	require.Len(t, broadcaster.calls, 1)
	assert.ElementsMatch(t, []string{"self-device-2"}, broadcaster.calls[0].targets)
}

func TestBroadcastGroupModelTargetsGroupMembersDevices(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{
		self:          []string{"self-device-2"},
		groupMembers:  map[string][]string{"Thread\x00t1": {"alice"}},
		friendDevices: map[string][]string{"alice": {"alice-device-1"}},
		allFriends:    []string{"everyone-device"},
	}
	broadcaster := &fakeBroadcaster{}
	s, _ := newTestStore(t, resolver, broadcaster)
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:      "Comment",
		Fields:    map[string]model.FieldSpec{"threadId": {Type: model.FieldString}, "text": {Type: model.FieldString}},
		Sync:      model.SyncGSet,
		BelongsTo: []string{"Thread"},
	}))

	_, err := s.Create(ctx, "Comment", map[string]any{"threadId": "t1", "text": "hi"})
	require.NoError(t, err)

	require.Len(t, broadcaster.calls, 1)
	assert.ElementsMatch(t, []string{"self-device-2", "alice-device-1"}, broadcaster.calls[0].targets)
}

func TestBroadcastFallsBackToAllFriendsWhenNoGroupResolved(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{self: []string{"self-device-2"}, allFriends: []string{"friend-device-1", "friend-device-2"}}
	broadcaster := &fakeBroadcaster{}
	s, _ := newTestStore(t, resolver, broadcaster)
	require.NoError(t, s.RegisterModel(noteDefinition()))

	_, err := s.Create(ctx, "Note", map[string]any{"text": "hello everyone"})
	require.NoError(t, err)

	require.Len(t, broadcaster.calls, 1)
	assert.ElementsMatch(t, []string{"self-device-2", "friend-device-1", "friend-device-2"}, broadcaster.calls[0].targets)
}

func TestTTLCleanupExpiresLWWAsTombstoneAndGSetAsDrop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:      "EphemeralNote",
		Fields:    map[string]model.FieldSpec{"text": {Type: model.FieldString}},
		Sync:      model.SyncGSet,
		Ephemeral: true,
		TTL:       "1s",
	}))
	require.NoError(t, s.RegisterModel(model.Definition{
		Name:      "EphemeralStatus",
		Fields:    map[string]model.FieldSpec{"state": {Type: model.FieldString}},
		Sync:      model.SyncLWW,
		Ephemeral: true,
		TTL:       "1s",
	}))

	gsetEntry, err := s.Create(ctx, "EphemeralNote", map[string]any{"text": "temp"})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "EphemeralStatus", "status-1", map[string]any{"state": "online"})
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, s.RunTTLCleanup(ctx, future))

	_, ok, err := s.Find(ctx, "EphemeralNote", gsetEntry.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Find(ctx, "EphemeralStatus", "status-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleSyncVerifiesAgainstTOFURecordedAuthorKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &fakeResolver{}, &fakeBroadcaster{})
	require.NoError(t, s.RegisterModel(noteDefinition()))

	remoteKeyPair, err := cryptoutil.GenerateEd25519KeyPair()
	require.NoError(t, err)
	remotePub, remotePriv := remoteKeyPair.Public, remoteKeyPair.Private

	remoteEntry := model.Entry{ID: "remote-note-1", Model: "Note", Data: map[string]any{"text": "from peer"}, TimestampMs: 1000, AuthorDeviceID: "device-2"}

	// before any TOFU record exists, the entry is accepted unverified.
	merged, verified, err := s.HandleSync(ctx, "Note", remoteEntry)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.False(t, verified)

	require.NoError(t, s.RecordEntryAuthor(ctx, "device-2", remotePub))

	nextEntry := model.Entry{ID: "remote-note-2", Model: "Note", Data: map[string]any{"text": "signed properly"}, TimestampMs: 1000, AuthorDeviceID: "device-2"}
	canonical := cryptoutil.CanonicalEntry{Model: nextEntry.Model, ID: nextEntry.ID, Data: nextEntry.Data, TimestampMs: nextEntry.TimestampMs, AuthorDeviceID: nextEntry.AuthorDeviceID}
	encoded, err := canonical.Encode()
	require.NoError(t, err)
	sig := cryptoutil.Sign(remotePriv, encoded)
	nextEntry.Signature = sig

	merged, verified, err = s.HandleSync(ctx, "Note", nextEntry)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.True(t, verified)

	tampered := model.Entry{ID: "remote-note-3", Model: "Note", Data: map[string]any{"text": "forged"}, TimestampMs: 1000, AuthorDeviceID: "device-2"}
	tampered.Signature = sig // reuse a signature that doesn't match this entry's content

	merged, verified, err = s.HandleSync(ctx, "Note", tampered)
	require.NoError(t, err)
	require.NotNil(t, merged, "an unverified signature does not block the merge")
	assert.False(t, verified)
}
