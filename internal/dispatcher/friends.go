package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/obscura-chat/core/internal/storage"
)

const collectionFriends = "FRIENDS"

// FriendStatus tracks a Friend's relationship lifecycle (spec.md §3).
type FriendStatus string

const (
	FriendPendingOutgoing FriendStatus = "pending_outgoing"
	FriendPendingIncoming FriendStatus = "pending_incoming"
	FriendAccepted        FriendStatus = "accepted"
)

// Friend is the status-and-identity half of spec.md §3's Friend entity;
// its device list and recovery key live in devicegraph.Graph, which
// Dispatcher composes alongside FriendStore.
type Friend struct {
	Username     string       `json:"username"`
	ServerUserID string       `json:"server_user_id"`
	Status       FriendStatus `json:"status"`
}

// FriendStore persists Friend records in their own collection,
// separate from devicegraph's per-friend device lists (same
// storage.Store-backed collection pattern as keystore/devicegraph/model).
type FriendStore struct {
	store storage.Store
}

func newFriendStore(store storage.Store) *FriendStore {
	return &FriendStore{store: store}
}

func (f *FriendStore) get(ctx context.Context, username string) (Friend, bool, error) {
	var friend Friend
	found := false
	err := f.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionFriends, username)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(raw, &friend)
	})
	if err != nil {
		return Friend{}, false, fmt.Errorf("dispatcher: load friend %s: %w", username, err)
	}
	return friend, found, nil
}

func (f *FriendStore) put(ctx context.Context, friend Friend) error {
	encoded, err := json.Marshal(friend)
	if err != nil {
		return fmt.Errorf("dispatcher: encode friend %s: %w", friend.Username, err)
	}
	return f.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionFriends, friend.Username, encoded)
	})
}

// RecordOutgoingRequest creates or overwrites a friend as pending_outgoing.
func (f *FriendStore) RecordOutgoingRequest(ctx context.Context, username, serverUserID string) error {
	return f.put(ctx, Friend{Username: username, ServerUserID: serverUserID, Status: FriendPendingOutgoing})
}

// RecordIncomingRequest records an inbound FRIEND_REQUEST as pending_incoming.
func (f *FriendStore) RecordIncomingRequest(ctx context.Context, username, serverUserID string) error {
	existing, found, err := f.get(ctx, username)
	if err != nil {
		return err
	}
	if found && existing.Status == FriendAccepted {
		return nil
	}
	return f.put(ctx, Friend{Username: username, ServerUserID: serverUserID, Status: FriendPendingIncoming})
}

// Accept marks a friend accepted, regardless of which side initiated.
func (f *FriendStore) Accept(ctx context.Context, username, serverUserID string) error {
	return f.put(ctx, Friend{Username: username, ServerUserID: serverUserID, Status: FriendAccepted})
}

// Put writes friend verbatim, status and all. Unlike
// RecordOutgoingRequest/RecordIncomingRequest/Accept (which each pin a
// specific status transition), Put is for callers — backup restore,
// SYNC_BLOB merging and a device link's friends export — that already
// hold a fully-formed Friend to write back exactly as recorded.
func (f *FriendStore) Put(ctx context.Context, friend Friend) error {
	return f.put(ctx, friend)
}

// Get returns a single friend record.
func (f *FriendStore) Get(ctx context.Context, username string) (Friend, bool, error) {
	return f.get(ctx, username)
}

// All returns every known friend record.
func (f *FriendStore) All(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	err := f.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionFriends, func(key string, value []byte) error {
			var friend Friend
			if err := json.Unmarshal(value, &friend); err != nil {
				return err
			}
			friends = append(friends, friend)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: iterate friends: %w", err)
	}
	return friends, nil
}

// AcceptedUsernames returns the usernames of every accepted friend.
func (f *FriendStore) AcceptedUsernames(ctx context.Context) ([]string, error) {
	all, err := f.All(ctx)
	if err != nil {
		return nil, err
	}
	var usernames []string
	for _, friend := range all {
		if friend.Status == FriendAccepted {
			usernames = append(usernames, friend.Username)
		}
	}
	return usernames, nil
}
