package model

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/storage"
)

// TargetResolver supplies the device/friend topology ModelStore needs
// to compute broadcast targets (spec.md §4.7's per-entry targeting
// rules). Defined here, implemented by whatever wires DeviceGraph and
// the friend list together (Dispatcher), so this package stays a leaf.
type TargetResolver interface {
	SelfDeviceUserIDs(ctx context.Context) ([]string, error)
	GroupMemberUsernames(ctx context.Context, parentModel, parentID string) ([]string, error)
	FriendDeviceUserIDs(ctx context.Context, username string) ([]string, error)
	AllAcceptedFriendsDeviceUserIDs(ctx context.Context) ([]string, error)
}

// Broadcaster delivers a MODEL_SYNC for entry to targetUserIDs. The
// caller (Dispatcher) owns encrypting per-device and fanning out
// through SessionEngine/Transport; this package only decides who the
// targets are.
type Broadcaster interface {
	BroadcastModelEntry(ctx context.Context, targetUserIDs []string, modelName string, entry Entry) error
}

// Store is the ModelStore facade (spec.md §4.7): create/upsert/delete,
// query, inbound sync handling, TTL cleanup, all backed by one
// storage.Store.
type Store struct {
	store        storage.Store
	schemas      *schemaRegistry
	resolver     TargetResolver
	broadcaster  Broadcaster
	deviceUUID   string
	identityPriv []byte
	opened       bool
}

// New builds a Store. identityPriv signs every locally-created entry
// (spec.md §4.8); deviceUUID is this device's author_device_id.
func New(store storage.Store, resolver TargetResolver, broadcaster Broadcaster, deviceUUID string, identityPriv []byte) *Store {
	return &Store{
		store:        store,
		schemas:      newSchemaRegistry(),
		resolver:     resolver,
		broadcaster:  broadcaster,
		deviceUUID:   deviceUUID,
		identityPriv: identityPriv,
	}
}

// Open marks the store ready. Schemas are compiled by RegisterModel,
// once per declared model, not here.
func (s *Store) Open(ctx context.Context) error {
	s.opened = true
	return nil
}

func (s *Store) requireOpen() error {
	if !s.opened {
		return ErrNotInitialized
	}
	return nil
}

// RegisterModel compiles and caches def (spec.md §4.7's declared model
// map, one entry at a time).
func (s *Store) RegisterModel(def Definition) error {
	_, err := s.schemas.Register(def)
	return err
}

// SetResolver wires the broadcast target resolver in after construction.
// Dispatcher typically implements TargetResolver itself but needs this
// already-constructed Store to build (it queries models for group
// membership), so New is called with a nil resolver and this closes the
// cycle once both exist.
func (s *Store) SetResolver(r TargetResolver) { s.resolver = r }

// SetBroadcaster wires the MODEL_SYNC broadcaster in after construction,
// for the same reason as SetResolver.
func (s *Store) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetIdentityPriv rewires the signing key used for locally-created
// entries. A Store may be constructed before Core.Register has
// produced a device identity (identityPriv nil); the caller sets it
// once registration completes.
func (s *Store) SetIdentityPriv(priv []byte) { s.identityPriv = priv }

func genEntryID(modelName string, now time.Time) (string, error) {
	randBytes, err := cryptoutil.RandomBytes(4)
	if err != nil {
		return "", fmt.Errorf("model: generate entry id: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", modelName, now.UnixMilli(), hex.EncodeToString(randBytes)), nil
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Create adds a new entry to a G-Set model (spec.md §4.7). Idempotent:
// a second Create with the same id (callers that pre-assign ids via
// Upsert-style flows should not call Create) simply returns the
// existing entry. LWW models reject Create with ErrWrongSyncModeOp.
func (s *Store) Create(ctx context.Context, modelName string, data map[string]any) (Entry, error) {
	if err := s.requireOpen(); err != nil {
		return Entry{}, err
	}
	schema, ok := s.schemas.Get(modelName)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	def := schema.Definition()
	if def.Sync != SyncGSet {
		return Entry{}, fmt.Errorf("%w: %s is lww, use Upsert", ErrWrongSyncModeOp, modelName)
	}
	if err := schema.Validate(data); err != nil {
		return Entry{}, err
	}

	now := time.Now()
	id, err := genEntryID(modelName, now)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{ID: id, Model: modelName, Data: copyData(data), TimestampMs: now.UnixMilli(), AuthorDeviceID: s.deviceUUID}
	entry.Signature, err = signEntry(entry, s.identityPriv)
	if err != nil {
		return Entry{}, err
	}

	added, err := gsetAdd(ctx, s.store, entry)
	if err != nil {
		return Entry{}, err
	}
	if !added {
		existing, found, err := getEntry(ctx, s.store, modelName, id)
		if err != nil {
			return Entry{}, err
		}
		if found {
			return existing, nil
		}
		return entry, nil
	}

	if err := s.afterWrite(ctx, def, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Upsert writes data under id on an LWW model with timestamp = now
// (spec.md §4.7). Broadcasts only when the local write wins the LWW
// race.
func (s *Store) Upsert(ctx context.Context, modelName, id string, data map[string]any) (Entry, error) {
	if err := s.requireOpen(); err != nil {
		return Entry{}, err
	}
	schema, ok := s.schemas.Get(modelName)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	def := schema.Definition()
	if def.Sync != SyncLWW {
		return Entry{}, fmt.Errorf("%w: %s is g-set, use Create", ErrWrongSyncModeOp, modelName)
	}
	if err := schema.Validate(data); err != nil {
		return Entry{}, err
	}

	entry := Entry{ID: id, Model: modelName, Data: copyData(data), TimestampMs: time.Now().UnixMilli(), AuthorDeviceID: s.deviceUUID}
	sig, err := signEntry(entry, s.identityPriv)
	if err != nil {
		return Entry{}, err
	}
	entry.Signature = sig

	won, err := lwwSet(ctx, s.store, entry)
	if err != nil {
		return Entry{}, err
	}
	if won {
		if err := s.afterWrite(ctx, def, entry); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}

// Delete writes a tombstone for id on an LWW model (spec.md §4.7).
func (s *Store) Delete(ctx context.Context, modelName, id string) (Entry, error) {
	return s.Upsert(ctx, modelName, id, map[string]any{"_deleted": true})
}

// Find returns a single entry by id, excluding tombstones.
func (s *Store) Find(ctx context.Context, modelName, id string) (Entry, bool, error) {
	if err := s.requireOpen(); err != nil {
		return Entry{}, false, err
	}
	entry, found, err := getEntry(ctx, s.store, modelName, id)
	if err != nil || !found || entry.IsTombstone() {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// All returns a QueryBuilder over every (non-tombstone) entry of modelName.
func (s *Store) All(modelName string) *QueryBuilder {
	return &QueryBuilder{store: s, modelName: modelName}
}

// Where is sugar for All(modelName).Where(...).
func (s *Store) Where(modelName, field string, op Op, value any) *QueryBuilder {
	return s.All(modelName).Where(field, op, value)
}

// HandleSync applies an inbound MODEL_SYNC entry (spec.md §4.5/§4.7):
// looks up the model, merges per its CRDT semantics, records any
// belongs_to edge, and returns the merged entry (nil if the remote
// entry was rejected by CRDT merge rules). verified reports whether
// entry.Signature checked out against a TOFU-known key for
// entry.AuthorDeviceID; per spec.md §4.8 an unverified signature does
// not block the merge, so callers decide what to do with the bit (log,
// flag in UI, etc.) rather than this package rejecting the entry.
func (s *Store) HandleSync(ctx context.Context, modelName string, entry Entry) (merged *Entry, verified bool, err error) {
	if err := s.requireOpen(); err != nil {
		return nil, false, err
	}
	schema, ok := s.schemas.Get(modelName)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	def := schema.Definition()

	verified, err = s.verifyEntrySignature(ctx, entry)
	if err != nil {
		return nil, false, err
	}

	var applied bool
	switch def.Sync {
	case SyncGSet:
		applied, err = gsetAdd(ctx, s.store, entry)
	case SyncLWW:
		applied, err = lwwSet(ctx, s.store, entry)
	default:
		return nil, verified, fmt.Errorf("model: %s: unknown sync mode %q", modelName, def.Sync)
	}
	if err != nil {
		return nil, verified, err
	}
	if !applied {
		return nil, verified, nil
	}

	for _, parentModel := range def.BelongsTo {
		if parentID, ok := belongsToParentID(entry.Data, parentModel); ok {
			if err := s.recordAssociation(ctx, parentModel, parentID, modelName, entry.ID); err != nil {
				return nil, verified, err
			}
		}
	}
	return &entry, verified, nil
}

// afterWrite records associations, schedules TTL expiry, and
// broadcasts a freshly-written local entry.
func (s *Store) afterWrite(ctx context.Context, def Definition, entry Entry) error {
	for _, parentModel := range def.BelongsTo {
		if parentID, ok := belongsToParentID(entry.Data, parentModel); ok {
			if err := s.recordAssociation(ctx, parentModel, parentID, def.Name, entry.ID); err != nil {
				return err
			}
		}
	}

	if def.Ephemeral {
		schema, _ := s.schemas.Get(def.Name)
		if schema != nil && schema.TTL() > 0 {
			if err := s.scheduleExpiry(ctx, def.Name, entry.ID, time.Now().Add(schema.TTL())); err != nil {
				return err
			}
		}
	}

	return s.broadcast(ctx, def, entry)
}

// broadcast implements spec.md §4.7's per-entry targeting rules.
func (s *Store) broadcast(ctx context.Context, def Definition, entry Entry) error {
	if s.resolver == nil || s.broadcaster == nil {
		return nil
	}

	selfTargets, err := s.resolver.SelfDeviceUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("model: resolve self targets: %w", err)
	}
	targets := append([]string{}, selfTargets...)

	if def.Private {
		return s.broadcaster.BroadcastModelEntry(ctx, dedupe(targets), def.Name, entry)
	}

	resolvedViaGroup := false
	for _, parentModel := range def.BelongsTo {
		parentID, ok := belongsToParentID(entry.Data, parentModel)
		if !ok {
			continue
		}
		members, err := s.resolver.GroupMemberUsernames(ctx, parentModel, parentID)
		if err != nil {
			return fmt.Errorf("model: resolve group members: %w", err)
		}
		if members == nil {
			continue
		}
		resolvedViaGroup = true
		for _, username := range members {
			deviceIDs, err := s.resolver.FriendDeviceUserIDs(ctx, username)
			if err != nil {
				return fmt.Errorf("model: resolve friend devices for %s: %w", username, err)
			}
			targets = append(targets, deviceIDs...)
		}
		break
	}

	if !resolvedViaGroup {
		allFriends, err := s.resolver.AllAcceptedFriendsDeviceUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("model: resolve all friend devices: %w", err)
		}
		targets = append(targets, allFriends...)
	}

	return s.broadcaster.BroadcastModelEntry(ctx, dedupe(targets), def.Name, entry)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// dropGSetRow deletes a G-Set entry's storage row directly, used only
// by TTL cleanup (spec.md §4.7: "for G-Set models, drops the local
// storage row and removes from the TTL index").
func (s *Store) dropGSetRow(ctx context.Context, modelName, id string) error {
	return s.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(modelCollection(modelName), id)
	})
}
