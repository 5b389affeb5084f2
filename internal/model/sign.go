package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/storage"
)

const collectionEntryAuthors = "MODEL_ENTRY_AUTHORS"

// signEntry signs entry's canonical form with priv (spec.md §4.8): "the
// canonical form {model, id, data, timestamp, author_device_id}".
func signEntry(entry Entry, priv []byte) ([]byte, error) {
	canonical := cryptoutil.CanonicalEntry{
		Model:          entry.Model,
		ID:             entry.ID,
		Data:           entry.Data,
		TimestampMs:    entry.TimestampMs,
		AuthorDeviceID: entry.AuthorDeviceID,
	}
	encoded, err := canonical.Encode()
	if err != nil {
		return nil, fmt.Errorf("model: encode canonical entry: %w", err)
	}
	return cryptoutil.Sign(priv, encoded), nil
}

// verifyEntrySignature checks entry.Signature against the author's
// known identity public key if one has been recorded with
// RecordEntryAuthor; an entry whose author has no recorded key is
// accepted unverified and nothing is recorded for that author here —
// "an unverified signature does not block merge today" (Open Question,
// see DESIGN.md).
func (s *Store) verifyEntrySignature(ctx context.Context, entry Entry) (verified bool, err error) {
	canonical := cryptoutil.CanonicalEntry{
		Model:          entry.Model,
		ID:             entry.ID,
		Data:           entry.Data,
		TimestampMs:    entry.TimestampMs,
		AuthorDeviceID: entry.AuthorDeviceID,
	}
	encoded, err := canonical.Encode()
	if err != nil {
		return false, fmt.Errorf("model: encode canonical entry: %w", err)
	}

	var knownPub []byte
	err = s.store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(collectionEntryAuthors, entry.AuthorDeviceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		knownPub = raw
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("model: load author key: %w", err)
	}

	if knownPub == nil {
		// No key recorded for this author_device_id: nothing to verify
		// against, so accept unverified. A key is recorded only through
		// an explicit RecordEntryAuthor call.
		return false, nil
	}
	return cryptoutil.Verify(knownPub, encoded, entry.Signature), nil
}

// RecordEntryAuthor TOFU-records pub as device_uuid's identity public
// key for future entry-signature verification; this package never
// derives that key itself. Dispatcher's MODEL_SYNC path does not call
// it, so inbound entries from an author whose key was never recorded
// this way report Verified=false.
func (s *Store) RecordEntryAuthor(ctx context.Context, deviceUUID string, pub []byte) error {
	return s.store.Update(ctx, func(txn storage.Txn) error {
		_, err := txn.Get(collectionEntryAuthors, deviceUUID)
		if err == nil {
			return nil // TOFU: first value wins
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return txn.Put(collectionEntryAuthors, deviceUUID, pub)
	})
}
