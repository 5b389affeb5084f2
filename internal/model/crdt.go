package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/obscura-chat/core/internal/storage"
)

func modelCollection(modelName string) string {
	return "MODEL_" + modelName
}

func getEntry(ctx context.Context, store storage.Store, modelName, id string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := store.View(ctx, func(txn storage.Txn) error {
		raw, err := txn.Get(modelCollection(modelName), id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("model: get entry: %w", err)
	}
	return entry, found, nil
}

func putEntry(ctx context.Context, store storage.Store, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("model: encode entry: %w", err)
	}
	return store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(modelCollection(entry.Model), entry.ID, encoded)
	})
}

func allEntries(ctx context.Context, store storage.Store, modelName string) ([]Entry, error) {
	var entries []Entry
	err := store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(modelCollection(modelName), func(key string, value []byte) error {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("model: iterate entries: %w", err)
	}
	return entries, nil
}

// gsetAdd implements GSet.merge's single-entry case (spec.md §4.7):
// add only if id absent locally. Returns whether the entry was newly
// added.
func gsetAdd(ctx context.Context, store storage.Store, entry Entry) (added bool, err error) {
	_, exists, err := getEntry(ctx, store, entry.Model, entry.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := putEntry(ctx, store, entry); err != nil {
		return false, err
	}
	return true, nil
}

// lwwSet implements LWWMap.merge (spec.md §4.7): write iff
// remote.timestamp > local.timestamp (strict). Returns whether the
// write won.
func lwwSet(ctx context.Context, store storage.Store, entry Entry) (won bool, err error) {
	existing, exists, err := getEntry(ctx, store, entry.Model, entry.ID)
	if err != nil {
		return false, err
	}
	if exists && entry.TimestampMs <= existing.TimestampMs {
		return false, nil
	}
	if err := putEntry(ctx, store, entry); err != nil {
		return false, err
	}
	return true, nil
}
