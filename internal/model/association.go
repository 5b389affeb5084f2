package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/obscura-chat/core/internal/storage"
)

const collectionAssociations = "MODEL_ASSOCIATIONS"

func associationKey(parentModel, parentID, childModel, childID string) string {
	return strings.Join([]string{parentModel, parentID, childModel, childID}, "\x00")
}

// recordAssociation indexes a belongs_to edge derived from
// data[`{parentModel}Id`] at create time (spec.md §4.7).
func (s *Store) recordAssociation(ctx context.Context, parentModel, parentID, childModel, childID string) error {
	key := associationKey(parentModel, parentID, childModel, childID)
	return s.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionAssociations, key, []byte{1})
	})
}

// children returns the ids of childModel entries associated with
// (parentModel, parentID), for QueryBuilder's include().
func (s *Store) children(ctx context.Context, parentModel, parentID, childModel string) ([]string, error) {
	prefix := strings.Join([]string{parentModel, parentID, childModel, ""}, "\x00")
	var ids []string
	err := s.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionAssociations, func(key string, value []byte) error {
			if strings.HasPrefix(key, prefix) {
				ids = append(ids, strings.TrimPrefix(key, prefix))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("model: scan associations: %w", err)
	}
	return ids, nil
}

// belongsToParentID extracts data[`{parentModel}Id`], the convention
// spec.md §4.7 uses to derive belongs_to edges at create time.
func belongsToParentID(data map[string]any, parentModel string) (string, bool) {
	raw, ok := data[parentModel+"Id"]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	return id, ok
}
