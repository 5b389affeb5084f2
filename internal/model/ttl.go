package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/obscura-chat/core/internal/storage"
)

const collectionTTLIndex = "MODEL_TTL_INDEX"

// ParseTTLDuration parses the `{Ns|Nm|Nh|Nd}` duration strings spec.md
// §4.7's TTL manager declares, rejecting forms time.ParseDuration would
// accept that are outside that set (sub-second units, compound values
// such as "1h30m").
func ParseTTLDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("model: invalid TTL duration %q", s)
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("model: invalid TTL duration %q", s)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("model: invalid TTL duration unit in %q", s)
	}
}

func ttlIndexKey(modelName, id string) string {
	return modelName + ":" + id
}

// scheduleExpiry records (model, id) -> expiresAt in the TTL index.
func (s *Store) scheduleExpiry(ctx context.Context, modelName, id string, expiresAt time.Time) error {
	return s.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put(collectionTTLIndex, ttlIndexKey(modelName, id), []byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)))
	})
}

func (s *Store) clearExpiry(ctx context.Context, modelName, id string) error {
	return s.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(collectionTTLIndex, ttlIndexKey(modelName, id))
	})
}

// RunTTLCleanup scans the TTL index for entries expired as of now and
// retires them: LWW models get a tombstone via Delete; G-Set models
// have their storage row dropped directly. Safe to call periodically;
// already-retired entries are simply absent from the index on the next
// pass (idempotent).
func (s *Store) RunTTLCleanup(ctx context.Context, now time.Time) error {
	type expired struct {
		modelName, id string
	}
	var due []expired

	err := s.store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate(collectionTTLIndex, func(key string, value []byte) error {
			expiresAtMs, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return nil
			}
			if now.UnixMilli() < expiresAtMs {
				return nil
			}
			modelName, id, ok := strings.Cut(key, ":")
			if !ok {
				return nil
			}
			due = append(due, expired{modelName: modelName, id: id})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("model: scan ttl index: %w", err)
	}

	for _, item := range due {
		schema, ok := s.schemas.Get(item.modelName)
		if !ok {
			if err := s.clearExpiry(ctx, item.modelName, item.id); err != nil {
				return err
			}
			continue
		}
		if schema.Definition().Sync == SyncLWW {
			if _, err := s.Delete(ctx, item.modelName, item.id); err != nil {
				return fmt.Errorf("model: expire lww entry %s/%s: %w", item.modelName, item.id, err)
			}
			// Delete's own write re-schedules expiry; drop that entry so
			// the tombstone is not expired again on a later pass.
			if err := s.clearExpiry(ctx, item.modelName, item.id); err != nil {
				return err
			}
		} else {
			if err := s.dropGSetRow(ctx, item.modelName, item.id); err != nil {
				return fmt.Errorf("model: expire g-set entry %s/%s: %w", item.modelName, item.id, err)
			}
			if err := s.clearExpiry(ctx, item.modelName, item.id); err != nil {
				return err
			}
		}
	}
	return nil
}
