package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/core/internal/storage"
)

func TestBadgerStorePutGetDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	err = store.Update(ctx, func(txn storage.Txn) error {
		return txn.Put("PRE_KEYS", "1", []byte("prekey-bytes"))
	})
	require.NoError(t, err)

	var got []byte
	err = store.View(ctx, func(txn storage.Txn) error {
		var err error
		got, err = txn.Get("PRE_KEYS", "1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("prekey-bytes"), got)

	err = store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete("PRE_KEYS", "1")
	})
	require.NoError(t, err)

	err = store.View(ctx, func(txn storage.Txn) error {
		_, err := txn.Get("PRE_KEYS", "1")
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBadgerStoreIterateScopedToCollection(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	err = store.Update(ctx, func(txn storage.Txn) error {
		if err := txn.Put("PRE_KEYS", "1", []byte("a")); err != nil {
			return err
		}
		if err := txn.Put("PRE_KEYS", "2", []byte("b")); err != nil {
			return err
		}
		return txn.Put("SIGNED_PRE_KEYS", "1", []byte("c"))
	})
	require.NoError(t, err)

	seen := map[string][]byte{}
	err = store.View(ctx, func(txn storage.Txn) error {
		return txn.Iterate("PRE_KEYS", func(key string, value []byte) error {
			seen[key] = value
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, []byte("a"), seen["1"])
}
