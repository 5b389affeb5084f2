package attachment

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/wire"
)

// UploadChunked splits plaintext into ordered chunks, uploading each
// with the codec's chunk rate limiter and a retry-once-then-fatal
// policy (spec.md §4.4).
func (c *Codec) UploadChunked(ctx context.Context, plaintext []byte, contentType, fileName string) (wire.ChunkedContentReference, error) {
	if len(plaintext) > maxChunkedFileBytes {
		return wire.ChunkedContentReference{}, ErrBlobTooLarge
	}
	chunks := splitChunks(plaintext)
	limiter := c.limiter()

	refs := make([]wire.ChunkRef, len(chunks))
	for i, chunk := range chunks {
		if err := limiter.Wait(ctx); err != nil {
			return wire.ChunkedContentReference{}, fmt.Errorf("attachment: rate limit wait: %w", err)
		}
		ref, err := c.uploadChunkWithRetry(ctx, chunk)
		if err != nil {
			return wire.ChunkedContentReference{}, fmt.Errorf("attachment: chunk %d: %w", i, err)
		}
		ref.Index = i
		refs[i] = ref
	}

	completeHash := sha256.Sum256(plaintext)
	fileID := uuid.New().String()
	if c.cache != nil {
		c.cache.Set(fileID, plaintext)
	}
	return wire.ChunkedContentReference{
		FileID:         fileID,
		Chunks:         refs,
		CompleteHash:   completeHash[:],
		ContentType:    contentType,
		TotalSizeBytes: int64(len(plaintext)),
		FileName:       fileName,
	}, nil
}

func (c *Codec) uploadChunkWithRetry(ctx context.Context, chunk []byte) (wire.ChunkRef, error) {
	ref, err := c.uploadChunkOnce(ctx, chunk)
	if err == nil {
		return ref, nil
	}
	ref, err = c.uploadChunkOnce(ctx, chunk)
	if err != nil {
		return wire.ChunkRef{}, fmt.Errorf("failed after retry: %w", err)
	}
	return ref, nil
}

func (c *Codec) uploadChunkOnce(ctx context.Context, chunk []byte) (wire.ChunkRef, error) {
	key, nonce, ciphertext, err := sealBlob(chunk)
	if err != nil {
		return wire.ChunkRef{}, err
	}
	id, _, err := c.backend.Put(ctx, ciphertext)
	if err != nil {
		return wire.ChunkRef{}, fmt.Errorf("put: %w", err)
	}
	hash := sha256.Sum256(chunk)
	return wire.ChunkRef{
		AttachmentID: id,
		ContentKey:   key[:],
		Nonce:        nonce[:],
		ChunkHash:    hash[:],
		Size:         int64(len(chunk)),
	}, nil
}

// DownloadChunked fetches and reassembles a chunked attachment,
// verifying every chunk hash plus the complete-buffer hash.
func (c *Codec) DownloadChunked(ctx context.Context, ref wire.ChunkedContentReference) ([]byte, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(ref.FileID); ok {
			return cached, nil
		}
	}

	ordered := make([][]byte, len(ref.Chunks))
	limiter := c.limiter()
	for _, chunkRef := range ref.Chunks {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("attachment: rate limit wait: %w", err)
		}
		plain, err := c.downloadChunkWithRetry(ctx, chunkRef)
		if err != nil {
			return nil, fmt.Errorf("attachment: chunk %d: %w", chunkRef.Index, err)
		}
		if chunkRef.Index < 0 || chunkRef.Index >= len(ordered) {
			return nil, fmt.Errorf("attachment: chunk index %d out of range", chunkRef.Index)
		}
		ordered[chunkRef.Index] = plain
	}

	whole := reassemble(ordered)
	completeHash := sha256.Sum256(whole)
	if !cryptoutil.ConstantTimeEqual(completeHash[:], ref.CompleteHash) {
		return nil, ErrIntegrityFail
	}
	if c.cache != nil {
		c.cache.Set(ref.FileID, whole)
		for _, chunkRef := range ref.Chunks {
			c.cache.Delete(chunkRef.AttachmentID)
		}
	}
	return whole, nil
}

func (c *Codec) downloadChunkWithRetry(ctx context.Context, ref wire.ChunkRef) ([]byte, error) {
	plain, err := c.downloadChunkOnce(ctx, ref)
	if err == nil {
		return plain, nil
	}
	plain, err = c.downloadChunkOnce(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed after retry: %w", err)
	}
	return plain, nil
}

func (c *Codec) downloadChunkOnce(ctx context.Context, ref wire.ChunkRef) ([]byte, error) {
	ciphertext, err := c.backend.Get(ctx, ref.AttachmentID)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	var key [32]byte
	var nonce [12]byte
	copy(key[:], ref.ContentKey)
	copy(nonce[:], ref.Nonce)
	plaintext, err := cryptoutil.OpenAESGCM(key[:], nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	hash := sha256.Sum256(plaintext)
	if !cryptoutil.ConstantTimeEqual(hash[:], ref.ChunkHash) {
		return nil, ErrIntegrityFail
	}
	return plaintext, nil
}
