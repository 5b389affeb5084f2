// Package attachment implements AttachmentCodec (spec.md §4.4):
// per-upload symmetric encryption of a blob with content-hash binding,
// and a chunked mode for payloads too large to move as a single
// object. Grounded on the teacher's internal/media package for the
// storage-backend shape, generalized from presigned-URL issuance to
// an opaque encrypt-then-PUT / GET-then-decrypt codec since media here
// is always end-to-end encrypted before it reaches Transport.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/obscura-chat/core/internal/cryptoutil"
	"github.com/obscura-chat/core/internal/wire"
)

// maxSingleBlobBytes and maxChunkedFileBytes match spec.md §4.4's caps.
const (
	maxSingleBlobBytes  = 950 * 1024
	maxChunkedFileBytes = 100 * 1024 * 1024
	chunkSizeBytes      = 950 * 1024
)

// ErrIntegrityFail is returned when a decrypted blob's content hash
// does not match the hash carried in its reference.
var ErrIntegrityFail = errors.New("attachment: integrity check failed")

// ErrBlobTooLarge is returned when a single-blob upload exceeds
// maxSingleBlobBytes, or a chunked upload exceeds maxChunkedFileBytes.
var ErrBlobTooLarge = errors.New("attachment: blob exceeds maximum size")

// Backend is the opaque-bytes object store AttachmentCodec uploads to
// and downloads from. Defined here (not depended on from
// internal/transport) so both transport.RESTClient and
// transport/attachmentstore.Store can implement it without this
// package importing transport — the same consumer-defined-interface
// idiom used for session.PrekeySource.
type Backend interface {
	Put(ctx context.Context, blob []byte) (id string, expiresAt *int64, err error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// Cache is an optional short-circuit in front of Backend, keyed by
// attachment id (single blobs) or file id (chunked, full assembled
// buffer).
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// Codec implements single-blob and chunked attachment encryption.
// chunksPerSecond governs the chunked-upload/download rate limiter
// (spec.md §4.4: "at most N chunks per second with >= interval =
// 1050/N ms spacing"); a Codec with chunksPerSecond <= 0 uses an
// unlimited limiter, appropriate only for tests.
type Codec struct {
	backend         Backend
	cache           Cache
	chunksPerSecond int
}

// New builds a Codec. cache may be nil (no caching).
func New(backend Backend, cache Cache, chunksPerSecond int) *Codec {
	return &Codec{backend: backend, cache: cache, chunksPerSecond: chunksPerSecond}
}

func (c *Codec) limiter() *rate.Limiter {
	if c.chunksPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	// 1050/N ms spacing per spec.md §4.4, expressed as an events-per-second limit.
	intervalMs := 1050.0 / float64(c.chunksPerSecond)
	return rate.NewLimiter(rate.Limit(1000.0/intervalMs), 1)
}

// UploadBlob encrypts plaintext with a fresh key+nonce and uploads it,
// returning the ContentReference to share with peers.
func (c *Codec) UploadBlob(ctx context.Context, plaintext []byte, contentType string) (wire.ContentReference, error) {
	if len(plaintext) > maxSingleBlobBytes {
		return wire.ContentReference{}, ErrBlobTooLarge
	}
	key, nonce, ciphertext, err := sealBlob(plaintext)
	if err != nil {
		return wire.ContentReference{}, err
	}
	id, expiresAt, err := c.backend.Put(ctx, ciphertext)
	if err != nil {
		return wire.ContentReference{}, fmt.Errorf("attachment: put: %w", err)
	}
	hash := sha256.Sum256(plaintext)
	if c.cache != nil {
		c.cache.Set(id, plaintext)
	}
	return wire.ContentReference{
		AttachmentID: id,
		ContentKey:   key[:],
		Nonce:        nonce[:],
		ContentHash:  hash[:],
		ContentType:  contentType,
		SizeBytes:    int64(len(plaintext)),
		ExpiresAt:    expiresAt,
	}, nil
}

// DownloadBlob fetches and decrypts a single-blob reference, verifying
// its content hash in constant time.
func (c *Codec) DownloadBlob(ctx context.Context, ref wire.ContentReference) ([]byte, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(ref.AttachmentID); ok {
			return cached, nil
		}
	}
	ciphertext, err := c.backend.Get(ctx, ref.AttachmentID)
	if err != nil {
		return nil, fmt.Errorf("attachment: get: %w", err)
	}
	var key [32]byte
	var nonce [12]byte
	copy(key[:], ref.ContentKey)
	copy(nonce[:], ref.Nonce)
	plaintext, err := cryptoutil.OpenAESGCM(key[:], nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment: decrypt: %w", err)
	}
	hash := sha256.Sum256(plaintext)
	if !cryptoutil.ConstantTimeEqual(hash[:], ref.ContentHash) {
		return nil, ErrIntegrityFail
	}
	if c.cache != nil {
		c.cache.Set(ref.AttachmentID, plaintext)
	}
	return plaintext, nil
}

func sealBlob(plaintext []byte) (key [32]byte, nonce [12]byte, ciphertext []byte, err error) {
	keyBytes, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return key, nonce, nil, fmt.Errorf("attachment: generate key: %w", err)
	}
	nonceBytes, err := cryptoutil.RandomBytes(12)
	if err != nil {
		return key, nonce, nil, fmt.Errorf("attachment: generate nonce: %w", err)
	}
	copy(key[:], keyBytes)
	copy(nonce[:], nonceBytes)
	ciphertext, err = cryptoutil.SealAESGCM(key[:], nonce[:], plaintext, nil)
	if err != nil {
		return key, nonce, nil, fmt.Errorf("attachment: encrypt: %w", err)
	}
	return key, nonce, ciphertext, nil
}

// splitChunks splits plaintext into ordered, <=chunkSizeBytes pieces.
func splitChunks(plaintext []byte) [][]byte {
	var chunks [][]byte
	for len(plaintext) > 0 {
		n := chunkSizeBytes
		if n > len(plaintext) {
			n = len(plaintext)
		}
		chunks = append(chunks, plaintext[:n])
		plaintext = plaintext[n:]
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

func reassemble(chunks [][]byte) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	return buf.Bytes()
}
