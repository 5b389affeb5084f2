// Package attachmentstore implements attachment.Backend directly
// against MinIO-compatible object storage. Grounded on the teacher's
// internal/media/presigned.go, adapted from presigned-URL issuance
// (the teacher hands clients a signed URL and steps out of the way)
// to direct PutObject/GetObject calls, since here the core itself
// already holds the encrypted bytes and is the only actor that ever
// touches this bucket.
package attachmentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store puts and gets opaque encrypted attachment blobs under a single
// bucket, keyed by a server-assigned object id.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to a MinIO-compatible endpoint and ensures bucket
// exists, creating it if necessary.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("attachmentstore: new client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("attachmentstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("attachmentstore: create bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

func objectKey(id string) string {
	return fmt.Sprintf("attachments/%s", id)
}

// Put writes blob under a fresh id and returns it. Implements the
// attachment.Backend.Put side of the opaque-bytes contract; expiry is
// always nil since object-storage-backed attachments have no
// server-enforced TTL in this deployment shape.
func (s *Store) Put(ctx context.Context, blob []byte) (string, *int64, error) {
	id := uuid.New().String()
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(id), bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", nil, fmt.Errorf("attachmentstore: put object: %w", err)
	}
	return id, nil, nil
}

// Get reads back a previously stored blob by id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("attachmentstore: get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("attachmentstore: read object: %w", err)
	}
	return data, nil
}

// Delete removes a blob by id. Used when a chunked upload is aborted
// partway through and its already-uploaded chunks must be cleaned up.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("attachmentstore: remove object: %w", err)
	}
	return nil
}
