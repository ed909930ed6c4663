package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

// NewLocalStore creates a store where each bucket is a directory under baseDir.
func NewLocalStore(baseDir string) (*BlobStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	s := newBlobStore("file", func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return fileblob.OpenBucket(filepath.Join(baseDir, bucket), &fileblob.Options{
			CreateDir: true,
		})
	})
	s.uri = func(ref ObjectRef) string {
		return "file://" + filepath.Join(baseDir, ref.Bucket, ref.Key)
	}
	return s, nil
}

// NewMemStore creates an in-memory store. Buckets live as long as the store.
func NewMemStore() *BlobStore {
	return newBlobStore("mem", func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return memblob.OpenBucket(nil), nil
	})
}
