package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSStore creates a store for Google Cloud Storage using application
// default credentials.
func NewGCSStore() *BlobStore {
	s := newBlobStore("gs", func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucket))
	})
	return s
}
