package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// NewS3Store creates a store for S3-compatible storage.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(endpoint, region string) *BlobStore {
	return newBlobStore("s3", func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, s3BucketURL(bucket, endpoint, region))
	})
}

// s3BucketURL builds the gocloud.dev URL for a bucket.
// For AWS: s3://bucket-name?region=us-east-1
// For custom endpoint: s3://bucket-name?endpoint=https://...&region=...&s3ForcePathStyle=true
func s3BucketURL(bucket, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucket)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		// Custom endpoints usually need path-style addressing
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
