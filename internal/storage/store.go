package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectRef identifies an object by bucket and key.
type ObjectRef struct {
	Bucket string
	Key    string
}

// String returns "bucket/key".
func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Key
}

// Validate checks that both bucket and key are set.
func (r ObjectRef) Validate() error {
	if strings.TrimSpace(r.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string // MD5 for S3/GCS, empty for local
	ContentType string
	ModTime     time.Time
	Metadata    map[string]string
}

// UploadOptions controls how an object is written.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the GET/PUT byte-stream service the converter reads snapshots
// from and publishes parquet files to.
type ObjectStore interface {
	// NewReader opens a streaming reader for the object.
	// Missing objects yield an error for which IsNotFound is true.
	NewReader(ctx context.Context, ref ObjectRef) (io.ReadCloser, error)

	// Upload writes the full contents of r to the object in a single put.
	Upload(ctx context.Context, ref ObjectRef, r io.Reader, opts *UploadOptions) error

	// Head returns metadata about a stored object.
	Head(ctx context.Context, ref ObjectRef) (*ObjectInfo, error)

	// URI returns the canonical URI for the given object.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(ref ObjectRef) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem: each bucket is a directory under LocalDir.
	LocalDir string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(cfg StorageConfig) (*BlobStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		return NewGCSStore(), nil
	case "s3":
		return NewS3Store(cfg.S3Endpoint, cfg.S3Region), nil
	case "mem":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || gcerrors.Code(err) == gcerrors.NotFound
}
