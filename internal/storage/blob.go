package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
)

// bucketOpener opens the named bucket for a backend.
type bucketOpener func(ctx context.Context, bucket string) (*blob.Bucket, error)

// BlobStore implements ObjectStore on top of gocloud.dev buckets.
// Buckets are opened lazily and cached for the lifetime of the store, so
// concurrent conversions share connections but no per-run state.
type BlobStore struct {
	scheme string
	open   bucketOpener
	uri    func(ref ObjectRef) string

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func newBlobStore(scheme string, open bucketOpener) *BlobStore {
	s := &BlobStore{
		scheme:  scheme,
		open:    open,
		buckets: make(map[string]*blob.Bucket),
	}
	s.uri = func(ref ObjectRef) string {
		return fmt.Sprintf("%s://%s/%s", scheme, ref.Bucket, ref.Key)
	}
	return s
}

// Bucket returns the cached bucket handle, opening it on first use.
func (s *BlobStore) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	b, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket %s: %w", s.scheme, name, err)
	}
	s.buckets[name] = b
	return b, nil
}

// NewReader opens a streaming reader for the object.
func (s *BlobStore) NewReader(ctx context.Context, ref ObjectRef) (io.ReadCloser, error) {
	bucket, err := s.Bucket(ctx, ref.Bucket)
	if err != nil {
		return nil, err
	}

	r, err := bucket.NewReader(ctx, ref.Key, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("open %s: %w: %v", s.URI(ref), ErrNotFound, err)
		}
		return nil, fmt.Errorf("open %s: %w", s.URI(ref), err)
	}
	return r, nil
}

// Upload streams r into the object. The object only becomes visible when the
// writer closes cleanly; a failed copy cancels the write.
func (s *BlobStore) Upload(ctx context.Context, ref ObjectRef, r io.Reader, opts *UploadOptions) error {
	bucket, err := s.Bucket(ctx, ref.Bucket)
	if err != nil {
		return err
	}

	wopts := &blob.WriterOptions{}
	if opts != nil {
		wopts.ContentType = opts.ContentType
		wopts.Metadata = opts.Metadata
	}

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(writeCtx, ref.Key, wopts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", s.URI(ref), err)
	}

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", s.URI(ref), err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", s.URI(ref), err)
	}

	return nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, ref ObjectRef) (*ObjectInfo, error) {
	bucket, err := s.Bucket(ctx, ref.Bucket)
	if err != nil {
		return nil, err
	}

	attrs, err := bucket.Attributes(ctx, ref.Key)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("get attributes for %s: %w", s.URI(ref), ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", s.URI(ref), err)
	}

	return &ObjectInfo{
		Key:         ref.Key,
		Size:        attrs.Size,
		ETag:        attrs.ETag,
		ContentType: attrs.ContentType,
		ModTime:     attrs.ModTime,
		Metadata:    attrs.Metadata,
	}, nil
}

// URI returns the canonical URI for the given object.
func (s *BlobStore) URI(ref ObjectRef) string {
	return s.uri(ref)
}

// Close releases every opened bucket.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			lastErr = err
		}
		delete(s.buckets, name)
	}
	return lastErr
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
