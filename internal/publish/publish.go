// Package publish uploads finished parquet files to object storage.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/columnar"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// ContentType is set on every published object.
const ContentType = "application/vnd.apache.parquet"

// Object metadata keys written alongside the parquet file.
const (
	MetaRowCount     = "row-count"
	MetaChecksum     = "sha256"
	MetaDataset      = "dataset"
	MetaSnapshotDate = "snapshot-date"
	MetaSource       = "source"
)

// Target is a normalized destination object.
type Target struct {
	Ref      storage.ObjectRef
	FileName string
}

// NewTarget normalizes key into a parquet object key. A key ending in "/"
// names a prefix and receives the source object's base name.
func NewTarget(bucket, key, sourceKey string) Target {
	normalized := NormalizeKey(key, sourceKey)
	return Target{
		Ref:      storage.ObjectRef{Bucket: bucket, Key: normalized},
		FileName: path.Base(normalized),
	}
}

// NormalizeKey appends the parquet extension unless key already ends with
// it. Applying it twice yields the same key.
func NormalizeKey(key, sourceKey string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		key += baseName(sourceKey)
	}
	if strings.HasSuffix(key, columnar.Extension) {
		return key
	}
	return key + columnar.Extension
}

// baseName strips the directory and every extension from a source key, so
// "in/party.csv.gz" becomes "party".
func baseName(sourceKey string) string {
	name := path.Base(sourceKey)
	if name == "." || name == "/" {
		return "output"
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

// UploadError wraps a failed upload.
type UploadError struct {
	Ref storage.ObjectRef
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Ref, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Cleaner removes local artifacts once they are no longer needed.
type Cleaner interface {
	Cleanup(path string) error
}

// Metadata describes the published snapshot.
type Metadata struct {
	Dataset      string
	SnapshotDate string
	Source       string
}

// Publisher performs the single PUT of a finished file.
type Publisher struct {
	store   storage.ObjectStore
	cleaner Cleaner
	log     *slog.Logger
}

// New creates a publisher. cleaner may be nil, in which case local files are
// left in place.
func New(store storage.ObjectStore, cleaner Cleaner) *Publisher {
	return &Publisher{
		store:   store,
		cleaner: cleaner,
		log:     slog.With("component", "publish"),
	}
}

// Publish uploads file to target and checks the stored size. Local artifacts
// are removed only after the upload succeeds; on failure they stay on disk. Cleanup problems are
// reported through the cleaner and never fail the publish.
func (p *Publisher) Publish(ctx context.Context, file columnar.File, target Target, meta Metadata) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return &UploadError{Ref: target.Ref, Err: fmt.Errorf("open %s: %w", file.Path, err)}
	}

	opts := &storage.UploadOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			MetaRowCount: strconv.FormatInt(file.Rows, 10),
			MetaChecksum: strings.TrimPrefix(file.Checksum, "sha256:"),
		},
	}
	if meta.Dataset != "" {
		opts.Metadata[MetaDataset] = meta.Dataset
	}
	if meta.SnapshotDate != "" {
		opts.Metadata[MetaSnapshotDate] = meta.SnapshotDate
	}
	if meta.Source != "" {
		opts.Metadata[MetaSource] = meta.Source
	}

	err = p.store.Upload(ctx, target.Ref, f, opts)
	f.Close()
	if err != nil {
		return &UploadError{Ref: target.Ref, Err: err}
	}

	info, err := p.store.Head(ctx, target.Ref)
	switch {
	case err != nil:
		p.log.Warn("could not stat published object", "destination", p.store.URI(target.Ref), "error", err)
	case info.Size != file.Size:
		return &UploadError{Ref: target.Ref, Err: fmt.Errorf("stored size %d, wrote %d", info.Size, file.Size)}
	default:
		p.log.Debug("uploaded parquet file",
			"destination", p.store.URI(target.Ref),
			"rows", file.Rows,
			"bytes", info.Size,
			"etag", info.ETag,
		)
	}

	if p.cleaner != nil {
		p.cleaner.Cleanup(file.Path)
	}
	return nil
}
