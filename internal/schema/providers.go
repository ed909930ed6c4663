package schema

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

//go:embed schemas/*.json
var embedded embed.FS

// FSProvider loads "<dataset>.json" files from a filesystem.
type FSProvider struct {
	fsys fs.FS
	dir  string
}

// NewFSProvider reads schemas from dir within fsys.
func NewFSProvider(fsys fs.FS, dir string) *FSProvider {
	return &FSProvider{fsys: fsys, dir: dir}
}

// NewEmbeddedProvider serves the schemas packaged with the binary.
func NewEmbeddedProvider() *FSProvider {
	return NewFSProvider(embedded, "schemas")
}

// NewDirProvider reads schemas from a local directory.
func NewDirProvider(dir string) *FSProvider {
	return NewFSProvider(os.DirFS(dir), ".")
}

// Resolve implements Provider.
func (p *FSProvider) Resolve(ctx context.Context, dataset string) (*Definition, error) {
	if !validDatasetName(dataset) {
		return nil, notFound(dataset)
	}

	data, err := fs.ReadFile(p.fsys, path.Join(p.dir, dataset+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(dataset)
		}
		return nil, fmt.Errorf("read schema %s: %w", dataset, err)
	}
	return Parse(dataset, data)
}

// BucketProvider loads "<prefix><dataset>.json" objects from a bucket.
type BucketProvider struct {
	bucket *blob.Bucket
	prefix string
}

// NewBucketProvider reads schemas from objects under prefix.
func NewBucketProvider(bucket *blob.Bucket, prefix string) *BucketProvider {
	return &BucketProvider{bucket: bucket, prefix: prefix}
}

// Resolve implements Provider.
func (p *BucketProvider) Resolve(ctx context.Context, dataset string) (*Definition, error) {
	if !validDatasetName(dataset) {
		return nil, notFound(dataset)
	}

	key := p.prefix + dataset + ".json"
	r, err := p.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, notFound(dataset)
		}
		return nil, fmt.Errorf("open schema %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", key, err)
	}
	return Parse(dataset, data)
}

var (
	_ Provider = (*FSProvider)(nil)
	_ Provider = (*BucketProvider)(nil)
)
