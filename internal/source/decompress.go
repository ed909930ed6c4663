package source

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec applied to a stored object.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// CompressionFor picks the codec from the object key suffix.
func CompressionFor(key string) Compression {
	k := strings.ToLower(key)
	switch {
	case strings.HasSuffix(k, ".gz"), strings.HasSuffix(k, ".gzip"):
		return CompressionGzip
	case strings.HasSuffix(k, ".zst"), strings.HasSuffix(k, ".zstd"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

type zstdCloser struct{ dec *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.dec.Close()
	return nil
}

// decompress wraps r according to the key suffix. The returned closer, when
// non-nil, must be closed before r.
func decompress(key string, r io.Reader) (io.Reader, io.Closer, error) {
	switch CompressionFor(key) {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gz, gz, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return dec, zstdCloser{dec}, nil
	default:
		return r, nil, nil
	}
}
