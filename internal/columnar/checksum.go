package columnar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Checksum accumulates a SHA256 digest over written bytes.
type Checksum struct {
	h hash.Hash
}

// NewChecksum returns an empty running checksum.
func NewChecksum() *Checksum {
	return &Checksum{h: sha256.New()}
}

func (c *Checksum) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// String formats the digest as "sha256:<hex>".
func (c *Checksum) String() string {
	return "sha256:" + hex.EncodeToString(c.h.Sum(nil))
}

// FileChecksum hashes the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	c := NewChecksum()
	if _, err := io.Copy(c, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return c.String(), nil
}

// VerifyFile reports whether the file at path matches the expected checksum.
func VerifyFile(path, expected string) (bool, error) {
	actual, err := FileChecksum(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
