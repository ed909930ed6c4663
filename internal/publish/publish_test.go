package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/columnar"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		key, source, want string
	}{
		{"out/party", "in/party.csv", "out/party.parquet"},
		{"out/party.parquet", "in/party.csv", "out/party.parquet"},
		{"out/", "in/party.csv", "out/party.parquet"},
		{"out/", "in/party.csv.gz", "out/party.parquet"},
		{"", "party.csv", "party.parquet"},
		{"out/party.csv", "in/x.csv", "out/party.csv.parquet"},
	}
	for _, tc := range cases {
		got := NormalizeKey(tc.key, tc.source)
		if got != tc.want {
			t.Errorf("NormalizeKey(%q, %q) = %q, want %q", tc.key, tc.source, got, tc.want)
		}
		if again := NormalizeKey(got, tc.source); again != got {
			t.Errorf("NormalizeKey(%q) is not idempotent: got %q", got, again)
		}
	}
}

func TestNewTarget(t *testing.T) {
	target := NewTarget("dest", "a/b/party", "in/party.csv")

	want := storage.ObjectRef{Bucket: "dest", Key: "a/b/party.parquet"}
	if target.Ref != want {
		t.Errorf("Ref = %v, want %v", target.Ref, want)
	}
	if target.FileName != "party.parquet" {
		t.Errorf("FileName = %q, want party.parquet", target.FileName)
	}
}

// recordingCleaner implements Cleaner for testing
type recordingCleaner struct {
	mu    sync.Mutex
	paths []string
}

func (c *recordingCleaner) Cleanup(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	return os.Remove(path)
}

type failingStore struct {
	storage.ObjectStore
	uploads int
}

func (s *failingStore) Upload(ctx context.Context, ref storage.ObjectRef, r io.Reader, opts *storage.UploadOptions) error {
	s.uploads++
	return errors.New("service unavailable")
}

// shortStore reports a stored size that differs from what was written.
type shortStore struct {
	storage.ObjectStore
}

func (s *shortStore) Head(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error) {
	info, err := s.ObjectStore.Head(ctx, ref)
	if err != nil {
		return nil, err
	}
	info.Size--
	return info, nil
}

// blindStore accepts uploads but cannot report object attributes.
type blindStore struct {
	storage.ObjectStore
}

func (s *blindStore) Head(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error) {
	return nil, errors.New("403 forbidden")
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T) columnar.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.parquet")
	data := []byte("PAR1 not really")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return columnar.File{
		Path:     path,
		Rows:     2,
		Size:     int64(len(data)),
		Checksum: checksumOf(data),
	}
}

func assertKept(t *testing.T, cleaner *recordingCleaner, file columnar.File) {
	t.Helper()
	if len(cleaner.paths) != 0 {
		t.Errorf("cleaner called for %v, want no cleanup", cleaner.paths)
	}
	if _, err := os.Stat(file.Path); err != nil {
		t.Errorf("local file should be kept: %v", err)
	}
}

func TestPublishUploadsAndCleans(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	cleaner := &recordingCleaner{}
	file := writeFile(t)

	target := NewTarget("dest", "out/party", "in/party.csv")
	err := New(store, cleaner).Publish(ctx, file, target, Metadata{Dataset: "party", SnapshotDate: "2024-01-01"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	r, err := store.NewReader(ctx, target.Ref)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read published object: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("PAR1")) {
		t.Errorf("published object starts with %q, want PAR1", got[:min(4, len(got))])
	}

	info, err := store.Head(ctx, target.Ref)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if info.ContentType != ContentType {
		t.Errorf("ContentType = %q, want %q", info.ContentType, ContentType)
	}
	wantMeta := map[string]string{
		MetaRowCount:     "2",
		MetaDataset:      "party",
		MetaSnapshotDate: "2024-01-01",
	}
	for k, v := range wantMeta {
		if info.Metadata[k] != v {
			t.Errorf("Metadata[%s] = %q, want %q", k, info.Metadata[k], v)
		}
	}

	if len(cleaner.paths) != 1 || cleaner.paths[0] != file.Path {
		t.Errorf("cleaned paths = %v, want [%s]", cleaner.paths, file.Path)
	}
	if _, err := os.Stat(file.Path); !os.IsNotExist(err) {
		t.Errorf("local file should be removed after publish")
	}
}

func TestPublishFailureKeepsArtifacts(t *testing.T) {
	store := &failingStore{ObjectStore: storage.NewMemStore()}
	cleaner := &recordingCleaner{}
	file := writeFile(t)

	err := New(store, cleaner).Publish(context.Background(), file, NewTarget("dest", "out/x", "x.csv"), Metadata{})

	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("Publish() error = %v, want *UploadError", err)
	}
	if ue.Ref.Key != "out/x.parquet" {
		t.Errorf("UploadError.Ref.Key = %q, want out/x.parquet", ue.Ref.Key)
	}
	if store.uploads != 1 {
		t.Errorf("uploads = %d, want 1", store.uploads)
	}
	assertKept(t, cleaner, file)
}

func TestPublishMissingFile(t *testing.T) {
	file := columnar.File{Path: filepath.Join(t.TempDir(), "gone.parquet")}

	err := New(storage.NewMemStore(), nil).Publish(context.Background(), file, NewTarget("d", "k", "s.csv"), Metadata{})

	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Errorf("Publish() error = %v, want *UploadError", err)
	}
}

func TestPublishSizeMismatchKeepsArtifacts(t *testing.T) {
	store := &shortStore{ObjectStore: storage.NewMemStore()}
	cleaner := &recordingCleaner{}
	file := writeFile(t)

	err := New(store, cleaner).Publish(context.Background(), file, NewTarget("dest", "out/x", "x.csv"), Metadata{})

	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("Publish() error = %v, want *UploadError", err)
	}
	if !strings.Contains(err.Error(), "stored size") {
		t.Errorf("error = %q, want stored size mismatch", err)
	}
	assertKept(t, cleaner, file)
}

func TestPublishSucceedsWhenStatFails(t *testing.T) {
	store := &blindStore{ObjectStore: storage.NewMemStore()}
	cleaner := &recordingCleaner{}
	file := writeFile(t)

	err := New(store, cleaner).Publish(context.Background(), file, NewTarget("dest", "out/x", "x.csv"), Metadata{})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(cleaner.paths) != 1 || cleaner.paths[0] != file.Path {
		t.Errorf("cleaned paths = %v, want [%s]", cleaner.paths, file.Path)
	}
}
