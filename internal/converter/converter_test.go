package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/artifact"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/audit"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/catalog"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/publish"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/source"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

const partySchema = `{
  "type": "record",
  "name": "party",
  "fields": [
    {"name": "ID", "type": "string"},
    {"name": "NAME", "type": ["null", "string"]},
    {"name": "AGE", "type": ["null", "int"]},
    {"name": "EFF_DT", "type": "string"},
    {"name": "ETL_TS", "type": "string"}
  ]
}`

type partyRow struct {
	ID     *string `parquet:"ID"`
	NAME   *string `parquet:"NAME"`
	AGE    *int32  `parquet:"AGE"`
	EFF_DT *string `parquet:"EFF_DT"`
	ETL_TS *string `parquet:"ETL_TS"`
}

var fixedNow = time.Date(2024, 3, 15, 10, 20, 30, 0, time.UTC)

// countingStore records calls and can fail reads and uploads.
type countingStore struct {
	storage.ObjectStore

	mu        sync.Mutex
	reads     int
	uploads   int
	readErr   error
	uploadErr error
}

func (s *countingStore) NewReader(ctx context.Context, ref storage.ObjectRef) (io.ReadCloser, error) {
	s.mu.Lock()
	s.reads++
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.ObjectStore.NewReader(ctx, ref)
}

// providerFunc adapts a function to schema.Provider.
type providerFunc func(ctx context.Context, dataset string) (*schema.Definition, error)

func (f providerFunc) Resolve(ctx context.Context, dataset string) (*schema.Definition, error) {
	return f(ctx, dataset)
}

func (s *countingStore) Upload(ctx context.Context, ref storage.ObjectRef, r io.Reader, opts *storage.UploadOptions) error {
	s.mu.Lock()
	s.uploads++
	err := s.uploadErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ObjectStore.Upload(ctx, ref, r, opts)
}

// mockCatalog implements catalog.Writer for testing.
type mockCatalog struct {
	mu          sync.Mutex
	err         error
	conversions []catalog.ConversionRecord
	quality     []catalog.QualityRecord
}

func (m *mockCatalog) EnsureDataset(ctx context.Context, info catalog.DatasetInfo) (int64, error) {
	return 1, nil
}

func (m *mockCatalog) RecordConversion(ctx context.Context, rec catalog.ConversionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.conversions = append(m.conversions, rec)
	return nil
}

func (m *mockCatalog) RecordQuality(ctx context.Context, rec catalog.QualityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = append(m.quality, rec)
	return nil
}

func (m *mockCatalog) Close() error { return nil }

// mockAudit implements audit.Emitter for testing.
type mockAudit struct {
	mu     sync.Mutex
	err    error
	events []audit.Conversion
}

func (m *mockAudit) EmitConversion(ctx context.Context, c audit.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, c)
	return m.err
}

func (m *mockAudit) Close() error { return nil }

type harness struct {
	store   *countingStore
	workDir string
	catalog *mockCatalog
	audit   *mockAudit
	metrics *metrics.Metrics
	conv    *Converter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(schemaDir+"/party.json", []byte(partySchema), 0o644))
	return newHarnessWithSchemas(t, schema.NewDirProvider(schemaDir))
}

func newHarnessWithSchemas(t *testing.T, schemas schema.Provider) *harness {
	t.Helper()

	workDir := t.TempDir()
	artifacts, err := artifact.NewManager(workDir)
	require.NoError(t, err)

	h := &harness{
		store:   &countingStore{ObjectStore: storage.NewMemStore()},
		workDir: workDir,
		catalog: &mockCatalog{},
		audit:   &mockAudit{},
		metrics: metrics.New(prometheus.NewRegistry(), "test"),
	}

	h.conv, err = New(Options{
		Store:     h.store,
		Schemas:   schemas,
		Artifacts: artifacts,
		Catalog:   h.catalog,
		Audit:     h.audit,
		Metrics:   h.metrics,
		Location:  time.UTC,
		Clock:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) putSource(t *testing.T, key, data string) storage.ObjectRef {
	t.Helper()
	ref := storage.ObjectRef{Bucket: "landing", Key: key}
	require.NoError(t, h.store.ObjectStore.Upload(context.Background(), ref, strings.NewReader(data), nil))
	return ref
}

func (h *harness) readOutput(t *testing.T, ref storage.ObjectRef) []partyRow {
	t.Helper()
	r, err := h.store.ObjectStore.NewReader(context.Background(), ref)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)

	rows, err := parquet.Read[partyRow](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return rows
}

func (h *harness) workFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func request(src storage.ObjectRef, destKey string) Request {
	return Request{
		Dataset:     "party",
		Source:      src,
		Destination: storage.ObjectRef{Bucket: "curated", Key: destKey},
	}
}

func TestConvertHappyPath(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n2,bob,41\n")

	res, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, storage.ObjectRef{Bucket: "curated", Key: "out/party.parquet"}, res.Destination)
	assert.Equal(t, "2024-03-15", res.SnapshotDate)
	assert.Equal(t, "2024-03-15T10:20:30", res.ProcessingTimestamp)
	assert.NotEmpty(t, res.CorrelationID)

	rows := h.readOutput(t, res.Destination)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", *rows[0].ID)
	assert.Equal(t, "alice", *rows[0].NAME)
	assert.Equal(t, int32(30), *rows[0].AGE)
	assert.Equal(t, "bob", *rows[1].NAME)
	for _, row := range rows {
		assert.Equal(t, "2024-03-15", *row.EFF_DT)
		assert.Equal(t, "2024-03-15T10:20:30", *row.ETL_TS)
	}

	info, err := h.store.Head(context.Background(), res.Destination)
	require.NoError(t, err)
	assert.Equal(t, publish.ContentType, info.ContentType)
	assert.Equal(t, "2", info.Metadata[publish.MetaRowCount])

	assert.Equal(t, 1, h.store.uploads)
	assert.Empty(t, h.workFiles(t), "temporary artifacts should be removed")

	require.Len(t, h.catalog.conversions, 1)
	assert.Equal(t, res.Checksum, h.catalog.conversions[0].Checksum)
	require.Len(t, h.audit.events, 1)
	assert.Equal(t, int64(2), h.audit.events[0].RowCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Conversions.WithLabelValues("party", "success")))
}

func TestConvertMissingSchemaTouchesNothing(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID\n1\n")

	req := request(src, "out/party")
	req.Dataset = "unknown_dataset"

	_, err := h.conv.Convert(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaNotFound))
	assert.ErrorIs(t, err, schema.ErrNotFound)
	assert.False(t, IsRetryable(err))

	assert.Equal(t, 0, h.store.reads)
	assert.Equal(t, 0, h.store.uploads)
	assert.Empty(t, h.workFiles(t))
}

func TestConvertHeaderMismatch(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,AGE\n1,30\n")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindHeaderMismatch, ce.Kind)
	assert.Equal(t, "NAME", ce.Field)
	assert.Equal(t, "party", ce.Dataset)

	assert.Equal(t, 0, h.store.uploads)
	assert.Empty(t, h.workFiles(t), "no output file should be created")

	require.Len(t, h.catalog.quality, 1)
	assert.Equal(t, string(KindHeaderMismatch), h.catalog.quality[0].ErrorKind)
}

func TestConvertShortRowsBecomeNull(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice\n2\n")

	res, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.NoError(t, err)

	rows := h.readOutput(t, res.Destination)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", *rows[0].NAME)
	assert.Nil(t, rows[0].AGE)
	assert.Nil(t, rows[1].NAME)
	assert.Nil(t, rows[1].AGE)
}

func TestConvertUploadFailurePreservesArtifacts(t *testing.T) {
	h := newHarness(t)
	h.store.uploadErr = errors.New("503 slow down")
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUpload))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "503 slow down")

	files := h.workFiles(t)
	require.Len(t, files, 2, "data file and sidecar stay for diagnosis")

	_, err = h.store.Head(context.Background(), storage.ObjectRef{Bucket: "curated", Key: "out/party.parquet"})
	assert.True(t, storage.IsNotFound(err))
	assert.Empty(t, h.audit.events)
}

func TestConvertHeaderOnlySource(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n")

	res, err := h.conv.Convert(context.Background(), request(src, "out/"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows)
	assert.Equal(t, "out/party.parquet", res.Destination.Key)
	assert.Empty(t, h.readOutput(t, res.Destination))
}

func TestConvertEmptySourceIsReadError(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	assert.True(t, IsKind(err, KindSourceRead))
}

func TestConvertMissingSource(t *testing.T) {
	h := newHarness(t)

	_, err := h.conv.Convert(context.Background(), request(storage.ObjectRef{Bucket: "landing", Key: "nope.csv"}, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSourceRead))
	assert.True(t, IsRetryable(err))
	assert.True(t, storage.IsNotFound(err))

	var re *source.ReadError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.NotFound())
}

func TestConvertSourceTransportFault(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n")
	h.store.readErr = errors.New("read tcp 10.0.0.7:443: connection reset by peer")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSourceRead))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "connection reset by peer")

	var re *source.ReadError
	require.True(t, errors.As(err, &re))
	assert.False(t, re.NotFound())

	assert.Empty(t, h.workFiles(t))
	assert.Equal(t, 0, h.store.uploads)
}

func TestConvertSchemaRegistryFaultIsRetryable(t *testing.T) {
	h := newHarnessWithSchemas(t, providerFunc(func(ctx context.Context, dataset string) (*schema.Definition, error) {
		return nil, fmt.Errorf("open schema schemas/%s.json: %w", dataset, errors.New("dial tcp 10.0.0.1:443: i/o timeout"))
	}))
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSourceRead))
	assert.True(t, IsRetryable(err))
	assert.NotErrorIs(t, err, schema.ErrNotFound)
	assert.Contains(t, err.Error(), "i/o timeout")

	assert.Equal(t, 0, h.store.reads)
	assert.Equal(t, 0, h.store.uploads)
	assert.Empty(t, h.workFiles(t))
}

func TestConvertInvalidSchemaIsNotRetried(t *testing.T) {
	h := newHarnessWithSchemas(t, providerFunc(func(ctx context.Context, dataset string) (*schema.Definition, error) {
		return schema.Parse(dataset, []byte(`{"fields":[{"name":"ID","type":"decimal"}]}`))
	}))
	src := h.putSource(t, "in/party.csv", "ID\n1\n")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaNotFound))
	assert.ErrorIs(t, err, schema.ErrInvalid)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, h.store.reads)
}

func TestConvertUnparseableValueIsWriteError(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,thirty\n")

	_, err := h.conv.Convert(context.Background(), request(src, "out/party"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindWrite))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, h.store.uploads)
}

func TestConvertSideEffectFailuresOnlyWarn(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = errors.New("catalog down")
	h.audit.err = errors.New("audit down")
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n")

	res, err := h.conv.Convert(context.Background(), request(src, "out/party.parquet"))
	require.NoError(t, err)
	assert.Equal(t, "out/party.parquet", res.Destination.Key)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CatalogErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuditErrors))
}

func TestConvertRejectsIncompleteRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.conv.Convert(context.Background(), Request{Dataset: "party"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, isKind := KindOf(err)
	assert.False(t, isKind)
}

func TestConvertGzipSource(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("ID,NAME,AGE\n7,zed,70\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	ref := storage.ObjectRef{Bucket: "landing", Key: "in/party.csv.gz"}
	require.NoError(t, h.store.ObjectStore.Upload(context.Background(), ref, &buf, nil))

	res, err := h.conv.Convert(context.Background(), request(ref, "out/"))
	require.NoError(t, err)
	assert.Equal(t, "out/party.parquet", res.Destination.Key)

	rows := h.readOutput(t, res.Destination)
	require.Len(t, rows, 1)
	assert.Equal(t, "zed", *rows[0].NAME)
}

func TestConvertConcurrentRunsShareNothing(t *testing.T) {
	h := newHarness(t)
	src := h.putSource(t, "in/party.csv", "ID,NAME,AGE\n1,alice,30\n2,bob,41\n")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.conv.Convert(context.Background(), request(src, "out/party-"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, h.workFiles(t))
}
