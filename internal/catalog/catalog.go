// Package catalog records the lineage of published snapshot files.
package catalog

import (
	"context"
	"time"
)

// Config holds catalog configuration. An empty DSN disables the catalog.
type Config struct {
	PostgresDSN string
	Namespace   string
}

// DatasetInfo identifies a dataset and the schema it was converted with.
type DatasetInfo struct {
	Namespace   string
	Dataset     string
	SchemaHash  string
	Description string
}

// ConversionRecord is the lineage row for one published file.
type ConversionRecord struct {
	DatasetID       int64
	SourceURI       string
	DestinationURI  string
	SnapshotDate    string
	ProcessedAt     time.Time
	RowCount        int64
	ByteSize        int64
	Checksum        string
	CorrelationID   string
	ProducerVersion string
	ProducerGitSHA  string
}

// QualityRecord captures the outcome of a failed or validated run.
type QualityRecord struct {
	DatasetID     int64
	SourceURI     string
	CorrelationID string
	Passed        bool
	ErrorKind     string
	ErrorMessage  string
}

// Writer persists conversion lineage.
type Writer interface {
	EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error)
	RecordConversion(ctx context.Context, rec ConversionRecord) error
	RecordQuality(ctx context.Context, rec QualityRecord) error
	Close() error
}

// NewNoopWriter returns a writer that records nothing.
func NewNoopWriter() Writer {
	return noopWriter{}
}

type noopWriter struct{}

func (noopWriter) EnsureDataset(_ context.Context, _ DatasetInfo) (int64, error) { return 0, nil }
func (noopWriter) RecordConversion(_ context.Context, _ ConversionRecord) error  { return nil }
func (noopWriter) RecordQuality(_ context.Context, _ QualityRecord) error        { return nil }
func (noopWriter) Close() error                                                  { return nil }
