package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	cfg          Config
	log          *slog.Logger
	mu           sync.RWMutex
	datasetCache map[string]int64 // cache dataset IDs
}

// NewWriter returns a Postgres writer when a DSN is configured and a no-op
// writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NewNoopWriter(), nil
	}
	return NewPostgresWriter(ctx, cfg)
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		cfg:          cfg,
		log:          slog.With("component", "catalog"),
		datasetCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// EnsureDataset registers or retrieves a dataset entry.
func (w *PostgresWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	if info.Namespace == "" {
		info.Namespace = w.cfg.Namespace
	}

	cacheKey := info.Namespace + "." + info.Dataset + "." + info.SchemaHash
	w.mu.RLock()
	if id, ok := w.datasetCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _meta_datasets (namespace, dataset, schema_hash, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, dataset, schema_hash)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		info.Namespace,
		info.Dataset,
		info.SchemaHash,
		info.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordConversion writes the lineage row for a published file.
func (w *PostgresWriter) RecordConversion(ctx context.Context, rec ConversionRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}

	query := `
		INSERT INTO _meta_conversions (
			dataset_id, source_uri, destination_uri, snapshot_date, processed_at,
			row_count, byte_size, checksum, correlation_id,
			producer_version, producer_git_sha
		)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dataset_id, destination_uri, snapshot_date)
		DO UPDATE SET
			source_uri = EXCLUDED.source_uri,
			processed_at = EXCLUDED.processed_at,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			correlation_id = EXCLUDED.correlation_id,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.SourceURI,
		rec.DestinationURI,
		rec.SnapshotDate,
		rec.ProcessedAt,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		nullable(rec.CorrelationID),
		rec.ProducerVersion,
		nullable(rec.ProducerGitSHA),
	)
	if err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}

	w.log.Debug("recorded lineage", "destination", rec.DestinationURI, "rows", rec.RowCount)
	return nil
}

// RecordQuality records a validation outcome.
func (w *PostgresWriter) RecordQuality(ctx context.Context, rec QualityRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}

	query := `
		INSERT INTO _meta_quality (dataset_id, source_uri, correlation_id, passed, error_kind, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.SourceURI,
		nullable(rec.CorrelationID),
		rec.Passed,
		nullable(rec.ErrorKind),
		nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert quality: %w", err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Verify PostgresWriter implements Writer.
var _ Writer = (*PostgresWriter)(nil)
