// Package converter runs one snapshot conversion: resolve the schema, stream
// the source rows through the mapper into a parquet file, validate it, and
// publish it.
package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/artifact"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/audit"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/catalog"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/columnar"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/mapper"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/publish"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/source"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// Version and GitSHA are set at build time via ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

// ProducerName identifies this service in lineage and audit records.
const ProducerName = "snapshot-converter"

// Options wires the converter's collaborators. Store, Schemas and Artifacts
// are required.
type Options struct {
	Store     storage.ObjectStore
	Schemas   schema.Provider
	Artifacts *artifact.Manager
	Catalog   catalog.Writer
	Audit     audit.Emitter
	Metrics   *metrics.Metrics

	// Location is the zone the synthetic date and timestamp are rendered in.
	Location *time.Location
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Converter turns delimited snapshots into parquet files. It holds no
// per-run state and is safe for concurrent use.
type Converter struct {
	store     storage.ObjectStore
	schemas   schema.Provider
	artifacts *artifact.Manager
	publisher *publish.Publisher
	catalog   catalog.Writer
	audit     audit.Emitter
	metrics   *metrics.Metrics
	location  *time.Location
	clock     func() time.Time
	log       *slog.Logger
}

// New creates a converter from opts.
func New(opts Options) (*Converter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Schemas == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("artifact manager is required")
	}

	c := &Converter{
		store:     opts.Store,
		schemas:   opts.Schemas,
		artifacts: opts.Artifacts,
		publisher: publish.New(opts.Store, opts.Artifacts),
		catalog:   opts.Catalog,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		location:  opts.Location,
		clock:     opts.Clock,
		log:       logging.Component("converter"),
	}
	if c.catalog == nil {
		c.catalog = catalog.NewNoopWriter()
	}
	if c.audit == nil {
		c.audit = audit.NewEmitter(audit.Config{})
	}
	if c.location == nil {
		c.location = time.Local
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Convert runs one conversion. Failures after request validation are
// returned as *Error.
func (c *Converter) Convert(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	ctx, correlationID := logging.EnsureCorrelationID(ctx)
	target := publish.NewTarget(req.Destination.Bucket, req.Destination.Key, req.Source.Key)
	log := logging.RunLogger(correlationID, req.Dataset, c.store.URI(req.Source), c.store.URI(target.Ref))

	start := time.Now()
	c.metrics.RunStarted()

	res, err := c.run(ctx, req, target, log)

	outcome := "success"
	if err != nil {
		if kind, ok := KindOf(err); ok {
			outcome = string(kind)
		} else {
			outcome = "error"
		}
	}
	c.metrics.RunFinished(req.Dataset, outcome, time.Since(start))

	if err != nil {
		log.Error("conversion failed", "kind", outcome, "retryable", IsRetryable(err), "error", err)
		return nil, err
	}

	res.CorrelationID = correlationID
	res.Duration = time.Since(start)
	log.Info("conversion complete",
		"rows", res.Rows,
		"bytes", res.Bytes,
		"snapshot_date", res.SnapshotDate,
		"duration", res.Duration.String(),
	)
	return res, nil
}

// run is the ordered lifecycle of one conversion:
//  1. Resolve the schema (before any remote I/O)
//  2. Open the source and read the header
//  3. Prepare the mapper (header check, synthetic values)
//  4. Stream rows into the parquet writer
//  5. Finalize and validate the file
//  6. Publish (single PUT, cleanup on success)
//  7. Record lineage and emit the audit event (failures only warn)
func (c *Converter) run(ctx context.Context, req Request, target publish.Target, log *slog.Logger) (*Result, error) {
	// Step 1: Schema
	def, err := c.schemas.Resolve(ctx, req.Dataset)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) || errors.Is(err, schema.ErrInvalid) {
			return nil, &Error{Kind: KindSchemaNotFound, Dataset: req.Dataset, Err: err}
		}
		// The registry itself could not be reached.
		return nil, &Error{Kind: KindSourceRead, Dataset: req.Dataset, Err: err}
	}
	log.Debug("resolved schema", "fields", len(def.Fields))

	// Step 2: Source + header
	src, err := source.Open(ctx, c.store, req.Source)
	if err != nil {
		var re *source.ReadError
		if errors.As(err, &re) && re.NotFound() {
			log.Warn("source object does not exist")
		}
		return nil, c.fail(ctx, def, req, &Error{Kind: KindSourceRead, Dataset: req.Dataset, Ref: req.Source, Err: err})
	}
	defer src.Close()

	header, err := src.Next()
	if err != nil {
		return nil, c.fail(ctx, def, req, &Error{Kind: KindSourceRead, Dataset: req.Dataset, Ref: req.Source, Err: err})
	}

	// Step 3: Mapper
	now := c.clock().In(c.location)
	mc, err := mapper.Prepare(req.Dataset, header, def, now)
	if err != nil {
		var hm *mapper.HeaderMismatchError
		if errors.As(err, &hm) {
			return nil, c.fail(ctx, def, req, &Error{Kind: KindHeaderMismatch, Dataset: req.Dataset, Field: hm.Field, Ref: req.Source, Err: err})
		}
		return nil, c.fail(ctx, def, req, &Error{Kind: KindWrite, Dataset: req.Dataset, Err: err})
	}

	// Step 4: Stream rows
	w, err := columnar.Create(c.artifacts.NewPath(), mc.Schema())
	if err != nil {
		return nil, c.fail(ctx, def, req, &Error{Kind: KindWrite, Dataset: req.Dataset, Err: err})
	}
	log = log.With("local_path", w.Path())

	var rowsRead int64
	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Debug("source read aborted", "rows_written", w.Count())
			w.Abort()
			return nil, c.fail(ctx, def, req, &Error{Kind: KindSourceRead, Dataset: req.Dataset, Ref: req.Source, Err: err})
		}
		rowsRead++

		if err := w.Write(mc.Map(row)); err != nil {
			log.Debug("row write failed", "row", rowsRead, "rows_written", w.Count())
			w.Abort()
			return nil, c.fail(ctx, def, req, &Error{Kind: KindWrite, Dataset: req.Dataset, Err: err})
		}

		if rowsRead%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				w.Abort()
				return nil, c.fail(ctx, def, req, &Error{Kind: KindSourceRead, Dataset: req.Dataset, Ref: req.Source, Err: err})
			}
		}
	}

	// Step 5: Finalize + validate
	file, err := w.Close()
	if err != nil {
		return nil, c.fail(ctx, def, req, &Error{Kind: KindWrite, Dataset: req.Dataset, Err: err})
	}

	validation := ValidateConversion(rowsRead, file)
	for _, warning := range validation.Warnings {
		log.Warn("validation warning", "warning", warning)
	}
	if !validation.Passed {
		return nil, c.fail(ctx, def, req, &Error{Kind: KindWrite, Dataset: req.Dataset, Err: fmt.Errorf("validation failed: %s", validation.Error())})
	}
	log.Debug("wrote parquet file", "rows", file.Rows, "bytes", file.Size, "checksum", file.Checksum)

	// Step 6: Publish
	uploadStart := time.Now()
	err = c.publisher.Publish(ctx, file, target, publish.Metadata{
		Dataset:      req.Dataset,
		SnapshotDate: mc.SnapshotDate(),
		Source:       c.store.URI(req.Source),
	})
	if err != nil {
		return nil, c.fail(ctx, def, req, &Error{Kind: KindUpload, Dataset: req.Dataset, Ref: target.Ref, Err: err})
	}
	c.metrics.ObserveUpload(req.Dataset, time.Since(uploadStart))
	c.metrics.ObserveFile(req.Dataset, file.Rows, file.Size)

	res := &Result{
		Dataset:             req.Dataset,
		Source:              req.Source,
		Destination:         target.Ref,
		DestinationURI:      c.store.URI(target.Ref),
		Rows:                file.Rows,
		Bytes:               file.Size,
		Checksum:            file.Checksum,
		SnapshotDate:        mc.SnapshotDate(),
		ProcessingTimestamp: mc.ProcessingTimestamp(),
		ProcessedAt:         now,
	}

	// Step 7: Lineage + audit. The file is already published; these only warn.
	c.recordLineage(ctx, def, req, res, log)
	c.emitAudit(ctx, req, res, log)

	return res, nil
}

// checkInterval is how many rows pass between context checks.
const checkInterval = 1024

func (c *Converter) recordLineage(ctx context.Context, def *schema.Definition, req Request, res *Result, log *slog.Logger) {
	datasetID, err := c.catalog.EnsureDataset(ctx, catalog.DatasetInfo{
		Dataset:    req.Dataset,
		SchemaHash: def.Fingerprint(),
	})
	if err != nil {
		c.metrics.IncCatalogErrors()
		log.Warn("failed to register dataset in catalog", "error", err)
		return
	}
	if datasetID == 0 {
		return // No catalog configured
	}

	if err := c.catalog.RecordConversion(ctx, catalog.ConversionRecord{
		DatasetID:       datasetID,
		SourceURI:       c.store.URI(req.Source),
		DestinationURI:  res.DestinationURI,
		SnapshotDate:    res.SnapshotDate,
		ProcessedAt:     res.ProcessedAt,
		RowCount:        res.Rows,
		ByteSize:        res.Bytes,
		Checksum:        res.Checksum,
		CorrelationID:   logging.CorrelationID(ctx),
		ProducerVersion: ProducerName + "@" + Version,
		ProducerGitSHA:  GitSHA,
	}); err != nil {
		c.metrics.IncCatalogErrors()
		log.Warn("failed to record lineage", "error", err)
	}
}

func (c *Converter) emitAudit(ctx context.Context, req Request, res *Result, log *slog.Logger) {
	err := c.audit.EmitConversion(ctx, audit.Conversion{
		Dataset:             req.Dataset,
		Source:              c.store.URI(req.Source),
		Destination:         res.DestinationURI,
		SnapshotDate:        res.SnapshotDate,
		ProcessingTimestamp: res.ProcessingTimestamp,
		CorrelationID:       logging.CorrelationID(ctx),
		Checksum:            res.Checksum,
		RowCount:            res.Rows,
		ByteSize:            res.Bytes,
		Codec:               columnar.CodecName,
		Producer: audit.ProducerInfo{
			Name:    ProducerName,
			Version: Version,
			GitSHA:  GitSHA,
		},
	})
	if err != nil {
		c.metrics.IncAuditErrors()
		log.Warn("failed to emit audit event", "error", err)
	}
}

// fail records a failed run in the catalog's quality table and returns err.
func (c *Converter) fail(ctx context.Context, def *schema.Definition, req Request, err *Error) error {
	datasetID, cerr := c.catalog.EnsureDataset(ctx, catalog.DatasetInfo{
		Dataset:    req.Dataset,
		SchemaHash: def.Fingerprint(),
	})
	if cerr != nil || datasetID == 0 {
		return err
	}

	if qerr := c.catalog.RecordQuality(ctx, catalog.QualityRecord{
		DatasetID:     datasetID,
		SourceURI:     c.store.URI(req.Source),
		CorrelationID: logging.CorrelationID(ctx),
		Passed:        false,
		ErrorKind:     string(err.Kind),
		ErrorMessage:  err.Error(),
	}); qerr != nil {
		c.metrics.IncCatalogErrors()
		c.log.Warn("failed to record quality result", "error", qerr)
	}
	return err
}
