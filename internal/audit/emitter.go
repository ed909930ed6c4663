package audit

import (
	"context"
	"log/slog"
	"time"
)

// Config holds audit configuration.
type Config struct {
	Enabled   bool
	Endpoint  string
	BackupDir string
}

// Conversion is the summary of a published snapshot handed to an Emitter.
type Conversion struct {
	Dataset             string
	Source              string
	Destination         string
	SnapshotDate        string
	ProcessingTimestamp string
	CorrelationID       string
	Checksum            string
	RowCount            int64
	ByteSize            int64
	Codec               string
	Producer            ProducerInfo
}

// Emitter records conversion events.
type Emitter interface {
	EmitConversion(ctx context.Context, c Conversion) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "audit")

	if !cfg.Enabled {
		log.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	log := slog.With("component", "audit")
	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file-only audit emitter", "dir", cfg.BackupDir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) EmitConversion(ctx context.Context, c Conversion) error {
	evt := toAuditEvent(c)
	return w.emitter.Emit(ctx, &evt)
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) EmitConversion(_ context.Context, c Conversion) error {
	evt := toAuditEvent(c)
	return w.emitter.Emit(&evt)
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

func toAuditEvent(c Conversion) AuditEvent {
	return AuditEvent{
		Version:   EventVersion,
		EventType: EventType,
		Timestamp: time.Now().UTC(),
		Conversion: ConversionInfo{
			Dataset:             c.Dataset,
			Source:              c.Source,
			Destination:         c.Destination,
			SnapshotDate:        c.SnapshotDate,
			ProcessingTimestamp: c.ProcessingTimestamp,
			CorrelationID:       c.CorrelationID,
		},
		Output: OutputInfo{
			Checksum: c.Checksum,
			RowCount: c.RowCount,
			ByteSize: c.ByteSize,
			Codec:    c.Codec,
		},
		Producer: c.Producer,
	}
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) EmitConversion(_ context.Context, _ Conversion) error { return nil }
func (noopEmitter) Close() error                                         { return nil }
