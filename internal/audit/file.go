package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileBackup saves audit events to local files.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit-backup"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir, log: slog.With("component", "audit")}, nil
}

// Path returns the backup file path for an event:
// {dataset}_{snapshot_date}_{event_id}.json
func (f *FileBackup) Path(evt *AuditEvent) string {
	filename := fmt.Sprintf("%s_%s_%s.json",
		evt.Conversion.Dataset,
		evt.Conversion.SnapshotDate,
		evt.EventID,
	)
	return filepath.Join(f.dir, filename)
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *AuditEvent) error {
	path := f.Path(evt)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	f.log.Debug("backed up audit event", "path", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	mu     sync.Mutex
	heads  *HeadStore
	backup *FileBackup
	log    *slog.Logger
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	heads, err := OpenHeadStore(backupDir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		heads:  heads,
		backup: backup,
		log:    slog.With("component", "audit"),
	}, nil
}

// Emit links evt into its chain and writes it to a local file. The chain
// only advances once the file is written.
func (e *FileOnlyEmitter) Emit(evt *AuditEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.heads.link(evt)
	if err := e.backup.Save(evt); err != nil {
		return err
	}
	e.log.Info("recorded audit event",
		"dataset", evt.Conversion.Dataset,
		"sequence", evt.Chain.Sequence,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.heads.Advance(evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
