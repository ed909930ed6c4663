// Package artifact owns the transient local files a conversion produces.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/columnar"
)

// Manager hands out collision-free output paths under one work directory and
// removes them once a run has finished.
type Manager struct {
	dir       string
	log       *slog.Logger
	now       func() time.Time
	onWarning func(path string, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithWarningHook registers fn to be called once per failed removal.
func WithWarningHook(fn func(path string, err error)) Option {
	return func(m *Manager) {
		m.onWarning = fn
	}
}

// NewManager creates the work directory if needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory %s: %w", dir, err)
	}
	m := &Manager{
		dir: dir,
		log: slog.With("component", "artifact"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the work directory.
func (m *Manager) Dir() string {
	return m.dir
}

// NewPath returns a fresh path "<dir>/output_<unixmillis>_<uuid>.parquet".
// Nothing is created on disk.
func (m *Manager) NewPath() string {
	name := "output_" + strconv.FormatInt(m.now().UnixMilli(), 10) + "_" + uuid.NewString() + columnar.Extension
	return filepath.Join(m.dir, name)
}

// SidecarPath returns the checksum sidecar path for path.
func (m *Manager) SidecarPath(path string) string {
	return columnar.SidecarPath(path)
}

// Cleanup removes path and its sidecar. A missing sidecar is not reported.
// Other failures are logged as warnings and returned joined; they never
// affect the outcome of the run.
func (m *Manager) Cleanup(path string) error {
	var errs []error
	if err := os.Remove(path); err != nil {
		errs = append(errs, m.warn(path, err))
	}
	sidecar := m.SidecarPath(path)
	if err := os.Remove(sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, m.warn(sidecar, err))
	}
	return errors.Join(errs...)
}

func (m *Manager) warn(path string, err error) error {
	m.log.Warn("failed to remove temporary file", "path", path, "error", err)
	if m.onWarning != nil {
		m.onWarning(path, err)
	}
	return err
}
