package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

const sidecarSuffix = ".meta.json"

// FileStore keeps one JSON sidecar per entry under a single directory.
// Writes go to a temp file and are renamed into place.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the sidecar directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sidecar dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// sidecarName flattens the item key into a filesystem-safe file name,
// e.g. "hrrr_20250107_00z_F06.meta.json".
func sidecarName(key nwp.ItemKey) string {
	return strings.ReplaceAll(key.String(), "/", "_") + sidecarSuffix
}

// Save writes the record atomically.
func (s *FileStore) Save(m EntryMeta) error {
	key, err := m.Key()
	if err != nil {
		return fmt.Errorf("invalid entry meta: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry meta: %w", err)
	}
	final := filepath.Join(s.dir, sidecarName(key))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize sidecar: %w", err)
	}
	return nil
}

// Delete removes the sidecar. Deleting a missing record is a no-op.
func (s *FileStore) Delete(key nwp.ItemKey) error {
	err := os.Remove(filepath.Join(s.dir, sidecarName(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sidecar: %w", err)
	}
	return nil
}

// List scans the sidecar directory. Unreadable or malformed sidecars are
// logged and skipped rather than failing the whole startup re-index.
func (s *FileStore) List() ([]EntryMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sidecar dir: %w", err)
	}
	out := make([]EntryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarSuffix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skip unreadable sidecar", zap.String("path", path), zap.Error(err))
			continue
		}
		var m EntryMeta
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("skip malformed sidecar", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, err := m.Key(); err != nil {
			s.logger.Warn("skip sidecar with invalid key", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
