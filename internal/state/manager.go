package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
)

// Manager persists the application state snapshot. Writes are atomic:
// a temp file in the same directory is flushed, fsynced, and renamed
// over the target, so a crash mid-write never corrupts the last good
// snapshot.
type Manager struct {
	path string
}

// NewManager persists snapshots at the given path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the snapshot location.
func (m *Manager) Path() string { return m.path }

// Save writes the state atomically.
func (m *Manager) Save(st model.AppState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return yerrors.Wrap(err, "marshal state")
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return yerrors.Wrap(err, "create state dir")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return yerrors.Wrap(err, "create temp state file")
	}
	tmpPath := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return yerrors.Wrap(err, "close temp state file")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return yerrors.Wrap(err, "replace state file")
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return yerrors.Wrap(err, "write state")
	}
	if err := f.Sync(); err != nil {
		// Some filesystems refuse fsync; the rename below still gives
		// whole-file atomicity.
		logs.Warnf("state fsync failed: %v", err)
	}
	return nil
}

// Load reads the last snapshot. A missing or corrupt file yields
// (nil, nil); real I/O failures propagate.
func (m *Manager) Load() (*model.AppState, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, yerrors.Wrap(err, "read state file")
	}

	var st model.AppState
	if err := json.Unmarshal(data, &st); err != nil {
		logs.Warnf("state file %s is corrupt, starting fresh: %v", m.path, err)
		return nil, nil
	}
	return &st, nil
}

// Remove deletes the snapshot. Missing files are fine.
func (m *Manager) Remove() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return yerrors.Wrap(err, "remove state file")
	}
	return nil
}
