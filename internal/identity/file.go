package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const defaultFileName = "current_job.json"

// File stores the identity as a small JSON document. Writes go through a
// temporary file and a rename so a crash never leaves a torn record.
type File struct {
	mu   sync.Mutex
	path string
}

type fileRecord struct {
	ClientUUID string `json:"client_uuid"`
}

// NewFile returns a File store at path. An empty path resolves to
// current_job.json under the user config directory.
func NewFile(path string) (*File, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(dir, "jobstream", defaultFileName)
	}
	return &File{path: path}, nil
}

// Path returns the backing file location.
func (f *File) Path() string {
	return f.path
}

// Load implements Store. A missing or unreadable record counts as empty so
// that a corrupt file never blocks a new submission.
func (f *File) Load(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read identity: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false, nil
	}
	return rec.ClientUUID, rec.ClientUUID != "", nil
}

// Save implements Store.
func (f *File) Save(_ context.Context, id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	data, err := json.Marshal(fileRecord{ClientUUID: id})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("create identity temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identity temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace identity: %w", err)
	}
	return nil
}

// Clear implements Store.
func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}
