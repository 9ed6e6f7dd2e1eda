package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauern/crosssync/internal/model"
)

// ErrNotFound is returned when a record has no file in the store.
var ErrNotFound = errors.New("adapter: record not found")

// FileStore is the local persistent fallback used when a platform's live
// endpoint is unreachable. Layout: <root>/<kind>/<category>/<recordId>.json,
// each file holding the full delivery including the serialized record.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at root. Directories are created lazily.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Dir returns the directory holding records of one kind and category.
func (s *FileStore) Dir(kind model.PlatformKind, category model.Category) string {
	return filepath.Join(s.root, string(kind), string(category))
}

// Path returns the file path of a record.
func (s *FileStore) Path(kind model.PlatformKind, category model.Category, recordID string) string {
	return filepath.Join(s.Dir(kind, category), recordID+".json")
}

// Write persists a delivery and returns the file path.
func (s *FileStore) Write(kind model.PlatformKind, d model.Delivery) (string, error) {
	if err := validateID(d.RecordID); err != nil {
		return "", err
	}
	dir := s.Dir(kind, d.Category)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create fallback directory: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode delivery: %w", err)
	}

	path := s.Path(kind, d.Category, d.RecordID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to move record file into place: %w", err)
	}
	return path, nil
}

// Read returns the stored JSON document for a record.
func (s *FileStore) Read(kind model.PlatformKind, category model.Category, recordID string) (map[string]any, error) {
	if err := validateID(recordID); err != nil {
		return nil, err
	}
	path := s.Path(kind, category, recordID)
	// #nosec G304 - path is built from the store root and a validated id
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, recordID)
		}
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record file %s: %w", path, err)
	}
	return doc, nil
}

// Delete removes a record's file. Deleting a missing record is not an error.
func (s *FileStore) Delete(kind model.PlatformKind, category model.Category, recordID string) error {
	if err := validateID(recordID); err != nil {
		return err
	}
	err := os.Remove(s.Path(kind, category, recordID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// Writable reports whether the root exists (or can be created) and accepts files.
func (s *FileStore) Writable() bool {
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return false
	}
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid record id %q", id)
	}
	return nil
}
