package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
)

const registryVersion = 1

// RegistryFile is the default registry file name inside the data directory.
const RegistryFile = "platforms.json"

// Registry is the persisted platform registry document. Credentials are
// never written.
type Registry struct {
	Version   int                       `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Platforms map[string]model.Platform `json:"platforms"`
}

// LoadRegistry reads the registry at path. A missing file yields an empty
// registry. A corrupted file or one written by another format version is
// discarded with a warning.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{Version: registryVersion, Platforms: make(map[string]model.Platform)}

	// #nosec G304 - path is the configured data directory
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read platform registry: %w", err)
	}

	var loaded Registry
	if err := json.Unmarshal(data, &loaded); err != nil {
		logging.Warn("platform registry corrupted, starting fresh", logging.Path(path), logging.Err(err))
		return reg, nil
	}
	if loaded.Version != registryVersion {
		logging.Warn("platform registry version mismatch, starting fresh",
			logging.Path(path),
			"version", loaded.Version,
		)
		return reg, nil
	}
	if loaded.Platforms == nil {
		loaded.Platforms = make(map[string]model.Platform)
	}
	return &loaded, nil
}

// Save rewrites the registry at path.
func (r *Registry) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode platform registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write platform registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move platform registry into place: %w", err)
	}
	return nil
}

// Sorted returns the platforms ordered by id.
func (r *Registry) Sorted() []model.Platform {
	out := make([]model.Platform, 0, len(r.Platforms))
	for _, p := range r.Platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
