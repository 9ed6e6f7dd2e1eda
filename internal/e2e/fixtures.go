package e2e

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/config"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
	"github.com/klauern/crosssync/internal/store"
	"github.com/klauern/crosssync/internal/sync"
)

// Fixture provides helpers for creating files under a base directory.
type Fixture struct {
	t       *testing.T
	baseDir string
}

// NewFixture creates a new fixture helper rooted at the given directory.
func NewFixture(t *testing.T, baseDir string) *Fixture {
	t.Helper()
	return &Fixture{
		t:       t,
		baseDir: baseDir,
	}
}

// WriteFile writes content to a file relative to the fixture base directory,
// creating parent directories as needed.
func (f *Fixture) WriteFile(relPath, content string) string {
	f.t.Helper()
	fullPath := filepath.Join(f.baseDir, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		f.t.Fatalf("failed to create directory for %s: %v", fullPath, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o600); err != nil {
		f.t.Fatalf("failed to write file %s: %v", fullPath, err)
	}
	return fullPath
}

// Path returns the full path for a relative path.
func (f *Fixture) Path(relPath string) string {
	return filepath.Join(f.baseDir, relPath)
}

// Exists returns true if the file or directory exists.
func (f *Fixture) Exists(relPath string) bool {
	f.t.Helper()
	_, err := os.Stat(filepath.Join(f.baseDir, relPath))
	return err == nil
}

// ReadFile reads and returns the content of a file.
func (f *Fixture) ReadFile(relPath string) string {
	f.t.Helper()
	fullPath := filepath.Join(f.baseDir, relPath)

	// #nosec G304 - fullPath is built from the fixture base and a test-provided path
	data, err := os.ReadFile(fullPath)
	if err != nil {
		f.t.Fatalf("failed to read file %s: %v", fullPath, err)
	}
	return string(data)
}

// HomeFixture returns a fixture rooted at the harness home directory.
func (h *Harness) HomeFixture() *Fixture {
	h.t.Helper()
	return NewFixture(h.t, h.homeDir)
}

// TempFixture creates a fixture helper for a new temporary directory.
func (h *Harness) TempFixture() *Fixture {
	h.t.Helper()
	return NewFixture(h.t, h.t.TempDir())
}

// Config loads the configuration the CLI would see with the harness
// environment.
func (h *Harness) Config() *config.Config {
	h.t.Helper()
	cfg, err := config.Load()
	if err != nil {
		h.t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// UseDatabase points the record store at a SQLite file inside the home
// directory and returns its path.
func (h *Harness) UseDatabase() string {
	h.t.Helper()
	path := h.Path("records.db")
	h.SetEnv("CROSSSYNC_STORAGE_DATABASE", path)
	return path
}

// SeedRecords seals each payload with the master key (creating it if
// needed) and stores it under the given category. Records are written in
// id order with increasing timestamps.
func (h *Harness) SeedRecords(category model.Category, payloads map[string]map[string]any) {
	h.t.Helper()
	cfg := h.Config()
	if cfg.DatabasePath() == "" {
		h.t.Fatal("SeedRecords needs a database; call UseDatabase first")
	}

	key, err := security.LoadOrCreateKey(cfg.KeyFile())
	if err != nil {
		h.t.Fatalf("failed to load key: %v", err)
	}
	sealer, err := security.NewSealer(key, security.LabelRecords)
	if err != nil {
		h.t.Fatalf("failed to create sealer: %v", err)
	}

	db, err := store.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		h.t.Fatalf("failed to open record database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		env, sum, err := sealer.SealPayload(payloads[id])
		if err != nil {
			h.t.Fatalf("failed to seal %s: %v", id, err)
		}
		rec := model.Record{
			ID:             id,
			Category:       category,
			Content:        env,
			Version:        1,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			SourcePlatform: "e2e",
			Checksum:       sum,
		}
		if err := db.Put(context.Background(), rec); err != nil {
			h.t.Fatalf("failed to store %s: %v", id, err)
		}
	}
}

// CorruptChecksum replaces the stored checksum of a record.
func (h *Harness) CorruptChecksum(id string) {
	h.t.Helper()
	db, err := store.OpenSQLite(h.Config().DatabasePath())
	if err != nil {
		h.t.Fatalf("failed to open record database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	rec, err := db.Get(ctx, id)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", id, err)
	}
	rec.Checksum = "corrupted"
	if err := db.Put(ctx, rec); err != nil {
		h.t.Fatalf("failed to store %s: %v", id, err)
	}
}

// WaitForPlatforms polls the platform registry at path until it holds n
// platforms or the timeout expires. It reports whether the count was
// reached. It does not touch the test, so it may run in its own goroutine.
func WaitForPlatforms(path string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg, err := sync.LoadRegistry(path); err == nil && len(reg.Platforms) >= n {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
