// Package store persists sync records. Records are stored exactly as the
// engine hands them over: content stays inside its encrypted envelope.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/klauern/crosssync/internal/model"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("store: record not found")

// RecordStore is implemented by every record backend.
type RecordStore interface {
	Get(ctx context.Context, id string) (model.Record, error)
	Put(ctx context.Context, rec model.Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Record, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open returns a SQLite store for path, or a MemoryStore when path is empty.
func Open(path string) (RecordStore, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return OpenSQLite(path)
}

// MemoryStore keeps records in a map. It is the default store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.Record)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// List returns every record sorted by id.
func (s *MemoryStore) List(_ context.Context) ([]model.Record, error) {
	s.mu.RLock()
	out := make([]model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Close() error { return nil }

// ByCategory filters records to one category. An empty category keeps all.
func ByCategory(records []model.Record, c model.Category) []model.Record {
	if c == "" {
		return records
	}
	var out []model.Record
	for _, rec := range records {
		if rec.Category == c {
			out = append(out, rec)
		}
	}
	return out
}
