package adapter

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/model"
)

func TestFileStore_WriteReadDelete(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)

	rec := &model.Record{
		ID:        "r-1",
		Category:  model.CategoryPreferences,
		Version:   3,
		Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Checksum:  "abc",
	}
	d := model.Delivery{
		OperationID:   "op-1",
		RecordID:      "r-1",
		OperationKind: model.OpUpdate,
		Category:      model.CategoryPreferences,
		Data:          rec,
	}

	path, err := s.Write(model.KindGeneric, d)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	want := filepath.Join(root, "generic", "preferences", "r-1.json")
	if path != want {
		t.Errorf("Write() path = %q, want %q", path, want)
	}

	doc, err := s.Read(model.KindGeneric, model.CategoryPreferences, "r-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	data, _ := doc["data"].(map[string]any)
	if data["timestamp"] != "2026-02-03T04:05:06Z" || data["version"] != float64(3) {
		t.Errorf("stored record = %v", data)
	}

	if err := s.Delete(model.KindGeneric, model.CategoryPreferences, "r-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Read(model.KindGeneric, model.CategoryPreferences, "r-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(model.KindGeneric, model.CategoryPreferences, "r-1"); err != nil {
		t.Errorf("Delete() of missing record error = %v", err)
	}
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	s := NewFileStore(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		d := model.Delivery{RecordID: id, Category: model.CategoryNote}
		if _, err := s.Write(model.KindGeneric, d); err == nil {
			t.Errorf("Write() accepted record id %q", id)
		}
	}
}

func TestFileStore_Writable(t *testing.T) {
	if !NewFileStore(filepath.Join(t.TempDir(), "nested")).Writable() {
		t.Error("fresh temp root should be writable")
	}
}
