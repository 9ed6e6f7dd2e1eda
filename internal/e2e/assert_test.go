package e2e

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAssertHelpers(t *testing.T) {
	r := &Result{Stdout: `{"records": 2}`}

	AssertSuccess(t, r)
	AssertOutputContains(t, r, "records")
	AssertOutputNotContains(t, r, "platforms")

	var got map[string]int
	DecodeJSON(t, r, &got)
	if got["records"] != 2 {
		t.Errorf("records = %d, want 2", got["records"])
	}

	failed := &Result{Err: errors.New("2 of 3 records failed verification"), ExitCode: 1}
	AssertError(t, failed)
	AssertErrorContains(t, failed, "2 of 3")
}

func TestFixture(t *testing.T) {
	f := NewFixture(t, t.TempDir())

	path := f.WriteFile(filepath.Join("nested", "rules.yaml"), "version: 1\n")

	AssertFileExists(t, path)
	AssertFileContains(t, path, "version: 1")
	AssertFileNotExists(t, f.Path("missing.yaml"))
	if !f.Exists(filepath.Join("nested", "rules.yaml")) {
		t.Error("Exists() = false for a written file")
	}
	if got := f.ReadFile(filepath.Join("nested", "rules.yaml")); got != "version: 1\n" {
		t.Errorf("ReadFile() = %q", got)
	}
}
