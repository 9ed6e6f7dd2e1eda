package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
)

func TestFormat_IsValid(t *testing.T) {
	tests := []struct {
		format Format
		valid  bool
	}{
		{FormatJSON, true},
		{FormatYAML, true},
		{FormatMarkdown, true},
		{Format("invalid"), false},
		{Format(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if got := tt.format.IsValid(); got != tt.valid {
				t.Errorf("Format(%q).IsValid() = %v, want %v", tt.format, got, tt.valid)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json", "json", FormatJSON, false},
		{"JSON uppercase", "JSON", FormatJSON, false},
		{"yaml", "yaml", FormatYAML, false},
		{"markdown", "markdown", FormatMarkdown, false},
		{"md shorthand", "md", FormatMarkdown, false},
		{"with spaces", "  json  ", FormatJSON, false},
		{"invalid", "xml", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func testSealer(t *testing.T) *security.Sealer {
	t.Helper()
	key, err := security.GenerateKey(security.KeySize)
	if err != nil {
		t.Fatal(err)
	}
	s, err := security.NewSealer(key, security.LabelRecords)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testRecords(t *testing.T, s *security.Sealer) []model.Record {
	t.Helper()
	seal := func(id string, c model.Category, payload map[string]any) model.Record {
		env, sum, err := s.SealPayload(payload)
		if err != nil {
			t.Fatal(err)
		}
		return model.Record{
			ID:             id,
			Category:       c,
			Content:        env,
			Version:        2,
			Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			SourcePlatform: "browser",
			Checksum:       sum,
		}
	}
	return []model.Record{
		seal("pref-1", model.CategoryPreferences, map[string]any{"theme": "dark"}),
		seal("mem-2", model.CategoryLongTermMemory, map[string]any{"fact": "likes tea"}),
		seal("mem-1", model.CategoryLongTermMemory, map[string]any{"fact": "lives in Lisbon"}),
	}
}

func TestExport_JSON(t *testing.T) {
	s := testSealer(t)
	var buf bytes.Buffer
	if err := New(s, DefaultOptions()).Export(testRecords(t, s), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var got []exportRecord
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("exported %d records, want 3", len(got))
	}
	if got[0].ID != "mem-1" || got[1].ID != "mem-2" || got[2].ID != "pref-1" {
		t.Errorf("order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Content["fact"] != "lives in Lisbon" {
		t.Errorf("content not decrypted: %v", got[0].Content)
	}
	if got[0].Version != 2 || got[0].Source != "browser" || got[0].UpdatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("metadata = %+v", got[0])
	}
}

func TestExport_YAMLWithoutMetadata(t *testing.T) {
	s := testSealer(t)
	opts := DefaultOptions()
	opts.Format = FormatYAML
	opts.IncludeMetadata = false

	var buf bytes.Buffer
	if err := New(s, opts).Export(testRecords(t, s), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var got []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("exported %d records, want 3", len(got))
	}
	for _, rec := range got {
		if _, ok := rec["checksum"]; ok {
			t.Errorf("metadata exported without IncludeMetadata: %v", rec)
		}
	}
}

func TestExport_CategoryFilterAndProgress(t *testing.T) {
	s := testSealer(t)
	ticks := 0
	opts := DefaultOptions()
	opts.Category = model.CategoryPreferences
	opts.OnRecord = func() { ticks++ }

	var buf bytes.Buffer
	if err := New(s, opts).Export(testRecords(t, s), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	var got []exportRecord
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "pref-1" {
		t.Errorf("filtered export = %+v", got)
	}
	if ticks != 1 {
		t.Errorf("OnRecord called %d times, want 1", ticks)
	}
}

func TestExport_Markdown(t *testing.T) {
	s := testSealer(t)
	opts := DefaultOptions()
	opts.Format = FormatMarkdown

	var buf bytes.Buffer
	if err := New(s, opts).Export(testRecords(t, s), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Exported Records",
		"Total: 3 record(s)",
		"## memory (",
		"### mem-1",
		"| Source | browser |",
		"```json",
		`"theme": "dark"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "### mem-1") > strings.Index(out, "### pref-1") {
		t.Error("records not grouped by category")
	}
}

func TestExport_UndecryptableRecord(t *testing.T) {
	s := testSealer(t)
	recs := testRecords(t, s)

	other := testSealer(t)
	var buf bytes.Buffer
	if err := New(other, DefaultOptions()).Export(recs[:1], &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	var got []exportRecord
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != nil || got[0].Error == "" {
		t.Errorf("undecryptable export = %+v", got)
	}
}

func TestExport_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := New(testSealer(t), DefaultOptions()).Export(nil, &buf); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export = %q, want []", buf.String())
	}
}

func TestExport_UnsupportedFormat(t *testing.T) {
	opts := DefaultOptions()
	opts.Format = "xml"
	if err := New(testSealer(t), opts).Export(nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unsupported format")
	}
}
