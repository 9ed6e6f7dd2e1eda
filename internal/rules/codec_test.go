package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/klauern/crosssync/internal/model"
)

const yamlDoc = `version: 1
rules:
  - id: notes
    category: note
    target_kinds: [vault-filesystem]
    frequency: daily
    security_level: public
    strategy: manual
    enabled: false
`

const tomlDoc = `version = 1

[[rules]]
id = "notes"
category = "note"
target_kinds = ["vault-filesystem"]
frequency = "daily"
security_level = "public"
strategy = "manual"
enabled = false
`

const jsonDoc = `{"version": 1, "rules": [{"id": "notes", "category": "note",
  "target_kinds": ["vault-filesystem"], "frequency": "daily",
  "security_level": "public", "strategy": "manual", "enabled": false}]}`

func TestDecode_Formats(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"yaml", yamlDoc, FormatYAML},
		{"toml", tomlDoc, FormatTOML},
		{"json", jsonDoc, FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Decode([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(doc.Rules) != 1 {
				t.Fatalf("rules = %d, want 1", len(doc.Rules))
			}
			r := doc.Rules[0]
			if r.Category != model.CategoryNote || r.Strategy != model.StrategyManual {
				t.Errorf("rule = %+v", r)
			}
			if r.IsEnabled() {
				t.Error("enabled: false was not honored")
			}
			if !r.Targets(model.KindVaultFilesystem) || r.Targets(model.KindGeneric) {
				t.Errorf("target kinds = %v", r.TargetKinds)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown category", "rules:\n  - category: dreams\n", `unknown category "dreams"`},
		{"unknown strategy", "rules:\n  - category: note\n    strategy: merge\n", `unknown strategy "merge"`},
		{"unknown field", "rules:\n  - category: note\n    colour: blue\n", ""},
		{"unknown kind", "rules:\n  - category: note\n    source_kinds: [desktop]\n", `unknown platform kind "desktop"`},
		{"duplicate id", "rules:\n  - {id: a, category: note}\n  - {id: a, category: memory}\n", `duplicate rule id "a"`},
		{"credential without value", "rules: []\ncredentials:\n  - platform_id: p1\n", ""},
		{"bad timestamp", "rules:\n  - category: note\n    created_at: yesterday\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), FormatYAML)
			if !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("Decode() error = %v, want ErrInvalidDocument", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Decode() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	doc, err := Decode(nil, FormatYAML)
	if err != nil {
		t.Fatalf("Decode(empty) error = %v", err)
	}
	if len(doc.Rules) != 0 {
		t.Errorf("rules = %v", doc.Rules)
	}
}

func TestEncode_ReadableByDecode(t *testing.T) {
	doc := &Document{Version: DocumentVersion, Rules: DefaultRules(fixedNow)}
	for _, f := range []Format{FormatYAML, FormatTOML, FormatJSON} {
		t.Run(string(f), func(t *testing.T) {
			data, err := Encode(doc, f)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			back, err := Decode(data, f)
			if err != nil {
				t.Fatalf("Decode(Encode()) error = %v\n%s", err, data)
			}
			if len(back.Rules) != len(doc.Rules) {
				t.Errorf("rules = %d, want %d", len(back.Rules), len(doc.Rules))
			}
			if !back.Rules[0].CreatedAt.Equal(fixedNow) {
				t.Errorf("created_at = %v, want %v", back.Rules[0].CreatedAt, fixedNow)
			}
		})
	}
}

func TestFormatFor(t *testing.T) {
	tests := map[string]Format{
		"rules.yaml": FormatYAML,
		"rules.YML":  FormatYAML,
		"rules.toml": FormatTOML,
		"rules.json": FormatJSON,
		"rules":      FormatYAML,
	}
	for path, want := range tests {
		if got := FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDefaultRules_Valid(t *testing.T) {
	doc := &Document{Rules: DefaultRules(fixedNow)}
	if err := doc.Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
	var cats []string
	for _, r := range doc.Rules {
		cats = append(cats, string(r.Category))
	}
	if got := strings.Join(cats, ","); got != "identity,memory,preferences" {
		t.Errorf("default categories = %s", got)
	}
}
