package e2e_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/e2e"
	"github.com/klauern/crosssync/internal/model"
)

func TestVersionCommand(t *testing.T) {
	h := e2e.NewHarness(t)

	result := h.Run("version")

	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "crosssync version")
}

// TestConfigLifecycle walks through path, init, show and a forced re-init.
func TestConfigLifecycle(t *testing.T) {
	h := e2e.NewHarness(t)
	configFile := h.Path("config.yaml")

	result := h.Run("config", "path")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "(not created)")

	result = h.Run("config", "init")
	e2e.AssertSuccess(t, result)
	e2e.AssertFileExists(t, configFile)
	e2e.AssertFileContains(t, configFile, "sync:")

	result = h.Run("config", "path")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputNotContains(t, result, "(not created)")

	result = h.Run("config", "init")
	e2e.AssertErrorContains(t, result, "already exists")

	if err := os.WriteFile(configFile, []byte("sync:\n  default_strategy: manual\n"), 0o600); err != nil {
		t.Fatalf("failed to edit config: %v", err)
	}
	result = h.Run("config", "show")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "default_strategy: manual")

	result = h.Run("config", "init", "--force")
	e2e.AssertSuccess(t, result)
	e2e.AssertFileContains(t, configFile, "default_strategy: latest-wins")
}

func TestConfigShowAppliesEnvironment(t *testing.T) {
	h := e2e.NewHarness(t)
	h.SetEnv("CROSSSYNC_SYNC_STRATEGY", "source-priority")

	result := h.Run("config", "show")

	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "default_strategy: source-priority")
	e2e.AssertOutputContains(t, result, h.HomeDir())
}

// TestRecordLifecycle seeds records, verifies and exports them, then
// corrupts one and checks that verify reports it.
func TestRecordLifecycle(t *testing.T) {
	h := e2e.NewHarness(t)
	h.UseDatabase()

	result := h.Run("verify")
	e2e.AssertErrorContains(t, result, "keygen")

	result = h.Run("keygen")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "Wrote key to")
	e2e.AssertFileExists(t, h.Config().KeyFile())

	h.SeedRecords(model.CategoryNote, map[string]map[string]any{
		"n1": {"title": "groceries", "body": "oat milk"},
		"n2": {"title": "trip", "body": "book the ferry"},
		"n3": {"title": "reading", "body": "finish chapter four"},
	})

	result = h.Run("verify")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "3 records verified")

	result = h.Run("status")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "Records:   3")
	e2e.AssertOutputContains(t, result, "note")

	var report struct {
		Records    int            `json:"records"`
		ByCategory map[string]int `json:"byCategory"`
	}
	result = h.Run("status", "--json")
	e2e.AssertSuccess(t, result)
	e2e.DecodeJSON(t, result, &report)
	if report.Records != 3 || report.ByCategory["note"] != 3 {
		t.Errorf("status report = %+v, want 3 note records", report)
	}

	var exported []map[string]any
	result = h.Run("export", "--compact")
	e2e.AssertSuccess(t, result)
	e2e.DecodeJSON(t, result, &exported)
	if len(exported) != 3 {
		t.Fatalf("exported %d records, want 3", len(exported))
	}
	e2e.AssertOutputContains(t, result, "book the ferry")

	h.CorruptChecksum("n2")

	result = h.Run("verify")
	e2e.AssertErrorContains(t, result, "1 of 3 records failed verification")
	e2e.AssertOutputContains(t, result, "n2")
}

func TestExportFormats(t *testing.T) {
	h := e2e.NewHarness(t)
	h.UseDatabase()
	h.SeedRecords(model.CategoryPreferences, map[string]map[string]any{
		"p1": {"theme": "dark"},
	})

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name: "yaml",
			args: []string{"export", "--format", "yaml"},
			want: []string{"id: p1", "category: preferences", "theme: dark"},
		},
		{
			name:    "json without metadata",
			args:    []string{"export", "--no-metadata"},
			want:    []string{`"theme": "dark"`},
			notWant: []string{"checksum"},
		},
		{
			name:    "category filter",
			args:    []string{"export", "--category", "memory"},
			notWant: []string{"p1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.Run(tt.args...)
			e2e.AssertSuccess(t, result)
			for _, s := range tt.want {
				e2e.AssertOutputContains(t, result, s)
			}
			for _, s := range tt.notWant {
				e2e.AssertOutputNotContains(t, result, s)
			}
		})
	}

	t.Run("markdown to file", func(t *testing.T) {
		out := h.TempFixture().Path("prefs.md")
		result := h.Run("export", "-f", "md", "-o", out)
		e2e.AssertSuccess(t, result)
		e2e.AssertFileContains(t, out, "### p1")
		e2e.AssertFileContains(t, out, "dark")
	})

	t.Run("unknown format", func(t *testing.T) {
		result := h.Run("export", "--format", "csv")
		e2e.AssertErrorContains(t, result, "unsupported format")
	})
}

func TestRulesValidateFormats(t *testing.T) {
	h := e2e.NewHarness(t)
	f := h.TempFixture()

	tests := []struct {
		name    string
		file    string
		content string
		want    string
		wantErr bool
	}{
		{
			name: "yaml",
			file: "rules.yaml",
			content: `version: 1
rules:
  - id: memory-to-vault
    category: memory
    target_kinds: [vault-filesystem]
    frequency: real_time
`,
			want: "1 rule(s), 0 credential(s)",
		},
		{
			name: "toml",
			file: "rules.toml",
			content: `version = 1

[[rules]]
id = "prefs"
category = "preferences"
strategy = "source-priority"

[[rules]]
id = "notes"
category = "note"
enabled = false
`,
			want: "2 rule(s)",
		},
		{
			name:    "json",
			file:    "rules.json",
			content: `{"version": 1, "rules": [{"id": "ctx", "category": "context", "security_level": "confidential"}]}`,
			want:    "1 rule(s)",
		},
		{
			name:    "unknown category",
			file:    "bad.yaml",
			content: "version: 1\nrules:\n  - id: x\n    category: rumours\n",
			wantErr: true,
		},
		{
			name:    "not a document",
			file:    "garbage.json",
			content: "{",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := f.WriteFile(tt.file, tt.content)
			result := h.Run("rules", "validate", path)
			if tt.wantErr {
				e2e.AssertError(t, result)
				return
			}
			e2e.AssertSuccess(t, result)
			e2e.AssertOutputContains(t, result, tt.want)
		})
	}
}

// TestServeRegistersPlatforms runs the service with two configured
// platforms, stops it, and checks what the offline commands see afterwards.
func TestServeRegistersPlatforms(t *testing.T) {
	h := e2e.NewHarness(t)
	h.UseDatabase()
	h.SetEnv("CROSSSYNC_SYNC_INTERVAL", "50ms")

	configFile := h.HomeFixture().WriteFile("serve.yaml", `platforms:
  - id: desktop
    kind: generic
    version: "1.0"
    capabilities: [access_memory, access_preferences]
  - id: notes
    kind: vault-filesystem
    capabilities: [access_memory]
`)
	registry := h.Config().RegistryPath()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan bool, 1)
	go func() {
		ready <- e2e.WaitForPlatforms(registry, 2, 10*time.Second)
		cancel()
	}()

	result := h.RunContext(ctx, "--config", configFile, "serve")
	e2e.AssertSuccess(t, result)
	if !<-ready {
		t.Fatal("platforms never reached the registry")
	}
	e2e.AssertOutputContains(t, result, "Sync service running")

	e2e.AssertFileExists(t, registry)
	e2e.AssertFileExists(t, h.Config().RulesPath())

	result = h.Run("platforms")
	e2e.AssertSuccess(t, result)
	for _, want := range []string{"desktop", "notes", "generic", "vault-filesystem", "access_preferences"} {
		e2e.AssertOutputContains(t, result, want)
	}

	var report struct {
		Platforms []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"platforms"`
		Records int `json:"records"`
	}
	result = h.Run("status", "--json")
	e2e.AssertSuccess(t, result)
	e2e.DecodeJSON(t, result, &report)
	if len(report.Platforms) != 2 {
		t.Fatalf("status lists %d platforms, want 2", len(report.Platforms))
	}
	if report.Records != 0 {
		t.Errorf("records = %d, want 0", report.Records)
	}

	// serve wrote the default rule document, so list no longer falls back.
	result = h.Run("rules", "list")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputNotContains(t, result, "showing defaults")
	e2e.AssertOutputContains(t, result, "default-memory")

	result = h.Run("rules", "validate")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "3 rule(s)")

	result = h.Run("verify")
	e2e.AssertSuccess(t, result)
	e2e.AssertOutputContains(t, result, "0 records verified")
}

func TestServeRejectsUnknownPlatformKind(t *testing.T) {
	h := e2e.NewHarness(t)
	configFile := h.HomeFixture().WriteFile("serve.yaml", "platforms:\n  - kind: fax-machine\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := h.RunContext(ctx, "--config", configFile, "serve")

	e2e.AssertErrorContains(t, result, "platforms[0]")
}
