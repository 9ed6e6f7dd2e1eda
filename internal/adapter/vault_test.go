package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/util"
)

func connectVault(t *testing.T) (*VaultAdapter, *recorder, string) {
	t.Helper()
	vault := t.TempDir()
	rec := &recorder{}
	a := NewVaultAdapter(Config{Root: vault}, "vault-1")
	a.AddObserver(rec.observe)

	ctx := context.Background()
	if !a.Connect(ctx) {
		t.Fatal("Connect() = false")
	}
	t.Cleanup(func() { a.Disconnect(ctx) })
	return a, rec, filepath.Join(vault, VaultDir, "vault-filesystem")
}

func TestVaultAdapter_ConnectWithoutPlugin(t *testing.T) {
	a, rec, _ := connectVault(t)

	st := a.Status()
	if !st.Connected || !st.Degraded {
		t.Errorf("Status() = %+v, want connected and degraded", st)
	}
	degraded := rec.ofType(eventbus.TypePlatformDegraded)
	if len(degraded) != 1 || degraded[0].PayloadString("reason") != "no endpoint configured" {
		t.Errorf("platform_degraded events = %v", degraded)
	}
	if !a.HealthCheck(context.Background()) {
		t.Error("HealthCheck() should pass while the vault is writable")
	}
}

func TestVaultAdapter_RendersMarkdown(t *testing.T) {
	a, _, dir := connectVault(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		category model.Category
		content  map[string]any
		wantMD   []string
	}{
		{
			name:     "memory",
			category: model.CategoryLongTermMemory,
			content: map[string]any{
				"title":   "Trip",
				"content": "Pack light",
				"tags":    []any{"travel", "todo"},
			},
			wantMD: []string{"# Trip", "**Tags:** travel, todo", "**ID:** m-1", "Pack light"},
		},
		{
			name:     "conversation",
			category: model.CategoryConversation,
			content: map[string]any{
				"messages": []any{
					map[string]any{"role": "user", "content": "hello"},
					map[string]any{"role": "assistant", "content": "hi there"},
				},
			},
			wantMD: []string{"# Conversation", "## User", "## Assistant", "hi there"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDelivery("m-1")
			d.Content = tt.content
			if !a.SyncData(ctx, tt.category, d) {
				t.Fatal("SyncData() = false")
			}
			base := filepath.Join(dir, string(tt.category), "m-1")
			if _, err := os.Stat(base + ".json"); err != nil {
				t.Fatalf("record file missing: %v", err)
			}
			// #nosec G304 - test path
			md, err := os.ReadFile(base + ".md")
			if err != nil {
				t.Fatalf("markdown note missing: %v", err)
			}
			for _, want := range tt.wantMD {
				if !strings.Contains(string(md), want) {
					t.Errorf("markdown missing %q:\n%s", want, md)
				}
			}
		})
	}
}

func TestVaultAdapter_NoMarkdownWithoutContent(t *testing.T) {
	a, _, dir := connectVault(t)
	if !a.SyncData(context.Background(), model.CategoryLongTermMemory, testDelivery("m-2")) {
		t.Fatal("SyncData() = false")
	}
	if _, err := os.Stat(filepath.Join(dir, "memory", "m-2.md")); !os.IsNotExist(err) {
		t.Errorf("markdown written for encrypted-only delivery: %v", err)
	}
}

func TestVaultAdapter_DeleteRemovesNote(t *testing.T) {
	a, _, dir := connectVault(t)
	ctx := context.Background()

	d := testDelivery("m-3")
	d.Content = map[string]any{"title": "Gone soon"}
	if !a.SyncData(ctx, model.CategoryLongTermMemory, d) {
		t.Fatal("SyncData() = false")
	}
	d.OperationKind = model.OpDelete
	if !a.SyncData(ctx, model.CategoryLongTermMemory, d) {
		t.Fatal("delete SyncData() = false")
	}
	for _, ext := range []string{".json", ".md"} {
		if _, err := os.Stat(filepath.Join(dir, "memory", "m-3"+ext)); !os.IsNotExist(err) {
			t.Errorf("%s file still present", ext)
		}
	}
}

func TestVaultAdapter_ReportsExternalEdits(t *testing.T) {
	a, rec, dir := connectVault(t)

	own := testDelivery("mine")
	own.Content = map[string]any{"title": "written by sync"}
	if !a.SyncData(context.Background(), model.CategoryNote, own) {
		t.Fatal("SyncData() = false")
	}

	edited := filepath.Join(dir, "note", "theirs.json")
	util.WriteFile(t, edited, `{"content":{"title":"edited in the vault"}}`)

	util.Eventually(t, 2*time.Second, func() bool {
		return len(rec.ofType(eventbus.TypeDataReceived)) > 0
	}, "external edit was not reported")

	for _, e := range rec.ofType(eventbus.TypeDataReceived) {
		if e.PayloadString("record_id") != "theirs" {
			t.Errorf("unexpected data_received for %q", e.PayloadString("record_id"))
		}
		if e.PayloadString("category") != "note" {
			t.Errorf("category = %q, want note", e.PayloadString("category"))
		}
	}
}
