package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
)

// VaultDir is the directory inside a vault that holds synchronized records.
const VaultDir = ".crosssync"

// VaultAdapter stores records inside a notes vault. An optional plugin
// endpoint is used when reachable; otherwise records are written as files,
// with memory and conversation records also rendered as Markdown. Edits
// made to the JSON files by other tools are reported as inbound changes.
type VaultAdapter struct {
	base

	vaultPath string

	writtenMu sync.Mutex
	written   map[string]string // path -> checksum of content we wrote

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewVaultAdapter creates an adapter for a vault-filesystem platform.
// cfg.Root is the vault path.
func NewVaultAdapter(cfg Config, platformID string) *VaultAdapter {
	cfg.Kind = model.KindVaultFilesystem
	vaultPath := cfg.Root
	cfg.Root = filepath.Join(vaultPath, VaultDir)
	return &VaultAdapter{
		base:      newBase(cfg, platformID),
		vaultPath: vaultPath,
		written:   make(map[string]string),
	}
}

// Connect probes the plugin and starts watching the vault for edits.
func (a *VaultAdapter) Connect(ctx context.Context) bool {
	if !a.connectEndpoint(ctx, "health") {
		return false
	}
	if err := a.startWatcher(ctx); err != nil {
		logging.Warn("vault watcher unavailable",
			logging.Platform(a.platformID),
			logging.Path(a.vaultPath),
			logging.Err(err),
		)
	}
	return true
}

// Disconnect stops the watcher.
func (a *VaultAdapter) Disconnect(ctx context.Context) bool {
	if a.watcher != nil {
		close(a.done)
		a.wg.Wait()
		_ = a.watcher.Close()
		a.watcher = nil
	}
	return a.disconnect(ctx)
}

// SyncData posts to the plugin when reachable, else writes vault files.
func (a *VaultAdapter) SyncData(ctx context.Context, category model.Category, d model.Delivery) bool {
	d.Category = category
	return a.deliver(ctx, d, a.writeVaultFiles)
}

// GetData reads from the plugin when reachable, else from vault files.
func (a *VaultAdapter) GetData(ctx context.Context, category model.Category, recordID string) (map[string]any, bool) {
	return a.read(ctx, category, recordID)
}

// HealthCheck probes the plugin, or the vault directory when no plugin is configured.
func (a *VaultAdapter) HealthCheck(ctx context.Context) bool {
	return a.checkHealth(ctx, "health")
}

func (a *VaultAdapter) writeVaultFiles(d model.Delivery) error {
	path := a.store.Path(a.cfg.Kind, d.Category, d.RecordID)
	mdPath := strings.TrimSuffix(path, ".json") + ".md"

	if d.OperationKind == model.OpDelete {
		a.forget(path)
		if err := os.Remove(mdPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove markdown note: %w", err)
		}
		return a.store.Delete(a.cfg.Kind, d.Category, d.RecordID)
	}

	if d.Content != nil {
		if sum, err := security.Checksum(d.Content); err == nil {
			a.remember(path, sum)
		}
	}
	if _, err := a.store.Write(a.cfg.Kind, d); err != nil {
		return err
	}

	if d.Content == nil {
		return nil
	}
	var md string
	switch d.Category {
	case model.CategoryLongTermMemory:
		md = renderMemory(d)
	case model.CategoryConversation:
		md = renderConversation(d)
	default:
		return nil
	}
	// #nosec G306 - notes are meant to be opened by the vault application
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		return fmt.Errorf("failed to write markdown note: %w", err)
	}
	return nil
}

func (a *VaultAdapter) remember(path, sum string) {
	a.writtenMu.Lock()
	a.written[path] = sum
	a.writtenMu.Unlock()
}

func (a *VaultAdapter) forget(path string) {
	a.writtenMu.Lock()
	delete(a.written, path)
	a.writtenMu.Unlock()
}

// changed records sum for path and reports whether it differs from the last known one.
func (a *VaultAdapter) changed(path, sum string) bool {
	a.writtenMu.Lock()
	defer a.writtenMu.Unlock()
	if a.written[path] == sum {
		return false
	}
	a.written[path] = sum
	return true
}

func (a *VaultAdapter) startWatcher(ctx context.Context) error {
	if a.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, c := range model.AllCategories() {
		dir := a.store.Dir(a.cfg.Kind, c)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return err
		}
	}
	a.watcher = w
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.watch(context.WithoutCancel(ctx))
	return nil
}

func (a *VaultAdapter) watch(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Ext(ev.Name) != ".json" {
				continue
			}
			a.fileChanged(ctx, ev.Name)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			logging.Debug("vault watcher error", logging.Platform(a.platformID), logging.Err(err))
		}
	}
}

// fileChanged reports an edited record file as an inbound change when its
// content differs from what the adapter last wrote.
func (a *VaultAdapter) fileChanged(ctx context.Context, path string) {
	// #nosec G304 - path comes from the watched vault directory
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var doc struct {
		Content map[string]any `json:"content"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Content == nil {
		return
	}
	sum, err := security.Checksum(doc.Content)
	if err != nil || !a.changed(path, sum) {
		return
	}

	category := filepath.Base(filepath.Dir(path))
	recordID := strings.TrimSuffix(filepath.Base(path), ".json")
	logging.Debug("vault edit detected",
		logging.Platform(a.platformID),
		logging.Record(recordID),
		logging.Path(path),
	)
	a.emit(ctx, eventbus.TypeDataReceived, map[string]any{
		"record_id": recordID,
		"category":  category,
		"content":   doc.Content,
	})
}

func field(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	return fallback
}

func renderMemory(d model.Delivery) string {
	var tags []string
	if raw, ok := d.Content["tags"].([]any); ok {
		for _, t := range raw {
			tags = append(tags, fmt.Sprint(t))
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", field(d.Content, "title", "Untitled Memory"))
	fmt.Fprintf(&sb, "**Created:** %s\n", field(d.Content, "timestamp", timestampOf(d)))
	fmt.Fprintf(&sb, "**Tags:** %s\n", strings.Join(tags, ", "))
	fmt.Fprintf(&sb, "**ID:** %s\n\n---\n\n", d.RecordID)
	sb.WriteString(field(d.Content, "content", ""))
	sb.WriteString("\n")
	return sb.String()
}

func renderConversation(d model.Delivery) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", field(d.Content, "title", "Conversation"))
	fmt.Fprintf(&sb, "**Date:** %s\n", field(d.Content, "timestamp", timestampOf(d)))
	fmt.Fprintf(&sb, "**ID:** %s\n\n---\n\n", d.RecordID)

	messages, _ := d.Content["messages"].([]any)
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", cases.Title(language.Und).String(field(msg, "role", "unknown")))
		fmt.Fprintf(&sb, "*%s*\n\n", field(msg, "timestamp", ""))
		fmt.Fprintf(&sb, "%s\n\n---\n\n", field(msg, "content", ""))
	}
	return sb.String()
}

func timestampOf(d model.Delivery) string {
	if d.Data != nil && !d.Data.Timestamp.IsZero() {
		return d.Data.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	}
	return ""
}
