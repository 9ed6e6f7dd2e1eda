package sync

import (
	"context"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/model"
)

func TestCollides(t *testing.T) {
	stored := model.Record{Checksum: "aaa", Timestamp: epoch, SourcePlatform: "A"}
	window := 5 * time.Second

	tests := []struct {
		name   string
		sum    string
		source string
		at     time.Time
		want   bool
	}{
		{"different content, recent, other source", "bbb", "B", epoch.Add(2 * time.Second), true},
		{"at window edge", "bbb", "B", epoch.Add(window), true},
		{"same content", "aaa", "B", epoch.Add(time.Second), false},
		{"outside window", "bbb", "B", epoch.Add(window + time.Millisecond), false},
		{"same source", "bbb", "A", epoch.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := collides(stored, tt.sum, tt.source, tt.at, window); got != tt.want {
				t.Errorf("collides() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutranks(t *testing.T) {
	priority := []model.PlatformKind{model.KindVaultFilesystem, model.KindHTTPExtension}
	tests := []struct {
		name     string
		priority []model.PlatformKind
		incoming model.PlatformKind
		stored   model.PlatformKind
		want     bool
	}{
		{"higher incoming", priority, model.KindVaultFilesystem, model.KindHTTPExtension, true},
		{"lower incoming", priority, model.KindHTTPExtension, model.KindVaultFilesystem, false},
		{"same kind", priority, model.KindHTTPExtension, model.KindHTTPExtension, true},
		{"unlisted incoming", priority, model.KindGeneric, model.KindHTTPExtension, false},
		{"unlisted stored", priority, model.KindHTTPExtension, model.KindGeneric, true},
		{"no priority", nil, model.KindGeneric, model.KindVaultFilesystem, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outranks(tt.priority, tt.incoming, tt.stored); got != tt.want {
				t.Errorf("outranks() = %v, want %v", got, tt.want)
			}
		})
	}
}

// conflictSetup creates a record from A and a same-source update, leaving
// the clock one second later, inside the conflict window.
func conflictSetup(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	h.register("A", model.KindHTTPExtension)
	h.register("B", model.KindVaultFilesystem)

	id, err := h.eng.SyncRecord(ctx, model.CategoryPreferences, map[string]any{"v": "orig"}, "A")
	if err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(time.Second)
	if !h.eng.UpdateRecord(ctx, id, map[string]any{"v": "from A"}, "A") {
		t.Fatal("first UpdateRecord() = false")
	}
	h.clk.Advance(time.Second)
	return id
}

func TestConflict_LatestWins(t *testing.T) {
	h := newHarness(t, Config{})
	id := conflictSetup(t, h)

	if h.eng.UpdateRecord(context.Background(), id, map[string]any{"v": "from B"}, "B") {
		t.Error("conflicting UpdateRecord() should report false")
	}
	h.eng.Wait()

	rec := h.record(t, id)
	if rec.Version != 3 || rec.SourcePlatform != "B" {
		t.Errorf("record = version %d from %s, want version 3 from B", rec.Version, rec.SourcePlatform)
	}
	if got := h.payload(t, id)["v"]; got != "from B" {
		t.Errorf("content = %v, want B's", got)
	}

	conflicts := h.eng.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.StoredPlatform != "A" || c.IncomingPlatform != "B" || !c.Resolved || c.Resolution != ResolutionIncoming {
		t.Errorf("conflict = %+v", c)
	}
	if c.StoredContent["v"] != "from A" || c.IncomingContent["v"] != "from B" {
		t.Errorf("conflict payloads = %v / %v", c.StoredContent, c.IncomingContent)
	}
	if got := h.events(eventbus.TypeSyncConflict); len(got) != 1 || got[0].Priority == eventbus.PriorityCritical {
		t.Errorf("sync_conflict events = %v", got)
	}
}

func TestConflict_Manual(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := conflictSetup(t, h)

	if h.eng.UpdateRecord(ctx, id, map[string]any{"v": "from B"}, "B", WithStrategy(model.StrategyManual)) {
		t.Error("conflicting UpdateRecord() should report false")
	}
	if rec := h.record(t, id); rec.Version != 2 || rec.SourcePlatform != "A" {
		t.Errorf("manual conflict changed the record: %+v", rec)
	}
	conflicts := h.eng.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Resolved {
		t.Fatalf("conflicts = %+v, want one unresolved", conflicts)
	}
	events := h.events(eventbus.TypeSyncConflict)
	if len(events) != 1 || events[0].Priority != eventbus.PriorityCritical {
		t.Errorf("unresolved conflict event = %v, want critical", events)
	}

	if !h.eng.ResolveConflict(ctx, conflicts[0].ID, true) {
		t.Fatal("ResolveConflict() = false")
	}
	h.eng.Wait()
	if rec := h.record(t, id); rec.Version != 3 || rec.SourcePlatform != "B" {
		t.Errorf("record after accepting incoming = %+v", rec)
	}
	if h.eng.ResolveConflict(ctx, conflicts[0].ID, true) {
		t.Error("resolving twice should fail")
	}
	if n := h.eng.CleanupConflicts(); n != 1 {
		t.Errorf("CleanupConflicts() = %d, want 1", n)
	}
}

func TestConflict_ManualKeepStored(t *testing.T) {
	h := newHarness(t, Config{}, WithRules(testRules{strategy: model.StrategyManual}))
	ctx := context.Background()
	id := conflictSetup(t, h)

	h.eng.UpdateRecord(ctx, id, map[string]any{"v": "from B"}, "B")
	c := h.eng.Conflicts()[0]
	if c.Strategy != model.StrategyManual {
		t.Errorf("strategy = %q, want the category's manual rule", c.Strategy)
	}
	if !h.eng.ResolveConflict(ctx, c.ID, false) {
		t.Fatal("ResolveConflict() = false")
	}
	if got := h.payload(t, id)["v"]; got != "from A" {
		t.Errorf("content = %v, want the stored side", got)
	}
	if got := h.eng.Conflicts()[0]; got.Resolution != ResolutionStored {
		t.Errorf("resolution = %q", got.Resolution)
	}
}

func TestConflict_SourcePriority(t *testing.T) {
	tests := []struct {
		name     string
		priority []model.PlatformKind
		wantV    string
		want     Resolution
	}{
		{"incoming ranks higher", []model.PlatformKind{model.KindVaultFilesystem, model.KindHTTPExtension}, "from B", ResolutionIncoming},
		{"stored ranks higher", []model.PlatformKind{model.KindHTTPExtension, model.KindVaultFilesystem}, "from A", ResolutionStored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, WithRules(testRules{
				strategy: model.StrategySourcePriority,
				priority: tt.priority,
			}))
			id := conflictSetup(t, h)

			if h.eng.UpdateRecord(context.Background(), id, map[string]any{"v": "from B"}, "B") {
				t.Error("conflicting UpdateRecord() should report false")
			}
			if got := h.payload(t, id)["v"]; got != tt.wantV {
				t.Errorf("content = %v, want %v", got, tt.wantV)
			}
			if c := h.eng.Conflicts()[0]; !c.Resolved || c.Resolution != tt.want {
				t.Errorf("conflict = %+v", c)
			}
		})
	}
}

func TestConflict_IdenticalContentIsNoConflict(t *testing.T) {
	h := newHarness(t, Config{})
	id := conflictSetup(t, h)

	if !h.eng.UpdateRecord(context.Background(), id, map[string]any{"v": "from A"}, "B") {
		t.Error("identical content from another platform should apply")
	}
	if len(h.eng.Conflicts()) != 0 {
		t.Error("identical content recorded a conflict")
	}
}
