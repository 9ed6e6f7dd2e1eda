package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/klauern/crosssync/internal/adapter"
	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter records deliveries. failures counts the deliveries still to
// fail; a negative value fails every delivery.
type fakeAdapter struct {
	id   string
	kind model.PlatformKind

	mu         sync.Mutex
	failures   int
	healthy    bool
	deliveries []model.Delivery
	observers  []adapter.Observer
}

func (f *fakeAdapter) PlatformID() string              { return f.id }
func (f *fakeAdapter) Kind() model.PlatformKind        { return f.kind }
func (f *fakeAdapter) Connect(context.Context) bool    { return true }
func (f *fakeAdapter) Disconnect(context.Context) bool { return true }

func (f *fakeAdapter) SyncData(_ context.Context, _ model.Category, d model.Delivery) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return false
	}
	return true
}

func (f *fakeAdapter) GetData(context.Context, model.Category, string) (map[string]any, bool) {
	return nil, false
}

func (f *fakeAdapter) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeAdapter) Status() adapter.Status {
	return adapter.Status{PlatformID: f.id, Kind: f.kind, Connected: true}
}

func (f *fakeAdapter) AddObserver(o adapter.Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

func (f *fakeAdapter) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func (f *fakeAdapter) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *fakeAdapter) received() []model.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Delivery(nil), f.deliveries...)
}

// push reports an edit made on the platform, the way real adapters do.
func (f *fakeAdapter) push(ctx context.Context, recordID string, category model.Category, content map[string]any) {
	f.mu.Lock()
	observers := append([]adapter.Observer(nil), f.observers...)
	f.mu.Unlock()
	e := eventbus.New(eventbus.TypeDataReceived, f.id, map[string]any{
		"platform_id": f.id,
		"kind":        string(f.kind),
		"record_id":   recordID,
		"category":    string(category),
		"content":     content,
	})
	for _, o := range observers {
		o(ctx, e)
	}
}

// testRules is a fixed RuleSource.
type testRules struct {
	strategy  model.Strategy
	plaintext bool
	priority  []model.PlatformKind
	deny      map[model.PlatformKind]bool
}

func (r testRules) StrategyFor(model.Category) model.Strategy {
	if r.strategy == "" {
		return model.StrategyLatestWins
	}
	return r.strategy
}
func (r testRules) AllowsTarget(_ model.Category, k model.PlatformKind) bool { return !r.deny[k] }
func (r testRules) PlaintextAllowed(model.Category) bool                     { return r.plaintext }
func (r testRules) SourcePriority(model.Category) []model.PlatformKind       { return r.priority }

type harness struct {
	eng    *Engine
	bus    *eventbus.Bus
	mgr    *adapter.Manager
	clk    *clock
	sealer *security.Sealer
	cfg    Config

	mu    sync.Mutex
	fakes map[string]*fakeAdapter
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	key, err := security.GenerateKey(security.KeySize)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sealer, err := security.NewSealer(key, security.LabelRecords)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	h := &harness{
		clk:    &clock{now: epoch},
		bus:    eventbus.NewBus(eventbus.Options{}),
		mgr:    adapter.NewManager(),
		sealer: sealer,
		fakes:  make(map[string]*fakeAdapter),
	}
	for _, k := range model.AllKinds() {
		h.mgr.RegisterFactory(k, h.build)
		h.mgr.RegisterConfig(k, adapter.Config{Kind: k})
	}
	h.bus.Start(ctx)

	cfg.Clock = h.clk.Now
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 4 * time.Millisecond
	}
	h.cfg = cfg.withDefaults()

	eng, err := New(sealer, cfg, append([]Option{WithBus(h.bus), WithAdapters(h.mgr)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.eng = eng
	t.Cleanup(func() {
		eng.Close(ctx)
		h.bus.Stop()
	})
	return h
}

func (h *harness) build(cfg adapter.Config, id string) adapter.Adapter {
	f := &fakeAdapter{id: id, kind: cfg.Kind, healthy: true}
	h.mu.Lock()
	h.fakes[id] = f
	h.mu.Unlock()
	return f
}

func (h *harness) fake(t *testing.T, id string) *fakeAdapter {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.fakes[id]
	if !ok {
		t.Fatalf("no adapter built for %s", id)
	}
	return f
}

func (h *harness) register(id string, kind model.PlatformKind, caps ...string) string {
	return h.eng.RegisterPlatform(context.Background(), kind, "1.0", caps, WithPlatformID(id))
}

func (h *harness) events(t eventbus.Type) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range h.bus.RecentEvents(0, t) {
		if e.Source == Source {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) record(t *testing.T, id string) model.Record {
	t.Helper()
	rec, err := h.eng.records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	return rec
}

func (h *harness) payload(t *testing.T, id string) map[string]any {
	t.Helper()
	payload, err := h.sealer.OpenPayload(h.record(t, id).Content)
	if err != nil {
		t.Fatalf("OpenPayload(%s) error = %v", id, err)
	}
	return payload
}
