package adapter

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
)

// Factory builds an unconnected adapter for one platform.
type Factory func(cfg Config, platformID string) Adapter

// DefaultFactories maps every platform kind to its concrete adapter.
func DefaultFactories() map[model.PlatformKind]Factory {
	return map[model.PlatformKind]Factory{
		model.KindHTTPExtension: func(cfg Config, id string) Adapter {
			return NewExtensionAdapter(cfg, id)
		},
		model.KindVaultFilesystem: func(cfg Config, id string) Adapter {
			return NewVaultAdapter(cfg, id)
		},
		model.KindLauncherExtension: func(cfg Config, id string) Adapter {
			return NewLauncherAdapter(cfg, id)
		},
		model.KindGeneric: func(cfg Config, id string) Adapter {
			return NewGenericAdapter(cfg, id)
		},
	}
}

// CreateOption adjusts the kind configuration for a single adapter.
type CreateOption func(*Config)

// WithEndpoint points one adapter at its own endpoint and credential.
// Empty values keep the kind's configuration.
func WithEndpoint(endpoint, credential string) CreateOption {
	return func(c *Config) {
		if endpoint != "" {
			c.Endpoint = endpoint
		}
		if credential != "" {
			c.Credential = credential
		}
	}
}

// WithCapabilities sets the capabilities the adapter advertises.
func WithCapabilities(caps []string) CreateOption {
	return func(c *Config) {
		if len(caps) > 0 {
			c.Capabilities = caps
		}
	}
}

// ManagerStatus summarizes all adapters.
type ManagerStatus struct {
	Total             int      `json:"total"`
	Connected         int      `json:"connected"`
	Degraded          int      `json:"degraded"`
	RegisteredConfigs int      `json:"registeredConfigs"`
	Adapters          []Status `json:"adapters"`
}

// Manager owns adapter configurations and adapter lifecycles.
type Manager struct {
	mu        sync.RWMutex
	configs   map[model.PlatformKind]Config
	factories map[model.PlatformKind]Factory
	adapters  map[string]Adapter
	observers []Observer
}

// NewManager creates a manager using DefaultFactories.
func NewManager() *Manager {
	return &Manager{
		configs:   make(map[model.PlatformKind]Config),
		factories: DefaultFactories(),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory replaces the factory for a kind.
func (m *Manager) RegisterFactory(kind model.PlatformKind, f Factory) {
	m.mu.Lock()
	m.factories[kind] = f
	m.mu.Unlock()
}

// RegisterConfig sets the configuration used for new adapters of a kind.
func (m *Manager) RegisterConfig(kind model.PlatformKind, cfg Config) {
	cfg.Kind = kind
	m.mu.Lock()
	m.configs[kind] = cfg
	m.mu.Unlock()
}

// AddObserver attaches o to every current and future adapter.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	current := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		current = append(current, a)
	}
	m.mu.Unlock()

	for _, a := range current {
		a.AddObserver(o)
	}
}

// Create instantiates the adapter for kind, attaches observers and
// connects it. The adapter is kept only if Connect succeeds. An existing
// adapter for platformID is disconnected and replaced.
func (m *Manager) Create(ctx context.Context, kind model.PlatformKind, platformID string, opts ...CreateOption) (Adapter, bool) {
	m.mu.RLock()
	cfg, hasCfg := m.configs[kind]
	factory, hasFactory := m.factories[kind]
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()

	if !hasCfg || !hasFactory {
		logging.Debug("no adapter configuration for kind",
			logging.Kind(string(kind)),
			logging.Platform(platformID),
		)
		return nil, false
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := factory(cfg, platformID)
	for _, o := range observers {
		a.AddObserver(o)
	}
	if !a.Connect(ctx) {
		logging.Warn("adapter failed to connect",
			logging.Kind(string(kind)),
			logging.Platform(platformID),
		)
		return nil, false
	}

	m.mu.Lock()
	old := m.adapters[platformID]
	m.adapters[platformID] = a
	m.mu.Unlock()
	if old != nil {
		old.Disconnect(ctx)
	}

	logging.Info("adapter connected",
		logging.Kind(string(kind)),
		logging.Platform(platformID),
		"degraded", a.Status().Degraded,
	)
	return a, true
}

// Remove disconnects and forgets the adapter for platformID.
func (m *Manager) Remove(ctx context.Context, platformID string) bool {
	m.mu.Lock()
	a, ok := m.adapters[platformID]
	delete(m.adapters, platformID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	a.Disconnect(ctx)
	return true
}

// Get returns the adapter for platformID.
func (m *Manager) Get(platformID string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platformID]
	return a, ok
}

func (m *Manager) snapshot(exclude ...string) map[string]Adapter {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Adapter, len(m.adapters))
	for id, a := range m.adapters {
		if !skip[id] {
			out[id] = a
		}
	}
	return out
}

// SyncToAll delivers d to every adapter except the excluded platforms.
// Each adapter runs independently; one failure does not affect the others.
func (m *Manager) SyncToAll(ctx context.Context, category model.Category, d model.Delivery, exclude ...string) map[string]bool {
	return m.fanOut(ctx, m.snapshot(exclude...), func(ctx context.Context, a Adapter) bool {
		return a.SyncData(ctx, category, d)
	})
}

// HealthCheckAll probes every adapter concurrently.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]bool {
	return m.fanOut(ctx, m.snapshot(), func(ctx context.Context, a Adapter) bool {
		return a.HealthCheck(ctx)
	})
}

func (m *Manager) fanOut(ctx context.Context, targets map[string]Adapter, fn func(context.Context, Adapter) bool) map[string]bool {
	var mu sync.Mutex
	results := make(map[string]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for id, a := range targets {
		g.Go(func() error {
			ok := fn(gctx, a)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Close disconnects every adapter.
func (m *Manager) Close(ctx context.Context) {
	for id := range m.snapshot() {
		m.Remove(ctx, id)
	}
}

// Status summarizes adapter state, sorted by platform id.
func (m *Manager) Status() ManagerStatus {
	m.mu.RLock()
	st := ManagerStatus{
		Total:             len(m.adapters),
		RegisteredConfigs: len(m.configs),
	}
	for _, a := range m.adapters {
		s := a.Status()
		if s.Connected {
			st.Connected++
		}
		if s.Degraded {
			st.Degraded++
		}
		st.Adapters = append(st.Adapters, s)
	}
	m.mu.RUnlock()

	sort.Slice(st.Adapters, func(i, j int) bool {
		return st.Adapters[i].PlatformID < st.Adapters[j].PlatformID
	})
	return st
}
