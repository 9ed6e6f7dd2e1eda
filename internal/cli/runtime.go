package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauern/crosssync/internal/adapter"
	"github.com/klauern/crosssync/internal/config"
	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/rules"
	"github.com/klauern/crosssync/internal/security"
	"github.com/klauern/crosssync/internal/store"
	"github.com/klauern/crosssync/internal/sync"
)

// service is the fully wired sync service started by serve.
type service struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	records  store.RecordStore
	rules    *rules.Store
	adapters *adapter.Manager
	engine   *sync.Engine
}

// sealers loads (or creates) the master key and derives the record and
// credential sealers from it.
func sealers(cfg *config.Config) (records, creds *security.Sealer, err error) {
	key, err := security.LoadOrCreateKey(cfg.KeyFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	if records, err = security.NewSealer(key, security.LabelRecords); err != nil {
		return nil, nil, err
	}
	if creds, err = security.NewSealer(key, security.LabelCredentials); err != nil {
		return nil, nil, err
	}
	return records, creds, nil
}

// openSealer loads an existing key for offline commands that must not
// create one.
func openSealer(cfg *config.Config) (*security.Sealer, error) {
	key, err := security.LoadKey(cfg.KeyFile())
	if err != nil {
		if errors.Is(err, security.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w (run 'crosssync keygen' first)", err)
		}
		return nil, err
	}
	return security.NewSealer(key, security.LabelRecords)
}

// startService builds and starts every component in dependency order.
// On error everything started so far is shut down again.
func startService(ctx context.Context, cfg *config.Config) (svc *service, err error) {
	defer logging.Timer("service start")()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	recordSealer, credSealer, err := sealers(cfg)
	if err != nil {
		return nil, err
	}

	svc = &service{cfg: cfg}
	defer func() {
		if err != nil {
			svc.shutdown(context.WithoutCancel(ctx))
			svc = nil
		}
	}()

	svc.bus = eventbus.NewBus(cfg.BusOptions())
	svc.bus.Start(ctx)

	svc.rules = rules.NewStore(cfg.RulesPath(),
		rules.WithBus(svc.bus),
		rules.WithSealer(credSealer),
		rules.WithDefaultStrategy(cfg.Strategy()),
	)
	if err = svc.rules.Load(ctx); err != nil {
		return svc, fmt.Errorf("failed to load sync rules: %w", err)
	}
	if cfg.Rules.Watch {
		if werr := svc.rules.Watch(ctx); werr != nil {
			logging.Warn("rules hot reload disabled", logging.Err(werr))
		}
	}

	if svc.records, err = store.Open(cfg.DatabasePath()); err != nil {
		return svc, fmt.Errorf("failed to open record store: %w", err)
	}

	svc.adapters = adapter.NewManager()
	for kind, acfg := range cfg.AdapterConfigs() {
		svc.adapters.RegisterConfig(kind, acfg)
	}

	svc.engine, err = sync.New(recordSealer, cfg.EngineConfig(),
		sync.WithBus(svc.bus),
		sync.WithAdapters(svc.adapters),
		sync.WithStore(svc.records),
		sync.WithRules(svc.rules),
		sync.WithCredentials(svc.rules),
	)
	if err != nil {
		return svc, fmt.Errorf("failed to create sync engine: %w", err)
	}

	restored := svc.engine.ReconnectAll(ctx)
	registered, err := registerPlatforms(ctx, svc.engine, cfg.Platforms)
	if err != nil {
		return svc, err
	}
	logging.Info("platforms ready",
		slog.Int("restored", restored),
		slog.Int("registered", registered),
	)

	svc.engine.Start(ctx)
	return svc, nil
}

// registerPlatforms registers the platforms listed in the config file.
func registerPlatforms(ctx context.Context, eng *sync.Engine, platforms []config.PlatformConfig) (int, error) {
	for i, p := range platforms {
		kind, err := model.ParseKind(p.Kind)
		if err != nil {
			return i, fmt.Errorf("platforms[%d]: %w", i, err)
		}
		eng.RegisterPlatform(ctx, kind, p.Version, p.Capabilities,
			sync.WithPlatformID(p.ID),
			sync.WithEndpoint(p.Endpoint, p.Credential),
			sync.WithMetadata(p.Metadata),
		)
	}
	return len(platforms), nil
}

// shutdown stops components in reverse start order. It is safe on a
// partially started service.
func (s *service) shutdown(ctx context.Context) {
	if s.engine != nil {
		s.engine.Close(ctx)
	}
	if s.records != nil {
		if err := s.records.Close(); err != nil {
			logging.Warn("failed to close record store", logging.Err(err))
		}
	}
	if s.rules != nil {
		if err := s.rules.Close(); err != nil {
			logging.Warn("failed to stop rules watcher", logging.Err(err))
		}
	}
	if s.bus != nil {
		s.bus.Stop()
	}
}
