package adapter

import (
	"context"
	"path/filepath"

	"github.com/klauern/crosssync/internal/model"
)

// LauncherDir is the directory inside the extension store that holds records.
const LauncherDir = "crosssync"

// LauncherAdapter syncs with a launcher extension through its local API,
// or through the extension's data directory when the API is down.
type LauncherAdapter struct {
	base
}

// NewLauncherAdapter creates an adapter for a launcher-extension platform.
// cfg.Root is the extension store path.
func NewLauncherAdapter(cfg Config, platformID string) *LauncherAdapter {
	cfg.Kind = model.KindLauncherExtension
	cfg.Root = filepath.Join(cfg.Root, LauncherDir)
	return &LauncherAdapter{base: newBase(cfg, platformID)}
}

func (a *LauncherAdapter) Connect(ctx context.Context) bool {
	return a.connectEndpoint(ctx, "health")
}

func (a *LauncherAdapter) Disconnect(ctx context.Context) bool {
	return a.disconnect(ctx)
}

func (a *LauncherAdapter) SyncData(ctx context.Context, category model.Category, d model.Delivery) bool {
	d.Category = category
	return a.deliver(ctx, d, a.writeFile)
}

func (a *LauncherAdapter) GetData(ctx context.Context, category model.Category, recordID string) (map[string]any, bool) {
	return a.read(ctx, category, recordID)
}

func (a *LauncherAdapter) HealthCheck(ctx context.Context) bool {
	return a.checkHealth(ctx, "health")
}

// GenericAdapter serves platforms of the generic kind: deliveries go to the
// platform's endpoint when it has one, otherwise to the fallback store.
type GenericAdapter struct {
	base
}

// NewGenericAdapter creates an adapter for a generic platform.
func NewGenericAdapter(cfg Config, platformID string) *GenericAdapter {
	cfg.Kind = model.KindGeneric
	return &GenericAdapter{base: newBase(cfg, platformID)}
}

func (a *GenericAdapter) Connect(ctx context.Context) bool {
	return a.connectEndpoint(ctx, "health")
}

func (a *GenericAdapter) Disconnect(ctx context.Context) bool {
	return a.disconnect(ctx)
}

func (a *GenericAdapter) SyncData(ctx context.Context, category model.Category, d model.Delivery) bool {
	d.Category = category
	return a.deliver(ctx, d, a.writeFile)
}

func (a *GenericAdapter) GetData(ctx context.Context, category model.Category, recordID string) (map[string]any, bool) {
	return a.read(ctx, category, recordID)
}

func (a *GenericAdapter) HealthCheck(ctx context.Context) bool {
	return a.checkHealth(ctx, "health")
}
