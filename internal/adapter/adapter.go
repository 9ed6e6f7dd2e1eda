// Package adapter connects the sync engine to individual platforms.
//
// Each platform kind has its own Adapter implementation behind a common
// five-method contract. Every adapter degrades to a local FileStore when its
// live endpoint is unreachable, announcing the switch with a
// platform_degraded event, and recovers once a health check succeeds again.
// The Manager owns adapter configurations and lifecycles.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
)

// HealthTimeout bounds every health probe.
const HealthTimeout = 3 * time.Second

// DefaultTimeout bounds data requests when a config sets none.
const DefaultTimeout = 30 * time.Second

// Adapter is the contract every platform kind implements. Failures are
// always reported as false or absent values, never as panics.
type Adapter interface {
	PlatformID() string
	Kind() model.PlatformKind
	Connect(ctx context.Context) bool
	Disconnect(ctx context.Context) bool
	SyncData(ctx context.Context, category model.Category, d model.Delivery) bool
	GetData(ctx context.Context, category model.Category, recordID string) (map[string]any, bool)
	HealthCheck(ctx context.Context) bool
	Status() Status
	AddObserver(o Observer)
}

// Observer receives the events an adapter emits.
type Observer func(ctx context.Context, e eventbus.Event)

// BusObserver forwards adapter events onto a bus.
func BusObserver(b *eventbus.Bus) Observer {
	return func(ctx context.Context, e eventbus.Event) {
		b.Publish(ctx, e)
	}
}

// Config holds the connection parameters for one platform kind.
type Config struct {
	Kind model.PlatformKind `yaml:"kind" json:"kind"`
	// Endpoint is the base URL serving /sync, /data and /health. Empty means
	// the adapter works from its file store only.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	// WebSocketURL enables the push channel of http-extension platforms.
	WebSocketURL string `yaml:"websocket_url" json:"websocketUrl,omitempty"`
	// Credential is sent as a bearer token.
	Credential string `yaml:"credential" json:"-"`
	// Root is the file store root.
	Root string `yaml:"root" json:"root"`
	// Timeout bounds data requests.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Capabilities advertised by the adapter.
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
}

// Status describes an adapter's connection state.
type Status struct {
	PlatformID   string             `json:"platformId"`
	Kind         model.PlatformKind `json:"kind"`
	Connected    bool               `json:"connected"`
	Degraded     bool               `json:"degraded"`
	LastSync     time.Time          `json:"lastSync,omitzero"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// base carries what every concrete adapter shares: the HTTP client, the
// fallback store, connection state and observers.
type base struct {
	cfg        Config
	platformID string
	client     *http.Client
	store      *FileStore

	mu        sync.RWMutex
	connected bool
	degraded  bool
	lastSync  time.Time
	observers []Observer
}

func newBase(cfg Config, platformID string) base {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return base{
		cfg:        cfg,
		platformID: platformID,
		client:     &http.Client{Timeout: cfg.Timeout},
		store:      NewFileStore(cfg.Root),
	}
}

func (b *base) PlatformID() string { return b.platformID }

func (b *base) Kind() model.PlatformKind { return b.cfg.Kind }

func (b *base) AddObserver(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

func (b *base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		PlatformID:   b.platformID,
		Kind:         b.cfg.Kind,
		Connected:    b.connected,
		Degraded:     b.degraded,
		LastSync:     b.lastSync,
		Capabilities: b.cfg.Capabilities,
	}
}

func (b *base) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *base) isDegraded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded
}

func (b *base) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *base) markSynced() {
	b.mu.Lock()
	b.lastSync = time.Now()
	b.mu.Unlock()
}

func (b *base) emit(ctx context.Context, t eventbus.Type, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["platform_id"] = b.platformID
	payload["kind"] = string(b.cfg.Kind)

	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()

	e := eventbus.New(t, b.platformID, payload)
	for _, o := range observers {
		o(ctx, e)
	}
}

// degrade switches to the file store and emits platform_degraded on the
// transition only.
func (b *base) degrade(ctx context.Context, reason string) {
	b.mu.Lock()
	was := b.degraded
	b.degraded = true
	b.mu.Unlock()
	if was {
		return
	}
	logging.Warn("platform degraded to filesystem fallback",
		logging.Platform(b.platformID),
		logging.Kind(string(b.cfg.Kind)),
		logging.Path(b.store.Root()),
		"reason", reason,
	)
	b.emit(ctx, eventbus.TypePlatformDegraded, map[string]any{
		"fallback_mode": "filesystem",
		"fallback_root": b.store.Root(),
		"reason":        reason,
	})
}

// restore leaves degraded mode after the endpoint answered again.
func (b *base) restore(ctx context.Context) {
	b.mu.Lock()
	was := b.degraded
	b.degraded = false
	b.mu.Unlock()
	if !was {
		return
	}
	logging.Info("platform endpoint reachable again", logging.Platform(b.platformID))
	b.emit(ctx, eventbus.TypePlatformStatusChanged, map[string]any{"degraded": false})
}

func (b *base) hasEndpoint() bool {
	return b.cfg.Endpoint != ""
}

// live reports whether calls should go to the endpoint.
func (b *base) live() bool {
	return b.hasEndpoint() && !b.isDegraded()
}

func (b *base) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(b.cfg.Endpoint, "/") + "/" + strings.Join(escaped, "/")
}

func (b *base) authorize(req *http.Request) {
	if b.cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Credential)
	}
}

// probe issues GET {endpoint}/{path...} with the health timeout and reports a 200.
func (b *base) probe(ctx context.Context, path ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(path...), nil)
	if err != nil {
		return false
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// post delivers one operation to POST {endpoint}/sync.
func (b *base) post(ctx context.Context, d model.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("sync"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync endpoint returned %s", resp.Status)
	}
	return nil
}

// fetch reads GET {endpoint}/data/{category}/{recordId}.
func (b *base) fetch(ctx context.Context, category model.Category, recordID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url("data", string(category), recordID), nil)
	if err != nil {
		return nil, err
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data endpoint returned %s", resp.Status)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode data response: %w", err)
	}
	return doc, nil
}

// connectEndpoint probes the endpoint at connect time. An unreachable
// endpoint degrades the adapter; it only fails when the file store is
// unusable too.
func (b *base) connectEndpoint(ctx context.Context, healthPath ...string) bool {
	if b.hasEndpoint() && b.probe(ctx, healthPath...) {
		b.restore(ctx)
	} else {
		if !b.store.Writable() {
			logging.Error("platform unreachable and fallback store not writable",
				logging.Platform(b.platformID),
				logging.Path(b.store.Root()),
			)
			b.emit(ctx, eventbus.TypePlatformError, map[string]any{"error": "fallback store not writable"})
			return false
		}
		reason := "no endpoint configured"
		if b.hasEndpoint() {
			reason = "endpoint unreachable"
		}
		b.degrade(ctx, reason)
	}
	b.setConnected(true)
	b.emit(ctx, eventbus.TypePlatformConnected, map[string]any{"degraded": b.isDegraded()})
	return true
}

// deliver pushes d to the endpoint when live, falling back to the file
// store on failure.
func (b *base) deliver(ctx context.Context, d model.Delivery, writeFile func(model.Delivery) error) bool {
	if !b.isConnected() {
		return false
	}
	if b.live() {
		err := b.post(ctx, d)
		if err == nil {
			b.markSynced()
			return true
		}
		logging.Debug("endpoint delivery failed, falling back",
			logging.Platform(b.platformID),
			logging.Record(d.RecordID),
			logging.Err(err),
		)
		b.degrade(ctx, err.Error())
	}
	if err := writeFile(d); err != nil {
		logging.Warn("fallback delivery failed",
			logging.Platform(b.platformID),
			logging.Record(d.RecordID),
			logging.Err(err),
		)
		b.emit(ctx, eventbus.TypePlatformError, map[string]any{
			"record_id": d.RecordID,
			"error":     err.Error(),
		})
		return false
	}
	b.markSynced()
	return true
}

// writeFile is the default file-store delivery.
func (b *base) writeFile(d model.Delivery) error {
	if d.OperationKind == model.OpDelete {
		return b.store.Delete(b.cfg.Kind, d.Category, d.RecordID)
	}
	_, err := b.store.Write(b.cfg.Kind, d)
	return err
}

// read fetches a record from the endpoint when live, else from the file store.
func (b *base) read(ctx context.Context, category model.Category, recordID string) (map[string]any, bool) {
	if !b.isConnected() {
		return nil, false
	}
	if b.live() {
		doc, err := b.fetch(ctx, category, recordID)
		if err == nil {
			return doc, true
		}
		if errors.Is(err, ErrNotFound) {
			return nil, false
		}
		b.degrade(ctx, err.Error())
	}
	doc, err := b.store.Read(b.cfg.Kind, category, recordID)
	if err != nil {
		return nil, false
	}
	return doc, true
}

// checkHealth probes the endpoint, recovering from degraded mode on success.
// Adapters without an endpoint are healthy while their store is writable.
func (b *base) checkHealth(ctx context.Context, healthPath ...string) bool {
	if !b.hasEndpoint() {
		return b.store.Writable()
	}
	if b.probe(ctx, healthPath...) {
		b.restore(ctx)
		return true
	}
	return false
}

func (b *base) disconnect(ctx context.Context) bool {
	b.setConnected(false)
	b.emit(ctx, eventbus.TypePlatformDisconnected, nil)
	return true
}
