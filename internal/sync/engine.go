package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/klauern/crosssync/internal/adapter"
	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
	"github.com/klauern/crosssync/internal/store"
)

// Source is the event source for engine events.
const Source = "sync_engine"

// ErrUnknownCategory is returned when a record names no known category.
var ErrUnknownCategory = errors.New("sync: unknown category")

// RuleSource supplies per-category policy. rules.Store implements it.
type RuleSource interface {
	StrategyFor(c model.Category) model.Strategy
	AllowsTarget(c model.Category, kind model.PlatformKind) bool
	PlaintextAllowed(c model.Category) bool
	SourcePriority(c model.Category) []model.PlatformKind
}

// CredentialSource looks up platform credentials that were not passed at
// registration.
type CredentialSource interface {
	Credential(platformID string) (string, bool)
}

// staticRules is the policy used when no RuleSource is configured.
type staticRules struct {
	strategy model.Strategy
}

func (r staticRules) StrategyFor(model.Category) model.Strategy          { return r.strategy }
func (staticRules) AllowsTarget(model.Category, model.PlatformKind) bool { return true }
func (staticRules) PlaintextAllowed(model.Category) bool                 { return false }
func (staticRules) SourcePriority(model.Category) []model.PlatformKind   { return nil }

// Config holds engine timings and limits.
type Config struct {
	// Interval between background loop iterations.
	Interval time.Duration
	// StaleAfter clears a platform's liveness once its last-seen is older.
	StaleAfter time.Duration
	// ConflictWindow is how recent a stored write must be to collide.
	ConflictWindow time.Duration
	// MaxRetries bounds failed deliveries per operation.
	MaxRetries int
	// BackoffBase and BackoffMax shape the capped exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RecoveryDelay is waited after a failed loop iteration.
	RecoveryDelay time.Duration
	// Retention is how long resolved conflicts and finished operations are kept.
	Retention time.Duration
	// DefaultStrategy applies when no RuleSource is configured.
	DefaultStrategy model.Strategy
	// RegistryPath persists the platform registry when set.
	RegistryPath string
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		StaleAfter:      300 * time.Second,
		ConflictWindow:  5 * time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		RecoveryDelay:   5 * time.Second,
		Retention:       24 * time.Hour,
		DefaultStrategy: model.StrategyLatestWins,
		Clock:           time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = def.ConflictWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = def.RecoveryDelay
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if !c.DefaultStrategy.IsValid() {
		c.DefaultStrategy = def.DefaultStrategy
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}

// Option wires a collaborator into the engine.
type Option func(*Engine)

// WithBus publishes engine events on b and consumes inbound adapter changes from it.
func WithBus(b *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithAdapters uses m to create and reach platform adapters.
func WithAdapters(m *adapter.Manager) Option {
	return func(e *Engine) { e.adapters = m }
}

// WithStore keeps records in s.
func WithStore(s store.RecordStore) Option {
	return func(e *Engine) { e.records = s }
}

// WithRules sources per-category policy from r.
func WithRules(r RuleSource) Option {
	return func(e *Engine) { e.rules = r }
}

// WithCredentials looks up missing platform credentials in c.
func WithCredentials(c CredentialSource) Option {
	return func(e *Engine) { e.creds = c }
}

// WithDetector scans plaintext payloads for secrets before delivery.
func WithDetector(d *security.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// Engine is the synchronization core.
type Engine struct {
	cfg      Config
	sealer   *security.Sealer
	bus      *eventbus.Bus
	adapters *adapter.Manager
	records  store.RecordStore
	rules    RuleSource
	creds    CredentialSource
	detector *security.Detector

	mu         stdsync.RWMutex
	platforms  map[string]model.Platform
	operations map[string]*Operation
	conflicts  map[string]*Conflict
	executing  map[string]bool
	closed     bool

	// recMu serializes read-modify-write sequences on records so version
	// and checksum move together.
	recMu stdsync.Mutex

	persistMu stdsync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	dispatches stdsync.WaitGroup

	loopMu     stdsync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	inboundID string
}

// New creates an engine. Records are sealed with sealer. Without options
// the engine keeps records in memory, uses a fresh adapter manager and
// publishes no events. A configured RegistryPath is loaded immediately;
// restored platforms stay live only if they were seen within StaleAfter.
func New(sealer *security.Sealer, cfg Config, opts ...Option) (*Engine, error) {
	if sealer == nil {
		return nil, errors.New("sync: sealer is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg.withDefaults(),
		sealer:     sealer,
		platforms:  make(map[string]model.Platform),
		operations: make(map[string]*Operation),
		conflicts:  make(map[string]*Conflict),
		executing:  make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.adapters == nil {
		e.adapters = adapter.NewManager()
	}
	if e.records == nil {
		e.records = store.NewMemoryStore()
	}
	if e.rules == nil {
		e.rules = staticRules{strategy: e.cfg.DefaultStrategy}
	}
	if e.detector == nil {
		e.detector = security.NewDetector(security.DefaultPatterns())
	}

	if e.cfg.RegistryPath != "" {
		reg, err := LoadRegistry(e.cfg.RegistryPath)
		if err != nil {
			cancel()
			return nil, err
		}
		now := e.now()
		for id, p := range reg.Platforms {
			p.Live = p.Live && !p.Stale(now, e.cfg.StaleAfter)
			e.platforms[id] = p
		}
		logging.Debug("platform registry loaded",
			logging.Path(e.cfg.RegistryPath),
			logging.Count(len(reg.Platforms)),
		)
	}

	if e.bus != nil {
		e.adapters.AddObserver(adapter.BusObserver(e.bus))
		e.inboundID = e.bus.Subscribe(eventbus.TypeDataReceived, e.handleInbound)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock()
}

// outbox collects events and dispatches produced under a lock so they run
// after it is released.
type outbox struct {
	events []eventbus.Event
	ops    []string
}

func (ob *outbox) emit(t eventbus.Type, p eventbus.Priority, payload map[string]any) {
	ob.events = append(ob.events, eventbus.New(t, Source, payload).WithPriority(p))
}

func (e *Engine) flush(ctx context.Context, ob *outbox) {
	for _, ev := range ob.events {
		e.publishEvent(ctx, ev)
	}
	for _, id := range ob.ops {
		e.dispatch(id)
	}
}

func (e *Engine) publish(ctx context.Context, t eventbus.Type, payload map[string]any) {
	e.publishEvent(ctx, eventbus.New(t, Source, payload))
}

func (e *Engine) publishEvent(ctx context.Context, ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, ev)
}

// PlatformOption adjusts a platform at registration.
type PlatformOption func(*model.Platform)

// WithPlatformID registers the platform under a fixed id instead of a new one.
func WithPlatformID(id string) PlatformOption {
	return func(p *model.Platform) {
		if id != "" {
			p.ID = id
		}
	}
}

// WithEndpoint sets the platform's reachable endpoint and credential.
func WithEndpoint(endpoint, credential string) PlatformOption {
	return func(p *model.Platform) {
		p.Endpoint = endpoint
		p.Credential = credential
	}
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) PlatformOption {
	return func(p *model.Platform) {
		maps.Copy(p.Metadata, md)
	}
}

// RegisterPlatform stores a live platform, creates its adapter and returns
// its id. Registration succeeds even when the adapter cannot be created;
// deliveries to the platform then fail and are retried.
func (e *Engine) RegisterPlatform(ctx context.Context, kind model.PlatformKind, version string, capabilities []string, opts ...PlatformOption) string {
	p := model.Platform{
		ID:           uuid.NewString(),
		Kind:         kind,
		Version:      version,
		Capabilities: slices.Clone(capabilities),
		LastSeen:     e.now(),
		Live:         true,
		Metadata:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Credential == "" && e.creds != nil {
		if c, ok := e.creds.Credential(p.ID); ok {
			p.Credential = c
		}
	}

	e.mu.Lock()
	e.platforms[p.ID] = p
	e.mu.Unlock()
	_ = e.persist()

	e.connect(ctx, p)
	logging.Info("platform registered",
		logging.Platform(p.ID),
		logging.Kind(string(kind)),
		"capabilities", p.Capabilities,
	)
	e.publish(ctx, eventbus.TypePlatformRegistered, map[string]any{
		"platform_id":  p.ID,
		"kind":         string(kind),
		"version":      version,
		"capabilities": slices.Clone(p.Capabilities),
	})
	return p.ID
}

func (e *Engine) connect(ctx context.Context, p model.Platform) bool {
	_, ok := e.adapters.Create(ctx, p.Kind, p.ID,
		adapter.WithEndpoint(p.Endpoint, p.Credential),
		adapter.WithCapabilities(p.Capabilities),
	)
	if !ok {
		logging.Warn("no adapter for platform, deliveries will fail until one connects",
			logging.Platform(p.ID),
			logging.Kind(string(p.Kind)),
		)
	}
	return ok
}

// ReconnectAll creates adapters for registered platforms that have none,
// such as platforms restored from the registry. It returns how many connected.
func (e *Engine) ReconnectAll(ctx context.Context) int {
	connected := 0
	for _, p := range e.Platforms() {
		if _, ok := e.adapters.Get(p.ID); ok {
			continue
		}
		if p.Credential == "" && e.creds != nil {
			if c, ok := e.creds.Credential(p.ID); ok {
				p.Credential = c
			}
		}
		if e.connect(ctx, p) {
			connected++
		}
	}
	return connected
}

// UnregisterPlatform clears the platform's liveness, announces it and
// drops it. It returns false for unknown platforms.
func (e *Engine) UnregisterPlatform(ctx context.Context, platformID string) bool {
	e.mu.Lock()
	p, ok := e.platforms[platformID]
	if ok {
		p.Live = false
		e.platforms[platformID] = p
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	e.publish(ctx, eventbus.TypePlatformUnregistered, map[string]any{
		"platform_id": platformID,
		"kind":        string(p.Kind),
	})
	e.adapters.Remove(ctx, platformID)

	e.mu.Lock()
	delete(e.platforms, platformID)
	e.mu.Unlock()
	_ = e.persist()

	logging.Info("platform unregistered", logging.Platform(platformID))
	return true
}

// Heartbeat refreshes a platform's last-seen time, reactivating it if its
// liveness had been cleared. It returns false for unknown platforms.
func (e *Engine) Heartbeat(ctx context.Context, platformID string) bool {
	e.mu.Lock()
	p, ok := e.platforms[platformID]
	revived := ok && !p.Live
	if ok {
		p.LastSeen = e.now()
		p.Live = true
		e.platforms[platformID] = p
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if revived {
		logging.Info("platform active again", logging.Platform(platformID))
		e.publish(ctx, eventbus.TypePlatformConnected, map[string]any{
			"platform_id": platformID,
			"kind":        string(p.Kind),
		})
		_ = e.persist()
	}
	return true
}

// Platform returns a registered platform.
func (e *Engine) Platform(platformID string) (model.Platform, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.platforms[platformID]
	if !ok {
		return model.Platform{}, false
	}
	return p.Clone(), true
}

// Platforms returns every registered platform sorted by id.
func (e *Engine) Platforms() []model.Platform {
	e.mu.RLock()
	out := make([]model.Platform, 0, len(e.platforms))
	for _, p := range e.platforms {
		out = append(out, p.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) kindOf(platformID string) model.PlatformKind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.platforms[platformID].Kind
}

// liveTargets returns the live platforms other than source accepted by keep, sorted.
func (e *Engine) liveTargets(source string, keep func(model.Platform) bool) []string {
	e.mu.RLock()
	var out []string
	for id, p := range e.platforms {
		if id != source && p.Live && (keep == nil || keep(p)) {
			out = append(out, id)
		}
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) defaultTargets(c model.Category, source string) []string {
	return e.liveTargets(source, func(p model.Platform) bool {
		return e.rules.AllowsTarget(c, p.Kind)
	})
}

// SyncRecord encrypts content into a new record and propagates it to
// targets, or to every other live platform the category's rules allow when
// none are given. Delivery happens in the background.
func (e *Engine) SyncRecord(ctx context.Context, category model.Category, content map[string]any, source string, targets ...string) (string, error) {
	return e.createRecord(ctx, uuid.NewString(), category, content, source, targets)
}

func (e *Engine) createRecord(ctx context.Context, id string, category model.Category, content map[string]any, source string, targets []string) (string, error) {
	if !category.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	env, sum, err := e.sealer.SealPayload(content)
	if err != nil {
		return "", fmt.Errorf("failed to seal record: %w", err)
	}
	e.warnSensitive(id, content)

	rec := model.Record{
		ID:             id,
		Category:       category,
		Content:        env,
		Version:        1,
		Timestamp:      e.now(),
		SourcePlatform: source,
		Checksum:       sum,
	}
	e.recMu.Lock()
	err = e.records.Put(ctx, rec)
	e.recMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to store record: %w", err)
	}

	if len(targets) == 0 {
		targets = e.defaultTargets(category, source)
	}
	ob := &outbox{}
	op := e.newOperation(ob, rec, model.OpCreate, source, targets)
	ob.ops = append(ob.ops, op.ID)
	ob.emit(eventbus.TypeDataCreated, eventbus.PriorityNormal, map[string]any{
		"record_id":    rec.ID,
		"category":     string(category),
		"source":       source,
		"operation_id": op.ID,
	})
	logging.Debug("record created",
		logging.Record(rec.ID),
		logging.Category(string(category)),
		logging.Platform(source),
		logging.Count(len(targets)),
	)
	e.flush(ctx, ob)
	return rec.ID, nil
}

func (e *Engine) warnSensitive(recordID string, content map[string]any) {
	if found := e.detector.Scan(content); len(found) > 0 {
		logging.Warn("record content looks like it contains secrets, plaintext will not be delivered",
			logging.Record(recordID),
			logging.Count(len(found)),
		)
	}
}

// UpdateOption adjusts a single UpdateRecord call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	strategy model.Strategy
}

// WithStrategy overrides the category's conflict strategy for one update.
func WithStrategy(s model.Strategy) UpdateOption {
	return func(o *updateOptions) { o.strategy = s }
}

// UpdateRecord re-encrypts the record with content from source. It returns
// false without a normal update when the record is unknown or the update
// collides with a recent write from another platform; a collision is
// recorded and adjudicated by the category's strategy.
func (e *Engine) UpdateRecord(ctx context.Context, recordID string, content map[string]any, source string, opts ...UpdateOption) bool {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	ob := &outbox{}
	defer e.flush(ctx, ob)

	e.recMu.Lock()
	defer e.recMu.Unlock()

	stored, err := e.records.Get(ctx, recordID)
	if err != nil {
		logging.Debug("update of unknown record", logging.Record(recordID), logging.Err(err))
		return false
	}
	env, sum, err := e.sealer.SealPayload(content)
	if err != nil {
		logging.Warn("failed to seal update", logging.Record(recordID), logging.Err(err))
		return false
	}
	e.warnSensitive(recordID, content)

	now := e.now()
	if collides(stored, sum, source, now, e.cfg.ConflictWindow) {
		strategy := o.strategy
		if !strategy.IsValid() {
			strategy = e.rules.StrategyFor(stored.Category)
		}
		e.conflict(ctx, ob, stored, content, env, sum, source, strategy, now)
		return false
	}
	return e.applyUpdate(ctx, ob, stored, env, sum, source, now)
}

// applyUpdate stores the new content as the next version and queues its
// propagation. recMu must be held.
func (e *Engine) applyUpdate(ctx context.Context, ob *outbox, stored model.Record, env model.Envelope, sum, source string, now time.Time) bool {
	rec := stored
	rec.Content = env
	rec.Checksum = sum
	rec.Version = stored.Version + 1
	rec.Timestamp = now
	rec.SourcePlatform = source
	if err := e.records.Put(ctx, rec); err != nil {
		logging.Error("failed to store record update", logging.Record(rec.ID), logging.Err(err))
		return false
	}

	op := e.newOperation(ob, rec, model.OpUpdate, source, e.defaultTargets(rec.Category, source))
	ob.ops = append(ob.ops, op.ID)
	ob.emit(eventbus.TypeDataUpdated, eventbus.PriorityNormal, map[string]any{
		"record_id":    rec.ID,
		"category":     string(rec.Category),
		"source":       source,
		"version":      rec.Version,
		"operation_id": op.ID,
	})
	return true
}

// conflict records a collision and applies strategy. recMu must be held.
func (e *Engine) conflict(ctx context.Context, ob *outbox, stored model.Record, content map[string]any, env model.Envelope, sum, source string, strategy model.Strategy, now time.Time) {
	storedContent, err := e.sealer.OpenPayload(stored.Content)
	if err != nil {
		logging.Warn("stored record unreadable while recording conflict", logging.Record(stored.ID), logging.Err(err))
	}
	c := &Conflict{
		ID:               uuid.NewString(),
		RecordID:         stored.ID,
		Category:         stored.Category,
		StoredPlatform:   stored.SourcePlatform,
		IncomingPlatform: source,
		StoredContent:    storedContent,
		IncomingContent:  maps.Clone(content),
		DetectedAt:       now,
		Strategy:         strategy,
	}

	switch strategy {
	case model.StrategyManual:
	case model.StrategySourcePriority:
		priority := e.rules.SourcePriority(stored.Category)
		if outranks(priority, e.kindOf(source), e.kindOf(stored.SourcePlatform)) {
			if e.applyUpdate(ctx, ob, stored, env, sum, source, now) {
				c.resolve(ResolutionIncoming, now)
			}
		} else {
			c.resolve(ResolutionStored, now)
		}
	default:
		if e.applyUpdate(ctx, ob, stored, env, sum, source, now) {
			c.resolve(ResolutionIncoming, now)
		}
	}

	e.mu.Lock()
	e.conflicts[c.ID] = c
	e.mu.Unlock()

	logging.Warn("conflicting update detected",
		logging.Record(stored.ID),
		logging.Strategy(string(strategy)),
		"stored_platform", stored.SourcePlatform,
		"incoming_platform", source,
		"resolved", c.Resolved,
	)
	priority := eventbus.PriorityHigh
	if !c.Resolved {
		priority = eventbus.PriorityCritical
	}
	ob.emit(eventbus.TypeSyncConflict, priority, conflictPayload(c))
}

func conflictPayload(c *Conflict) map[string]any {
	return map[string]any{
		"conflict_id":       c.ID,
		"record_id":         c.RecordID,
		"category":          string(c.Category),
		"stored_platform":   c.StoredPlatform,
		"incoming_platform": c.IncomingPlatform,
		"strategy":          string(c.Strategy),
		"resolved":          c.Resolved,
		"resolution":        string(c.Resolution),
	}
}

// ResolveConflict settles an unresolved conflict. Accepting the incoming
// side applies it as a new version from the incoming platform; otherwise
// the stored record is kept.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, acceptIncoming bool) bool {
	ob := &outbox{}
	defer e.flush(ctx, ob)

	e.recMu.Lock()
	defer e.recMu.Unlock()

	e.mu.RLock()
	c, ok := e.conflicts[conflictID]
	var snapshot Conflict
	if ok {
		snapshot = c.clone()
	}
	e.mu.RUnlock()
	if !ok || snapshot.Resolved {
		return false
	}

	now := e.now()
	resolution := ResolutionStored
	if acceptIncoming {
		stored, err := e.records.Get(ctx, snapshot.RecordID)
		if err != nil {
			logging.Warn("conflicting record no longer exists", logging.Record(snapshot.RecordID))
			return false
		}
		env, sum, err := e.sealer.SealPayload(snapshot.IncomingContent)
		if err != nil || !e.applyUpdate(ctx, ob, stored, env, sum, snapshot.IncomingPlatform, now) {
			return false
		}
		resolution = ResolutionIncoming
	}

	e.mu.Lock()
	c.resolve(resolution, now)
	payload := conflictPayload(c)
	e.mu.Unlock()

	logging.Info("conflict resolved", logging.Record(snapshot.RecordID), "resolution", string(resolution))
	ob.emit(eventbus.TypeSyncConflict, eventbus.PriorityNormal, payload)
	return true
}

// Conflicts returns every known conflict, oldest first.
func (e *Engine) Conflicts() []Conflict {
	e.mu.RLock()
	out := make([]Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// DeleteRecord propagates a delete to every other live platform and drops
// the record. It returns false for unknown records.
func (e *Engine) DeleteRecord(ctx context.Context, recordID, source string) bool {
	ob := &outbox{}
	defer e.flush(ctx, ob)

	e.recMu.Lock()
	defer e.recMu.Unlock()

	rec, err := e.records.Get(ctx, recordID)
	if err != nil {
		return false
	}
	op := e.newOperation(ob, rec, model.OpDelete, source, e.liveTargets(source, nil))
	if err := e.records.Delete(ctx, recordID); err != nil {
		logging.Error("failed to delete record", logging.Record(recordID), logging.Err(err))
		return false
	}
	ob.ops = append(ob.ops, op.ID)
	ob.emit(eventbus.TypeDataDeleted, eventbus.PriorityNormal, map[string]any{
		"record_id":    recordID,
		"category":     string(rec.Category),
		"source":       source,
		"operation_id": op.ID,
	})
	return true
}

// GetRecord returns the decrypted payload of a record to a live platform
// declaring the category's access capability. Any refusal is reported as
// absent.
func (e *Engine) GetRecord(ctx context.Context, recordID, requester string) (map[string]any, bool) {
	rec, err := e.records.Get(ctx, recordID)
	if err != nil {
		return nil, false
	}
	p, ok := e.Platform(requester)
	if !ok || !p.CanAccess(rec.Category) {
		logging.Debug("record access denied",
			logging.Record(recordID),
			logging.Platform(requester),
			logging.Category(string(rec.Category)),
		)
		return nil, false
	}
	payload, err := e.sealer.OpenPayload(rec.Content)
	if err != nil {
		logging.Warn("failed to decrypt record", logging.Record(recordID), logging.Err(err))
		return nil, false
	}
	return payload, true
}

// Records returns every stored record.
func (e *Engine) Records(ctx context.Context) ([]model.Record, error) {
	return e.records.List(ctx)
}

func (e *Engine) persist() error {
	if e.cfg.RegistryPath == "" {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.RLock()
	reg := &Registry{
		Version:   registryVersion,
		UpdatedAt: e.now(),
		Platforms: make(map[string]model.Platform, len(e.platforms)),
	}
	for id, p := range e.platforms {
		reg.Platforms[id] = p.Clone()
	}
	e.mu.RUnlock()

	if err := reg.Save(e.cfg.RegistryPath); err != nil {
		logging.Warn("failed to persist platform registry", logging.Path(e.cfg.RegistryPath), logging.Err(err))
		return err
	}
	return nil
}

// Close stops the service, cancels in-flight deliveries, waits for them
// and disconnects every adapter.
func (e *Engine) Close(ctx context.Context) {
	e.Stop()

	e.mu.Lock()
	already := e.closed
	e.closed = true
	e.mu.Unlock()
	if already {
		return
	}

	if e.bus != nil && e.inboundID != "" {
		e.bus.Unsubscribe(e.inboundID)
	}
	e.cancel()
	e.dispatches.Wait()
	e.adapters.Close(ctx)
}
