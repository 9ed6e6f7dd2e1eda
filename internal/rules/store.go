package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/security"
)

// Source is the event source for rule store events.
const Source = "rules"

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("rules: rule not found")

// Option configures a Store.
type Option func(*Store)

// WithBus publishes configuration events on b.
func WithBus(b *eventbus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithSealer encrypts credentials with sealer.
func WithSealer(sealer *security.Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// WithDefaultStrategy sets the strategy used for categories whose rules name none.
func WithDefaultStrategy(st model.Strategy) Option {
	return func(s *Store) {
		if st.IsValid() {
			s.defaultStrategy = st
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store holds the rule document in memory and persists it to a single
// file whose extension selects YAML, TOML or JSON.
type Store struct {
	path            string
	bus             *eventbus.Bus
	sealer          *security.Sealer
	defaultStrategy model.Strategy
	clock           func() time.Time

	mu          sync.RWMutex
	rules       map[string]Rule
	credentials map[string]Credential
	onChange    []func([]Rule)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStore creates a store backed by path. Nothing is read until Load.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:            path,
		defaultStrategy: model.StrategyLatestWins,
		clock:           time.Now,
		rules:           make(map[string]Rule),
		credentials:     make(map[string]Credential),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the rule document path.
func (s *Store) Path() string {
	return s.path
}

// LoadFile reads and validates a rule document without touching any store.
func LoadFile(path string) (*Document, error) {
	// #nosec G304 - path is the user's configured rule document
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Load reads the rule document. A missing document is created with
// DefaultRules. On failure the previously loaded rules stay in effect and
// a config_load_error event is published.
func (s *Store) Load(ctx context.Context) error {
	defer logging.Timer("rules load")()

	doc, err := LoadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		doc = &Document{Version: DocumentVersion, Rules: DefaultRules(s.clock())}
		s.apply(doc)
		if err := s.Save(); err != nil {
			return err
		}
		logging.Info("wrote default sync rules", logging.Path(s.path), logging.Count(len(doc.Rules)))
		s.publish(ctx, eventbus.TypeConfigUpdated, map[string]any{"path": s.path, "rules": len(doc.Rules), "defaults": true})
		s.notify()
		return nil
	}
	if err != nil {
		logging.Warn("failed to load sync rules", logging.Path(s.path), logging.Err(err))
		s.publish(ctx, eventbus.TypeConfigLoadError, map[string]any{"path": s.path, "error": err.Error()})
		return err
	}

	s.apply(doc)
	logging.Debug("loaded sync rules", logging.Path(s.path), logging.Count(len(doc.Rules)))
	s.publish(ctx, eventbus.TypeConfigUpdated, map[string]any{"path": s.path, "rules": len(doc.Rules)})
	s.notify()
	return nil
}

func (s *Store) apply(doc *Document) {
	now := s.clock()
	rules := make(map[string]Rule, len(doc.Rules))
	for _, r := range doc.Rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = r.CreatedAt
		}
		rules[r.ID] = r
	}
	creds := make(map[string]Credential, len(doc.Credentials))
	for _, c := range doc.Credentials {
		creds[c.PlatformID] = c
	}

	s.mu.Lock()
	s.rules = rules
	s.credentials = creds
	s.mu.Unlock()
}

// Document returns a snapshot of the current rule document.
func (s *Store) Document() *Document {
	doc := &Document{Version: DocumentVersion, Rules: s.Rules()}
	s.mu.RLock()
	for _, c := range s.credentials {
		doc.Credentials = append(doc.Credentials, c)
	}
	s.mu.RUnlock()
	sort.Slice(doc.Credentials, func(i, j int) bool {
		return doc.Credentials[i].PlatformID < doc.Credentials[j].PlatformID
	})
	return doc
}

// Save writes the rule document atomically.
func (s *Store) Save() error {
	data, err := Encode(s.Document(), FormatFor(s.path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move rules into place: %w", err)
	}
	return nil
}

// Rules returns every rule sorted by category then id.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rule returns the rule with the given id.
func (s *Store) Rule(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// RulesFor returns the enabled rules for a category.
func (s *Store) RulesFor(c model.Category) []Rule {
	var out []Rule
	for _, r := range s.Rules() {
		if r.Category == c && r.IsEnabled() {
			out = append(out, r)
		}
	}
	return out
}

// AddRule validates, stores and persists a rule, assigning an id when empty.
func (s *Store) AddRule(ctx context.Context, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	now := s.clock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt, r.UpdatedAt = now, now

	s.mu.Lock()
	if _, exists := s.rules[r.ID]; exists {
		s.mu.Unlock()
		return Rule{}, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidDocument, r.ID)
	}
	s.rules[r.ID] = r
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return Rule{}, err
	}
	s.publish(ctx, eventbus.TypeRuleAdded, map[string]any{"rule_id": r.ID, "category": string(r.Category)})
	s.notify()
	return r, nil
}

// UpdateRule applies fn to a copy of the rule and stores it if still valid.
func (s *Store) UpdateRule(ctx context.Context, id string, fn func(*Rule)) error {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r.SourceKinds = slices.Clone(r.SourceKinds)
	r.TargetKinds = slices.Clone(r.TargetKinds)
	fn(&r)
	r.ID = id
	if err := r.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	r.UpdatedAt = s.clock()
	s.rules[id] = r
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return err
	}
	s.publish(ctx, eventbus.TypeRuleUpdated, map[string]any{"rule_id": id, "category": string(r.Category)})
	s.notify()
	return nil
}

// RemoveRule deletes a rule. It returns false for unknown ids.
func (s *Store) RemoveRule(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	r, ok := s.rules[id]
	delete(s.rules, id)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.Save(); err != nil {
		return true, err
	}
	s.publish(ctx, eventbus.TypeRuleDeleted, map[string]any{"rule_id": id, "category": string(r.Category)})
	s.notify()
	return true, nil
}

// OnChange registers fn to run with the new rule set after every change.
func (s *Store) OnChange(fn func([]Rule)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	callbacks := slices.Clone(s.onChange)
	s.mu.RUnlock()
	if len(callbacks) == 0 {
		return
	}
	rules := s.Rules()
	for _, fn := range callbacks {
		fn(rules)
	}
}

func (s *Store) publish(ctx context.Context, t eventbus.Type, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.New(t, Source, payload))
}

// StrategyFor returns the conflict strategy for a category: the first
// enabled rule naming one, else the store default.
func (s *Store) StrategyFor(c model.Category) model.Strategy {
	for _, r := range s.RulesFor(c) {
		if r.Strategy != "" {
			return r.Strategy
		}
	}
	return s.defaultStrategy
}

// AllowsTarget reports whether kind may receive automatic fan-out of a
// category. Categories without rules go everywhere; manual-frequency
// rules never fan out.
func (s *Store) AllowsTarget(c model.Category, kind model.PlatformKind) bool {
	rules := s.RulesFor(c)
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if r.Frequency != FrequencyManual && r.Targets(kind) {
			return true
		}
	}
	return false
}

// SecurityLevel returns the most restrictive level among a category's
// rules. Categories without rules are confidential.
func (s *Store) SecurityLevel(c model.Category) SecurityLevel {
	rules := s.RulesFor(c)
	if len(rules) == 0 {
		return SecurityConfidential
	}
	level := SecurityPublic
	for _, r := range rules {
		l := r.SecurityLevel
		if l == "" {
			l = SecurityConfidential
		}
		if l.rank() > level.rank() {
			level = l
		}
	}
	return level
}

// PlaintextAllowed reports whether deliveries of a category may carry
// decrypted content.
func (s *Store) PlaintextAllowed(c model.Category) bool {
	return s.SecurityLevel(c).PlaintextAllowed()
}

// SourcePriority returns the ranked source kinds of the first enabled rule
// for a category, highest first.
func (s *Store) SourcePriority(c model.Category) []model.PlatformKind {
	for _, r := range s.RulesFor(c) {
		if len(r.SourceKinds) > 0 {
			return slices.Clone(r.SourceKinds)
		}
	}
	return nil
}
