// Package rules manages the sync rule document: per-category rules that
// decide fan-out targets, plaintext delivery and conflict strategy, plus
// platform credentials encrypted at rest.
package rules

import (
	"fmt"
	"slices"
	"time"

	"github.com/klauern/crosssync/internal/model"
)

// Frequency is how eagerly a category is propagated.
type Frequency string

const (
	FrequencyRealTime  Frequency = "real_time"
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	// FrequencyManual categories are never fanned out automatically.
	FrequencyManual Frequency = "manual"
)

// SecurityLevel classifies how sensitive a category is.
type SecurityLevel string

const (
	SecurityPublic       SecurityLevel = "public"
	SecurityInternal     SecurityLevel = "internal"
	SecurityConfidential SecurityLevel = "confidential"
	SecurityRestricted   SecurityLevel = "restricted"
)

// PlaintextAllowed reports whether decrypted content may accompany deliveries.
func (l SecurityLevel) PlaintextAllowed() bool {
	return l == SecurityPublic || l == SecurityInternal
}

// rank orders levels from least to most sensitive.
func (l SecurityLevel) rank() int {
	switch l {
	case SecurityPublic:
		return 0
	case SecurityInternal:
		return 1
	case SecurityConfidential:
		return 2
	default:
		return 3
	}
}

// Rule governs synchronization of one category.
type Rule struct {
	ID            string               `json:"id"`
	Name          string               `json:"name,omitempty"`
	Category      model.Category       `json:"category"`
	SourceKinds   []model.PlatformKind `json:"source_kinds,omitempty"`
	TargetKinds   []model.PlatformKind `json:"target_kinds,omitempty"`
	Frequency     Frequency            `json:"frequency,omitempty"`
	SecurityLevel SecurityLevel        `json:"security_level,omitempty"`
	Strategy      model.Strategy       `json:"strategy,omitempty"`
	Filters       map[string]any       `json:"filters,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled   *bool     `json:"enabled,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// IsEnabled reports whether the rule is active.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Targets reports whether kind may receive the category. An empty target
// list admits every kind.
func (r Rule) Targets(kind model.PlatformKind) bool {
	return len(r.TargetKinds) == 0 || slices.Contains(r.TargetKinds, kind)
}

// Validate checks the fields the schema cannot express.
func (r Rule) Validate() error {
	if !r.Category.IsValid() {
		return fmt.Errorf("rule %q: unknown category %q", r.ID, r.Category)
	}
	if r.Strategy != "" && !r.Strategy.IsValid() {
		return fmt.Errorf("rule %q: unknown strategy %q", r.ID, r.Strategy)
	}
	for _, k := range append(slices.Clone(r.SourceKinds), r.TargetKinds...) {
		if !k.IsValid() {
			return fmt.Errorf("rule %q: unknown platform kind %q", r.ID, k)
		}
	}
	return nil
}

// Credential is a platform secret. Value holds the encrypted secret.
type Credential struct {
	PlatformID string             `json:"platform_id"`
	Kind       model.PlatformKind `json:"kind,omitempty"`
	Value      string             `json:"value"`
	ExpiresAt  time.Time          `json:"expires_at,omitzero"`
	CreatedAt  time.Time          `json:"created_at,omitzero"`
	LastUsed   time.Time          `json:"last_used,omitzero"`
}

// Expired reports whether the credential has an expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Document is the on-disk rule document.
type Document struct {
	Version     int          `json:"version"`
	Rules       []Rule       `json:"rules"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// DocumentVersion is the rule document format version.
const DocumentVersion = 1

func enabled(v bool) *bool { return &v }

// DefaultRules returns the rules written when no rule document exists.
func DefaultRules(now time.Time) []Rule {
	return []Rule{
		{
			ID:            "default-identity",
			Name:          "Identity profile sync",
			Category:      model.CategoryIdentityProfile,
			SourceKinds:   []model.PlatformKind{model.KindGeneric},
			TargetKinds:   []model.PlatformKind{model.KindHTTPExtension, model.KindVaultFilesystem, model.KindLauncherExtension},
			Frequency:     FrequencyRealTime,
			SecurityLevel: SecurityInternal,
			Strategy:      model.StrategyLatestWins,
			Enabled:       enabled(true),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:            "default-memory",
			Name:          "Memory sync",
			Category:      model.CategoryLongTermMemory,
			SourceKinds:   model.AllKinds(),
			TargetKinds:   model.AllKinds(),
			Frequency:     FrequencyImmediate,
			SecurityLevel: SecurityConfidential,
			Strategy:      model.StrategyLatestWins,
			Enabled:       enabled(true),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:            "default-preferences",
			Name:          "Preference sync",
			Category:      model.CategoryPreferences,
			SourceKinds:   model.AllKinds(),
			TargetKinds:   model.AllKinds(),
			Frequency:     FrequencyHourly,
			SecurityLevel: SecurityInternal,
			Strategy:      model.StrategyLatestWins,
			Enabled:       enabled(true),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}
