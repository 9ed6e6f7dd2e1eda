package model

import (
	"fmt"
	"strings"
)

// Category is the logical data category of a sync record.
type Category string

const (
	CategoryIdentityProfile    Category = "identity"
	CategoryLongTermMemory     Category = "memory"
	CategoryConversation       Category = "conversation"
	CategoryPreferences        Category = "preferences"
	CategorySituationalContext Category = "context"
	CategoryTaskState          Category = "task_state"
	CategoryEvidenceBundle     Category = "evidence"
	CategoryNote               Category = "note"
)

// CapabilityPrefix prefixes a category to form its access capability.
const CapabilityPrefix = "access_"

// IsValid returns true if the category is recognized
func (c Category) IsValid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// AllCategories returns all record categories
func AllCategories() []Category {
	return []Category{
		CategoryIdentityProfile,
		CategoryLongTermMemory,
		CategoryConversation,
		CategoryPreferences,
		CategorySituationalContext,
		CategoryTaskState,
		CategoryEvidenceBundle,
		CategoryNote,
	}
}

// Capability returns the capability a platform must declare to read
// records of this category, e.g. "access_memory".
func (c Category) Capability() string {
	return CapabilityPrefix + string(c)
}

// Description returns a human-readable name.
func (c Category) Description() string {
	switch c {
	case CategoryIdentityProfile:
		return "Identity profile"
	case CategoryLongTermMemory:
		return "Long-term memory"
	case CategoryConversation:
		return "Conversation"
	case CategoryPreferences:
		return "Preferences"
	case CategorySituationalContext:
		return "Situational context"
	case CategoryTaskState:
		return "Task state"
	case CategoryEvidenceBundle:
		return "Evidence bundle"
	case CategoryNote:
		return "Note"
	default:
		return string(c)
	}
}

var categoryAliases = map[string]Category{
	"identity-profile":    CategoryIdentityProfile,
	"personality":         CategoryIdentityProfile,
	"long-term-memory":    CategoryLongTermMemory,
	"situational-context": CategorySituationalContext,
	"task-state":          CategoryTaskState,
	"evidence-bundle":     CategoryEvidenceBundle,
}

// ParseCategory parses a category by its short or long name.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if c := Category(name); c.IsValid() {
		return c, nil
	}
	if c, ok := categoryAliases[name]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}
