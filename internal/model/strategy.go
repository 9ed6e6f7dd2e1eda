package model

import (
	"fmt"
	"strings"
)

// Strategy names how a colliding update is adjudicated.
type Strategy string

const (
	// StrategyLatestWins applies the incoming update over the stored one.
	StrategyLatestWins Strategy = "latest-wins"
	// StrategyManual records the conflict and leaves the record untouched
	// until someone resolves it.
	StrategyManual Strategy = "manual"
	// StrategySourcePriority lets the incoming update win only when its
	// platform kind ranks at or above the stored writer's kind.
	StrategySourcePriority Strategy = "source-priority"
)

// IsValid returns true if the strategy is recognized
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLatestWins, StrategyManual, StrategySourcePriority:
		return true
	}
	return false
}

// AllStrategies returns every conflict strategy.
func AllStrategies() []Strategy {
	return []Strategy{StrategyLatestWins, StrategyManual, StrategySourcePriority}
}

// ParseStrategy converts a name into a Strategy. Underscores are accepted
// in place of hyphens.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !st.IsValid() {
		return "", fmt.Errorf("unknown conflict strategy: %q", s)
	}
	return st, nil
}

// Description returns a human-readable description of the strategy.
func (s Strategy) Description() string {
	switch s {
	case StrategyLatestWins:
		return "Apply the most recent write over the stored record"
	case StrategyManual:
		return "Keep the stored record and wait for a manual decision"
	case StrategySourcePriority:
		return "Prefer the write from the higher-ranked platform kind"
	default:
		return "Unknown strategy"
	}
}
