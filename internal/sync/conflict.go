package sync

import (
	"fmt"
	"maps"
	"time"

	"github.com/klauern/crosssync/internal/model"
)

// Resolution records which side of a conflict ended up in the record.
type Resolution string

const (
	ResolutionIncoming Resolution = "incoming"
	ResolutionStored   Resolution = "stored"
)

// Conflict is a collision between a stored write and an incoming update to
// the same record.
type Conflict struct {
	ID               string         `json:"id"`
	RecordID         string         `json:"recordId"`
	Category         model.Category `json:"category"`
	StoredPlatform   string         `json:"storedPlatform"`
	IncomingPlatform string         `json:"incomingPlatform"`
	StoredContent    map[string]any `json:"storedContent"`
	IncomingContent  map[string]any `json:"incomingContent"`
	DetectedAt       time.Time      `json:"detectedAt"`
	Strategy         model.Strategy `json:"strategy"`
	Resolved         bool           `json:"resolved"`
	Resolution       Resolution     `json:"resolution,omitempty"`
	ResolvedAt       time.Time      `json:"resolvedAt,omitzero"`
}

// Summary returns a brief description of the conflict.
func (c *Conflict) Summary() string {
	state := "unresolved"
	if c.Resolved {
		state = "kept " + string(c.Resolution)
	}
	return fmt.Sprintf("%s (%s): %s vs %s, %s, %s",
		c.RecordID, c.Category, c.StoredPlatform, c.IncomingPlatform, c.Strategy, state)
}

func (c *Conflict) resolve(r Resolution, now time.Time) {
	c.Resolved = true
	c.Resolution = r
	c.ResolvedAt = now
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.StoredContent = maps.Clone(c.StoredContent)
	out.IncomingContent = maps.Clone(c.IncomingContent)
	return out
}

// collides reports whether an update with checksum sum from source
// conflicts with the stored record. All three must hold: the content
// differs, the stored write is recent, and it came from another platform.
func collides(stored model.Record, sum, source string, now time.Time, window time.Duration) bool {
	return sum != stored.Checksum &&
		now.Sub(stored.Timestamp) <= window &&
		stored.SourcePlatform != source
}

// outranks reports whether kind ranks at or above stored in priority,
// where earlier entries rank higher. Kinds missing from the list rank
// lowest; with no list the incoming write wins.
func outranks(priority []model.PlatformKind, incoming, stored model.PlatformKind) bool {
	if len(priority) == 0 {
		return true
	}
	rank := func(k model.PlatformKind) int {
		for i, p := range priority {
			if p == k {
				return i
			}
		}
		return len(priority)
	}
	return rank(incoming) <= rank(stored)
}
