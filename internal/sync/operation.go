package sync

import (
	"slices"
	"time"

	"github.com/klauern/crosssync/internal/model"
)

// OperationStatus is the state of a sync operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation propagates one record mutation to a set of target platforms.
type Operation struct {
	ID         string              `json:"id"`
	RecordID   string              `json:"recordId"`
	Kind       model.OperationKind `json:"kind"`
	Category   model.Category      `json:"category"`
	Source     string              `json:"source"`
	Targets    []string            `json:"targets"`
	Status     OperationStatus     `json:"status"`
	RetryCount int                 `json:"retryCount"`
	MaxRetries int                 `json:"maxRetries"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	// Delivered lists targets that accepted the operation. Later passes
	// skip them.
	Delivered []string `json:"delivered,omitempty"`
	// Exhausted is set once the retry limit was reached; only RetryOperation
	// re-dispatches an exhausted operation.
	Exhausted bool `json:"exhausted,omitempty"`
	// Replaced lists targets a newer operation on the same record took
	// over before this one reached them. They are never delivered.
	Replaced []string `json:"replaced,omitempty"`

	// record is the record as it was when the operation was created.
	record model.Record
}

func (o *Operation) clone() Operation {
	c := *o
	c.Targets = slices.Clone(o.Targets)
	c.Delivered = slices.Clone(o.Delivered)
	c.Replaced = slices.Clone(o.Replaced)
	return c
}

func (o *Operation) delivered(target string) bool {
	return slices.Contains(o.Delivered, target)
}

func (o *Operation) replaced(target string) bool {
	return slices.Contains(o.Replaced, target)
}

// replace hands the targets still owed this operation that also appear in
// targets over to a newer operation. It reports whether any were taken.
func (o *Operation) replace(targets []string) bool {
	taken := false
	for _, t := range o.Targets {
		if slices.Contains(targets, t) && !o.delivered(t) && !o.replaced(t) {
			o.Replaced = append(o.Replaced, t)
			taken = true
		}
	}
	return taken
}

// settled reports whether every target was either delivered or replaced.
func (o *Operation) settled() bool {
	for _, t := range o.Targets {
		if !o.delivered(t) && !o.replaced(t) {
			return false
		}
	}
	return true
}

// Backoff returns base·2^retries capped at limit.
func Backoff(retries int, base, limit time.Duration) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 30 {
		return limit
	}
	d := base << retries
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
