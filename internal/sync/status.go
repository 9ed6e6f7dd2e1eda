package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/klauern/crosssync/internal/adapter"
	"github.com/klauern/crosssync/internal/model"
)

// PlatformStatus is a registered platform as seen by status reporting.
type PlatformStatus struct {
	ID           string             `json:"id"`
	Kind         model.PlatformKind `json:"kind"`
	Version      string             `json:"version"`
	Live         bool               `json:"live"`
	LastSeen     time.Time          `json:"lastSeen"`
	Age          time.Duration      `json:"age"`
	Capabilities []string           `json:"capabilities"`
	Connected    bool               `json:"connected"`
	Degraded     bool               `json:"degraded"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running    bool                    `json:"running"`
	Platforms  []PlatformStatus        `json:"platforms"`
	Records    int                     `json:"records"`
	Operations map[OperationStatus]int `json:"operations"`
	Conflicts  int                     `json:"conflicts"`
	Unresolved int                     `json:"unresolved"`
	Adapters   adapter.ManagerStatus   `json:"adapters"`
	// Deleted counts the delete operations still tracked.
	Deleted int       `json:"deleted"`
	At      time.Time `json:"at"`
}

// Live returns the platforms whose liveness is set.
func (s *Status) Live() []PlatformStatus {
	var out []PlatformStatus
	for _, p := range s.Platforms {
		if p.Live {
			out = append(out, p)
		}
	}
	return out
}

// Failed returns the number of failed operations.
func (s *Status) Failed() int {
	return s.Operations[StatusFailed]
}

// Healthy returns true if no operation failed and no conflict is waiting.
func (s *Status) Healthy() bool {
	return s.Failed() == 0 && s.Unresolved == 0
}

// Status collects a snapshot of platforms, records, operations and conflicts.
func (e *Engine) Status(ctx context.Context) Status {
	now := e.now()
	st := Status{
		Running:    e.Running(),
		Operations: make(map[OperationStatus]int),
		Adapters:   e.adapters.Status(),
		At:         now,
	}
	connected := make(map[string]adapter.Status, len(st.Adapters.Adapters))
	for _, a := range st.Adapters.Adapters {
		connected[a.PlatformID] = a
	}

	for _, p := range e.Platforms() {
		a := connected[p.ID]
		st.Platforms = append(st.Platforms, PlatformStatus{
			ID:           p.ID,
			Kind:         p.Kind,
			Version:      p.Version,
			Live:         p.Live,
			LastSeen:     p.LastSeen,
			Age:          lastSeenAge(now, p.LastSeen),
			Capabilities: p.Capabilities,
			Connected:    a.Connected,
			Degraded:     a.Degraded,
		})
	}
	if n, err := e.records.Count(ctx); err == nil {
		st.Records = n
	}

	e.mu.RLock()
	for _, op := range e.operations {
		st.Operations[op.Status]++
		if op.Kind == model.OpDelete {
			st.Deleted++
		}
	}
	st.Conflicts = len(e.conflicts)
	for _, c := range e.conflicts {
		if !c.Resolved {
			st.Unresolved++
		}
	}
	e.mu.RUnlock()
	return st
}

// Summary returns a human-readable summary of the snapshot.
func (s *Status) Summary() string {
	var sb strings.Builder

	state := "stopped"
	if s.Running {
		state = "running"
	}
	sb.WriteString(fmt.Sprintf("Sync service %s, %d/%d platforms live\n",
		state, len(s.Live()), len(s.Platforms)))

	sb.WriteString(fmt.Sprintf("  Records:     %d\n", s.Records))
	sb.WriteString(fmt.Sprintf("  Pending:     %d\n", s.Operations[StatusPending]))
	sb.WriteString(fmt.Sprintf("  In progress: %d\n", s.Operations[StatusInProgress]))
	sb.WriteString(fmt.Sprintf("  Completed:   %d\n", s.Operations[StatusCompleted]))
	sb.WriteString(fmt.Sprintf("  Failed:      %d\n", s.Failed()))
	sb.WriteString(fmt.Sprintf("  Conflicts:   %d (%d unresolved)\n", s.Conflicts, s.Unresolved))

	if len(s.Platforms) > 0 {
		sb.WriteString("\nPlatforms:\n")
		for _, p := range s.Platforms {
			mark := "inactive"
			switch {
			case p.Live && p.Degraded:
				mark = "degraded"
			case p.Live:
				mark = "live"
			}
			sb.WriteString(fmt.Sprintf("  - %s (%s) %s, seen %s ago\n", p.ID, p.Kind, mark, p.Age))
		}
	}

	return sb.String()
}

func lastSeenAge(now, seen time.Time) time.Duration {
	if seen.IsZero() {
		return 0
	}
	return now.Sub(seen).Truncate(time.Second)
}
