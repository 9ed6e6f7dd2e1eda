// Package eventbus is the in-process publish/subscribe router that decouples
// state changes in the sync engine from the components reacting to them.
//
// Events are queued on a bounded channel and delivered by a single delivery
// loop. Critical events bypass the queue and are delivered synchronously to
// all matching handlers before Publish returns; everything else is handed to
// a detached goroutine so a slow handler never blocks the loop. Deliveries
// that fail inside the bus itself are requeued on a retry queue with a
// linear backoff.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

// Record lifecycle.
const (
	TypeDataCreated        Type = "data_created"
	TypeDataUpdated        Type = "data_updated"
	TypeDataDeleted        Type = "data_deleted"
	TypeDataSynced         Type = "data_synced"
	TypeDataReceived       Type = "data_received"
	TypeDataIntegrityError Type = "data_integrity_error"
)

// Platform lifecycle.
const (
	TypePlatformRegistered    Type = "platform_registered"
	TypePlatformUnregistered  Type = "platform_unregistered"
	TypePlatformConnected     Type = "platform_connected"
	TypePlatformDisconnected  Type = "platform_disconnected"
	TypePlatformError         Type = "platform_error"
	TypePlatformStatusChanged Type = "platform_status_changed"
	TypePlatformInactive      Type = "platform_inactive"
	TypePlatformDegraded      Type = "platform_degraded"
)

// Sync lifecycle.
const (
	TypeSyncStarted            Type = "sync_started"
	TypeSyncCompleted          Type = "sync_completed"
	TypeSyncFailed             Type = "sync_failed"
	TypeSyncConflict           Type = "sync_conflict"
	TypeSyncOperationCompleted Type = "sync_operation_completed"
	TypeSyncError              Type = "sync_error"
	TypeSyncServiceStarted     Type = "sync_service_started"
	TypeSyncServiceStopped     Type = "sync_service_stopped"
)

// Configuration.
const (
	TypeConfigUpdated   Type = "config_updated"
	TypeConfigLoadError Type = "config_load_error"
	TypeRuleAdded       Type = "rule_added"
	TypeRuleUpdated     Type = "rule_updated"
	TypeRuleDeleted     Type = "rule_deleted"
)

// System lifecycle.
const (
	TypeSystemStarted Type = "system_started"
	TypeSystemStopped Type = "system_stopped"
	TypeHealthCheck   Type = "health_check"
	TypeErrorOccurred Type = "error_occurred"
	TypeCustom        Type = "custom"
)

// AllTypes returns every event type in the closed enumeration.
func AllTypes() []Type {
	return []Type{
		TypeDataCreated, TypeDataUpdated, TypeDataDeleted, TypeDataSynced, TypeDataReceived, TypeDataIntegrityError,
		TypePlatformRegistered, TypePlatformUnregistered, TypePlatformConnected, TypePlatformDisconnected,
		TypePlatformError, TypePlatformStatusChanged, TypePlatformInactive, TypePlatformDegraded,
		TypeSyncStarted, TypeSyncCompleted, TypeSyncFailed, TypeSyncConflict, TypeSyncOperationCompleted,
		TypeSyncError, TypeSyncServiceStarted, TypeSyncServiceStopped,
		TypeConfigUpdated, TypeConfigLoadError, TypeRuleAdded, TypeRuleUpdated, TypeRuleDeleted,
		TypeSystemStarted, TypeSystemStopped, TypeHealthCheck, TypeErrorOccurred, TypeCustom,
	}
}

// IsValid returns true if the type is part of the enumeration.
func (t Type) IsValid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders events. Critical events are delivered synchronously.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is a single message on the bus.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries,omitempty"`
	ExpiresAt     time.Time      `json:"expiresAt,omitzero"`
}

// New creates a normal-priority event with a fresh id and timestamp.
func New(t Type, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}

// WithPriority returns a copy of e with priority p.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// WithTarget returns a copy of e addressed to target.
func (e Event) WithTarget(target string) Event {
	e.Target = target
	return e
}

// WithCorrelation returns a copy of e carrying correlation id cid.
func (e Event) WithCorrelation(cid string) Event {
	e.CorrelationID = cid
	return e
}

// WithTTL returns a copy of e that expires ttl after its timestamp.
func (e Event) WithTTL(ttl time.Duration) Event {
	e.ExpiresAt = e.Timestamp.Add(ttl)
	return e
}

// Expired reports whether the event's expiry has been reached at now. An
// event is expired from the instant of its expiry time onwards.
func (e Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// PayloadString returns the payload value for key as a string, or "".
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
