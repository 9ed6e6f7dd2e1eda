package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc reacts to an event. A returned error or a panic counts as a
// handler failure; it never affects other handlers.
type HandlerFunc func(ctx context.Context, e Event) error

// GlobalType is reported as the event type of global handlers.
const GlobalType Type = "*"

// HandlerStats describes one registered handler.
type HandlerStats struct {
	ID          string    `json:"id"`
	EventType   Type      `json:"eventType"`
	Global      bool      `json:"global"`
	Active      bool      `json:"active"`
	Handled     int64     `json:"handled"`
	Errors      int64     `json:"errors"`
	LastHandled time.Time `json:"lastHandled,omitzero"`
}

type handler struct {
	id     string
	typ    Type
	global bool
	fn     HandlerFunc

	mu          sync.Mutex
	active      bool
	handled     int64
	errors      int64
	lastHandled time.Time
}

func (h *handler) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *handler) setActive(v bool) {
	h.mu.Lock()
	h.active = v
	h.mu.Unlock()
}

// invoke runs the handler, converting panics into errors and recording
// the outcome in the handler's counters.
func (h *handler) invoke(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.id, r)
		}
		h.mu.Lock()
		if err != nil {
			h.errors++
		} else {
			h.handled++
			h.lastHandled = time.Now()
		}
		h.mu.Unlock()
	}()
	return h.fn(ctx, e)
}

func (h *handler) stats() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	typ := h.typ
	if h.global {
		typ = GlobalType
	}
	return HandlerStats{
		ID:          h.id,
		EventType:   typ,
		Global:      h.global,
		Active:      h.active,
		Handled:     h.handled,
		Errors:      h.errors,
		LastHandled: h.lastHandled,
	}
}
