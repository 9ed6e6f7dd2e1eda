package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/klauern/crosssync/internal/logging"
)

// Source is the event source used for events the bus emits itself.
const Source = "event_bus"

// Options configures a Bus.
type Options struct {
	// QueueSize bounds the delivery queue. Publishing to a full queue drops the event.
	QueueSize int
	// HistorySize bounds the rolling history of accepted events.
	HistorySize int
	// MaxRetries bounds redelivery of events whose dispatch failed.
	MaxRetries int
	// RetryDelay is multiplied by the retry count before redelivery.
	RetryDelay time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the bus defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:   1000,
		HistorySize: 1000,
		MaxRetries:  3,
		RetryDelay:  time.Second,
		Clock:       time.Now,
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published          int64 `json:"published"`
	Processed          int64 `json:"processed"`
	Failed             int64 `json:"failed"`
	Dropped            int64 `json:"dropped"`
	HandlersRegistered int   `json:"handlersRegistered"`
	HandlersActive     int   `json:"handlersActive"`
	Running            bool  `json:"running"`
	QueueSize          int   `json:"queueSize"`
	RetryQueueSize     int   `json:"retryQueueSize"`
	HistorySize        int   `json:"historySize"`
}

type filter struct {
	id string
	fn func(Event) bool
}

// Bus is a priority-aware publish/subscribe router. Construct one with New
// and pass it to every component that publishes or subscribes.
type Bus struct {
	opts Options

	queue chan Event
	retry chan Event

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	handlers map[Type][]*handler
	global   []*handler
	filters  []filter

	historyMu sync.Mutex
	history   []Event

	loops    sync.WaitGroup
	inflight sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// dispatchHook runs before handlers are collected; tests use it to
	// simulate failures inside the dispatch step.
	dispatchHook func(Event) error
}

// NewBus creates a stopped bus. Zero-valued options fall back to DefaultOptions.
func NewBus(opts Options) *Bus {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Bus{
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
		retry:    make(chan Event, opts.QueueSize),
		handlers: make(map[Type][]*handler),
	}
}

// Start launches the delivery and retry loops and emits system_started.
// Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	b.loops.Add(2)
	go b.deliveryLoop(runCtx)
	go b.retryLoop(runCtx)

	logging.Debug("event bus started", slog.Int("queue_size", b.opts.QueueSize))
	b.Publish(ctx, New(TypeSystemStarted, Source, map[string]any{
		"timestamp": b.opts.Clock().Format(time.RFC3339),
	}))
}

// Stop emits system_stopped, cancels both loops and waits for queued and
// in-flight deliveries to finish. Calling Stop on a stopped bus is a no-op.
func (b *Bus) Stop() {
	if !b.Running() {
		return
	}
	b.Publish(context.Background(), New(TypeSystemStopped, Source, map[string]any{
		"timestamp": b.opts.Clock().Format(time.RFC3339),
	}))

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	cancel()
	b.loops.Wait()
	b.inflight.Wait()
	logging.Debug("event bus stopped", logging.Count(int(b.published.Load())))
}

// Running reports whether the bus accepts events.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish offers an event to the bus. It returns false when the bus is
// stopped, a filter rejects the event, the event has expired, or the queue
// is full. Critical events are delivered before Publish returns.
func (b *Bus) Publish(ctx context.Context, e Event) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.opts.Clock()
	}

	b.mu.RLock()
	running := b.running
	filters := b.filters
	b.mu.RUnlock()

	if !running {
		return false
	}
	for _, f := range filters {
		if !f.fn(e) {
			return false
		}
	}
	if e.Expired(b.opts.Clock()) {
		return false
	}

	if e.Priority == PriorityCritical {
		b.published.Add(1)
		b.remember(e)
		b.process(ctx, e)
		return true
	}

	// The running check and the enqueue share the read lock Stop must
	// acquire, so nothing lands in the queue after the final drain.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return false
	}
	select {
	case b.queue <- e:
		b.published.Add(1)
		b.remember(e)
		return true
	default:
		b.dropped.Add(1)
		logging.Warn("event queue full, dropping event", logging.Event(string(e.Type)))
		return false
	}
}

// Emit is shorthand for publishing a new normal-priority event.
func (b *Bus) Emit(ctx context.Context, t Type, source string, payload map[string]any) bool {
	return b.Publish(ctx, New(t, source, payload))
}

// Subscribe registers fn for events of type t and returns its handler id.
func (b *Bus) Subscribe(t Type, fn HandlerFunc) string {
	h := &handler{id: uuid.NewString(), typ: t, fn: fn, active: true}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
	return h.id
}

// SubscribeGlobal registers fn for every event type.
func (b *Bus) SubscribeGlobal(fn HandlerFunc) string {
	h := &handler{id: uuid.NewString(), global: true, fn: fn, active: true}
	b.mu.Lock()
	b.global = append(b.global, h)
	b.mu.Unlock()
	return h.id
}

// Unsubscribe removes a handler. It returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, list := range b.handlers {
		for i, h := range list {
			if h.id == id {
				b.handlers[t] = append(list[:i:i], list[i+1:]...)
				if len(b.handlers[t]) == 0 {
					delete(b.handlers, t)
				}
				return true
			}
		}
	}
	for i, h := range b.global {
		if h.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return true
		}
	}
	return false
}

// Activate re-enables a deactivated handler.
func (b *Bus) Activate(id string) bool {
	return b.setActive(id, true)
}

// Deactivate stops delivering to a handler without unregistering it.
// Its stats are kept.
func (b *Bus) Deactivate(id string) bool {
	return b.setActive(id, false)
}

func (b *Bus) setActive(id string, v bool) bool {
	if h := b.find(id); h != nil {
		h.setActive(v)
		return true
	}
	return false
}

func (b *Bus) find(id string) *handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, list := range b.handlers {
		for _, h := range list {
			if h.id == id {
				return h
			}
		}
	}
	for _, h := range b.global {
		if h.id == id {
			return h
		}
	}
	return nil
}

// AddFilter registers a predicate every published event must satisfy and
// returns its id.
func (b *Bus) AddFilter(fn func(Event) bool) string {
	f := filter{id: uuid.NewString(), fn: fn}
	b.mu.Lock()
	b.filters = append(b.filters[:len(b.filters):len(b.filters)], f)
	b.mu.Unlock()
	return f.id
}

// RemoveFilter removes a filter by id.
func (b *Bus) RemoveFilter(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, f := range b.filters {
		if f.id == id {
			b.filters = append(b.filters[:i:i], b.filters[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) deliveryLoop(ctx context.Context) {
	defer b.loops.Done()
	for {
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return
		case e := <-b.queue:
			b.process(ctx, e)
		}
	}
}

// drain delivers whatever is still queued when the bus stops.
func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.process(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) retryLoop(ctx context.Context) {
	defer b.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.retry:
			timer := time.NewTimer(b.opts.RetryDelay * time.Duration(e.RetryCount))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			b.process(ctx, e)
		}
	}
}

// process dispatches one event and requeues it on dispatch failure.
func (b *Bus) process(ctx context.Context, e Event) {
	err := b.dispatch(ctx, e)
	if err == nil {
		b.processed.Add(1)
		return
	}

	b.failed.Add(1)
	maxRetries := e.MaxRetries
	if maxRetries == 0 {
		maxRetries = b.opts.MaxRetries
	}
	logging.Warn("event dispatch failed",
		logging.Event(string(e.Type)),
		slog.Int("retry", e.RetryCount),
		logging.Err(err),
	)
	if e.RetryCount >= maxRetries {
		return
	}
	e.RetryCount++
	select {
	case b.retry <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: dispatch panicked: %v", r)
		}
	}()

	if e.Expired(b.opts.Clock()) {
		b.dropped.Add(1)
		return nil
	}
	if b.dispatchHook != nil {
		if err := b.dispatchHook(e); err != nil {
			return err
		}
	}

	targets := b.matching(e.Type)
	if len(targets) == 0 {
		return nil
	}

	if e.Priority == PriorityCritical {
		runAll(ctx, targets, e)
		return nil
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		runAll(ctx, targets, e)
	}()
	return nil
}

func (b *Bus) matching(t Type) []*handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*handler, 0, len(b.handlers[t])+len(b.global))
	for _, h := range b.handlers[t] {
		if h.isActive() {
			out = append(out, h)
		}
	}
	for _, h := range b.global {
		if h.isActive() {
			out = append(out, h)
		}
	}
	return out
}

// runAll invokes every handler concurrently and waits for all of them.
func runAll(ctx context.Context, handlers []*handler, e Event) {
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			if err := h.invoke(ctx, e); err != nil {
				logging.Debug("event handler failed",
					logging.Handler(h.id),
					logging.Event(string(e.Type)),
					logging.Err(err),
				)
			}
		}(h)
	}
	wg.Wait()
}

func (b *Bus) remember(e Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, e)
	if over := len(b.history) - b.opts.HistorySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

// RecentEvents returns up to limit of the most recent accepted events,
// oldest first. A non-empty t keeps only events of that type.
func (b *Bus) RecentEvents(limit int, t Type) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	src := b.history
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Event, 0, len(src))
	for _, e := range src {
		if t == "" || e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// HandlerStats returns the stats of every registered handler.
func (b *Bus) HandlerStats() []HandlerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []HandlerStats
	for _, list := range b.handlers {
		for _, h := range list {
			out = append(out, h.stats())
		}
	}
	for _, h := range b.global {
		out = append(out, h.stats())
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	registered, active := 0, 0
	count := func(h *handler) {
		registered++
		if h.isActive() {
			active++
		}
	}
	for _, list := range b.handlers {
		for _, h := range list {
			count(h)
		}
	}
	for _, h := range b.global {
		count(h)
	}
	running := b.running
	b.mu.RUnlock()

	b.historyMu.Lock()
	historySize := len(b.history)
	b.historyMu.Unlock()

	return Stats{
		Published:          b.published.Load(),
		Processed:          b.processed.Load(),
		Failed:             b.failed.Load(),
		Dropped:            b.dropped.Load(),
		HandlersRegistered: registered,
		HandlersActive:     active,
		Running:            running,
		QueueSize:          len(b.queue),
		RetryQueueSize:     len(b.retry),
		HistorySize:        historySize,
	}
}
