package eventbus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauern/crosssync/internal/util"
)

func startBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := NewBus(opts)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func TestPublish_RejectedWhenStopped(t *testing.T) {
	b := NewBus(DefaultOptions())
	if b.Publish(context.Background(), New(TypeCustom, "test", nil)) {
		t.Error("Publish() on a stopped bus should be rejected")
	}
	if got := len(b.RecentEvents(0, "")); got != 0 {
		t.Errorf("history has %d events, want 0", got)
	}
}

func TestStartStop_EmitsSystemEvents(t *testing.T) {
	b := NewBus(DefaultOptions())

	var mu sync.Mutex
	var seen []Type
	b.SubscribeGlobal(func(_ context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})

	b.Start(context.Background())
	b.Start(context.Background())
	b.Stop()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !slices.Contains(seen, TypeSystemStarted) || !slices.Contains(seen, TypeSystemStopped) {
		t.Errorf("delivered types = %v, want system_started and system_stopped once each", seen)
	}
	if b.Running() {
		t.Error("bus still running after Stop()")
	}
}

func TestPublish_ExpiredNeverDelivered(t *testing.T) {
	b := startBus(t, DefaultOptions())

	var delivered atomic.Bool
	b.Subscribe(TypeCustom, func(context.Context, Event) error {
		delivered.Store(true)
		return nil
	})

	e := New(TypeCustom, "test", nil)
	e.ExpiresAt = time.Now().Add(-time.Millisecond)

	if b.Publish(context.Background(), e) {
		t.Error("Publish() of an expired event should be rejected")
	}
	if got := b.RecentEvents(0, TypeCustom); len(got) != 0 {
		t.Errorf("expired event appeared in history: %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if delivered.Load() {
		t.Error("expired event was delivered")
	}
}

func TestPublish_ExpiresAtCurrentInstant(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := startBus(t, Options{Clock: func() time.Time { return now }})

	e := New(TypeCustom, "test", nil)
	e.ExpiresAt = now
	if b.Publish(context.Background(), e) {
		t.Error("Publish() of an event expiring at the current instant should be rejected")
	}

	e = New(TypeCustom, "test", nil)
	e.ExpiresAt = now.Add(time.Nanosecond)
	if !b.Publish(context.Background(), e) {
		t.Error("Publish() of an event expiring after now should be accepted")
	}
}

func TestPublish_AcceptedEventsSurviveStop(t *testing.T) {
	for round := 0; round < 20; round++ {
		b := NewBus(Options{QueueSize: 10000})
		var handled atomic.Int64
		b.Subscribe(TypeCustom, func(context.Context, Event) error {
			handled.Add(1)
			return nil
		})
		b.Start(context.Background())

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 500 {
					if b.Publish(context.Background(), New(TypeCustom, "test", nil)) {
						accepted.Add(1)
					}
				}
			}()
		}
		time.Sleep(time.Millisecond)
		b.Stop()
		wg.Wait()

		if got, want := handled.Load(), accepted.Load(); got != want {
			t.Fatalf("round %d: handled %d events, accepted %d", round, got, want)
		}
	}
}

func TestPublish_Filters(t *testing.T) {
	b := startBus(t, DefaultOptions())

	id := b.AddFilter(func(e Event) bool { return e.Source != "blocked" })

	if b.Publish(context.Background(), New(TypeCustom, "blocked", nil)) {
		t.Error("filtered event should be rejected")
	}
	if !b.Publish(context.Background(), New(TypeCustom, "allowed", nil)) {
		t.Error("unfiltered event should be accepted")
	}

	if !b.RemoveFilter(id) {
		t.Fatal("RemoveFilter() returned false for a known filter")
	}
	if b.RemoveFilter(id) {
		t.Error("RemoveFilter() twice should return false")
	}
	if !b.Publish(context.Background(), New(TypeCustom, "blocked", nil)) {
		t.Error("event should be accepted after its filter is removed")
	}
}

func TestPublish_QueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := NewBus(Options{QueueSize: 1})
	b.dispatchHook = func(e Event) error {
		if e.Type == TypeSystemStarted {
			<-release
		}
		return nil
	}
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	// The delivery loop is now parked on system_started.
	util.Eventually(t, time.Second, func() bool { return b.Stats().QueueSize == 0 }, "loop never picked up system_started")

	if !b.Publish(context.Background(), New(TypeCustom, "test", nil)) {
		t.Fatal("first publish should fill the queue")
	}
	if b.Publish(context.Background(), New(TypeCustom, "test", nil)) {
		t.Error("publish to a full queue should be rejected")
	}
	if got := b.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestPublish_CriticalIsSynchronous(t *testing.T) {
	b := startBus(t, DefaultOptions())

	var handled atomic.Int32
	b.Subscribe(TypeSyncConflict, func(context.Context, Event) error {
		time.Sleep(10 * time.Millisecond)
		handled.Add(1)
		return nil
	})
	b.SubscribeGlobal(func(_ context.Context, e Event) error {
		if e.Type == TypeSyncConflict {
			handled.Add(1)
		}
		return nil
	})

	e := New(TypeSyncConflict, "engine", nil).WithPriority(PriorityCritical)
	if !b.Publish(context.Background(), e) {
		t.Fatal("critical publish rejected")
	}
	if got := handled.Load(); got != 2 {
		t.Errorf("handlers run before Publish returned = %d, want 2", got)
	}
}

func TestHandlerIsolation(t *testing.T) {
	b := startBus(t, DefaultOptions())

	var ok atomic.Int32
	failing := b.Subscribe(TypeCustom, func(context.Context, Event) error { return errors.New("boom") })
	panicking := b.Subscribe(TypeCustom, func(context.Context, Event) error { panic("kaboom") })
	good := b.Subscribe(TypeCustom, func(context.Context, Event) error {
		ok.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		b.Publish(context.Background(), New(TypeCustom, "test", nil))
	}
	util.Eventually(t, time.Second, func() bool { return ok.Load() == 3 }, "good handler missed events")

	stats := map[string]HandlerStats{}
	util.Eventually(t, time.Second, func() bool {
		for _, s := range b.HandlerStats() {
			stats[s.ID] = s
		}
		return stats[failing].Errors == 3 && stats[panicking].Errors == 3
	}, "handler errors not counted")

	if stats[good].Handled != 3 || stats[good].Errors != 0 {
		t.Errorf("good handler stats = %+v", stats[good])
	}
	if stats[good].LastHandled.IsZero() {
		t.Error("LastHandled not recorded")
	}
}

func TestDeactivate_PreservesStats(t *testing.T) {
	b := startBus(t, DefaultOptions())

	var n atomic.Int32
	id := b.Subscribe(TypeCustom, func(context.Context, Event) error {
		n.Add(1)
		return nil
	})

	critical := func() {
		b.Publish(context.Background(), New(TypeCustom, "test", nil).WithPriority(PriorityCritical))
	}

	critical()
	if !b.Deactivate(id) {
		t.Fatal("Deactivate() returned false")
	}
	critical()
	if n.Load() != 1 {
		t.Errorf("deactivated handler ran: count = %d", n.Load())
	}

	st := b.Stats()
	if st.HandlersRegistered != 1 || st.HandlersActive != 0 {
		t.Errorf("stats = %+v, want 1 registered / 0 active", st)
	}

	b.Activate(id)
	critical()
	if n.Load() != 2 {
		t.Errorf("reactivated handler count = %d, want 2", n.Load())
	}
	if hs := b.HandlerStats(); len(hs) != 1 || hs[0].Handled != 2 {
		t.Errorf("handler stats = %+v", hs)
	}

	if b.Deactivate("missing") {
		t.Error("Deactivate() of unknown id should return false")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(DefaultOptions())
	id := b.Subscribe(TypeDataCreated, func(context.Context, Event) error { return nil })
	gid := b.SubscribeGlobal(func(context.Context, Event) error { return nil })

	if !b.Unsubscribe(id) || !b.Unsubscribe(gid) {
		t.Fatal("Unsubscribe() of registered handlers returned false")
	}
	if b.Unsubscribe(id) {
		t.Error("second Unsubscribe() should return false")
	}
	if got := b.Stats().HandlersRegistered; got != 0 {
		t.Errorf("HandlersRegistered = %d, want 0", got)
	}
}

func TestWaitForEvent(t *testing.T) {
	b := startBus(t, DefaultOptions())
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		if _, ok := b.WaitForEvent(ctx, TypeDataSynced, 20*time.Millisecond, nil); ok {
			t.Error("WaitForEvent() should time out")
		}
	})

	t.Run("predicate", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			b.Emit(ctx, TypeDataSynced, "engine", map[string]any{"record_id": "other"})
			b.Emit(ctx, TypeDataSynced, "engine", map[string]any{"record_id": "wanted"})
		}()

		e, ok := b.WaitForEvent(ctx, TypeDataSynced, time.Second, func(e Event) bool {
			return e.PayloadString("record_id") == "wanted"
		})
		if !ok || e.PayloadString("record_id") != "wanted" {
			t.Errorf("WaitForEvent() = %+v, %v", e, ok)
		}
	})

	util.Eventually(t, time.Second, func() bool { return b.Stats().HandlersRegistered == 0 }, "transient handlers left registered")
}

func TestEmitAndWait(t *testing.T) {
	b := startBus(t, DefaultOptions())
	ctx := context.Background()

	b.Subscribe(TypeHealthCheck, func(ctx context.Context, req Event) error {
		resp := New(TypePlatformStatusChanged, "responder", map[string]any{"healthy": true}).
			WithCorrelation(req.CorrelationID)
		b.Publish(ctx, resp)
		return nil
	})

	resp, ok := b.EmitAndWait(ctx, New(TypeHealthCheck, "caller", nil), TypePlatformStatusChanged, time.Second)
	if !ok {
		t.Fatal("EmitAndWait() timed out")
	}
	if resp.CorrelationID == "" || resp.Source != "responder" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestDispatchFailureRetries(t *testing.T) {
	b := NewBus(Options{RetryDelay: time.Millisecond})
	var attempts atomic.Int32
	b.dispatchHook = func(e Event) error {
		if e.Type == TypeCustom && attempts.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	var got atomic.Int32
	var retryCount atomic.Int32
	b.Subscribe(TypeCustom, func(_ context.Context, e Event) error {
		got.Add(1)
		retryCount.Store(int32(e.RetryCount))
		return nil
	})

	b.Publish(context.Background(), New(TypeCustom, "test", nil))

	util.Eventually(t, time.Second, func() bool { return got.Load() == 1 }, "event never redelivered")
	if retryCount.Load() != 2 {
		t.Errorf("delivered RetryCount = %d, want 2", retryCount.Load())
	}
	if failed := b.Stats().Failed; failed != 2 {
		t.Errorf("Failed = %d, want 2", failed)
	}
}

func TestDispatchFailure_GivesUpAfterMaxRetries(t *testing.T) {
	b := NewBus(Options{RetryDelay: time.Millisecond, MaxRetries: 2})
	var attempts atomic.Int32
	b.dispatchHook = func(e Event) error {
		if e.Type == TypeCustom {
			attempts.Add(1)
			return errors.New("permanent")
		}
		return nil
	}
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	b.Publish(context.Background(), New(TypeCustom, "test", nil))

	util.Eventually(t, time.Second, func() bool { return attempts.Load() == 3 }, "retries not attempted")
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != 3 {
		t.Errorf("dispatch attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestRecentEvents_BoundedHistory(t *testing.T) {
	b := startBus(t, Options{HistorySize: 3})

	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), TypeDataUpdated, "test", map[string]any{"i": i})
	}
	b.Emit(context.Background(), TypeDataDeleted, "test", nil)

	all := b.RecentEvents(0, "")
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3", len(all))
	}
	if all[2].Type != TypeDataDeleted {
		t.Errorf("newest event = %s, want data_deleted", all[2].Type)
	}

	if got := b.RecentEvents(2, TypeDataUpdated); len(got) != 1 {
		t.Errorf("RecentEvents(2, data_updated) = %d events, want 1", len(got))
	}
}
