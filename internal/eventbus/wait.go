package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// waiter is a transient handler that captures the first matching event.
type waiter struct {
	bus *Bus
	id  string
	ch  chan Event
}

func (b *Bus) newWaiter(t Type, pred func(Event) bool) *waiter {
	w := &waiter{bus: b, ch: make(chan Event, 1)}
	w.id = b.Subscribe(t, func(_ context.Context, e Event) error {
		if pred != nil && !pred(e) {
			return nil
		}
		select {
		case w.ch <- e:
		default:
		}
		return nil
	})
	return w
}

// wait blocks until an event arrives, the timeout elapses or ctx ends,
// then removes the transient handler. A zero timeout waits on ctx alone.
func (w *waiter) wait(ctx context.Context, timeout time.Duration) (Event, bool) {
	defer w.bus.Unsubscribe(w.id)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case e := <-w.ch:
		return e, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// WaitForEvent blocks until an event of type t satisfying pred (if non-nil)
// is delivered, or the timeout elapses.
func (b *Bus) WaitForEvent(ctx context.Context, t Type, timeout time.Duration, pred func(Event) bool) (Event, bool) {
	return b.newWaiter(t, pred).wait(ctx, timeout)
}

// EmitAndWait publishes e and waits for a response of type responseType
// carrying the same correlation id. A correlation id is assigned when e has
// none. The waiter is registered before publishing so a fast response is
// never missed.
func (b *Bus) EmitAndWait(ctx context.Context, e Event, responseType Type, timeout time.Duration) (Event, bool) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	cid := e.CorrelationID
	w := b.newWaiter(responseType, func(r Event) bool { return r.CorrelationID == cid })
	if !b.Publish(ctx, e) {
		b.Unsubscribe(w.id)
		return Event{}, false
	}
	return w.wait(ctx, timeout)
}
