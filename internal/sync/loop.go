package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
)

// Start launches the background loop. It returns false if the loop is
// already running.
func (e *Engine) Start(ctx context.Context) bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopCancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	go e.run(loopCtx, e.loopDone)

	logging.Info("sync service started", "interval", e.cfg.Interval.String())
	e.publish(ctx, eventbus.TypeSyncServiceStarted, map[string]any{
		"interval_seconds": e.cfg.Interval.Seconds(),
	})
	return true
}

// Stop halts the background loop and waits for the current iteration. It
// returns false if the loop was not running.
func (e *Engine) Stop() bool {
	e.loopMu.Lock()
	cancel, done := e.loopCancel, e.loopDone
	e.loopCancel, e.loopDone = nil, nil
	e.loopMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done

	logging.Info("sync service stopped")
	e.publish(context.Background(), eventbus.TypeSyncServiceStopped, nil)
	return true
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.loopCancel != nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := e.cfg.Interval
		if err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Error("sync loop iteration failed", logging.Err(err))
			e.publishEvent(ctx, eventbus.New(eventbus.TypeSyncError, Source, map[string]any{
				"error": err.Error(),
			}).WithPriority(eventbus.PriorityHigh))
			wait = e.cfg.RecoveryDelay
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// RunOnce performs one loop iteration: health checks and staleness,
// retries of failed operations, integrity verification and cleanup. A
// panic in any phase is returned as an error.
func (e *Engine) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync loop panicked: %v", r)
		}
	}()

	var errs []error
	if err := e.checkHealth(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health check: %w", err))
	}
	e.retrySweep(ctx)
	if err := e.integritySweep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("integrity check: %w", err))
	}
	e.cleanup()
	return errors.Join(errs...)
}

// checkHealth refreshes platforms whose adapters answer and clears the
// liveness of platforms not seen within StaleAfter. platform_inactive is
// published once per transition.
func (e *Engine) checkHealth(ctx context.Context) error {
	for id, healthy := range e.adapters.HealthCheckAll(ctx) {
		if healthy {
			e.Heartbeat(ctx, id)
		}
	}

	now := e.now()
	var inactive []eventbus.Event
	e.mu.Lock()
	for id, p := range e.platforms {
		if !p.Live || !p.Stale(now, e.cfg.StaleAfter) {
			continue
		}
		p.Live = false
		e.platforms[id] = p
		inactive = append(inactive, eventbus.New(eventbus.TypePlatformInactive, Source, map[string]any{
			"platform_id": id,
			"kind":        string(p.Kind),
			"last_seen":   p.LastSeen,
		}))
	}
	e.mu.Unlock()

	if len(inactive) == 0 {
		return nil
	}
	for _, ev := range inactive {
		logging.Info("platform inactive", logging.Platform(ev.PayloadString("platform_id")))
		e.publishEvent(ctx, ev)
	}
	return e.persist()
}

// retrySweep re-dispatches failed operations that still have retries left
// once their backoff has elapsed.
func (e *Engine) retrySweep(ctx context.Context) {
	now := e.now()
	var due []string
	e.mu.RLock()
	for id, op := range e.operations {
		if op.Status != StatusFailed || op.Exhausted || e.executing[id] || op.RetryCount >= e.cfg.MaxRetries {
			continue
		}
		if now.Sub(op.UpdatedAt) > Backoff(op.RetryCount, e.cfg.BackoffBase, e.cfg.BackoffMax) {
			due = append(due, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		logging.Debug("retrying failed operation", logging.Operation(id))
		e.dispatch(id)
	}
}

// integritySweep checks every record's checksum against its decrypted
// content.
func (e *Engine) integritySweep(ctx context.Context) error {
	records, err := e.records.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		ok, err := e.sealer.Verify(rec)
		if ok {
			continue
		}
		payload := map[string]any{
			"record_id": rec.ID,
			"category":  string(rec.Category),
			"version":   rec.Version,
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		logging.Error("record failed integrity check", logging.Record(rec.ID), logging.Err(err))
		e.publishEvent(ctx, eventbus.New(eventbus.TypeDataIntegrityError, Source, payload).
			WithPriority(eventbus.PriorityHigh))
	}
	return nil
}

// cleanup drops resolved conflicts and finished operations older than
// Retention. Failed operations with retries left are kept.
func (e *Engine) cleanup() {
	cutoff := e.now().Add(-e.cfg.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conflicts {
		if c.Resolved && c.ResolvedAt.Before(cutoff) {
			delete(e.conflicts, id)
		}
	}
	for id, op := range e.operations {
		if e.executing[id] || !op.UpdatedAt.Before(cutoff) {
			continue
		}
		if op.Status == StatusCompleted || (op.Status == StatusFailed && (op.Exhausted || op.RetryCount >= e.cfg.MaxRetries)) {
			delete(e.operations, id)
		}
	}
}

// CleanupConflicts drops every resolved conflict regardless of age and
// returns how many were removed.
func (e *Engine) CleanupConflicts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, c := range e.conflicts {
		if c.Resolved {
			delete(e.conflicts, id)
			n++
		}
	}
	return n
}

