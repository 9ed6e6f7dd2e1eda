package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/store"
)

// newOperation queues a propagation of rec. Older unfinished operations on
// the same record give up the targets the new one covers; one left with
// nothing to deliver completes as superseded, its completion event going
// out with ob.
func (e *Engine) newOperation(ob *outbox, rec model.Record, kind model.OperationKind, source string, targets []string) *Operation {
	now := e.now()
	op := &Operation{
		ID:         uuid.NewString(),
		RecordID:   rec.ID,
		Kind:       kind,
		Category:   rec.Category,
		Source:     source,
		Targets:    slices.Clone(targets),
		Status:     StatusPending,
		MaxRetries: e.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		record:     rec,
	}
	e.mu.Lock()
	for id, prev := range e.operations {
		if prev.RecordID != rec.ID || prev.Status == StatusCompleted || !prev.replace(op.Targets) {
			continue
		}
		prev.UpdatedAt = now
		logging.Debug("operation superseded", logging.Operation(id), "by", op.ID)
		if e.executing[id] || !prev.settled() {
			continue
		}
		prev.Status = StatusCompleted
		prev.Exhausted = false
		prev.Error = "superseded by " + op.ID
		ob.emit(eventbus.TypeSyncOperationCompleted, eventbus.PriorityNormal, completion(prev))
	}
	e.operations[op.ID] = op
	e.mu.Unlock()
	return op
}

// dispatch runs an operation in the background. It is a no-op once the
// engine is closed.
func (e *Engine) dispatch(opID string) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	e.dispatches.Add(1)
	e.mu.RUnlock()
	go func() {
		defer e.dispatches.Done()
		e.executeOperation(e.ctx, opID)
	}()
}

// Wait blocks until every in-flight delivery has returned.
func (e *Engine) Wait() {
	e.dispatches.Wait()
}

// Operation returns a copy of the operation with id.
func (e *Engine) Operation(id string) (Operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.operations[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// Operations returns every tracked operation, oldest first.
func (e *Engine) Operations() []Operation {
	e.mu.RLock()
	out := make([]Operation, 0, len(e.operations))
	for _, op := range e.operations {
		out = append(out, op.clone())
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Operation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// RetryOperation re-dispatches a failed operation, including one that
// exhausted its automatic retries. Targets that already accepted it are
// skipped. It returns false unless the operation exists and has failed.
func (e *Engine) RetryOperation(ctx context.Context, opID string) bool {
	e.mu.Lock()
	op, ok := e.operations[opID]
	retryable := ok && op.Status == StatusFailed && !e.executing[opID]
	retries := 0
	if retryable {
		retries = op.RetryCount
		op.Exhausted = false
		op.Status = StatusPending
		op.Error = ""
		op.UpdatedAt = e.now()
	}
	e.mu.Unlock()
	if !retryable {
		return false
	}
	logging.Info("retrying operation", logging.Operation(opID), "retries", retries)
	e.dispatch(opID)
	return true
}

// executeOperation delivers the operation to each target that has not yet
// accepted it. A failed delivery consumes one retry and waits out the
// backoff before the next target. Reaching the retry limit fails the
// operation immediately.
func (e *Engine) executeOperation(ctx context.Context, opID string) {
	e.mu.Lock()
	op, ok := e.operations[opID]
	if !ok || e.executing[opID] || op.Status == StatusCompleted {
		e.mu.Unlock()
		return
	}
	e.executing[opID] = true
	op.Status = StatusInProgress
	op.UpdatedAt = e.now()
	snapshot := op.clone()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.executing, opID)
		e.mu.Unlock()
	}()

	done := logging.Timer("sync operation")
	defer done()

	e.publish(ctx, eventbus.TypeSyncStarted, map[string]any{
		"operation_id": opID,
		"record_id":    snapshot.RecordID,
		"kind":         string(snapshot.Kind),
		"targets":      slices.Clone(snapshot.Targets),
	})

	failed := 0
	for _, target := range snapshot.Targets {
		if ctx.Err() != nil {
			e.finish(ctx, opID, StatusFailed, "cancelled")
			return
		}
		if snapshot.delivered(target) || e.replacedTarget(opID, target) {
			continue
		}
		p, known := e.Platform(target)
		if !known || !p.Live {
			logging.Debug("skipping unavailable target", logging.Operation(opID), logging.Platform(target))
			continue
		}
		if e.stale(ctx, snapshot) {
			logging.Debug("skipping outdated delivery", logging.Operation(opID), logging.Platform(target))
			e.mu.Lock()
			if !op.replaced(target) {
				op.Replaced = append(op.Replaced, target)
			}
			op.UpdatedAt = e.now()
			e.mu.Unlock()
			continue
		}

		if e.deliver(ctx, snapshot, p) {
			e.mu.Lock()
			op.Delivered = append(op.Delivered, target)
			op.UpdatedAt = e.now()
			e.mu.Unlock()
			continue
		}

		failed++
		e.mu.Lock()
		if op.RetryCount < e.cfg.MaxRetries {
			op.RetryCount++
		}
		retries := op.RetryCount
		op.UpdatedAt = e.now()
		e.mu.Unlock()

		if retries >= e.cfg.MaxRetries {
			e.mu.Lock()
			op.Exhausted = true
			e.mu.Unlock()
			logging.Warn("operation exhausted its retries",
				logging.Operation(opID),
				logging.Platform(target),
				"retries", retries,
			)
			e.finish(ctx, opID, StatusFailed, fmt.Sprintf("retries exhausted delivering to %s", target))
			return
		}
		if !sleep(ctx, Backoff(retries, e.cfg.BackoffBase, e.cfg.BackoffMax)) {
			e.finish(ctx, opID, StatusFailed, "cancelled")
			return
		}
	}

	if failed > 0 {
		e.finish(ctx, opID, StatusFailed, fmt.Sprintf("%d deliveries failed", failed))
		return
	}
	e.finish(ctx, opID, StatusCompleted, "")
}

func (e *Engine) finish(ctx context.Context, opID string, status OperationStatus, msg string) {
	e.mu.Lock()
	op, ok := e.operations[opID]
	if !ok {
		e.mu.Unlock()
		return
	}
	op.Status = status
	op.Error = msg
	op.UpdatedAt = e.now()
	payload := completion(op)
	e.mu.Unlock()

	if status == StatusFailed {
		logging.Warn("sync operation failed", logging.Operation(opID), "error", msg)
	} else {
		logging.Debug("sync operation completed", logging.Operation(opID))
	}
	e.publish(context.WithoutCancel(ctx), eventbus.TypeSyncOperationCompleted, payload)
}

// completion is the sync_operation_completed payload for op. e.mu must be
// held.
func completion(op *Operation) map[string]any {
	payload := map[string]any{
		"operation_id": op.ID,
		"record_id":    op.RecordID,
		"status":       string(op.Status),
		"retry_count":  op.RetryCount,
		"delivered":    len(op.Delivered),
		"targets":      len(op.Targets),
	}
	if op.Error != "" {
		payload["error"] = op.Error
	}
	return payload
}

func (e *Engine) replacedTarget(opID, target string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.operations[opID]
	return ok && op.replaced(target)
}

// stale reports whether a create or update no longer carries the record's
// latest state, because the record was deleted or has moved to a newer
// version since the operation was queued. Deletes are never stale.
func (e *Engine) stale(ctx context.Context, op Operation) bool {
	if op.Kind == model.OpDelete {
		return false
	}
	current, err := e.records.Get(ctx, op.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		logging.Warn("failed to load record before delivery", logging.Record(op.RecordID), logging.Err(err))
		return false
	}
	return current.Version > op.record.Version
}

// deliver hands one operation to one target's adapter. Plaintext rides
// along only when the category's rules allow it, the target may read the
// category and the payload carries nothing that looks like a secret.
func (e *Engine) deliver(ctx context.Context, op Operation, target model.Platform) bool {
	a, ok := e.adapters.Get(target.ID)
	if !ok {
		logging.Debug("no adapter for target", logging.Platform(target.ID))
		return false
	}
	rec := op.record
	d := model.Delivery{
		OperationID:   op.ID,
		RecordID:      op.RecordID,
		OperationKind: op.Kind,
		Category:      op.Category,
		Data:          &rec,
	}
	if op.Kind != model.OpDelete && e.rules.PlaintextAllowed(op.Category) && target.CanAccess(op.Category) {
		payload, err := e.sealer.OpenPayload(rec.Content)
		switch {
		case err != nil:
			logging.Warn("failed to decrypt record for delivery", logging.Record(rec.ID), logging.Err(err))
		case e.detector.Sensitive(payload):
		default:
			d.Content = payload
		}
	}
	return a.SyncData(ctx, op.Category, d)
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
