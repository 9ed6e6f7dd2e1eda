package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/store"
)

// handleInbound applies a change reported by a platform adapter. Known
// records are updated through the normal conflict path; unknown ones are
// created under the platform's record id.
func (e *Engine) handleInbound(ctx context.Context, ev eventbus.Event) error {
	platformID := ev.PayloadString("platform_id")
	recordID := ev.PayloadString("record_id")
	content, _ := ev.Payload["content"].(map[string]any)
	if platformID == "" || recordID == "" || content == nil {
		logging.Debug("ignoring incomplete inbound change", logging.Event(string(ev.Type)))
		return nil
	}
	if !e.Heartbeat(ctx, platformID) {
		logging.Debug("inbound change from unknown platform", logging.Platform(platformID))
		return nil
	}

	_, err := e.records.Get(ctx, recordID)
	switch {
	case err == nil:
		e.UpdateRecord(ctx, recordID, content, platformID)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to look up inbound record: %w", err)
	}

	category, err := model.ParseCategory(ev.PayloadString("category"))
	if err != nil {
		logging.Warn("inbound record has no usable category",
			logging.Record(recordID),
			logging.Platform(platformID),
			logging.Err(err),
		)
		return nil
	}
	if _, err := e.createRecord(ctx, recordID, category, content, platformID, nil); err != nil {
		return fmt.Errorf("failed to create inbound record: %w", err)
	}
	return nil
}
