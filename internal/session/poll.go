package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// Poll reads fresh inventories, updates the credited amount and returns the
// session status. A failed read keeps the previously credited amount; money
// already seen is never zeroed out.
func (o *Orchestrator) Poll(ctx context.Context) (Status, error) {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()

	o.mu.Lock()
	cur := o.cur
	if cur == nil || cur.arming || cur.closing {
		st := Status{State: o.state}
		o.mu.Unlock()
		return st, ErrNoSession
	}
	o.mu.Unlock()

	snaps := o.readInventories(ctx, cur)
	total := o.tracker.TotalCents()

	o.mu.Lock()
	cur.credited = total
	if o.state == StateArmed && total > 0 {
		o.state = StateActive
		o.tracker.SetActive(true)
		o.log.Info("first credit observed, session active",
			zap.String("session", cur.id),
			zap.Int64("credited_cents", int64(total)),
		)
	}
	state := o.state
	o.mu.Unlock()

	if total != cur.persisted {
		if err := o.store.UpdateCredited(ctx, cur.id, total, string(state), time.Now().Unix()); err != nil {
			o.log.Warn("poll: persisting credit failed", zap.String("session", cur.id), zap.Error(err))
		} else {
			cur.persisted = total
		}
	}

	if due := cur.target - total; due > 0 && len(snaps) == len(cur.devices) {
		if err := o.refreshSafety(ctx, cur, snaps, due); err != nil {
			o.log.Warn("poll: refreshing safety set failed", zap.String("session", cur.id), zap.Error(err))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked(cur), nil
}

// readInventories feeds every readable device into the tracker and returns
// the snapshots that were read.
func (o *Orchestrator) readInventories(ctx context.Context, cur *active) map[string]money.InventorySnapshot {
	snaps := make(map[string]money.InventorySnapshot, len(cur.devices))
	for _, h := range cur.devices {
		snap, out := o.dev.Assignment(ctx, h.DeviceID)
		if !out.OK() {
			o.log.Warn("inventory read failed, keeping last credit",
				zap.String("session", cur.id),
				zap.String("device", h.DeviceID),
				zap.String("outcome", out.String()),
			)
			continue
		}
		if _, err := o.tracker.Update(h.DeviceID, snap); err != nil {
			o.log.Warn("tracker update failed", zap.String("device", h.DeviceID), zap.Error(err))
			continue
		}
		snaps[h.DeviceID] = snap
		cur.entries[h.DeviceID] = snap.Entries()
	}
	return snaps
}
