package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/refund"
)

// CloseSession disarms the devices and settles the session. A successful
// payment returns only the overpayment; cancel, timeout and shutdown return
// everything credited. Calling it again, or concurrently, returns the same
// result without touching the devices a second time. The caller's
// cancellation is ignored: cleanup runs to completion under its own timeout.
func (o *Orchestrator) CloseSession(ctx context.Context, reason CloseReason) CloseResult {
	return o.settle(ctx, reason, nil)
}

// settle closes the running session. With want set only that session is
// closed; when it has already ended its recorded result is returned.
func (o *Orchestrator) settle(ctx context.Context, reason CloseReason, want *active) CloseResult {
	o.mu.Lock()
	cur := o.cur
	if want != nil && cur != want {
		o.mu.Unlock()
		<-want.done
		return *want.result
	}
	if cur != nil && cur.arming {
		o.mu.Unlock()
		o.log.Info("close requested while arming, waiting", zap.String("session", cur.id), zap.String("reason", string(reason)))
		<-cur.ready
		o.mu.Lock()
		if o.cur != cur {
			// the arm failed and rolled back
			o.mu.Unlock()
			return CloseResult{SessionID: cur.id, Reason: reason, NoSession: true, Refund: refund.Result{Success: true, Breakdown: []refund.Line{}}}
		}
	}
	if cur == nil {
		last := o.last
		o.mu.Unlock()
		if last != nil {
			return *last
		}
		return CloseResult{Reason: reason, NoSession: true, Refund: refund.Result{Success: true, Breakdown: []refund.Line{}}}
	}
	if cur.closing {
		o.mu.Unlock()
		<-cur.done
		return *cur.result
	}
	cur.closing = true
	o.state = StateClosing
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()

	o.pollMu.Lock()
	defer o.pollMu.Unlock()

	log := o.log.With(zap.String("session", cur.id), zap.String("reason", string(reason)))
	res := CloseResult{SessionID: cur.id, Reason: reason, Target: cur.target}
	bill, coin := pick(cur.devices)

	// Disarm first so nothing inserted from here on goes unnoticed.
	res.Errors = append(res.Errors, refund.DisableAll(ctx, o.ser, log, bill, coin)...)
	for _, h := range cur.devices {
		if out := o.setAutoAccept(ctx, h.DeviceID, false); !out.OK() {
			log.Warn("close: disabling auto-accept failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
			res.Errors = append(res.Errors, fmt.Sprintf("auto-accept %s: %s", h.DeviceID, out))
		}
	}

	// Last read catches anything accepted between the final poll and disarm.
	o.readInventories(ctx, cur)
	res.Credited = o.tracker.TotalCents()

	owed := res.Credited
	if reason == CloseSuccess {
		if res.Credited >= cur.target {
			owed = res.Credited - cur.target
		} else {
			log.Warn("close: success with underpayment, returning everything",
				zap.Int64("credited_cents", int64(res.Credited)),
				zap.Int64("target_cents", int64(cur.target)),
			)
		}
	}
	res.Refund = o.refunds.PayOut(ctx, owed, bill, coin)
	if !res.Refund.Success {
		o.lockMachine(ctx, LockRefundShortfall, cur.id, res.Refund.Remaining,
			fmt.Sprintf("refund of %s left %s unpaid", owed, res.Refund.Remaining))
		res.Locked = true
	}

	for _, h := range cur.devices {
		if out := o.applier.Release(ctx, h.DeviceID, cur.entries[h.DeviceID]); !out.OK() {
			log.Warn("close: releasing inhibits failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
			res.Errors = append(res.Errors, fmt.Sprintf("release inhibits %s: %s", h.DeviceID, out))
		}
	}

	o.tracker.SetActive(false)
	if err := o.tracker.Reset(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	if err := o.store.DeleteSession(ctx, cur.id); err != nil {
		log.Warn("close: deleting session record failed", zap.Error(err))
		res.Errors = append(res.Errors, "delete session record: "+err.Error())
	}

	o.mu.Lock()
	o.state = StateConnected
	o.cur = nil
	o.last = &res
	cur.result = &res
	close(cur.done)
	o.mu.Unlock()

	log.Info("session closed",
		zap.Int64("target_cents", int64(res.Target)),
		zap.Int64("credited_cents", int64(res.Credited)),
		zap.Int64("refunded_cents", int64(res.Refund.Dispensed())),
		zap.Int64("unpaid_cents", int64(res.Refund.Remaining)),
		zap.Bool("locked", res.Locked),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

// Refund pays amount back outside a session. A shortfall locks the machine.
// Once started the payout is not cut short by the caller's cancellation.
func (o *Orchestrator) Refund(ctx context.Context, amount money.Cents) (refund.Result, error) {
	if !o.guard.TryLock() {
		return refund.Result{}, ErrBusy
	}
	defer o.guard.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()

	if l := o.currentLock(ctx); l != nil {
		return refund.Result{}, fmt.Errorf("%w: %s", ErrMachineLocked, l.Reason)
	}

	o.mu.Lock()
	state := o.state
	devices := o.deviceList()
	o.mu.Unlock()
	switch state {
	case StateArmed, StateActive, StateClosing:
		return refund.Result{}, ErrSessionActive
	case StateConnected:
	default:
		return refund.Result{}, ErrNoDevice
	}

	bill, coin := pick(devices)
	res := o.refunds.Refund(ctx, amount, bill, coin)
	if !res.Success {
		o.lockMachine(ctx, LockRefundShortfall, "", res.Remaining,
			fmt.Sprintf("manual refund of %s left %s unpaid", amount, res.Remaining))
	}
	return res, nil
}

// ── machine lock ──────────────────────────────────────────────────────────────

// lockMachine persists the lock and alerts the operator. The lock holds in
// memory even when the store is unreachable; lock and alert are written again
// on the next lock check.
func (o *Orchestrator) lockMachine(ctx context.Context, reason, sessionID string, remaining money.Cents, msg string) {
	now := time.Now().Unix()
	l := ledger.Lock{Machine: o.cfg.MachineID, Reason: reason, SessionID: sessionID, Remaining: remaining, LockedAt: now}
	a := ledger.Alert{
		Kind:      ledger.AlertMachineLocked,
		Machine:   o.cfg.MachineID,
		SessionID: sessionID,
		Remaining: remaining,
		Message:   msg,
		At:        now,
	}

	stored, err := o.store.Lock(ctx, l)
	o.mu.Lock()
	if o.lock == nil {
		cp := l
		o.lock = &cp
	}
	if err != nil {
		o.lockPending = true
		if o.lockAlert == nil {
			o.lockAlert = &a
		}
	}
	o.mu.Unlock()

	o.log.Error("machine locked",
		zap.String("reason", reason),
		zap.String("session", sessionID),
		zap.Int64("remaining_cents", int64(remaining)),
		zap.Bool("persisted", err == nil),
	)
	if err != nil {
		return
	}
	if !stored {
		// already locked for an earlier cause; the operator knows
		return
	}
	if err := o.store.EnqueueAlert(ctx, a); err != nil {
		o.log.Error("enqueue alert failed, will retry", zap.Error(err))
		o.mu.Lock()
		if o.lockAlert == nil {
			o.lockAlert = &a
		}
		o.mu.Unlock()
	}
}

// LockMachine locks the machine on behalf of recovery or an operator.
func (o *Orchestrator) LockMachine(ctx context.Context, reason, sessionID string, remaining money.Cents, msg string) {
	o.lockMachine(ctx, reason, sessionID, remaining, msg)
}

// currentLock returns the machine lock. The persisted record wins; an
// in-memory lock that never reached the store is retried and kept, and so is
// its alert.
func (o *Orchestrator) currentLock(ctx context.Context) *ledger.Lock {
	l, err := o.store.GetLock(ctx, o.cfg.MachineID)

	o.mu.Lock()
	if err != nil {
		defer o.mu.Unlock()
		o.log.Warn("reading machine lock failed, using cached state", zap.Error(err))
		return o.lock
	}
	if l != nil || !o.lockPending {
		o.lock = l
		o.mu.Unlock()
		if l != nil {
			o.flushLockAlert(ctx)
		}
		return l
	}
	pending := *o.lock
	o.mu.Unlock()

	if _, err := o.store.Lock(ctx, pending); err != nil {
		o.log.Warn("persisting pending machine lock failed", zap.Error(err))
		return &pending
	}
	o.mu.Lock()
	o.lockPending = false
	o.mu.Unlock()
	o.flushLockAlert(ctx)
	return &pending
}

// flushLockAlert enqueues a lock alert held back by a store failure.
func (o *Orchestrator) flushLockAlert(ctx context.Context) {
	o.mu.Lock()
	a := o.lockAlert
	o.mu.Unlock()
	if a == nil {
		return
	}
	if err := o.store.EnqueueAlert(ctx, *a); err != nil {
		o.log.Warn("enqueue pending lock alert failed", zap.Error(err))
		return
	}
	o.mu.Lock()
	if o.lockAlert == a {
		o.lockAlert = nil
	}
	o.mu.Unlock()
}

// MachineLock reports the current lock, nil when the machine is usable.
func (o *Orchestrator) MachineLock(ctx context.Context) *ledger.Lock {
	return o.currentLock(ctx)
}

// Unlock clears the machine lock after an operator resolved it.
func (o *Orchestrator) Unlock(ctx context.Context, operator string) error {
	if err := o.store.Unlock(ctx, o.cfg.MachineID); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	o.mu.Lock()
	o.lock = nil
	o.lockPending = false
	o.lockAlert = nil
	o.mu.Unlock()

	o.log.Info("machine unlocked", zap.String("operator", operator))
	if err := o.store.EnqueueAlert(ctx, ledger.Alert{
		Kind:    ledger.AlertMachineUnlocked,
		Machine: o.cfg.MachineID,
		Message: "unlocked by " + operator,
		At:      time.Now().Unix(),
	}); err != nil {
		o.log.Warn("enqueue alert failed", zap.Error(err))
	}
	return nil
}
