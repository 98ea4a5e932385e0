package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/refund"
	"github.com/0gfoundation/cashdesk/internal/safety"
)

// StartOptions tune StartSession.
type StartOptions struct {
	// Active marks the session active at once instead of on the first credit.
	Active bool
}

// StartSession arms every mapped device for a payment of target: baselines
// are captured, unsafe denominations inhibited, acceptors enabled with
// auto-accept. Arming again with the same target while armed is a no-op. A
// concurrent start fails fast with ErrBusy.
func (o *Orchestrator) StartSession(ctx context.Context, target money.Cents, opts StartOptions) (Status, error) {
	if target <= 0 {
		return Status{}, ErrInvalidTarget
	}
	if !o.guard.TryLock() {
		return Status{}, ErrBusy
	}
	defer o.guard.Unlock()

	if l := o.currentLock(ctx); l != nil {
		return Status{}, fmt.Errorf("%w: %s", ErrMachineLocked, l.Reason)
	}

	o.mu.Lock()
	switch o.state {
	case StateArmed, StateActive:
		cur := o.cur
		st := o.statusLocked(cur)
		o.mu.Unlock()
		if cur.target == target {
			return st, nil
		}
		return Status{}, ErrSessionActive
	case StateClosing:
		o.mu.Unlock()
		return Status{}, ErrBusy
	case StateConnected:
	default:
		o.mu.Unlock()
		return Status{}, ErrNoDevice
	}
	devices := o.deviceList()
	o.mu.Unlock()
	if len(devices) == 0 {
		return Status{}, ErrNoDevice
	}

	cur := &active{
		id:        uuid.NewString(),
		target:    target,
		startedAt: time.Now(),
		devices:   devices,
		entries:   make(map[string][]money.DenominationEntry, len(devices)),
		inhibited: make(map[string]safety.Set, len(devices)),
		unsafe:    safety.Set{},
		arming:    true,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	// Published before any device work so a close arriving meanwhile waits for
	// the arm and then settles this session.
	o.mu.Lock()
	o.cur = cur
	o.mu.Unlock()

	state, err := o.arm(ctx, cur, opts)

	o.mu.Lock()
	cur.arming = false
	if err != nil {
		o.cur = nil
		close(cur.ready)
		o.mu.Unlock()
		return Status{}, err
	}
	o.state = state
	st := o.statusLocked(cur)
	close(cur.ready)
	o.mu.Unlock()

	o.log.Info("session armed",
		zap.String("session", cur.id),
		zap.Int64("target_cents", int64(target)),
		zap.Int("devices", len(cur.devices)),
		zap.Int64s("unsafe", centsList(cur.unsafe.Sorted())),
	)
	return st, nil
}

// arm captures baselines, applies the safety set and enables the acceptors.
// On failure everything already switched on is rolled back.
func (o *Orchestrator) arm(ctx context.Context, cur *active, opts StartOptions) (State, error) {
	log := o.log.With(zap.String("session", cur.id))

	// Baselines. The tracker is inactive between sessions, so this cannot fail
	// on the guard.
	o.tracker.SetActive(false)
	o.resetTracker(log)
	snaps := make(map[string]money.InventorySnapshot, len(cur.devices))
	for _, h := range cur.devices {
		snap, out := o.dev.Assignment(ctx, h.DeviceID)
		if !out.OK() {
			log.Error("arm: baseline read failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
			o.resetTracker(log)
			return "", fmt.Errorf("%w: %s", ErrDeviceUnavailable, out)
		}
		if err := o.tracker.SetBaseline(h.DeviceID, snap); err != nil {
			o.resetTracker(log)
			return "", err
		}
		snaps[h.DeviceID] = snap
		cur.entries[h.DeviceID] = snap.Entries()
	}

	if err := o.refreshSafety(ctx, cur, snaps, cur.target); err != nil {
		log.Error("arm: applying safety set failed", zap.Error(err))
		o.rollback(ctx, cur)
		return "", fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	for _, h := range cur.devices {
		if out := o.ser.Enable(ctx, h.DeviceID); !out.OK() {
			log.Error("arm: enable failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
			o.rollback(ctx, cur)
			return "", fmt.Errorf("%w: %s", ErrDeviceUnavailable, out)
		}
		if out := o.setAutoAccept(ctx, h.DeviceID, true); !out.OK() {
			log.Error("arm: auto-accept failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
			o.rollback(ctx, cur)
			return "", fmt.Errorf("%w: %s", ErrDeviceUnavailable, out)
		}
	}

	state := StateArmed
	if opts.Active {
		state = StateActive
		o.tracker.SetActive(true)
	}

	now := time.Now().Unix()
	if err := o.store.CreateSession(ctx, ledger.Session{
		ID:        cur.id,
		Machine:   o.cfg.MachineID,
		Target:    cur.target,
		State:     string(state),
		StartedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Warn("arm: persisting session failed", zap.Error(err))
	}
	return state, nil
}

func (o *Orchestrator) setAutoAccept(ctx context.Context, deviceID string, on bool) devicesvc.Outcome {
	return o.ser.Do(ctx, deviceID, "SetAutoAccept", func(ctx context.Context) devicesvc.Outcome {
		return o.dev.SetAutoAccept(ctx, deviceID, on)
	})
}

// rollback undoes a partial arm, best effort. It runs detached from the
// caller so an acceptor is never left enabled because the request went away.
func (o *Orchestrator) rollback(ctx context.Context, cur *active) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()

	log := o.log.With(zap.String("session", cur.id))
	bill, coin := pick(cur.devices)
	refund.DisableAll(ctx, o.ser, log, bill, coin)
	for _, h := range cur.devices {
		if out := o.setAutoAccept(ctx, h.DeviceID, false); !out.OK() {
			log.Warn("rollback: disabling auto-accept failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
		}
		if out := o.applier.Release(ctx, h.DeviceID, cur.entries[h.DeviceID]); !out.OK() {
			log.Warn("rollback: releasing inhibits failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
		}
	}
	o.resetTracker(log)
}

func (o *Orchestrator) resetTracker(log *zap.Logger) {
	if err := o.tracker.Reset(); err != nil {
		log.Warn("tracker reset failed", zap.Error(err))
	}
}

// refreshSafety recomputes the unsafe set for the amount still due and pushes
// it to the devices. Nothing is sent when neither the change stock nor the due
// amount moved since the last push.
func (o *Orchestrator) refreshSafety(ctx context.Context, cur *active, snaps map[string]money.InventorySnapshot, due money.Cents) error {
	var key strings.Builder
	key.WriteString(strconv.FormatInt(int64(due), 10))
	stock := safety.Stock{}
	seen := map[money.Cents]bool{}
	var denoms []money.Cents
	for _, h := range cur.devices {
		snap, ok := snaps[h.DeviceID]
		if !ok {
			return fmt.Errorf("no inventory for %s", h.DeviceID)
		}
		key.WriteString("|" + snap.PayoutFingerprint())
		for v, n := range safety.BuildStock(snap.Entries(), cur.inhibited[h.DeviceID]) {
			stock[v] += n
		}
		for _, v := range snap.Denominations() {
			if !seen[v] {
				seen[v] = true
				denoms = append(denoms, v)
			}
		}
	}
	if key.String() == cur.safetyKey {
		return nil
	}

	unsafe := safety.UnsafeDenominations(due, denoms, stock)
	for _, h := range cur.devices {
		applied, out := o.applier.Apply(ctx, h.DeviceID, snaps[h.DeviceID].Entries(), unsafe)
		if !out.OK() {
			cur.safetyKey = ""
			return out.Err()
		}
		cur.inhibited[h.DeviceID] = applied
	}

	o.mu.Lock()
	cur.unsafe = unsafe
	cur.safetyKey = key.String()
	o.mu.Unlock()
	if len(unsafe) > 0 {
		o.log.Info("denominations inhibited for change safety",
			zap.String("session", cur.id),
			zap.Int64("due_cents", int64(due)),
			zap.Int64("stock_cents", int64(stock.Total())),
			zap.Int64s("unsafe", centsList(unsafe.Sorted())),
		)
	}
	return nil
}

func centsList(cs []money.Cents) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = int64(c)
	}
	return out
}
