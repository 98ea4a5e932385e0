package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
)

// Connect (re)probes the configured devices. Devices mapped before are
// disconnected first. With no device found the orchestrator ends in
// StateError and refuses to arm.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if !o.guard.TryLock() {
		return ErrBusy
	}
	defer o.guard.Unlock()

	o.mu.Lock()
	switch o.state {
	case StateArmed, StateActive, StateClosing:
		o.mu.Unlock()
		return ErrSessionActive
	}
	prev := o.deviceList()
	o.state = StateConnecting
	o.mu.Unlock()

	o.disconnectAll(ctx, prev)

	res := o.dev.Probe(ctx, o.cfg.Candidates, o.cfg.ProbeAttempts, o.cfg.ProbePause, o.log)
	for _, err := range res.Failed {
		o.alert(ctx, ledger.Alert{Kind: ledger.AlertDeviceError, Message: err.Error()})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices = make(map[money.DeviceRole]money.DeviceHandle, len(res.Devices))
	for role, h := range res.Devices {
		o.devices[role] = h
	}
	if len(o.devices) == 0 {
		o.state = StateError
		if len(res.Failed) == 0 {
			return ErrNoDevice
		}
		return fmt.Errorf("%w: %v", ErrNoDevice, errors.Join(res.Failed...))
	}
	o.state = StateConnected
	o.log.Info("devices connected", zap.Int("count", len(o.devices)), zap.Int("failed", len(res.Failed)))
	return nil
}

// Disconnect closes every device. Refused while a session runs.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	if !o.guard.TryLock() {
		return ErrBusy
	}
	defer o.guard.Unlock()

	o.mu.Lock()
	switch o.state {
	case StateArmed, StateActive, StateClosing:
		o.mu.Unlock()
		return ErrSessionActive
	}
	prev := o.deviceList()
	o.devices = make(map[money.DeviceRole]money.DeviceHandle)
	o.state = StateDisconnected
	o.mu.Unlock()

	o.disconnectAll(ctx, prev)
	return nil
}

func (o *Orchestrator) disconnectAll(ctx context.Context, devices []money.DeviceHandle) {
	for _, h := range devices {
		if out := o.dev.DisconnectDevice(ctx, h.DeviceID); !out.OK() {
			o.log.Warn("disconnect failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
		}
		o.dev.ForgetDevice(h.DeviceID)
		o.tracker.RemoveDevice(h.DeviceID)
	}
}

func (o *Orchestrator) alert(ctx context.Context, a ledger.Alert) {
	a.Machine = o.cfg.MachineID
	if a.At == 0 {
		a.At = time.Now().Unix()
	}
	if err := o.store.EnqueueAlert(ctx, a); err != nil {
		o.log.Warn("enqueue alert failed", zap.String("kind", a.Kind), zap.Error(err))
	}
}
