// Package dispense serializes every physical call that moves money or arms an
// acceptor: one call in flight per device, busy answers retried with backoff.
package dispense

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
)

// Backend is the subset of the device client the serializer drives.
type Backend interface {
	DispenseValue(ctx context.Context, deviceID string, value money.Cents, countryCode string) devicesvc.Outcome
	EnableAcceptor(ctx context.Context, deviceID string) devicesvc.Outcome
	DisableAcceptor(ctx context.Context, deviceID string) devicesvc.Outcome
}

// Policy is the busy retry schedule. Backoff[i] is slept after the (i+1)th busy
// answer; once the list is exhausted its last step repeats until MaxAttempts.
type Policy struct {
	Backoff     []time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the device firmware's usual recovery time.
var DefaultPolicy = Policy{
	Backoff: []time.Duration{
		300 * time.Millisecond,
		600 * time.Millisecond,
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2000 * time.Millisecond,
	},
	MaxAttempts: 6,
}

func (p Policy) delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		attempt = len(p.Backoff)
	}
	return p.Backoff[attempt-1]
}

// ── lock registry ─────────────────────────────────────────────────────────────

// Registry hands out one weight-1 semaphore per device. Semaphores are created
// on first use and never removed, so every caller for an ID shares the same one.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*semaphore.Weighted)}
}

func (r *Registry) get(deviceID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.locks[deviceID]
	if !ok {
		s = semaphore.NewWeighted(1)
		r.locks[deviceID] = s
	}
	return s
}

// Len reports how many devices have a lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// ── serializer ────────────────────────────────────────────────────────────────

type Serializer struct {
	backend Backend
	locks   *Registry
	policy  Policy
	log     *zap.Logger
}

func NewSerializer(backend Backend, policy Policy, log *zap.Logger) *Serializer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Serializer{backend: backend, locks: NewRegistry(), policy: policy, log: log}
}

// Dispense pays out one unit of value from the device.
func (s *Serializer) Dispense(ctx context.Context, deviceID string, value money.Cents, countryCode string) devicesvc.Outcome {
	return s.Do(ctx, deviceID, "DispenseValue", func(ctx context.Context) devicesvc.Outcome {
		return s.backend.DispenseValue(ctx, deviceID, value, countryCode)
	})
}

func (s *Serializer) Enable(ctx context.Context, deviceID string) devicesvc.Outcome {
	return s.Do(ctx, deviceID, "EnableAcceptor", func(ctx context.Context) devicesvc.Outcome {
		return s.backend.EnableAcceptor(ctx, deviceID)
	})
}

func (s *Serializer) Disable(ctx context.Context, deviceID string) devicesvc.Outcome {
	return s.Do(ctx, deviceID, "DisableAcceptor", func(ctx context.Context) devicesvc.Outcome {
		return s.backend.DisableAcceptor(ctx, deviceID)
	})
}

// Do runs call under the device lock, retrying while it answers busy. Invalid
// and fatal outcomes return at once. The lock is held across the backoff
// sleeps so nothing overtakes a pending retry.
func (s *Serializer) Do(ctx context.Context, deviceID, op string, call func(context.Context) devicesvc.Outcome) devicesvc.Outcome {
	sem := s.locks.get(deviceID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return devicesvc.Outcome{Status: devicesvc.StatusFatal, Op: op, Reason: "lock: " + err.Error()}
	}
	defer sem.Release(1)

	var out devicesvc.Outcome
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		out = call(ctx)
		if !out.Busy() {
			if out.Status == devicesvc.StatusInvalid {
				s.log.Error("device rejected request",
					zap.String("device", deviceID),
					zap.String("outcome", out.String()),
				)
			}
			return out
		}
		if attempt == s.policy.MaxAttempts {
			break
		}
		wait := s.policy.delay(attempt)
		s.log.Debug("device busy, backing off",
			zap.String("device", deviceID),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return devicesvc.Outcome{Status: devicesvc.StatusFatal, Op: op, Reason: ctx.Err().Error()}
		case <-t.C:
		}
	}
	s.log.Warn("device still busy after retries",
		zap.String("device", deviceID),
		zap.String("op", op),
		zap.Int("attempts", s.policy.MaxAttempts),
	)
	return out
}
