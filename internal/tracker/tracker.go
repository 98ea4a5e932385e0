// Package tracker turns periodic inventory snapshots into the money credited
// during a session.
//
// Every device has a baseline captured at session start. The credited amount of
// a device is Σ max(0, value × (count − baselineCount)) over the slots of its
// latest snapshot, and the reported delta never decreases until the next reset:
// a snapshot with fewer notes than before (device reset, recycle dump, misread)
// is logged and otherwise ignored.
package tracker

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/money"
)

var (
	ErrResetWhileActive = errors.New("tracker: reset refused while session is active")
	ErrBaselineLocked   = errors.New("tracker: baseline is locked while session is active")
	ErrNoBaseline       = errors.New("tracker: no baseline for device")
)

// Amount is the read-only accounting view of one device.
type Amount struct {
	DeviceID string      `json:"device_id"`
	Baseline money.Cents `json:"baseline_cents"`
	Current  money.Cents `json:"current_cents"`
	Delta    money.Cents `json:"delta_cents"`
}

type account struct {
	baseline money.InventorySnapshot
	current  money.InventorySnapshot
	delta    money.Cents
}

type Tracker struct {
	log *zap.Logger

	mu       sync.Mutex
	active   bool
	accounts map[string]*account
}

func New(log *zap.Logger) *Tracker {
	return &Tracker{log: log, accounts: make(map[string]*account)}
}

// SetActive flips the session-active guard.
func (t *Tracker) SetActive(active bool) {
	t.mu.Lock()
	t.active = active
	t.mu.Unlock()
}

func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetBaseline records the inventory against which the device's delta is
// measured. A later call replaces the former one and zeroes the device's delta.
func (t *Tracker) SetBaseline(deviceID string, snap money.InventorySnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return ErrBaselineLocked
	}
	t.accounts[deviceID] = &account{baseline: snap, current: snap}
	return nil
}

// Baseline returns the recorded baseline of a device.
func (t *Tracker) Baseline(deviceID string) (money.InventorySnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[deviceID]
	if !ok {
		return money.InventorySnapshot{}, false
	}
	return a.baseline, true
}

// Update feeds a fresh snapshot and returns the device's session delta.
func (t *Tracker) Update(deviceID string, snap money.InventorySnapshot) (money.Cents, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[deviceID]
	if !ok {
		return 0, ErrNoBaseline
	}

	base := a.baseline.Counts()
	var computed money.Cents
	for k, n := range snap.Counts() {
		// Baseline keys carry the baseline's device id.
		bk := k
		bk.DeviceID = a.baseline.DeviceID()
		diff := n - base[bk]
		switch {
		case diff > 0:
			computed += k.Value * money.Cents(diff)
		case diff < 0:
			t.log.Warn("inventory count below baseline, possible device reset",
				zap.String("device", deviceID),
				zap.String("slot", k.String()),
				zap.Int("baseline", base[bk]),
				zap.Int("current", n),
			)
		}
	}

	if computed < a.delta {
		t.log.Warn("session delta regressed, keeping high-water mark",
			zap.String("device", deviceID),
			zap.Int64("delta_cents", int64(a.delta)),
			zap.Int64("computed_cents", int64(computed)),
		)
	} else {
		a.delta = computed
	}
	a.current = snap
	return a.delta, nil
}

// Delta returns the last reported delta of a device.
func (t *Tracker) Delta(deviceID string) money.Cents {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.accounts[deviceID]; ok {
		return a.delta
	}
	return 0
}

// TotalCents is the sum of every device's delta.
func (t *Tracker) TotalCents() money.Cents {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum money.Cents
	for _, a := range t.accounts {
		sum += a.delta
	}
	return sum
}

// Reset clears session accounting and keeps the baselines, so the next Update
// measures against them again.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return ErrResetWhileActive
	}
	for _, a := range t.accounts {
		a.current = a.baseline
		a.delta = 0
	}
	return nil
}

// RemoveDevice forgets a disconnected device.
func (t *Tracker) RemoveDevice(deviceID string) {
	t.mu.Lock()
	delete(t.accounts, deviceID)
	t.mu.Unlock()
}

// Amounts lists every tracked device, ordered by id.
func (t *Tracker) Amounts() []Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Amount, 0, len(t.accounts))
	for id, a := range t.accounts {
		out = append(out, Amount{
			DeviceID: id,
			Baseline: a.baseline.Total(),
			Current:  a.current.Total(),
			Delta:    a.delta,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
