package dispense

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
)

type fakeBackend struct {
	mu       sync.Mutex
	replies  []devicesvc.Status // consumed per call; OK once empty
	calls    int
	inFlight map[string]*int32
	maxSeen  map[string]int32
	hold     time.Duration
}

func newFakeBackend(replies ...devicesvc.Status) *fakeBackend {
	return &fakeBackend{replies: replies, inFlight: map[string]*int32{}, maxSeen: map[string]int32{}}
}

func (f *fakeBackend) next(op, deviceID string) devicesvc.Outcome {
	f.mu.Lock()
	c, ok := f.inFlight[deviceID]
	if !ok {
		c = new(int32)
		f.inFlight[deviceID] = c
	}
	f.mu.Unlock()

	n := atomic.AddInt32(c, 1)
	defer atomic.AddInt32(c, -1)

	f.mu.Lock()
	if n > f.maxSeen[deviceID] {
		f.maxSeen[deviceID] = n
	}
	f.calls++
	st := devicesvc.StatusOK
	if len(f.replies) > 0 {
		st = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	return devicesvc.Outcome{Status: st, Op: op}
}

func (f *fakeBackend) DispenseValue(_ context.Context, id string, _ money.Cents, _ string) devicesvc.Outcome {
	return f.next("DispenseValue", id)
}
func (f *fakeBackend) EnableAcceptor(_ context.Context, id string) devicesvc.Outcome {
	return f.next("EnableAcceptor", id)
}
func (f *fakeBackend) DisableAcceptor(_ context.Context, id string) devicesvc.Outcome {
	return f.next("DisableAcceptor", id)
}

func fastPolicy(attempts int) Policy {
	return Policy{Backoff: []time.Duration{time.Millisecond, 2 * time.Millisecond}, MaxAttempts: attempts}
}

func TestDispense_RetriesBusyThenSucceeds(t *testing.T) {
	b := newFakeBackend(devicesvc.StatusBusy, devicesvc.StatusBusy)
	s := NewSerializer(b, fastPolicy(5), zap.NewNop())

	out := s.Dispense(context.Background(), "bill", 500, "EUR")
	require.True(t, out.OK(), out.String())
	assert.Equal(t, 3, b.calls)
}

func TestDispense_BusyExhaustsAttempts(t *testing.T) {
	b := newFakeBackend(devicesvc.StatusBusy, devicesvc.StatusBusy, devicesvc.StatusBusy, devicesvc.StatusBusy)
	s := NewSerializer(b, fastPolicy(3), zap.NewNop())

	out := s.Dispense(context.Background(), "bill", 500, "EUR")
	assert.Equal(t, devicesvc.StatusBusy, out.Status)
	assert.Equal(t, 3, b.calls)
}

func TestDispense_InvalidAbortsImmediately(t *testing.T) {
	b := newFakeBackend(devicesvc.StatusInvalid)
	s := NewSerializer(b, fastPolicy(5), zap.NewNop())

	out := s.Dispense(context.Background(), "bill", 500, "EUR")
	assert.Equal(t, devicesvc.StatusInvalid, out.Status)
	assert.Equal(t, 1, b.calls)
}

func TestDispense_FatalAbortsImmediately(t *testing.T) {
	b := newFakeBackend(devicesvc.StatusFatal)
	s := NewSerializer(b, fastPolicy(5), zap.NewNop())

	out := s.Enable(context.Background(), "coin")
	assert.Equal(t, devicesvc.StatusFatal, out.Status)
	assert.Equal(t, 1, b.calls)
}

func TestDispense_CancelDuringBackoff(t *testing.T) {
	b := newFakeBackend(devicesvc.StatusBusy, devicesvc.StatusBusy, devicesvc.StatusBusy)
	s := NewSerializer(b, Policy{Backoff: []time.Duration{time.Hour}, MaxAttempts: 3}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := s.Disable(ctx, "bill")
	assert.Equal(t, devicesvc.StatusFatal, out.Status)
	assert.Equal(t, 1, b.calls)
}

func TestDispense_OneInFlightPerDevice(t *testing.T) {
	b := newFakeBackend()
	b.hold = 2 * time.Millisecond
	s := NewSerializer(b, fastPolicy(1), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Dispense(context.Background(), "bill", 500, "EUR")
		}()
		go func() {
			defer wg.Done()
			s.Disable(context.Background(), "bill")
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, b.calls)
	assert.Equal(t, int32(1), b.maxSeen["bill"], "more than one call in flight for a device")
}

func TestDispense_DevicesDoNotBlockEachOther(t *testing.T) {
	b := newFakeBackend()
	b.hold = 50 * time.Millisecond
	s := NewSerializer(b, fastPolicy(1), zap.NewNop())

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{"bill", "coin"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Dispense(context.Background(), id, 100, "EUR")
		}(id)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 95*time.Millisecond)
	assert.Equal(t, 2, s.locks.Len())
}

func TestPolicy_LastStepRepeats(t *testing.T) {
	p := Policy{Backoff: []time.Duration{1, 2, 3}, MaxAttempts: 10}
	assert.Equal(t, time.Duration(1), p.delay(1))
	assert.Equal(t, time.Duration(3), p.delay(3))
	assert.Equal(t, time.Duration(3), p.delay(7))
	assert.Equal(t, time.Duration(0), Policy{}.delay(1))
}
