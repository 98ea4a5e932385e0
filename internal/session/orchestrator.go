// Package session runs payment attempts on a bill and coin acceptor pair:
// device connection, arming with baselines, polling the credited amount,
// closing with change or refund, and locking the machine when money could not
// be returned.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/refund"
	"github.com/0gfoundation/cashdesk/internal/safety"
	"github.com/0gfoundation/cashdesk/internal/tracker"
)

// Errors returned by the orchestrator. Only ErrBusy is worth retrying as is.
var (
	ErrBusy              = errors.New("session: operation in progress, retry")
	ErrMachineLocked     = errors.New("session: machine locked")
	ErrNoDevice          = errors.New("session: no device mapped")
	ErrDeviceUnavailable = errors.New("session: device unavailable")
	ErrSessionActive     = errors.New("session: a session is in progress")
	ErrNoSession         = errors.New("session: no session in progress")
	ErrInvalidTarget     = errors.New("session: target must be positive")
)

// State of the orchestrator.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateArmed        State = "SESSION_ARMED"
	StateActive       State = "SESSION_ACTIVE"
	StateClosing      State = "SESSION_CLOSING"
	StateError        State = "ERROR"
)

// CloseReason tells why a session ended.
type CloseReason string

const (
	CloseSuccess  CloseReason = "success"
	CloseCancel   CloseReason = "cancel"
	CloseTimeout  CloseReason = "timeout"
	CloseShutdown CloseReason = "shutdown"
)

// ParseCloseReason accepts the four reason names.
func ParseCloseReason(s string) (CloseReason, bool) {
	switch r := CloseReason(s); r {
	case CloseSuccess, CloseCancel, CloseTimeout, CloseShutdown:
		return r, true
	}
	return "", false
}

// Lock reasons.
const (
	LockRefundShortfall = "refund_shortfall"
	LockOrphanedSession = "orphaned_session"
)

// ── collaborators ─────────────────────────────────────────────────────────────

// Devices is the hardware-control client.
type Devices interface {
	Probe(ctx context.Context, cands []devicesvc.Candidate, attempts int, pause time.Duration, log *zap.Logger) devicesvc.ProbeResult
	DisconnectDevice(ctx context.Context, deviceID string) devicesvc.Outcome
	ForgetDevice(deviceID string)
	SetAutoAccept(ctx context.Context, deviceID string, enabled bool) devicesvc.Outcome
	Assignment(ctx context.Context, deviceID string) (money.InventorySnapshot, devicesvc.Outcome)
	SetDenominationInhibits(ctx context.Context, deviceID string, denoms []devicesvc.Denomination, inhibit bool) devicesvc.Outcome
}

// Serializer runs device calls one at a time per device.
type Serializer interface {
	Enable(ctx context.Context, deviceID string) devicesvc.Outcome
	Disable(ctx context.Context, deviceID string) devicesvc.Outcome
	Dispense(ctx context.Context, deviceID string, value money.Cents, countryCode string) devicesvc.Outcome
	Do(ctx context.Context, deviceID, op string, call func(context.Context) devicesvc.Outcome) devicesvc.Outcome
}

// Store persists session records, the machine lock and alerts.
type Store interface {
	CreateSession(ctx context.Context, s ledger.Session) error
	UpdateCredited(ctx context.Context, id string, credited money.Cents, state string, at int64) error
	DeleteSession(ctx context.Context, id string) error
	Lock(ctx context.Context, l ledger.Lock) (bool, error)
	GetLock(ctx context.Context, machine string) (*ledger.Lock, error)
	Unlock(ctx context.Context, machine string) error
	EnqueueAlert(ctx context.Context, a ledger.Alert) error
}

// ── configuration ─────────────────────────────────────────────────────────────

type Config struct {
	MachineID     string
	Candidates    []devicesvc.Candidate
	ProbeAttempts int
	ProbePause    time.Duration
	PollInterval  time.Duration
	// Timeout bounds a whole payment attempt in Run.
	Timeout time.Duration
	// CloseTimeout bounds the cleanup of a closing session.
	CloseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbePause <= 0 {
		c.ProbePause = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Minute
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Minute
	}
}

// ── results ───────────────────────────────────────────────────────────────────

// Status is the view of the running session returned by start and poll.
type Status struct {
	SessionID string        `json:"session_id"`
	State     State         `json:"state"`
	Target    money.Cents   `json:"target_cents"`
	Credited  money.Cents   `json:"credited_cents"`
	Remaining money.Cents   `json:"remaining_cents"`
	Paid      bool          `json:"paid"`
	StartedAt time.Time     `json:"started_at"`
	Unsafe    []money.Cents `json:"unsafe_denominations,omitempty"`
}

// CloseResult describes how a session ended. Closing never fails; whatever went
// wrong on the way is listed in Errors.
type CloseResult struct {
	SessionID string        `json:"session_id"`
	Reason    CloseReason   `json:"reason"`
	Target    money.Cents   `json:"target_cents"`
	Credited  money.Cents   `json:"credited_cents"`
	Refund    refund.Result `json:"refund"`
	Locked    bool          `json:"locked"`
	NoSession bool          `json:"no_session,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

// ── orchestrator ──────────────────────────────────────────────────────────────

// active is the bookkeeping of one running session.
type active struct {
	id        string
	target    money.Cents
	startedAt time.Time
	devices   []money.DeviceHandle

	credited  money.Cents
	persisted money.Cents
	entries   map[string][]money.DenominationEntry
	inhibited map[string]safety.Set
	unsafe    safety.Set
	safetyKey string

	// arming is set until StartSession finished its device work; ready is
	// closed at that point, whether the arm succeeded or not.
	arming bool
	ready  chan struct{}

	watched bool
	closing bool
	done    chan struct{}
	result  *CloseResult
}

type Orchestrator struct {
	cfg     Config
	dev     Devices
	ser     Serializer
	store   Store
	tracker *tracker.Tracker
	refunds *refund.Engine
	applier *safety.Applier
	log     *zap.Logger

	// guard keeps start, refund and connect from interleaving. Contenders do
	// not wait for it: they get ErrBusy.
	guard sync.Mutex
	// pollMu orders polling against the hardware work of close.
	pollMu sync.Mutex

	mu      sync.Mutex
	state   State
	devices map[money.DeviceRole]money.DeviceHandle
	cur     *active
	last    *CloseResult
	lock    *ledger.Lock
	// lockPending marks a lock that could not be persisted yet.
	lockPending bool
	// lockAlert is a lock alert that could not be enqueued yet.
	lockAlert *ledger.Alert
}

func New(cfg Config, dev Devices, ser Serializer, store Store, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		dev:     dev,
		ser:     ser,
		store:   store,
		tracker: tracker.New(log),
		refunds: refund.NewEngine(dev, ser, log),
		applier: safety.NewApplier(dev, ser),
		log:     log,
		state:   StateDisconnected,
		devices: make(map[money.DeviceRole]money.DeviceHandle),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Devices lists the mapped devices, bill first.
func (o *Orchestrator) Devices() []money.DeviceHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceList()
}

// Amounts is the per-device baseline/current/delta view.
func (o *Orchestrator) Amounts() []tracker.Amount {
	return o.tracker.Amounts()
}

// Current returns the status of the running session, including one that is
// still being armed.
func (o *Orchestrator) Current() (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return Status{State: o.state}, false
	}
	return o.statusLocked(o.cur), true
}

// LastClose returns the result of the most recent close.
func (o *Orchestrator) LastClose() (CloseResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CloseResult{}, false
	}
	return *o.last, true
}

// deviceList must be called with mu held.
func (o *Orchestrator) deviceList() []money.DeviceHandle {
	out := make([]money.DeviceHandle, 0, 2)
	for _, role := range []money.DeviceRole{money.RoleBill, money.RoleCoin} {
		if h, ok := o.devices[role]; ok {
			out = append(out, h)
		}
	}
	return out
}

// statusLocked must be called with mu held.
func (o *Orchestrator) statusLocked(cur *active) Status {
	remaining := cur.target - cur.credited
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		SessionID: cur.id,
		State:     o.state,
		Target:    cur.target,
		Credited:  cur.credited,
		Remaining: remaining,
		Paid:      cur.credited >= cur.target,
		StartedAt: cur.startedAt,
		Unsafe:    cur.unsafe.Sorted(),
	}
}

// pick returns the bill and coin handles of a device list; either may be nil.
func pick(devices []money.DeviceHandle) (bill, coin *money.DeviceHandle) {
	for i := range devices {
		switch devices[i].Role {
		case money.RoleBill:
			bill = &devices[i]
		case money.RoleCoin:
			coin = &devices[i]
		}
	}
	return bill, coin
}
