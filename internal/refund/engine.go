// Package refund returns money to the customer: bills first, then coins,
// largest denomination first.
package refund

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
)

// DefaultMaxPasses bounds how often a device's inventory is re-read while
// dispensing still makes progress.
const DefaultMaxPasses = 3

// Inventory reads a device's current stock.
type Inventory interface {
	Assignment(ctx context.Context, deviceID string) (money.InventorySnapshot, devicesvc.Outcome)
}

// Dispenser performs serialized device calls.
type Dispenser interface {
	Dispense(ctx context.Context, deviceID string, value money.Cents, countryCode string) devicesvc.Outcome
	Disable(ctx context.Context, deviceID string) devicesvc.Outcome
}

// Line is one row of a refund breakdown.
type Line struct {
	DeviceID    string      `json:"device_id"`
	Value       money.Cents `json:"value_cents"`
	CountryCode string      `json:"country_code"`
	Count       int         `json:"count"`
	Amount      money.Cents `json:"amount_cents"`
}

// Result of a refund. Dispensed() + Remaining == Requested always holds.
type Result struct {
	Requested money.Cents `json:"requested_cents"`
	Success   bool        `json:"success"`
	Remaining money.Cents `json:"remaining_cents"`
	Breakdown []Line      `json:"breakdown"`
	Errors    []string    `json:"errors,omitempty"`
}

// Dispensed is the sum of the breakdown.
func (r Result) Dispensed() money.Cents {
	var sum money.Cents
	for _, l := range r.Breakdown {
		sum += l.Amount
	}
	return sum
}

type Engine struct {
	inv       Inventory
	disp      Dispenser
	maxPasses int
	log       *zap.Logger
}

func NewEngine(inv Inventory, disp Dispenser, log *zap.Logger) *Engine {
	return &Engine{inv: inv, disp: disp, maxPasses: DefaultMaxPasses, log: log}
}

// Refund disables both acceptors, so the payout cannot be counted as a new
// payment, and pays amount out of the bill then the coin recycler. Either
// device may be nil.
func (e *Engine) Refund(ctx context.Context, amount money.Cents, bill, coin *money.DeviceHandle) Result {
	if amount <= 0 {
		return Result{Requested: amount, Success: true, Breakdown: []Line{}}
	}
	errs := DisableAll(ctx, e.disp, e.log, bill, coin)
	res := e.PayOut(ctx, amount, bill, coin)
	res.Errors = append(errs, res.Errors...)
	return res
}

// DisableAll disables every non-nil device in parallel and returns one message
// per failure.
func DisableAll(ctx context.Context, disp Dispenser, log *zap.Logger, devices ...*money.DeviceHandle) []string {
	var (
		mu   sync.Mutex
		errs []string
		g    errgroup.Group
	)
	for _, h := range devices {
		if h == nil {
			continue
		}
		h := h
		g.Go(func() error {
			if out := disp.Disable(ctx, h.DeviceID); !out.OK() {
				log.Warn("disable acceptor failed", zap.String("device", h.DeviceID), zap.String("outcome", out.String()))
				mu.Lock()
				errs = append(errs, fmt.Sprintf("disable %s: %s", h.DeviceID, out))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

// PayOut dispenses amount without touching acceptor state. Devices are tried in
// the order given.
func (e *Engine) PayOut(ctx context.Context, amount money.Cents, devices ...*money.DeviceHandle) Result {
	res := Result{Requested: amount, Remaining: amount, Breakdown: []Line{}}
	if amount <= 0 {
		res.Remaining = 0
		res.Success = true
		return res
	}

	for _, h := range devices {
		if h == nil || res.Remaining == 0 {
			continue
		}
		e.payFrom(ctx, *h, &res)
	}

	res.Success = res.Remaining == 0
	if res.Success {
		e.log.Info("refund complete",
			zap.Int64("requested_cents", int64(amount)),
			zap.Int("lines", len(res.Breakdown)),
		)
	} else {
		e.log.Error("refund shortfall",
			zap.Int64("requested_cents", int64(amount)),
			zap.Int64("remaining_cents", int64(res.Remaining)),
			zap.Strings("errors", res.Errors),
		)
	}
	return res
}

type slot struct {
	value       money.Cents
	countryCode string
	available   int
}

func (e *Engine) payFrom(ctx context.Context, h money.DeviceHandle, res *Result) {
	for pass := 0; pass < e.maxPasses && res.Remaining > 0; pass++ {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", h.DeviceID, ctx.Err()))
			return
		}
		snap, out := e.inv.Assignment(ctx, h.DeviceID)
		if !out.OK() {
			res.Errors = append(res.Errors, fmt.Sprintf("read %s: %s", h.DeviceID, out))
			return
		}

		progressed := false
		for _, s := range payoutSlots(snap, h.Currency) {
			if s.value > res.Remaining {
				continue
			}
			count := int(res.Remaining / s.value)
			if count > s.available {
				count = s.available
			}
			paid := 0
			for paid < count {
				out := e.disp.Dispense(ctx, h.DeviceID, s.value, s.countryCode)
				if !out.OK() {
					e.log.Warn("dispense failed",
						zap.String("device", h.DeviceID),
						zap.Int64("value_cents", int64(s.value)),
						zap.String("outcome", out.String()),
					)
					res.Errors = append(res.Errors, fmt.Sprintf("dispense %s %s: %s", h.DeviceID, s.value, out))
					break
				}
				paid++
			}
			if paid > 0 {
				progressed = true
				res.Remaining -= s.value * money.Cents(paid)
				addLine(res, Line{
					DeviceID:    h.DeviceID,
					Value:       s.value,
					CountryCode: s.countryCode,
					Count:       paid,
					Amount:      s.value * money.Cents(paid),
				})
			}
			if res.Remaining == 0 {
				return
			}
		}
		if !progressed {
			return
		}
	}
}

// payoutSlots merges the payable channels of a snapshot per value and
// currency, largest value first.
func payoutSlots(snap money.InventorySnapshot, currency string) []slot {
	type key struct {
		v  money.Cents
		cc string
	}
	idx := map[key]int{}
	var slots []slot
	for _, en := range snap.Payout() {
		if currency != "" && en.CountryCode != "" && en.CountryCode != currency {
			continue
		}
		k := key{en.Value, en.CountryCode}
		if i, ok := idx[k]; ok {
			slots[i].available += en.StoredInRecycler
			continue
		}
		idx[k] = len(slots)
		slots = append(slots, slot{value: en.Value, countryCode: en.CountryCode, available: en.StoredInRecycler})
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].value > slots[j].value })
	return slots
}

func addLine(res *Result, l Line) {
	for i := range res.Breakdown {
		b := &res.Breakdown[i]
		if b.DeviceID == l.DeviceID && b.Value == l.Value && b.CountryCode == l.CountryCode {
			b.Count += l.Count
			b.Amount += l.Amount
			return
		}
	}
	res.Breakdown = append(res.Breakdown, l)
}
