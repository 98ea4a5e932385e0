// Package safety decides which denominations must be refused so that exact
// change stays payable from the recycler stock.
package safety

import (
	"context"
	"sort"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
)

// Set is a set of denomination values.
type Set map[money.Cents]bool

// Sorted returns the members in ascending order.
func (s Set) Sorted() []money.Cents {
	out := make([]money.Cents, 0, len(s))
	for v, in := range s {
		if in {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether both sets hold the same values.
func (s Set) Equal(o Set) bool {
	a, b := s.Sorted(), o.Sorted()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stock is the payable change: value → pieces available in the recyclers.
type Stock map[money.Cents]int

// Total is the value of the whole stock.
func (s Stock) Total() money.Cents {
	var sum money.Cents
	for v, n := range s {
		sum += v * money.Cents(n)
	}
	return sum
}

// BuildStock sums the recycler stock of payable entries across devices.
// Inhibited entries only count when the inhibit is ours (selfInhibited): they
// cannot be accepted right now but can still be paid out.
func BuildStock(entries []money.DenominationEntry, selfInhibited Set) Stock {
	st := Stock{}
	for _, e := range entries {
		if !e.Payable() {
			continue
		}
		if e.Inhibited && !selfInhibited[e.Value] {
			continue
		}
		st[e.Value] += e.StoredInRecycler
	}
	return st
}

// UnsafeDenominations returns every accepted value that would leave change the
// stock cannot pay exactly. Values up to the target never owe change.
func UnsafeDenominations(target money.Cents, all []money.Cents, stock Stock) Set {
	unsafe := Set{}
	for _, v := range all {
		if v <= target {
			continue
		}
		if !Representable(v-target, stock) {
			unsafe[v] = true
		}
	}
	return unsafe
}

// Representable reports whether amount is an exact sum of stock pieces, using
// each value at most as often as it is stocked.
func Representable(amount money.Cents, stock Stock) bool {
	if amount == 0 {
		return true
	}
	if amount < 0 {
		return false
	}

	type coin struct {
		value int64
		count int
	}
	var coins []coin
	g := int64(amount)
	for v, n := range stock {
		if v <= 0 || n <= 0 || v > amount {
			continue
		}
		if limit := int(int64(amount) / int64(v)); n > limit {
			n = limit
		}
		coins = append(coins, coin{int64(v), n})
		g = gcd(g, int64(v))
	}
	if len(coins) == 0 {
		return false
	}
	// g divides amount and every usable value; work on the reduced scale.
	target := int64(amount) / g
	for i := range coins {
		coins[i].value /= g
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].value > coins[j].value })

	reach := make([]bool, target+1)
	used := make([]int, target+1)
	reach[0] = true
	for _, c := range coins {
		for i := range used {
			used[i] = 0
		}
		for s := c.value; s <= target; s++ {
			if reach[s] || !reach[s-c.value] || used[s-c.value] >= c.count {
				continue
			}
			reach[s] = true
			used[s] = used[s-c.value] + 1
		}
		if reach[target] {
			return true
		}
	}
	return reach[target]
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ── applying ──────────────────────────────────────────────────────────────────

// Inhibitor is the device call used to (re)configure acceptance.
type Inhibitor interface {
	SetDenominationInhibits(ctx context.Context, deviceID string, denoms []devicesvc.Denomination, inhibit bool) devicesvc.Outcome
}

// Runner serializes a device call; the dispense serializer satisfies it.
type Runner interface {
	Do(ctx context.Context, deviceID, op string, call func(context.Context) devicesvc.Outcome) devicesvc.Outcome
}

// Applier pushes a safety set to a device.
type Applier struct {
	dev    Inhibitor
	runner Runner
}

func NewApplier(dev Inhibitor, runner Runner) *Applier {
	return &Applier{dev: dev, runner: runner}
}

// Apply first re-allows every denomination of the device, then inhibits the
// unsafe ones it knows. A device that gained small change thereby admits large
// notes again. Returns the values actually inhibited on this device.
func (a *Applier) Apply(ctx context.Context, deviceID string, entries []money.DenominationEntry, unsafe Set) (Set, devicesvc.Outcome) {
	all := devicesvc.ToDenominations(entries)
	out := a.runner.Do(ctx, deviceID, "SetDenominationInhibits", func(ctx context.Context) devicesvc.Outcome {
		return a.dev.SetDenominationInhibits(ctx, deviceID, all, false)
	})
	if !out.OK() {
		return Set{}, out
	}

	applied := Set{}
	var inhibit []devicesvc.Denomination
	for _, d := range all {
		if unsafe[money.Cents(d.Value)] {
			inhibit = append(inhibit, d)
			applied[money.Cents(d.Value)] = true
		}
	}
	out = a.runner.Do(ctx, deviceID, "SetDenominationInhibits", func(ctx context.Context) devicesvc.Outcome {
		return a.dev.SetDenominationInhibits(ctx, deviceID, inhibit, true)
	})
	if !out.OK() {
		return Set{}, out
	}
	return applied, out
}

// Release re-allows every denomination of the device.
func (a *Applier) Release(ctx context.Context, deviceID string, entries []money.DenominationEntry) devicesvc.Outcome {
	all := devicesvc.ToDenominations(entries)
	return a.runner.Do(ctx, deviceID, "SetDenominationInhibits", func(ctx context.Context) devicesvc.Outcome {
		return a.dev.SetDenominationInhibits(ctx, deviceID, all, false)
	})
}
