package money

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Key identifies a denomination slot on a device.
type Key struct {
	DeviceID    string
	Channel     int
	Value       Cents
	CountryCode string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s%s", k.DeviceID, k.Channel, k.Value, k.CountryCode)
}

// InventorySnapshot is an immutable view of a device inventory. Build it with
// NewSnapshot; the zero value is an empty snapshot.
type InventorySnapshot struct {
	deviceID string
	takenAt  time.Time
	entries  []DenominationEntry
}

// NewSnapshot copies entries, so later changes to the input slice do not leak in.
// Entries are ordered by value, then channel.
func NewSnapshot(deviceID string, takenAt time.Time, entries []DenominationEntry) InventorySnapshot {
	cp := make([]DenominationEntry, len(entries))
	copy(cp, entries)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Value != cp[j].Value {
			return cp[i].Value < cp[j].Value
		}
		return cp[i].Channel < cp[j].Channel
	})
	return InventorySnapshot{deviceID: deviceID, takenAt: takenAt, entries: cp}
}

func (s InventorySnapshot) DeviceID() string   { return s.deviceID }
func (s InventorySnapshot) TakenAt() time.Time { return s.takenAt }
func (s InventorySnapshot) Len() int           { return len(s.entries) }
func (s InventorySnapshot) IsZero() bool       { return s.deviceID == "" && len(s.entries) == 0 }

// Entries returns a copy of the snapshot entries.
func (s InventorySnapshot) Entries() []DenominationEntry {
	cp := make([]DenominationEntry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

func (s InventorySnapshot) keyOf(e DenominationEntry) Key {
	return Key{DeviceID: s.deviceID, Channel: e.Channel, Value: e.Value, CountryCode: e.CountryCode}
}

// Counts maps every slot to its stored count (recycler + cashbox).
func (s InventorySnapshot) Counts() map[Key]int {
	m := make(map[Key]int, len(s.entries))
	for _, e := range s.entries {
		m[s.keyOf(e)] += e.Stored()
	}
	return m
}

// Count returns the stored count for key, zero when absent.
func (s InventorySnapshot) Count(k Key) int {
	n := 0
	for _, e := range s.entries {
		if s.keyOf(e) == k {
			n += e.Stored()
		}
	}
	return n
}

// Total is the value of everything stored on the device.
func (s InventorySnapshot) Total() Cents {
	var sum Cents
	for _, e := range s.entries {
		sum += e.Amount()
	}
	return sum
}

// Payout returns the entries whose recycler stock can be dispensed, largest value first.
func (s InventorySnapshot) Payout() []DenominationEntry {
	out := make([]DenominationEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Payable() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out
}

// Denominations lists the distinct values known to the device, ascending.
func (s InventorySnapshot) Denominations() []Cents {
	seen := make(map[Cents]bool, len(s.entries))
	out := make([]Cents, 0, len(s.entries))
	for _, e := range s.entries {
		if !seen[e.Value] {
			seen[e.Value] = true
			out = append(out, e.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PayoutFingerprint is a stable string of the dispensable stock, used to notice
// when the change inventory moved between polls.
func (s InventorySnapshot) PayoutFingerprint() string {
	var b strings.Builder
	for _, e := range s.entries {
		if !e.Payable() {
			continue
		}
		fmt.Fprintf(&b, "%d:%d:%s:%d;", e.Channel, e.Value, e.CountryCode, e.StoredInRecycler)
	}
	return b.String()
}

func (s InventorySnapshot) String() string {
	parts := make([]string, 0, len(s.entries)+1)
	for _, e := range s.entries {
		if e.Stored() > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Value, e.Stored()))
		}
	}
	parts = append(parts, "total:"+s.Total().String())
	return s.deviceID + "{" + strings.Join(parts, ",") + "}"
}
