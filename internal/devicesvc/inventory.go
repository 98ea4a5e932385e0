package devicesvc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// Level is one entry of GetAllLevels: channel-less, recycler stock only.
type Level struct {
	Value       int64  `json:"value"`
	Stored      int    `json:"stored"`
	CountryCode string `json:"countryCode"`
}

// Assignment is one channel of GetCurrencyAssignment.
type Assignment struct {
	Value           int64  `json:"value"`
	CountryCode     string `json:"countryCode"`
	Channel         int    `json:"channel"`
	Stored          int    `json:"stored"`
	StoredInCashbox int    `json:"storedInCashbox"`
	IsInhibited     bool   `json:"isInhibited"`
	IsRecyclable    bool   `json:"isRecyclable"`
	AcceptRoute     string `json:"acceptRoute"`
}

func (c *Client) GetAllLevels(ctx context.Context, deviceID string) ([]Level, Outcome) {
	const op = "GetAllLevels"
	raw, out := c.call(ctx, c.http, http.MethodGet, op, deviceID, nil, false)
	if !out.OK() {
		return nil, out
	}
	var levels []Level
	return levels, decode(op, raw, &levels)
}

func (c *Client) GetCurrencyAssignment(ctx context.Context, deviceID string) ([]Assignment, Outcome) {
	const op = "GetCurrencyAssignment"
	raw, out := c.call(ctx, c.http, http.MethodGet, op, deviceID, nil, false)
	if !out.OK() {
		return nil, out
	}
	var as []Assignment
	return as, decode(op, raw, &as)
}

// Assignment reads GetCurrencyAssignment as an inventory snapshot. This is the
// primary feed for session accounting.
func (c *Client) Assignment(ctx context.Context, deviceID string) (money.InventorySnapshot, Outcome) {
	as, out := c.GetCurrencyAssignment(ctx, deviceID)
	if !out.OK() {
		return money.InventorySnapshot{}, out
	}
	return AssignmentSnapshot(deviceID, time.Now(), as), out
}

// Levels reads GetAllLevels through the LevelsSnapshot adapter.
func (c *Client) Levels(ctx context.Context, deviceID string) (money.InventorySnapshot, Outcome) {
	levels, out := c.GetAllLevels(ctx, deviceID)
	if !out.OK() {
		return money.InventorySnapshot{}, out
	}
	return LevelsSnapshot(deviceID, time.Now(), levels), out
}

// AssignmentSnapshot converts a currency assignment into a snapshot.
func AssignmentSnapshot(deviceID string, at time.Time, as []Assignment) money.InventorySnapshot {
	entries := make([]money.DenominationEntry, 0, len(as))
	for _, a := range as {
		entries = append(entries, money.DenominationEntry{
			Value:            money.Cents(a.Value),
			CountryCode:      a.CountryCode,
			Channel:          a.Channel,
			StoredInRecycler: a.Stored,
			StoredInCashbox:  a.StoredInCashbox,
			Inhibited:        a.IsInhibited,
			Recyclable:       a.IsRecyclable,
			Route:            ParseRoute(a.AcceptRoute),
		})
	}
	return money.NewSnapshot(deviceID, at, entries)
}

// LevelsSnapshot adapts the levels feed to the same snapshot shape. Levels only
// report payout stock, so every entry is recyclable and lives on channel 0.
func LevelsSnapshot(deviceID string, at time.Time, levels []Level) money.InventorySnapshot {
	entries := make([]money.DenominationEntry, 0, len(levels))
	for _, l := range levels {
		entries = append(entries, money.DenominationEntry{
			Value:            money.Cents(l.Value),
			CountryCode:      l.CountryCode,
			StoredInRecycler: l.Stored,
			Recyclable:       true,
			Route:            money.RouteRecycler,
		})
	}
	return money.NewSnapshot(deviceID, at, entries)
}

// ParseRoute maps the acceptRoute text onto a Route; unknown values mean cashbox.
func ParseRoute(s string) money.Route {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAYOUT", "RECYCLER", "1":
		return money.RouteRecycler
	}
	return money.RouteCashbox
}

// ToDenominations lists the distinct (value, currency) pairs of entries.
func ToDenominations(entries []money.DenominationEntry) []Denomination {
	seen := make(map[Denomination]bool, len(entries))
	out := make([]Denomination, 0, len(entries))
	for _, e := range entries {
		d := Denomination{Value: int64(e.Value), CountryCode: e.CountryCode}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
