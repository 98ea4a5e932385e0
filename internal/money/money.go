// Package money holds the value types shared by the cash engine: integer cent
// amounts, device identities and denomination inventory snapshots.
package money

import (
	"fmt"
	"strings"
)

// Cents is an amount in minor currency units, e.g. 12.50 = 1250.
type Cents int64

func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// DeviceRole tells which kind of acceptor a device is.
type DeviceRole string

const (
	RoleBill DeviceRole = "BILL"
	RoleCoin DeviceRole = "COIN"
)

// ParseRole accepts "bill"/"coin" in any case.
func ParseRole(s string) (DeviceRole, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RoleBill):
		return RoleBill, nil
	case string(RoleCoin):
		return RoleCoin, nil
	}
	return "", fmt.Errorf("unknown device role %q", s)
}

// CounterPolicy says how a device role treats the GetCounters call.
type CounterPolicy string

const (
	CounterForbidden CounterPolicy = "forbidden"
	CounterAdvisory  CounterPolicy = "advisory"
	CounterAllowed   CounterPolicy = "allowed"
)

// Capabilities are per-role feature flags decided by configuration.
type Capabilities struct {
	Counters CounterPolicy
}

// CountersReadable reports whether GetCounters may be sent to the device at all.
func (c Capabilities) CountersReadable() bool {
	return c.Counters == CounterAdvisory || c.Counters == CounterAllowed
}

// DeviceHandle identifies a connected acceptor. It is created on a successful
// OpenConnection and dropped on disconnect or role reassignment.
type DeviceHandle struct {
	DeviceID string
	Role     DeviceRole
	Port     string
	Address  int
	Model    string
	Currency string
	Caps     Capabilities
}

func (h DeviceHandle) String() string {
	return fmt.Sprintf("%s(%s@%s/%d)", h.Role, h.DeviceID, h.Port, h.Address)
}

// Route is where an accepted denomination ends up.
type Route int

const (
	RouteCashbox  Route = 0
	RouteRecycler Route = 1
)

// DenominationEntry is one denomination on one device at one instant.
type DenominationEntry struct {
	Value            Cents
	CountryCode      string
	Channel          int
	StoredInRecycler int
	StoredInCashbox  int
	Inhibited        bool
	Recyclable       bool
	Route            Route
}

// Stored is the total count held by the device for this denomination.
func (e DenominationEntry) Stored() int { return e.StoredInRecycler + e.StoredInCashbox }

// Amount is the monetary value of everything stored for this denomination.
func (e DenominationEntry) Amount() Cents { return e.Value * Cents(e.Stored()) }

// Payable reports whether the recycler stock of this entry can be dispensed as change.
func (e DenominationEntry) Payable() bool {
	return e.Recyclable && e.StoredInRecycler > 0 && e.Value > 0
}
