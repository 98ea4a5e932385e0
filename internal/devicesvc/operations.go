package devicesvc

import (
	"context"
	"net/http"
	"strings"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// OpenConnectionRequest is the body of OpenConnection.
type OpenConnectionRequest struct {
	ComPort                string `json:"ComPort"`
	SspAddress             int    `json:"SspAddress"`
	EnableAcceptor         bool   `json:"EnableAcceptor"`
	EnableAutoAcceptEscrow bool   `json:"EnableAutoAcceptEscrow"`
	EnablePayout           bool   `json:"EnablePayout"`
}

// Connection is the OpenConnection response.
type Connection struct {
	DeviceID    string `json:"deviceID"`
	DeviceModel string `json:"DeviceModel"`
	IsOpen      bool   `json:"IsOpen"`
	DeviceError string `json:"DeviceError"`
}

// Denomination addresses one value in one currency.
type Denomination struct {
	Value       int64  `json:"Denomination"`
	CountryCode string `json:"CountryCode"`
}

type inhibitRequest struct {
	ValueCountryCodes []Denomination `json:"ValueCountryCodes"`
	Inhibit           bool           `json:"Inhibit"`
}

type routeRequest struct {
	Value       int64  `json:"Value"`
	CountryCode string `json:"CountryCode"`
	Route       int    `json:"Route"`
}

type dispenseRequest struct {
	Value       int64  `json:"Value"`
	CountryCode string `json:"CountryCode"`
}

// OpenConnection connects a device on port/address. Not idempotent: only call it
// while probing, never mid-session.
func (c *Client) OpenConnection(ctx context.Context, req OpenConnectionRequest) (Connection, Outcome) {
	var conn Connection
	raw, out := c.call(ctx, c.probe, http.MethodPost, "OpenConnection", "", req, false)
	if !out.OK() {
		return conn, out
	}
	if dec := decode(out.Op, raw, &conn); !dec.OK() {
		return conn, dec
	}
	if !conn.IsOpen || conn.DeviceID == "" {
		reason := conn.DeviceError
		if reason == "" {
			reason = "connection not open"
		}
		return conn, fatal(out.Op, out.Code, reason)
	}
	return conn, out
}

func (c *Client) DisconnectDevice(ctx context.Context, deviceID string) Outcome {
	_, out := c.call(ctx, c.http, http.MethodPost, "DisconnectDevice", deviceID, nil, true)
	return out
}

func (c *Client) EnableAcceptor(ctx context.Context, deviceID string) Outcome {
	_, out := c.call(ctx, c.http, http.MethodPost, "EnableAcceptor", deviceID, nil, true)
	return out
}

func (c *Client) DisableAcceptor(ctx context.Context, deviceID string) Outcome {
	_, out := c.call(ctx, c.http, http.MethodPost, "DisableAcceptor", deviceID, nil, true)
	return out
}

func (c *Client) SetAutoAccept(ctx context.Context, deviceID string, enabled bool) Outcome {
	_, out := c.call(ctx, c.http, http.MethodPost, "SetAutoAccept", deviceID, enabled, true)
	return out
}

// SetDenominationInhibits inhibits (or re-allows) every listed denomination.
func (c *Client) SetDenominationInhibits(ctx context.Context, deviceID string, denoms []Denomination, inhibit bool) Outcome {
	if len(denoms) == 0 {
		return ok("SetDenominationInhibits", http.StatusOK)
	}
	body := inhibitRequest{ValueCountryCodes: denoms, Inhibit: inhibit}
	_, out := c.call(ctx, c.http, http.MethodPost, "SetDenominationInhibits", deviceID, body, true)
	return out
}

func (c *Client) SetDenominationRoute(ctx context.Context, deviceID string, value money.Cents, countryCode string, route money.Route) Outcome {
	body := routeRequest{Value: int64(value), CountryCode: countryCode, Route: int(route)}
	_, out := c.call(ctx, c.http, http.MethodPost, "SetDenominationRoute", deviceID, body, true)
	return out
}

// DispenseValue asks the device to pay out value. BUSY and INVALID_INPUT come
// back as the corresponding Outcome status.
func (c *Client) DispenseValue(ctx context.Context, deviceID string, value money.Cents, countryCode string) Outcome {
	body := dispenseRequest{Value: int64(value), CountryCode: countryCode}
	_, out := c.call(ctx, c.http, http.MethodPost, "DispenseValue", deviceID, body, true)
	return out
}

// GetCounters reads the device's lifetime counters. Roles whose capability
// forbids it never reach the network.
func (c *Client) GetCounters(ctx context.Context, h money.DeviceHandle) (map[string]int64, Outcome) {
	const op = "GetCounters"
	if !h.Caps.CountersReadable() {
		return nil, invalid(op, 0, "counters not supported for role "+string(h.Role))
	}
	raw, out := c.call(ctx, c.http, http.MethodGet, op, h.DeviceID, nil, false)
	if !out.OK() {
		return nil, out
	}
	counters := map[string]int64{}
	return counters, decode(op, raw, &counters)
}

// DeviceState is the coarse device state reported by GetDeviceStatus.
type DeviceState string

const (
	StateIdle      DeviceState = "IDLE"
	StateStarted   DeviceState = "STARTED"
	StateConnected DeviceState = "CONNECTED"
	StateBusy      DeviceState = "BUSY"
	StateError     DeviceState = "ERROR"
	StateUnknown   DeviceState = "UNKNOWN"
)

func parseState(s string) DeviceState {
	switch st := DeviceState(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateIdle, StateStarted, StateConnected, StateBusy, StateError:
		return st
	}
	return StateUnknown
}

type statusEvent struct {
	StateAsString string `json:"stateAsString"`
}

// GetDeviceStatus returns the latest reported state. The service may answer
// with an empty list; then the last known state is returned, and UNKNOWN only
// when nothing was ever seen for the device.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (DeviceState, Outcome) {
	const op = "GetDeviceStatus"
	raw, out := c.call(ctx, c.http, http.MethodGet, op, deviceID, nil, false)
	if !out.OK() {
		return c.lastKnown(deviceID), out
	}
	var events []statusEvent
	if dec := decode(op, raw, &events); !dec.OK() {
		return c.lastKnown(deviceID), dec
	}
	if len(events) == 0 {
		return c.lastKnown(deviceID), out
	}
	st := parseState(events[len(events)-1].StateAsString)
	if st == StateUnknown {
		return c.lastKnown(deviceID), out
	}

	c.mu.Lock()
	c.lastStatus[deviceID] = st
	c.mu.Unlock()
	return st, out
}

func (c *Client) lastKnown(deviceID string) DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.lastStatus[deviceID]; ok {
		return st
	}
	return StateUnknown
}

// ForgetDevice drops cached state for a disconnected device.
func (c *Client) ForgetDevice(deviceID string) {
	c.mu.Lock()
	delete(c.lastStatus, deviceID)
	c.mu.Unlock()
}
