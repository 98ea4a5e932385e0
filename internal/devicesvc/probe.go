package devicesvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// Candidate is a configured place where an acceptor is expected.
type Candidate struct {
	Role     money.DeviceRole
	Port     string
	Address  int
	Currency string
	Caps     money.Capabilities
}

// ProbeResult maps roles to connected devices. Failed holds one error per
// candidate that could not be opened.
type ProbeResult struct {
	Devices map[money.DeviceRole]money.DeviceHandle
	Failed  []error
}

// Probe opens every candidate, retrying each up to attempts times. A model that
// identifies as the other role moves the device to that role, taking currency
// and capabilities from the candidate configured for it; a second device for
// an already mapped role is disconnected again.
func (c *Client) Probe(ctx context.Context, cands []Candidate, attempts int, pause time.Duration, log *zap.Logger) ProbeResult {
	if attempts <= 0 {
		attempts = 1
	}
	res := ProbeResult{Devices: make(map[money.DeviceRole]money.DeviceHandle, len(cands))}
	byRole := make(map[money.DeviceRole]Candidate, len(cands))
	for _, cand := range cands {
		if _, ok := byRole[cand.Role]; !ok {
			byRole[cand.Role] = cand
		}
	}

	for _, cand := range cands {
		conn, out := c.openWithRetry(ctx, cand, attempts, pause, log)
		if !out.OK() {
			log.Error("probe: open connection failed",
				zap.String("role", string(cand.Role)),
				zap.String("port", cand.Port),
				zap.String("outcome", out.String()),
			)
			res.Failed = append(res.Failed, fmt.Errorf("%s on %s: %w", cand.Role, cand.Port, out.Err()))
			continue
		}

		role := cand.Role
		if hinted := RoleFromModel(conn.DeviceModel); hinted != "" && hinted != role {
			log.Warn("probe: reassigning device by model",
				zap.String("device", conn.DeviceID),
				zap.String("model", conn.DeviceModel),
				zap.String("from", string(role)),
				zap.String("to", string(hinted)),
			)
			role = hinted
		}
		if prev, taken := res.Devices[role]; taken {
			log.Warn("probe: role already mapped, closing duplicate",
				zap.String("role", string(role)),
				zap.String("kept", prev.DeviceID),
				zap.String("dropped", conn.DeviceID),
			)
			c.DisconnectDevice(ctx, conn.DeviceID)
			c.ForgetDevice(conn.DeviceID)
			continue
		}

		h := money.DeviceHandle{
			DeviceID: conn.DeviceID,
			Role:     role,
			Port:     cand.Port,
			Address:  cand.Address,
			Model:    conn.DeviceModel,
			Currency: cand.Currency,
			Caps:     cand.Caps,
		}
		if role != cand.Role {
			h.Currency, h.Caps = roleDefaults(byRole, role, cand)
		}
		res.Devices[role] = h
		log.Info("probe: device connected", zap.Stringer("device", h), zap.String("model", h.Model))
	}
	return res
}

// roleDefaults returns currency and capabilities for a device moved to role.
// Without a candidate for that role the currency is kept and counters are
// forbidden.
func roleDefaults(byRole map[money.DeviceRole]Candidate, role money.DeviceRole, from Candidate) (string, money.Capabilities) {
	if c, ok := byRole[role]; ok {
		return c.Currency, c.Caps
	}
	return from.Currency, money.Capabilities{Counters: money.CounterForbidden}
}

func (c *Client) openWithRetry(ctx context.Context, cand Candidate, attempts int, pause time.Duration, log *zap.Logger) (Connection, Outcome) {
	req := OpenConnectionRequest{
		ComPort:      cand.Port,
		SspAddress:   cand.Address,
		EnablePayout: true,
	}
	var (
		conn Connection
		out  Outcome
	)
	for i := 1; i <= attempts; i++ {
		conn, out = c.OpenConnection(ctx, req)
		if out.OK() || out.Status == StatusInvalid {
			return conn, out
		}
		log.Warn("probe: open attempt failed",
			zap.String("port", cand.Port),
			zap.Int("attempt", i),
			zap.String("outcome", out.String()),
		)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return conn, fatal(out.Op, 0, ctx.Err().Error())
		case <-time.After(pause * time.Duration(i)):
		}
	}
	return conn, out
}

// RoleFromModel guesses the role from the reported model name, or "" when the
// model says nothing useful.
func RoleFromModel(model string) money.DeviceRole {
	m := strings.ToUpper(model)
	switch {
	case strings.Contains(m, "COIN"), strings.Contains(m, "HOPPER"):
		return money.RoleCoin
	case strings.Contains(m, "NOTE"), strings.Contains(m, "BILL"), strings.Contains(m, "SPECTRAL"):
		return money.RoleBill
	}
	return ""
}
