// Package devicesvc is a typed client for the local hardware-control service
// that exposes the bill and coin acceptors over JSON/HTTP.
package devicesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultProbeTimeout = 30 * time.Second
	DefaultPollTimeout  = 3 * time.Second

	apiPrefix    = "/api/CashDevice/"
	maxBodyBytes = 1 << 20
)

// Timeouts configures the two HTTP clients. Probing talks to devices that may
// still be booting, so it gets a much longer budget than steady-state polling.
type Timeouts struct {
	Probe time.Duration
	Poll  time.Duration
}

// Client is an authenticated hardware-control service client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	probe   *http.Client

	mu         sync.Mutex
	lastStatus map[string]DeviceState
}

func NewClient(baseURL, apiKey string, t Timeouts) *Client {
	if t.Probe <= 0 {
		t.Probe = DefaultProbeTimeout
	}
	if t.Poll <= 0 {
		t.Poll = DefaultPollTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: t.Poll},
		probe:      &http.Client{Timeout: t.Probe},
		lastStatus: make(map[string]DeviceState),
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// call performs one round-trip and classifies the result. command marks
// operations whose text/plain body may carry BUSY or INVALID_INPUT on a 2xx.
func (c *Client) call(ctx context.Context, hc *http.Client, method, op, deviceID string, body any, command bool) ([]byte, Outcome) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, invalid(op, 0, "marshal body: "+err.Error())
		}
		bodyReader = bytes.NewReader(b)
	}

	u := c.baseURL + apiPrefix + op
	if deviceID != "" {
		u += "?deviceID=" + url.QueryEscape(deviceID)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, invalid(op, 0, err.Error())
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportOutcome(ctx, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportOutcome(ctx, op, err)
	}
	return raw, classify(op, resp.StatusCode, raw, command)
}

func transportOutcome(ctx context.Context, op string, err error) Outcome {
	// Caller gave up: retrying would only fight the cancellation.
	if ctx.Err() != nil {
		return fatal(op, 0, ctx.Err().Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return busy(op, 0, "timeout: "+err.Error())
	}
	return fatal(op, 0, err.Error())
}

func classify(op string, code int, body []byte, command bool) Outcome {
	text := strings.TrimSpace(string(body))
	upper := strings.ToUpper(text)
	switch {
	case code >= 200 && code < 300:
		if command {
			if strings.Contains(upper, "INVALID_INPUT") {
				return invalid(op, code, text)
			}
			if strings.Contains(upper, "BUSY") {
				return busy(op, code, text)
			}
		}
		return ok(op, code)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return invalid(op, code, text)
	case code == http.StatusConflict || code == http.StatusLocked ||
		code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return busy(op, code, text)
	case strings.Contains(upper, "INVALID_INPUT"):
		return invalid(op, code, text)
	case strings.Contains(upper, "BUSY"):
		return busy(op, code, text)
	default:
		return fatal(op, code, text)
	}
}

// decode unmarshals a successful read response.
func decode(op string, raw []byte, out any) Outcome {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ok(op, http.StatusOK)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fatal(op, http.StatusOK, "decode: "+err.Error())
	}
	return ok(op, http.StatusOK)
}
