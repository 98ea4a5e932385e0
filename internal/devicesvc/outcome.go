package devicesvc

import (
	"errors"
	"fmt"
)

// Status is the tag of an Outcome.
type Status int

const (
	StatusOK Status = iota
	// StatusBusy is transient: the device asked us to come back later, or the
	// socket timed out. Safe to retry after a pause.
	StatusBusy
	// StatusInvalid means the request itself was rejected as malformed. Never retried.
	StatusInvalid
	// StatusFatal is any other failure.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusInvalid:
		return "INVALID_INPUT"
	case StatusFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the typed result of every hardware-control call. Transport
// failures never leave this package as raw errors.
type Outcome struct {
	Status Status
	Op     string
	Code   int    // HTTP status, 0 when no response arrived
	Reason string // response text or transport error
}

func ok(op string, code int) Outcome { return Outcome{Status: StatusOK, Op: op, Code: code} }

func busy(op string, code int, reason string) Outcome {
	return Outcome{Status: StatusBusy, Op: op, Code: code, Reason: reason}
}

func invalid(op string, code int, reason string) Outcome {
	return Outcome{Status: StatusInvalid, Op: op, Code: code, Reason: reason}
}

func fatal(op string, code int, reason string) Outcome {
	return Outcome{Status: StatusFatal, Op: op, Code: code, Reason: reason}
}

func (o Outcome) OK() bool   { return o.Status == StatusOK }
func (o Outcome) Busy() bool { return o.Status == StatusBusy }

func (o Outcome) String() string {
	if o.OK() {
		return o.Op + ": OK"
	}
	return fmt.Sprintf("%s: %s (code=%d) %s", o.Op, o.Status, o.Code, o.Reason)
}

// Err converts a failed outcome into an error; nil when the call succeeded.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return &OutcomeError{Outcome: o}
}

var (
	ErrBusy    = errors.New("device busy")
	ErrInvalid = errors.New("invalid device request")
	ErrFatal   = errors.New("device call failed")
)

// OutcomeError wraps a failed Outcome. errors.Is matches ErrBusy, ErrInvalid or
// ErrFatal according to the status.
type OutcomeError struct {
	Outcome Outcome
}

func (e *OutcomeError) Error() string { return e.Outcome.String() }

func (e *OutcomeError) Is(target error) bool {
	switch e.Outcome.Status {
	case StatusBusy:
		return target == ErrBusy
	case StatusInvalid:
		return target == ErrInvalid
	case StatusFatal:
		return target == ErrFatal
	}
	return false
}
