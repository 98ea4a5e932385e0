// Package api exposes the payment session over HTTP for the kiosk UI and
// for operators.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/auth"
	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/refund"
	"github.com/0gfoundation/cashdesk/internal/session"
	"github.com/0gfoundation/cashdesk/internal/tracker"
)

// Machine is satisfied by *session.Orchestrator.
// Decoupled here so handler tests can use a mock.
type Machine interface {
	StartSession(ctx context.Context, target money.Cents, opts session.StartOptions) (session.Status, error)
	Watch(ctx context.Context, sessionID string) (session.CloseResult, bool)
	Poll(ctx context.Context) (session.Status, error)
	CloseSession(ctx context.Context, reason session.CloseReason) session.CloseResult
	LastClose() (session.CloseResult, bool)
	Refund(ctx context.Context, amount money.Cents) (refund.Result, error)

	State() session.State
	Devices() []money.DeviceHandle
	Amounts() []tracker.Amount
	Connect(ctx context.Context) error

	MachineLock(ctx context.Context) *ledger.Lock
	Unlock(ctx context.Context, operator string) error
}

// Handler wires the session routes onto a Gin group.
type Handler struct {
	m       Machine
	machine string
	// watchCtx bounds the background watchers started for new sessions.
	watchCtx context.Context
	log      *zap.Logger
}

func NewHandler(watchCtx context.Context, m Machine, machineID string, log *zap.Logger) *Handler {
	return &Handler{m: m, machine: machineID, watchCtx: watchCtx, log: log}
}

// Register mounts the kiosk routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Session ────────────────────────────────────────────────────────────
	rg.POST("/session", h.handleStart)
	rg.GET("/session", h.handlePoll)
	rg.POST("/session/close", h.handleClose)

	// ── Refund outside a session ───────────────────────────────────────────
	rg.POST("/refund", h.handleRefund)

	// ── Read-only views ────────────────────────────────────────────────────
	rg.GET("/devices", h.handleDevices)
	rg.GET("/machine", h.handleMachine)
}

// RegisterOperator mounts the routes that need a signed operator request.
// Each route checks its own action name.
func (h *Handler) RegisterOperator(rg *gin.RouterGroup, v *auth.Verifier) {
	rg.DELETE("/machine/lock", v.Require("unlock"), h.handleUnlock)
	rg.POST("/devices/connect", v.Require("connect"), h.handleConnect)
}

// ── Session ─────────────────────────────────────────────────────────────────

type startRequest struct {
	TargetCents int64 `json:"target_cents"`
}

func (h *Handler) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	st, err := h.m.StartSession(c.Request.Context(), money.Cents(req.TargetCents), session.StartOptions{})
	if err != nil {
		h.fail(c, err)
		return
	}
	// Watch ignores a session that already has a watcher, so a repeated start
	// with the same target does not spawn a second one.
	go h.m.Watch(h.watchCtx, st.SessionID)
	c.JSON(http.StatusOK, st)
}

func (h *Handler) handlePoll(c *gin.Context) {
	st, err := h.m.Poll(c.Request.Context())
	if errors.Is(err, session.ErrNoSession) {
		resp := gin.H{"error": "no session in progress", "state": h.m.State()}
		if last, ok := h.m.LastClose(); ok {
			resp["last_close"] = last
		}
		c.JSON(http.StatusNotFound, resp)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleClose(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = string(session.CloseCancel)
	}
	reason, ok := session.ParseCloseReason(req.Reason)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown close reason"})
		return
	}

	res := h.m.CloseSession(c.Request.Context(), reason)
	c.JSON(http.StatusOK, res)
}

// ── Refund ──────────────────────────────────────────────────────────────────

type refundRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (h *Handler) handleRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_cents must be positive"})
		return
	}
	res, err := h.m.Refund(c.Request.Context(), money.Cents(req.AmountCents))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Views ───────────────────────────────────────────────────────────────────

func (h *Handler) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   h.m.State(),
		"devices": h.m.Devices(),
		"amounts": h.m.Amounts(),
	})
}

func (h *Handler) handleMachine(c *gin.Context) {
	resp := gin.H{
		"machine": h.machine,
		"state":   h.m.State(),
		"locked":  false,
	}
	if l := h.m.MachineLock(c.Request.Context()); l != nil {
		resp["locked"] = true
		resp["lock"] = l
	}
	c.JSON(http.StatusOK, resp)
}

// ── Operator ────────────────────────────────────────────────────────────────

func (h *Handler) handleUnlock(c *gin.Context) {
	operator := c.GetString(auth.OperatorKey)
	if h.m.MachineLock(c.Request.Context()) == nil {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	if err := h.m.Unlock(c.Request.Context(), operator); err != nil {
		h.log.Error("unlock failed", zap.String("operator", operator), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": false, "unlocked_by": operator})
}

func (h *Handler) handleConnect(c *gin.Context) {
	if err := h.m.Connect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.m.State(), "devices": h.m.Devices()})
}

// ── Errors ──────────────────────────────────────────────────────────────────

// fail maps orchestrator errors onto HTTP statuses. Busy is the only one a
// client should retry unchanged.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retry": true})
	case errors.Is(err, session.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrMachineLocked):
		resp := gin.H{"error": err.Error()}
		if l := h.m.MachineLock(c.Request.Context()); l != nil {
			resp["lock"] = l
		}
		c.JSON(http.StatusLocked, resp)
	case errors.Is(err, session.ErrInvalidTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoDevice), errors.Is(err, session.ErrDeviceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
