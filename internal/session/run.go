package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// Run drives one full payment attempt: arm, then Watch until it is settled.
func (o *Orchestrator) Run(ctx context.Context, target money.Cents) (CloseResult, error) {
	st, err := o.StartSession(ctx, target, StartOptions{})
	if err != nil {
		return CloseResult{}, err
	}
	res, _ := o.Watch(ctx, st.SessionID)
	return res, nil
}

// Watch polls session sessionID every PollInterval and closes it once the
// target is reached, Timeout has passed since it started, or ctx ends. Only
// one watcher runs per session; a second call returns false at once. When the
// session was closed from elsewhere its close result is returned.
func (o *Orchestrator) Watch(ctx context.Context, sessionID string) (CloseResult, bool) {
	o.mu.Lock()
	cur := o.cur
	if cur == nil || cur.id != sessionID || cur.watched {
		o.mu.Unlock()
		return CloseResult{}, false
	}
	cur.watched = true
	deadline := cur.startedAt.Add(o.cfg.Timeout)
	o.mu.Unlock()

	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()
	tick := time.NewTicker(o.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.settle(ctx, CloseCancel, cur), true
		case <-timeout.C:
			o.log.Warn("session timed out", zap.String("session", sessionID), zap.Duration("after", o.cfg.Timeout))
			return o.settle(ctx, CloseTimeout, cur), true
		case <-tick.C:
			st, err := o.Poll(ctx)
			if errors.Is(err, ErrNoSession) || st.SessionID != sessionID {
				return o.settle(ctx, CloseCancel, cur), true
			}
			if st.Paid {
				return o.settle(ctx, CloseSuccess, cur), true
			}
		}
	}
}
