// Package alert delivers operator alerts queued in Redis by the session
// orchestrator.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/ledger"
)

// Publisher sends one alert to wherever operators watch.
type Publisher interface {
	Publish(ctx context.Context, a ledger.Alert) error
}

// Dispatcher drains the alert queue into a Publisher.
type Dispatcher struct {
	rdb *redis.Client
	pub Publisher
	log *zap.Logger

	// Wait is the BLPOP timeout; the loop notices cancellation at that pace.
	Wait time.Duration
	// Backoff is the pause after a failed publish or Redis error.
	Backoff time.Duration
}

func NewDispatcher(rdb *redis.Client, pub Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, pub: pub, log: log, Wait: 5 * time.Second, Backoff: 5 * time.Second}
}

// Run is the dispatcher loop with default timings.
func Run(ctx context.Context, rdb *redis.Client, pub Publisher, log *zap.Logger) {
	NewDispatcher(rdb, pub, log).Run(ctx)
}

// Run pops alerts until ctx ends: BLPOP → decode → publish. Undecodable
// entries go to the DLQ. An alert that could not be published goes back to
// the head of the queue so ordering holds.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("alert dispatcher started", zap.String("queue", ledger.AlertQueueKey))

	for {
		if ctx.Err() != nil {
			d.log.Info("alert dispatcher stopped")
			return
		}

		results, err := d.rdb.BLPop(ctx, d.Wait, ledger.AlertQueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				d.log.Info("alert dispatcher stopped")
				return
			}
			d.log.Error("alert: BLPOP error", zap.Error(err))
			d.sleep(ctx)
			continue
		}

		// results[0] = key, results[1] = value
		raw := results[1]
		var a ledger.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			d.log.Error("alert: unmarshal, moving to DLQ", zap.String("raw", raw), zap.Error(err))
			if err := d.rdb.RPush(ctx, ledger.AlertDLQKey, raw).Err(); err != nil {
				d.log.Error("alert: DLQ push", zap.Error(err))
			}
			continue
		}

		if err := d.pub.Publish(ctx, a); err != nil {
			d.log.Warn("alert: publish failed, requeued",
				zap.String("kind", a.Kind),
				zap.String("machine", a.Machine),
				zap.Error(err),
			)
			d.requeue(ctx, raw)
			d.sleep(ctx)
			continue
		}
		d.log.Info("alert delivered", zap.String("kind", a.Kind), zap.String("machine", a.Machine))
	}
}

// requeue pushes an undelivered alert back at the head; it was already
// popped. When that fails too it is parked in the DLQ.
func (d *Dispatcher) requeue(ctx context.Context, raw string) {
	ctx = context.WithoutCancel(ctx)
	err := d.rdb.LPush(ctx, ledger.AlertQueueKey, raw).Err()
	if err == nil {
		return
	}
	d.log.Error("alert: requeue failed, moving to DLQ", zap.String("raw", raw), zap.Error(err))
	if err := d.rdb.RPush(ctx, ledger.AlertDLQKey, raw).Err(); err != nil {
		d.log.Error("alert: DLQ push failed, alert lost", zap.String("raw", raw), zap.Error(err))
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	t := time.NewTimer(d.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// LogPublisher writes alerts to the log. Used when no broker is configured.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, a ledger.Alert) error {
	p.Log.Warn("operator alert",
		zap.String("kind", a.Kind),
		zap.String("machine", a.Machine),
		zap.String("session", a.SessionID),
		zap.Int64("remaining_cents", int64(a.Remaining)),
		zap.String("message", a.Message),
	)
	return nil
}
