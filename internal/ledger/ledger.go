// Package ledger persists the monetary state that must survive a restart:
// in-flight session records, the machine lock and the operator alert queue.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/cashdesk/internal/money"
)

const (
	sessionKeyPrefix = "cash:session:"
	lockKeyPrefix    = "cash:lock:"

	AlertQueueKey = "cash:alert:queue"
	AlertDLQKey   = "cash:alert:dlq"
)

// Session is the persisted record of a payment attempt that has not been
// reconciled yet.
type Session struct {
	ID        string
	Machine   string
	Target    money.Cents
	Credited  money.Cents
	State     string
	StartedAt int64
	UpdatedAt int64
}

// Lock blocks new transactions on a machine until an operator clears it.
type Lock struct {
	Machine   string      `json:"machine"`
	Reason    string      `json:"reason"`
	SessionID string      `json:"session_id,omitempty"`
	Remaining money.Cents `json:"remaining_cents"`
	LockedAt  int64       `json:"locked_at"`
}

// Alert kinds.
const (
	AlertMachineLocked   = "machine_locked"
	AlertMachineUnlocked = "machine_unlocked"
	AlertDeviceError     = "device_error"
)

// Alert is one operator notification waiting on the queue.
type Alert struct {
	Kind      string      `json:"kind"`
	Machine   string      `json:"machine"`
	SessionID string      `json:"session_id,omitempty"`
	Remaining money.Cents `json:"remaining_cents,omitempty"`
	Message   string      `json:"message"`
	At        int64       `json:"at"`
}

// Store is the Redis-backed ledger.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func lockKey(machine string) string { return lockKeyPrefix + machine }

// ── sessions ──────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	return s.rdb.HSet(ctx, sessionKey(sess.ID),
		"id", sess.ID,
		"machine", sess.Machine,
		"target", int64(sess.Target),
		"credited", int64(sess.Credited),
		"state", sess.State,
		"started_at", sess.StartedAt,
		"updated_at", sess.UpdatedAt,
	).Err()
}

// GetSession returns nil, nil when the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return sessionFromMap(vals), nil
}

func (s *Store) UpdateCredited(ctx context.Context, id string, credited money.Cents, state string, at int64) error {
	return s.rdb.HSet(ctx, sessionKey(id),
		"credited", int64(credited),
		"state", state,
		"updated_at", at,
	).Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKey(id)).Err()
}

// ScanSessions returns every persisted session.
func (s *Store) ScanSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			sessions = append(sessions, *sessionFromMap(vals))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return sessions, nil
}

func sessionFromMap(m map[string]string) *Session {
	target, _ := strconv.ParseInt(m["target"], 10, 64)
	credited, _ := strconv.ParseInt(m["credited"], 10, 64)
	startedAt, _ := strconv.ParseInt(m["started_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return &Session{
		ID:        m["id"],
		Machine:   m["machine"],
		Target:    money.Cents(target),
		Credited:  money.Cents(credited),
		State:     m["state"],
		StartedAt: startedAt,
		UpdatedAt: updatedAt,
	}
}

// ── machine lock ──────────────────────────────────────────────────────────────

// Lock records a machine lock. An existing lock is kept, so the first cause
// stays visible to the operator; the return value reports whether l was stored.
func (s *Store) Lock(ctx context.Context, l Lock) (bool, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	return s.rdb.SetNX(ctx, lockKey(l.Machine), b, 0).Result()
}

// GetLock returns nil, nil when the machine is not locked.
func (s *Store) GetLock(ctx context.Context, machine string) (*Lock, error) {
	raw, err := s.rdb.Get(ctx, lockKey(machine)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &l, nil
}

func (s *Store) Unlock(ctx context.Context, machine string) error {
	return s.rdb.Del(ctx, lockKey(machine)).Err()
}

// ── alerts ────────────────────────────────────────────────────────────────────

func (s *Store) EnqueueAlert(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return s.rdb.RPush(ctx, AlertQueueKey, b).Err()
}
