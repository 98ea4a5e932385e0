package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), rdb, mr
}

var testSession = Session{
	ID:        "5b0c7d2e-0d0e-4c55-9d8e-17a0a6f0c001",
	Machine:   "wash-01",
	Target:    1250,
	Credited:  0,
	State:     "ARMED",
	StartedAt: 1_700_000_000,
	UpdatedAt: 1_700_000_000,
}

// ── sessions ──────────────────────────────────────────────────────────────────

func TestCreateSession_GetSession(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSession(ctx, testSession.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if *got != testSession {
		t.Errorf("got %+v want %+v", *got, testSession)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	got, err := s.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestUpdateCredited(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, testSession) //nolint:errcheck

	if err := s.UpdateCredited(ctx, testSession.ID, 1500, "ACTIVE", 1_700_000_060); err != nil {
		t.Fatalf("UpdateCredited: %v", err)
	}
	got, _ := s.GetSession(ctx, testSession.ID)
	if got.Credited != 1500 {
		t.Errorf("Credited: got %d want 1500", got.Credited)
	}
	if got.State != "ACTIVE" {
		t.Errorf("State: got %q want ACTIVE", got.State)
	}
	if got.UpdatedAt != 1_700_000_060 {
		t.Errorf("UpdatedAt: got %d", got.UpdatedAt)
	}
	if got.Target != testSession.Target {
		t.Errorf("Target changed: got %d", got.Target)
	}
}

func TestDeleteSession(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, testSession) //nolint:errcheck

	if err := s.DeleteSession(ctx, testSession.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n, _ := rdb.Exists(ctx, sessionKey(testSession.ID)).Result(); n != 0 {
		t.Error("session key still present")
	}
}

func TestScanSessions(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		sess := testSession
		sess.ID = id
		s.CreateSession(ctx, sess) //nolint:errcheck
	}
	rdb.Set(ctx, "nonce:unrelated", "1", 0) //nolint:errcheck

	got, err := s.ScanSessions(ctx)
	if err != nil {
		t.Fatalf("ScanSessions: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, g := range got {
		ids = append(ids, g.ID)
	}
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("ids: got %v", ids)
	}
}

func TestScanSessions_Empty(t *testing.T) {
	s, _, _ := newTestStore(t)
	got, err := s.ScanSessions(context.Background())
	if err != nil {
		t.Fatalf("ScanSessions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected none, got %d", len(got))
	}
}

// ── machine lock ──────────────────────────────────────────────────────────────

func TestLock_FirstCauseWins(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Lock(ctx, Lock{Machine: "wash-01", Reason: "refund_shortfall", Remaining: 150, SessionID: "s1"})
	if err != nil || !stored {
		t.Fatalf("first Lock: stored=%v err=%v", stored, err)
	}
	stored, err = s.Lock(ctx, Lock{Machine: "wash-01", Reason: "orphaned_session"})
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if stored {
		t.Error("second lock must not overwrite the first")
	}

	got, err := s.GetLock(ctx, "wash-01")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if got == nil || got.Reason != "refund_shortfall" || got.Remaining != 150 {
		t.Errorf("lock: got %+v", got)
	}
}

func TestGetLock_NotLocked(t *testing.T) {
	s, _, _ := newTestStore(t)
	got, err := s.GetLock(context.Background(), "wash-01")
	if err != nil || got != nil {
		t.Errorf("got %+v, %v; want nil, nil", got, err)
	}
}

func TestUnlock(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	s.Lock(ctx, Lock{Machine: "wash-01", Reason: "refund_shortfall"}) //nolint:errcheck

	if err := s.Unlock(ctx, "wash-01"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got, _ := s.GetLock(ctx, "wash-01"); got != nil {
		t.Errorf("still locked: %+v", got)
	}
	// unlocking twice is harmless
	if err := s.Unlock(ctx, "wash-01"); err != nil {
		t.Errorf("second Unlock: %v", err)
	}
}

func TestGetLock_Corrupt(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	rdb.Set(ctx, lockKey("wash-01"), "{not json", 0) //nolint:errcheck

	if _, err := s.GetLock(ctx, "wash-01"); err == nil {
		t.Error("expected decode error")
	}
}

// ── alerts ────────────────────────────────────────────────────────────────────

func TestEnqueueAlert_FIFO(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()

	s.EnqueueAlert(ctx, Alert{Kind: AlertMachineLocked, Machine: "wash-01", Remaining: 150, Message: "first"}) //nolint:errcheck
	s.EnqueueAlert(ctx, Alert{Kind: AlertMachineUnlocked, Machine: "wash-01", Message: "second"})              //nolint:errcheck

	raw, err := rdb.LRange(ctx, AlertQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRANGE: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("queue length: got %d want 2", len(raw))
	}
	var first Alert
	if err := json.Unmarshal([]byte(raw[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Message != "first" || first.Kind != AlertMachineLocked || first.Remaining != 150 {
		t.Errorf("head of queue: got %+v", first)
	}
}
