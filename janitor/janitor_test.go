package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRecord(id, userID string, now time.Time, ttl time.Duration) *session.Record {
	return &session.Record{
		SessionID:      id,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
		Status:         session.StatusActive,
	}
}

func TestRunOnceRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := session.NewRedisStore(rdb, session.WithRedisClock(func() time.Time { return clock }))
	ctx := context.Background()

	for _, r := range []*session.Record{
		newRecord("ses_live", "u1", now, time.Hour),
		newRecord("ses_short", "u1", now, time.Minute),
		newRecord("ses_ended", "u2", now, time.Hour),
	} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.SessionID, err)
		}
	}
	if _, err := store.CompareAndUpdate(ctx, "ses_ended", 1, func(r *session.Record) error {
		return r.Transition(session.StatusRevoked, now, false)
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	clock = now.Add(2 * time.Hour / 3)
	j, err := New(store, Config{Interval: time.Minute, Retention: 30 * time.Minute, Now: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	res, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("expected 2 deletions, got %+v", res)
	}
	if _, err := store.Get(ctx, "ses_live"); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
	for _, id := range []string{"ses_short", "ses_ended"} {
		if _, err := store.Get(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", id, err)
		}
	}
	if ids, _ := store.UserSessions(ctx, "u2"); len(ids) != 0 {
		t.Fatalf("user index not pruned: %v", ids)
	}

	again, err := j.RunOnce(ctx)
	if err != nil || again.Deleted != 0 {
		t.Fatalf("second pass should be a no-op: %+v %v", again, err)
	}
}

func TestRunOnceMemory(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()

	now := time.Now().UTC()
	ctx := context.Background()
	if err := store.Create(ctx, newRecord("ses_a", "u1", now.Add(-2*time.Hour), time.Hour+time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newRecord("ses_b", "u1", now, time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}

	j, err := New(store, DefaultConfig())
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	res, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Deleted > 1 {
		t.Fatalf("live session swept: %+v", res)
	}
	if _, err := store.Get(ctx, "ses_a"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expired session still present: %v", err)
	}
	if _, err := store.Get(ctx, "ses_b"); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context, time.Time, time.Duration) (session.SweepResult, error) {
	s.calls.Add(1)
	return session.SweepResult{}, s.err
}

func TestRunStopsWithContext(t *testing.T) {
	sw := &countingSweeper{err: errors.New("store down")}
	j, err := New(sw, Config{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sw.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("janitor did not keep sweeping after a failure")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil sweeper")
	}
	if _, err := New(&countingSweeper{}, Config{}); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := New(&countingSweeper{}, Config{Interval: time.Second, Retention: -1}); err == nil {
		t.Fatal("expected error for negative retention")
	}
}
