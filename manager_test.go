package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.Secrets = [][]byte{testSecret}
	cfg.Store.OperationTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	m      *Manager
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *testClock
	events *audit.ChannelSink
}

func newHarness(t testing.TB, mutate func(*Config)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newTestClock()
	events := audit.NewChannelSink(512)
	m, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAuditSink(events).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}

	t.Cleanup(func() {
		m.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &harness{m: m, mr: mr, rdb: rdb, clock: clock, events: events}
}

func (h *harness) session(t testing.TB, userID string, ttl time.Duration) *Session {
	t.Helper()
	s, err := h.m.CreateSession(context.Background(), SessionRequest{
		UserID:    userID,
		IPAddress: "10.0.0.1",
		UserAgent: "test-agent",
		TTL:       ttl,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) accessToken(t testing.TB, s *Session, ttl time.Duration, scopes ...string) string {
	t.Helper()
	tok, err := h.m.GenerateToken(context.Background(), s.UserID, s.SessionID, TokenAccess, scopes, ttl)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (h *harness) waitEvent(t testing.TB, typ audit.EventType) audit.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events.Events():
			if e.EventType == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return audit.Event{}
		}
	}
}

func TestValidateFreshToken(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 5*time.Minute, "profile:read")

	id, err := h.m.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.UserID != "u1" || id.SessionID != s.SessionID {
		t.Fatalf("unexpected identity %+v", id)
	}
	if !id.HasScope("profile:read") || id.HasScope("admin") {
		t.Fatalf("unexpected scopes %v", id.Scopes)
	}
	if id.TokenType != TokenAccess || id.TokenID == "" {
		t.Fatalf("unexpected token metadata %+v", id)
	}

	e := h.waitEvent(t, audit.EventSessionCreated)
	if e.SessionID != s.SessionID || e.UserID != "u1" {
		t.Fatalf("unexpected created event %+v", e)
	}
}

func TestValidateExpiredAccessToken(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 5*time.Minute)

	h.clock.Advance(6 * time.Minute)

	_, err := h.m.ValidateToken(context.Background(), tok)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if KindOf(err) != KindTokenExpired {
		t.Fatalf("kind = %s", KindOf(err))
	}
}

func TestValidateAfterTerminate(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 5*time.Minute)

	if err := h.m.TerminateSession(context.Background(), s.SessionID, "logout"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	_, err := h.m.ValidateToken(context.Background(), tok)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("tracked token should also be revoked: %v", err)
	}
	if KindOf(err) != KindSessionRevoked {
		t.Fatalf("kind = %s", KindOf(err))
	}

	e := h.waitEvent(t, audit.EventSessionTerminated)
	if e.Detail != "logout" {
		t.Fatalf("unexpected terminate event %+v", e)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	h.accessToken(t, s, 0)

	for i := 0; i < 2; i++ {
		if err := h.m.TerminateSession(context.Background(), s.SessionID, "logout"); err != nil {
			t.Fatalf("terminate #%d: %v", i+1, err)
		}
	}

	got, err := h.m.GetSession(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRevoked || got.EndedAt.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Metadata[metaEndReason] != "logout" {
		t.Fatalf("reason not recorded: %v", got.Metadata)
	}
	if n := h.m.MetricsSnapshot().Counters[MetricSessionTerminated]; n != 1 {
		t.Fatalf("expected one termination counted, got %d", n)
	}
}

func TestTerminateRevokesTrackedTokens(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	var jtis []string
	for i := 0; i < 3; i++ {
		id, err := h.m.ValidateToken(ctx, h.accessToken(t, s, 10*time.Minute))
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		jtis = append(jtis, id.TokenID)
	}

	if err := h.m.TerminateSession(ctx, s.SessionID, ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	for _, jti := range jtis {
		if !h.mr.Exists("revoked:" + jti) {
			t.Fatalf("jti %s not revoked", jti)
		}
		if ttl := h.mr.TTL("revoked:" + jti); ttl <= 0 || ttl > 11*time.Minute {
			t.Fatalf("revocation ttl %v", ttl)
		}
	}
}

func TestLockAndUnlock(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 0)
	ctx := context.Background()

	if err := h.m.LockSession(ctx, s.SessionID, "suspicious activity"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := h.m.ValidateToken(ctx, tok); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	if _, err := h.m.GenerateToken(ctx, "u1", s.SessionID, TokenAccess, nil, 0); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("issuing for a locked session: %v", err)
	}

	h.clock.Advance(time.Minute)
	if err := h.m.UnlockSession(ctx, s.SessionID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := h.m.ValidateToken(ctx, tok); err != nil {
		t.Fatalf("validate after unlock: %v", err)
	}
	got, _ := h.m.GetSession(ctx, s.SessionID)
	if !got.LastActivityAt.Equal(h.clock.Now()) {
		t.Fatalf("unlock should count as activity: %v", got.LastActivityAt)
	}
	h.waitEvent(t, audit.EventSessionUnlocked)
}

func TestLockTerminalSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	if err := h.m.TerminateSession(ctx, s.SessionID, ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := h.m.LockSession(ctx, s.SessionID, ""); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if err := h.m.UnlockSession(ctx, s.SessionID); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestValidateMissingSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 0)

	store := session.NewRedisStore(h.rdb)
	if err := store.Delete(context.Background(), s.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := h.m.ValidateToken(context.Background(), tok); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestValidateRejectsTamperedAndGarbage(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 0)

	i := len(tok) - 8
	replacement := "A"
	if tok[i] == 'A' {
		replacement = "B"
	}
	tampered := tok[:i] + replacement + tok[i+1:]
	if _, err := h.m.ValidateToken(context.Background(), tampered); KindOf(err) != KindTokenSignatureInvalid {
		t.Fatalf("tampered token: %v", err)
	}
	if _, err := h.m.ValidateToken(context.Background(), "not-a-token"); KindOf(err) != KindTokenMalformed {
		t.Fatalf("garbage token: %v", err)
	}
	if _, err := h.m.ValidateToken(context.Background(), ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Session.IdleTimeout = 30 * time.Minute
		c.Session.TouchInterval = time.Minute
	})
	s := h.session(t, "u1", 24*time.Hour)
	tok := h.accessToken(t, s, time.Hour)
	ctx := context.Background()

	h.clock.Advance(31 * time.Minute)
	if _, err := h.m.ValidateToken(ctx, tok); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	h.m.waitBackground()
	got, err := h.m.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	h.waitEvent(t, audit.EventSessionExpired)
}

func TestValidationKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Session.IdleTimeout = 30 * time.Minute
		c.Session.TouchInterval = time.Minute
	})
	s := h.session(t, "u1", 24*time.Hour)
	tok := h.accessToken(t, s, 2*time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock.Advance(20 * time.Minute)
		if _, err := h.m.ValidateToken(ctx, tok); err != nil {
			t.Fatalf("validate after %d idle periods: %v", i+1, err)
		}
		h.m.waitBackground()
	}
}

func TestTouchSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	h.clock.Advance(5 * time.Minute)
	if err := h.m.TouchSession(ctx, s.SessionID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := h.m.GetSession(ctx, s.SessionID)
	if !got.LastActivityAt.Equal(h.clock.Now()) {
		t.Fatalf("last activity %v, want %v", got.LastActivityAt, h.clock.Now())
	}
	version := got.Version

	if err := h.m.TouchSession(ctx, s.SessionID); err != nil {
		t.Fatalf("second touch: %v", err)
	}
	got, _ = h.m.GetSession(ctx, s.SessionID)
	if got.Version != version {
		t.Fatalf("touch inside the interval should not write, version %d -> %d", version, got.Version)
	}

	if err := h.m.TouchSession(ctx, "ses_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConcurrentTouches(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	h.clock.Advance(time.Minute)

	const n = 16
	start := make(chan struct{})
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- h.m.TouchSession(context.Background(), s.SessionID)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	got, _ := h.m.GetSession(context.Background(), s.SessionID)
	if got.Version != 2 {
		t.Fatalf("expected exactly one write, version=%d", got.Version)
	}
}

type conflictingStore struct {
	Backend
}

func (conflictingStore) CompareAndUpdate(context.Context, string, uint64, session.Mutator) (*session.Record, error) {
	return nil, session.ErrVersionConflict
}

func TestConflictRetriesExhausted(t *testing.T) {
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	cfg.Store.MaxRetries = 2
	m, err := New().WithConfig(cfg).WithStore(conflictingStore{store}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer m.Close()

	s, err := m.CreateSession(context.Background(), SessionRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = m.TerminateSession(context.Background(), s.SessionID, "")
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrStoreUnavailable wrapping the conflict, got %v", err)
	}
	if KindOf(err) != KindStoreUnavailable {
		t.Fatalf("kind = %s", KindOf(err))
	}
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Store.OperationTimeout = 500 * time.Millisecond
	})
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, 0)

	h.mr.Close()

	_, err := h.m.ValidateToken(context.Background(), tok)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := h.m.CreateSession(context.Background(), SessionRequest{UserID: "u2"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("create: expected ErrStoreUnavailable, got %v", err)
	}
	if h.m.MetricsSnapshot().Counters[MetricStoreUnavailable] == 0 {
		t.Fatal("store failures should be counted")
	}
}

func TestTokenLifetimeCappedToSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", 10*time.Minute)

	id, err := h.m.ValidateToken(context.Background(), h.accessToken(t, s, time.Hour))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.ExpiresAt.After(s.ExpiresAt) {
		t.Fatalf("token expires %v after session %v", id.ExpiresAt, s.ExpiresAt)
	}
}

func TestGenerateTokenArguments(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	cases := []struct {
		name      string
		userID    string
		sessionID string
		typ       TokenType
		want      error
	}{
		{"empty user", "", s.SessionID, TokenAccess, ErrInvalidArgument},
		{"unknown type", "u1", s.SessionID, TokenType("bearer"), ErrInvalidArgument},
		{"refresh without session", "u1", "", TokenRefresh, ErrInvalidArgument},
		{"foreign session", "u2", s.SessionID, TokenAccess, ErrInvalidArgument},
		{"missing session", "u1", "ses_missing", TokenAccess, ErrSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.m.GenerateToken(ctx, tc.userID, tc.sessionID, tc.typ, nil, 0); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	tok, err := h.m.GenerateToken(ctx, "u1", "", TokenAccess, []string{"svc"}, time.Minute)
	if err != nil {
		t.Fatalf("sessionless access token: %v", err)
	}
	if id, err := h.m.ValidateToken(ctx, tok); err != nil || id.SessionID != "" {
		t.Fatalf("sessionless validate: %+v %v", id, err)
	}
}

func TestStartSessionAndRefresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, pair, err := h.m.StartSession(ctx, SessionRequest{UserID: "u1", Scopes: []string{"courses:read"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pair.SessionID != s.SessionID || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatalf("refresh should outlive access: %+v", pair)
	}

	if _, err := h.m.RefreshToken(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refreshing with an access token: %v", err)
	}

	h.clock.Advance(time.Minute)
	next, err := h.m.RefreshToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	id, err := h.m.ValidateToken(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("validate refreshed: %v", err)
	}
	if !id.HasScope("courses:read") || id.SessionID != s.SessionID {
		t.Fatalf("refresh must keep scopes and session: %+v", id)
	}

	if _, err := h.m.RefreshToken(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replayed refresh: %v", err)
	}
	h.waitEvent(t, audit.EventRefreshReuseDetected)

	if _, err := h.m.RefreshToken(ctx, next.RefreshToken); err != nil {
		t.Fatalf("refresh with the rotated token: %v", err)
	}
}

func TestRefreshAfterTerminate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, pair, err := h.m.StartSession(ctx, SessionRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.m.TerminateSession(ctx, s.SessionID, "logout"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	_, err = h.m.RefreshToken(ctx, pair.RefreshToken)
	if KindOf(err) != KindSessionRevoked {
		t.Fatalf("expected session_revoked, got %v", err)
	}
}

func TestRevokedTokenCountsAsFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Lockout.MaxAttempts = 2
	})
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tok := h.accessToken(t, s, 0)
		if err := h.m.RevokeToken(ctx, tok); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if _, err := h.m.ValidateToken(ctx, tok); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("expected ErrTokenRevoked, got %v", err)
		}
		h.m.waitBackground()
	}

	got, _ := h.m.GetSession(ctx, s.SessionID)
	if got.Status != StatusLocked {
		t.Fatalf("expected the session to be locked, got %s", got.Status)
	}
	h.waitEvent(t, audit.EventSessionLocked)
}

func TestRecordFailedAttemptLocksAndUnlockResets(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Lockout.MaxAttempts = 3
	})
	s := h.session(t, "u1", time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		locked, err := h.m.RecordFailedAttempt(ctx, s.SessionID)
		if err != nil {
			t.Fatalf("attempt #%d: %v", i, err)
		}
		if locked != (i == 3) {
			t.Fatalf("attempt #%d: locked=%v", i, locked)
		}
	}

	if err := h.m.UnlockSession(ctx, s.SessionID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	locked, err := h.m.RecordFailedAttempt(ctx, s.SessionID)
	if err != nil || locked {
		t.Fatalf("counter should restart after unlock: %v %v", locked, err)
	}
}

func TestLoginLockout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Lockout.MaxAttempts = 3
		c.Lockout.Duration = 30 * time.Minute
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := h.m.CheckLogin(ctx, "alice"); err != nil {
			t.Fatalf("check #%d: %v", i, err)
		}
		locked, err := h.m.RecordLoginFailure(ctx, "alice")
		if err != nil {
			t.Fatalf("failure #%d: %v", i, err)
		}
		if locked != (i == 3) {
			t.Fatalf("failure #%d: locked=%v", i, locked)
		}
	}

	err := h.m.CheckLogin(ctx, "alice")
	if !errors.Is(err, ErrLoginLocked) || !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrLoginLocked, got %v", err)
	}
	if n, _ := h.m.LoginFailures(ctx, "alice"); n != 3 {
		t.Fatalf("failures = %d", n)
	}
	h.waitEvent(t, audit.EventLoginLocked)

	h.mr.FastForward(31 * time.Minute)
	if err := h.m.CheckLogin(ctx, "alice"); err != nil {
		t.Fatalf("lockout should lapse with its window: %v", err)
	}

	_, _ = h.m.RecordLoginFailure(ctx, "bob")
	if err := h.m.ResetLoginFailures(ctx, "bob"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := h.m.LoginFailures(ctx, "bob"); n != 0 {
		t.Fatalf("failures after reset = %d", n)
	}
}

func TestLoginLockoutLastsFullDuration(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Lockout.MaxAttempts = 3
		c.Lockout.Duration = 30 * time.Minute
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := h.m.RecordLoginFailure(ctx, "carol"); err != nil {
			t.Fatalf("failure #%d: %v", i, err)
		}
		if i < 3 {
			h.mr.FastForward(14 * time.Minute)
		}
	}

	// Five minutes later the failure window has closed.
	h.mr.FastForward(5 * time.Minute)
	if err := h.m.CheckLogin(ctx, "carol"); !errors.Is(err, ErrLoginLocked) {
		t.Fatalf("lockout should last its full duration, got %v", err)
	}

	h.mr.FastForward(26 * time.Minute)
	if err := h.m.CheckLogin(ctx, "carol"); err != nil {
		t.Fatalf("lockout should lapse after its duration: %v", err)
	}
}

func TestGenerateTokenRejectsSubSecondTTL(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.GenerateToken(context.Background(), "u1", "", TokenPasswordReset, nil, 500*time.Millisecond)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if kind := KindOf(err); kind != KindInvalidArgument {
		t.Fatalf("kind = %s", kind)
	}
}

func TestConsumeTokenOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tok, err := h.m.GenerateToken(ctx, "u1", "", TokenPasswordReset, nil, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := h.m.ConsumeToken(ctx, tok, TokenEmailVerification); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("wrong type: %v", err)
	}
	if _, err := h.m.ConsumeToken(ctx, tok, TokenAccess); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("session token type: %v", err)
	}

	id, err := h.m.ConsumeToken(ctx, tok, TokenPasswordReset)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if id.UserID != "u1" || id.TokenType != TokenPasswordReset {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := h.m.ConsumeToken(ctx, tok, TokenPasswordReset); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("second consume: %v", err)
	}
	if _, err := h.m.ValidateToken(ctx, tok); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("validate consumed token: %v", err)
	}
	h.waitEvent(t, audit.EventTokenConsumed)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)
	tok := h.accessToken(t, s, time.Minute)

	h.clock.Advance(2 * time.Minute)
	if err := h.m.RevokeToken(context.Background(), tok); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if n := h.m.MetricsSnapshot().Counters[MetricTokenRevoked]; n != 0 {
		t.Fatalf("nothing should have been revoked, got %d", n)
	}
}

func TestListAndTerminateAllForUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var mine []*Session
	for i := 0; i < 3; i++ {
		mine = append(mine, h.session(t, "u1", time.Hour))
		h.clock.Advance(time.Second)
	}
	other := h.session(t, "u2", time.Hour)
	otherTok := h.accessToken(t, other, 0)

	list, err := h.m.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i := range mine {
		if list[i].SessionID != mine[i].SessionID {
			t.Fatalf("list not ordered by creation: %d", i)
		}
	}

	n, err := h.m.TerminateAllForUser(ctx, "u1", "password changed")
	if err != nil || n != 3 {
		t.Fatalf("terminate all: %d %v", n, err)
	}
	n, err = h.m.TerminateAllForUser(ctx, "u1", "password changed")
	if err != nil || n != 0 {
		t.Fatalf("second terminate all: %d %v", n, err)
	}
	if _, err := h.m.ValidateToken(ctx, otherTok); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
}

func TestCheckRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimit.Rules = ratelimit.RuleSet{
			ratelimit.ClassDefault: {{Limit: 3, Window: time.Minute}},
		}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.m.CheckRateLimit(ctx, ratelimit.ScopeIP("9.9.9.9"), ratelimit.ClassDefault); err != nil {
			t.Fatalf("request #%d: %v", i+1, err)
		}
	}
	d, err := h.m.CheckRateLimit(ctx, ratelimit.ScopeIP("9.9.9.9"), ratelimit.ClassAuthenticated)
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if h.m.MetricsSnapshot().Counters[MetricRateLimitHit] != 1 {
		t.Fatal("rate limit hit not counted")
	}
}

func TestTouchSessionAsyncAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "u1", time.Hour)

	h.m.Close()
	if h.m.TouchSessionAsync(s.SessionID) {
		t.Fatal("closed manager must not accept background work")
	}
}

func TestBuilderRequiresStoreAndSecret(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected an error without a store")
	}

	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	if _, err := New().WithStore(store).Build(); err == nil {
		t.Fatal("expected an error without a secret")
	}

	b := New().WithConfig(testConfig()).WithStore(store)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer m.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("a builder must only build once")
	}
}
