package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type memCounter struct {
	n int64
}

// MemoryStore is a single-process Store backed by ttlcache. Compound
// operations are serialized by one mutex, which gives the same atomicity the
// Redis scripts provide. Use it for tests, local development and single
// instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions *ttlcache.Cache[string, *Record]
	revoked  *ttlcache.Cache[string, struct{}]
	tokens   *ttlcache.Cache[string, []TokenRef]
	counters *ttlcache.Cache[string, *memCounter]
	users    map[string]map[string]struct{}
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore and starts its expiry loops. Call
// Close to stop them.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *Record]()),
		revoked:  ttlcache.New(ttlcache.WithDisableTouchOnHit[string, struct{}]()),
		tokens:   ttlcache.New(ttlcache.WithDisableTouchOnHit[string, []TokenRef]()),
		counters: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *memCounter]()),
		users:    make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	go s.sessions.Start()
	go s.revoked.Start()
	go s.tokens.Start()
	go s.counters.Start()
	return s
}

// SetClock replaces time.Now when computing record TTLs.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Close stops the expiry loops.
func (s *MemoryStore) Close() error {
	s.sessions.Stop()
	s.revoked.Stop()
	s.tokens.Stop()
	s.counters.Stop()
	return nil
}

func (s *MemoryStore) ttl(r *Record) time.Duration {
	ttl := r.Remaining(s.now())
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

func (s *MemoryStore) get(sessionID string) *Record {
	item := s.sessions.Get(sessionID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.get(r.SessionID) != nil {
		return ErrAlreadyExists
	}
	r.Version = 1
	s.sessions.Set(r.SessionID, r.Clone(), s.ttl(r))

	ids, ok := s.users[r.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.users[r.UserID] = ids
	}
	ids[r.SessionID] = struct{}{}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(sessionID)
	if r == nil {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// CompareAndUpdate implements Store.
func (s *MemoryStore) CompareAndUpdate(_ context.Context, sessionID string, expectedVersion uint64, mutate Mutator) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.get(sessionID)
	if current == nil {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next, changed, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	s.sessions.Set(sessionID, next, s.ttl(next))
	return next.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(sessionID)
	return nil
}

func (s *MemoryStore) remove(sessionID string) {
	if r := s.get(sessionID); r != nil {
		if ids, ok := s.users[r.UserID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(s.users, r.UserID)
			}
		}
	}
	s.sessions.Delete(sessionID)
	s.tokens.Delete(sessionID)
}

// MarkRevoked implements Store.
func (s *MemoryStore) MarkRevoked(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked.Get(jti) != nil {
		return false, nil
	}
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	s.revoked.Set(jti, struct{}{}, ttl)
	return true, nil
}

// IsRevoked implements Store.
func (s *MemoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked.Get(jti) != nil, nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, jti, sessionID string) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revoked.Get(jti) != nil
	if sessionID == "" {
		return revoked, nil, nil
	}
	return revoked, s.get(sessionID).Clone(), nil
}

// TrackToken implements Store.
func (s *MemoryStore) TrackToken(_ context.Context, sessionID string, ref TokenRef, limit int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []TokenRef
	if item := s.tokens.Get(sessionID); item != nil {
		refs = item.Value()
	}
	refs = append(append([]TokenRef(nil), refs...), ref)
	if limit > 0 && len(refs) > limit {
		refs = refs[len(refs)-limit:]
	}
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	s.tokens.Set(sessionID, refs, ttl)
	return nil
}

// TrackedTokens implements Store.
func (s *MemoryStore) TrackedTokens(_ context.Context, sessionID string) ([]TokenRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.tokens.Get(sessionID)
	if item == nil {
		return nil, nil
	}
	return append([]TokenRef(nil), item.Value()...), nil
}

// UserSessions implements Store.
func (s *MemoryStore) UserSessions(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// IncrWindow mirrors RedisStore.IncrWindow.
func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.counters.Get(key)
	if item == nil {
		s.counters.Set(key, &memCounter{n: 1}, window)
		return 1, window, nil
	}
	c := item.Value()
	c.n++
	return c.n, time.Until(item.ExpiresAt()), nil
}

// PeekCounter mirrors RedisStore.PeekCounter.
func (s *MemoryStore) PeekCounter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.counters.Get(key); item != nil {
		return item.Value().n, nil
	}
	return 0, nil
}

// ResetCounters mirrors RedisStore.ResetCounters.
func (s *MemoryStore) ResetCounters(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.counters.Delete(k)
	}
	return nil
}

// Sweep implements Sweeper.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, retain time.Duration) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	s.sessions.DeleteExpired()
	s.revoked.DeleteExpired()
	s.tokens.DeleteExpired()
	s.counters.DeleteExpired()

	for id, item := range s.sessions.Items() {
		res.Scanned++
		if shouldPurge(item.Value(), now, retain) {
			s.remove(id)
			res.Deleted++
		}
	}

	for userID, ids := range s.users {
		for id := range ids {
			if s.get(id) == nil {
				delete(ids, id)
				res.IndexesPruned++
			}
		}
		if len(ids) == 0 {
			delete(s.users, userID)
		}
	}
	return res, nil
}
