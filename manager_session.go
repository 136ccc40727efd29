package authcore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/internal/ids"
	"github.com/Synapse-Technology/edulink-sub008/session"
)

const (
	createAttempts = 3

	metaEndReason = "end_reason"
)

// clock returns the current time at the store's millisecond precision.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// CreateSession stores a new ACTIVE session for req.UserID. It fails only
// when the store is unavailable.
func (m *Manager) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.config.Session.Duration
	}

	now := m.clock()
	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := ids.NewSessionID(now)
		if err != nil {
			return nil, err
		}

		rec := &session.Record{
			SessionID:         id,
			UserID:            req.UserID,
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: req.DeviceFingerprint,
			CreatedAt:         now,
			LastActivityAt:    now,
			ExpiresAt:         now.Add(ttl),
			Status:            session.StatusActive,
			Metadata:          maps.Clone(req.Metadata),
		}

		sctx, cancel := m.storeContext(ctx)
		err = m.store.Create(sctx, rec)
		cancel()
		if errors.Is(err, session.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, m.storeError("create session", err)
		}

		m.metrics.Inc(MetricSessionCreated)
		m.emit(ctx, audit.EventSessionCreated, rec.SessionID, rec.UserID, "")
		return rec, nil
	}

	return nil, fmt.Errorf("%w: could not allocate a unique session id", ErrStoreUnavailable)
}

// GetSession returns the stored record whatever its status.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	rec, err := m.store.Get(sctx, sessionID)
	if err != nil {
		return nil, m.storeError("get session", err)
	}
	return rec, nil
}

// ListSessions returns the user's sessions still present in the store,
// oldest first.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	sessionIDs, err := m.store.UserSessions(sctx, userID)
	cancel()
	if err != nil {
		return nil, m.storeError("list sessions", err)
	}

	out := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		rec, err := m.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// TouchSession advances last_activity_at. Calls closer together than
// Session.TouchInterval are no-ops. Concurrent touches are resolved with
// compare-and-update; exhausting the retries yields ErrStoreUnavailable.
func (m *Manager) TouchSession(ctx context.Context, sessionID string) error {
	now := m.clock()
	_, _, err := m.update(ctx, "touch session", sessionID, func(r *session.Record) error {
		if err := statusError(r.Status); err != nil {
			return err
		}
		if m.expired(r, now) {
			return ErrSessionExpired
		}
		if now.Sub(r.LastActivityAt) < m.config.Session.TouchInterval || !now.After(r.LastActivityAt) {
			return session.ErrNoChange
		}
		r.LastActivityAt = now
		return nil
	})
	return err
}

// TouchSessionAsync queues a TouchSession. It never blocks and reports
// whether the touch was queued.
func (m *Manager) TouchSessionAsync(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return m.enqueue("touch", func(ctx context.Context) error {
		return m.TouchSession(ctx, sessionID)
	})
}

// TerminateSession moves the session to REVOKED and revokes every tracked
// token. Terminating an already ended session is a no-op that still
// re-asserts the token revocations.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reason string) error {
	_, err := m.terminate(ctx, sessionID, reason)
	return err
}

func (m *Manager) terminate(ctx context.Context, sessionID, reason string) (bool, error) {
	now := m.clock()
	rec, changed, err := m.update(ctx, "terminate session", sessionID, func(r *session.Record) error {
		if r.Status.Terminal() {
			return session.ErrNoChange
		}
		if err := r.Transition(session.StatusRevoked, now, false); err != nil {
			return err
		}
		if reason != "" {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string, 1)
			}
			r.Metadata[metaEndReason] = reason
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := m.revokeTracked(ctx, rec.SessionID, now); err != nil {
		return changed, err
	}

	if changed {
		m.metrics.Inc(MetricSessionTerminated)
		m.emit(ctx, audit.EventSessionTerminated, rec.SessionID, rec.UserID, reason)
		m.logger.Info().Str("session_id", rec.SessionID).Str("reason", reason).Msg("session terminated")
	}
	return changed, nil
}

// revokeTracked inserts every still-live jti recorded for the session into
// the revocation set.
func (m *Manager) revokeTracked(ctx context.Context, sessionID string, now time.Time) error {
	sctx, cancel := m.storeContext(ctx)
	refs, err := m.store.TrackedTokens(sctx, sessionID)
	cancel()
	if err != nil {
		return m.storeError("list session tokens", err)
	}

	for _, ref := range refs {
		if !ref.ExpiresAt.After(now) {
			continue
		}
		sctx, cancel := m.storeContext(ctx)
		_, err := m.store.MarkRevoked(sctx, ref.JTI, ref.ExpiresAt.Sub(now)+m.config.Token.Leeway)
		cancel()
		if err != nil {
			return m.storeError("revoke session token", err)
		}
	}
	return nil
}

// TerminateAllForUser terminates every session of userID and returns how
// many changed state.
func (m *Manager) TerminateAllForUser(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := m.ListSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, s := range sessions {
		changed, err := m.terminate(ctx, s.SessionID, reason)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// LockSession moves an ACTIVE session to LOCKED. Tokens bound to it then
// fail with ErrSessionLocked until UnlockSession.
func (m *Manager) LockSession(ctx context.Context, sessionID, reason string) error {
	now := m.clock()
	rec, changed, err := m.update(ctx, "lock session", sessionID, func(r *session.Record) error {
		if r.Status == session.StatusLocked {
			return session.ErrNoChange
		}
		if err := statusError(r.Status); err != nil {
			return err
		}
		if reason != "" {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string, 1)
			}
			r.Metadata[metaEndReason] = reason
		}
		return r.Transition(session.StatusLocked, now, false)
	})
	if err != nil {
		return err
	}

	if changed {
		m.metrics.Inc(MetricSessionLocked)
		m.emit(ctx, audit.EventSessionLocked, rec.SessionID, rec.UserID, reason)
		m.logger.Warn().Str("session_id", rec.SessionID).Str("reason", reason).Msg("session locked")
	}
	return nil
}

// UnlockSession is the administrative LOCKED -> ACTIVE transition. It also
// clears the session's failure counter.
func (m *Manager) UnlockSession(ctx context.Context, sessionID string) error {
	now := m.clock()
	rec, changed, err := m.update(ctx, "unlock session", sessionID, func(r *session.Record) error {
		switch r.Status {
		case session.StatusActive:
			return session.ErrNoChange
		case session.StatusLocked:
		default:
			return statusError(r.Status)
		}
		delete(r.Metadata, metaEndReason)
		return r.Transition(session.StatusActive, now, true)
	})
	if err != nil {
		return err
	}

	sctx, cancel := m.storeContext(ctx)
	err = m.sessionLockout.Reset(sctx, sessionID)
	cancel()
	if err != nil {
		return m.storeError("reset session failures", err)
	}

	if changed {
		m.metrics.Inc(MetricSessionUnlocked)
		m.emit(ctx, audit.EventSessionUnlocked, rec.SessionID, rec.UserID, "")
	}
	return nil
}

// RecordFailedAttempt counts a failed attempt against the session and
// locks it once Lockout.MaxAttempts is reached. It reports whether the
// session is now locked.
func (m *Manager) RecordFailedAttempt(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	reached, err := m.sessionLockout.RecordFailure(sctx, sessionID)
	cancel()
	if err != nil {
		return false, m.storeError("record session failure", err)
	}
	if !reached {
		return false, nil
	}

	err = m.LockSession(ctx, sessionID, "too many failed attempts")
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrSessionExpired):
		return false, nil
	}
	return false, err
}

// expired reports whether r is past its absolute deadline or idle timeout.
func (m *Manager) expired(r *session.Record, now time.Time) bool {
	if !now.Before(r.ExpiresAt) {
		return true
	}
	idle := m.config.Session.IdleTimeout
	return idle > 0 && now.Sub(r.LastActivityAt) >= idle
}

// expireAsync records the EXPIRED transition for a session found stale
// during validation.
func (m *Manager) expireAsync(sessionID string) {
	m.enqueue("expire", func(ctx context.Context) error {
		now := m.clock()
		rec, changed, err := m.update(ctx, "expire session", sessionID, func(r *session.Record) error {
			if r.Status != session.StatusActive || !m.expired(r, now) {
				return session.ErrNoChange
			}
			return r.Transition(session.StatusExpired, now, false)
		})
		if err != nil || !changed {
			return err
		}
		m.metrics.Inc(MetricSessionExpired)
		m.emit(ctx, audit.EventSessionExpired, rec.SessionID, rec.UserID, "")
		return nil
	})
}
