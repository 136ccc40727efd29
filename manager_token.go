package authcore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/internal/ids"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/Synapse-Technology/edulink-sub008/token"
	"github.com/golang-jwt/jwt/v5"
)

type issued struct {
	token     string
	expiresAt time.Time
}

// StartSession creates a session and issues its first access and refresh
// tokens. It is the call an identity service makes after verifying
// credentials.
func (m *Manager) StartSession(ctx context.Context, req SessionRequest) (*Session, *TokenPair, error) {
	rec, err := m.CreateSession(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	pair, err := m.issuePair(ctx, rec, req.Scopes)
	if err != nil {
		return nil, nil, err
	}
	return rec, pair, nil
}

// GenerateToken issues a token of type typ for userID. ACCESS and REFRESH
// tokens bound to a session are recorded against it so that terminating the
// session revokes them; their lifetime is capped to the session's. A zero
// ttl uses the configured default for typ.
func (m *Manager) GenerateToken(ctx context.Context, userID, sessionID string, typ TokenType, scopes []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown token type %q", ErrInvalidArgument, typ)
	}
	if typ == TokenRefresh && sessionID == "" {
		return "", fmt.Errorf("%w: refresh tokens require a session", ErrInvalidArgument)
	}

	var rec *session.Record
	if sessionID != "" {
		var err error
		rec, err = m.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if rec.UserID != userID {
			return "", fmt.Errorf("%w: session belongs to another user", ErrInvalidArgument)
		}
	}

	out, err := m.issue(ctx, userID, rec, typ, scopes, ttl)
	if err != nil {
		return "", err
	}
	return out.token, nil
}

// issue signs a token. rec is the bound session or nil.
func (m *Manager) issue(ctx context.Context, userID string, rec *session.Record, typ TokenType, scopes []string, ttl time.Duration) (*issued, error) {
	if ttl <= 0 {
		ttl = m.config.Token.DurationFor(typ)
	}

	now := m.now()
	claims := token.Claims{
		Subject:  userID,
		Scopes:   slices.Clone(scopes),
		IssuedAt: jwt.NewNumericDate(now),
		ID:       ids.NewTokenID(),
		Type:     typ,
	}

	if rec != nil {
		if err := statusError(rec.Status); err != nil {
			return nil, err
		}
		if m.expired(rec, now) {
			return nil, ErrSessionExpired
		}
		if remaining := rec.Remaining(now); ttl > remaining {
			ttl = remaining
		}
		claims.SessionID = rec.SessionID
	}
	if ttl < time.Second {
		if rec == nil {
			return nil, fmt.Errorf("%w: token ttl %s is under one second", ErrInvalidArgument, ttl)
		}
		return nil, ErrSessionExpired
	}
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	signed, err := m.codec.Encode(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	expiresAt := claims.ExpiresAt.Time

	if rec != nil && typ.SessionBound() {
		sctx, cancel := m.storeContext(ctx)
		err := m.store.TrackToken(sctx, rec.SessionID, session.TokenRef{JTI: claims.ID, ExpiresAt: expiresAt},
			m.config.Session.MaxTrackedTokens, rec.Remaining(now))
		cancel()
		if err != nil {
			return nil, m.storeError("track token", err)
		}
	}

	m.metrics.Inc(MetricTokenIssued)
	return &issued{token: signed, expiresAt: expiresAt}, nil
}

func (m *Manager) issuePair(ctx context.Context, rec *session.Record, scopes []string) (*TokenPair, error) {
	access, err := m.issue(ctx, rec.UserID, rec, TokenAccess, scopes, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := m.issue(ctx, rec.UserID, rec, TokenRefresh, scopes, 0)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		SessionID:        rec.SessionID,
		AccessToken:      access.token,
		RefreshToken:     refresh.token,
		AccessExpiresAt:  access.expiresAt,
		RefreshExpiresAt: refresh.expiresAt,
	}, nil
}

// ValidateToken checks, in order, signature, expiry, revocation and (for
// session-bound tokens) the session's existence and status. The revocation
// check and the session read share one store round trip. Each failure maps
// to a distinct error; a store failure fails closed with
// ErrStoreUnavailable.
func (m *Manager) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	start := time.Now()
	id, err := m.validate(ctx, tokenStr)
	m.metrics.Observe(MetricValidateLatency, time.Since(start))
	if err != nil {
		m.metrics.Inc(MetricValidateFailure)
		return nil, err
	}
	m.metrics.Inc(MetricValidateSuccess)
	return id, nil
}

func (m *Manager) validate(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := m.decode(tokenStr)
	if err != nil {
		return nil, err
	}

	sctx, cancel := m.storeContext(ctx)
	revoked, rec, err := m.store.Lookup(sctx, claims.ID, claims.SessionID)
	cancel()
	if err != nil {
		return nil, m.storeError("validate token", err)
	}

	if revoked {
		return nil, m.revokedError(claims, rec)
	}
	if err := m.checkSession(claims, rec); err != nil {
		return nil, err
	}

	if rec != nil && m.clock().Sub(rec.LastActivityAt) >= m.config.Session.TouchInterval {
		m.TouchSessionAsync(rec.SessionID)
	}
	return identityFromClaims(claims), nil
}

func (m *Manager) decode(tokenStr string) (*token.Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	claims, err := m.codec.Decode(tokenStr)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, token.ErrExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, token.ErrSignatureInvalid):
		return nil, ErrTokenSignatureInvalid
	}
	return nil, ErrTokenMalformed
}

// revokedError explains a revoked jti. When the session itself has ended
// the session kind is reported too. A revoked token presented for a session
// that is still active counts as a failed attempt against it.
func (m *Manager) revokedError(claims *token.Claims, rec *session.Record) error {
	if rec == nil || claims.SessionID == "" {
		return ErrTokenRevoked
	}
	if err := statusError(rec.Status); err != nil {
		return fmt.Errorf("%w: %w", err, ErrTokenRevoked)
	}

	sessionID := rec.SessionID
	m.enqueue("record failure", func(ctx context.Context) error {
		_, err := m.RecordFailedAttempt(ctx, sessionID)
		return err
	})
	return ErrTokenRevoked
}

// checkSession applies the session part of validation to an unrevoked
// token. rec is nil when the store has no record.
func (m *Manager) checkSession(claims *token.Claims, rec *session.Record) error {
	if claims.SessionID == "" {
		return nil
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	if rec.UserID != claims.Subject {
		return fmt.Errorf("%w: subject does not match session", ErrTokenInvalid)
	}
	if err := statusError(rec.Status); err != nil {
		return err
	}
	if m.expired(rec, m.clock()) {
		m.expireAsync(rec.SessionID)
		return ErrSessionExpired
	}
	return nil
}

func identityFromClaims(c *token.Claims) *Identity {
	id := &Identity{
		UserID:    c.Subject,
		SessionID: c.SessionID,
		Scopes:    slices.Clone(c.Scopes),
		TokenType: c.Type,
		TokenID:   c.ID,
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}

// RefreshToken rotates a refresh token. The old jti is inserted into the
// revocation set with an atomic insert-if-absent before anything is issued,
// so of two concurrent calls with the same token exactly one succeeds and
// the other gets ErrTokenRevoked.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := m.refresh(ctx, refreshToken)
	if err != nil {
		m.metrics.Inc(MetricRefreshFailure)
		return nil, err
	}
	m.metrics.Inc(MetricRefreshSuccess)
	return pair, nil
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.decode(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrTokenInvalid)
	}

	sctx, cancel := m.storeContext(ctx)
	revoked, rec, err := m.store.Lookup(sctx, claims.ID, claims.SessionID)
	cancel()
	if err != nil {
		return nil, m.storeError("refresh token", err)
	}
	if revoked {
		m.reuseDetected(ctx, claims)
		if rec != nil {
			if err := statusError(rec.Status); err != nil {
				return nil, fmt.Errorf("%w: %w", err, ErrRefreshReuse)
			}
		}
		return nil, ErrRefreshReuse
	}
	if err := m.checkSession(claims, rec); err != nil {
		return nil, err
	}

	sctx, cancel = m.storeContext(ctx)
	won, err := m.store.MarkRevoked(sctx, claims.ID, m.revocationTTL(claims))
	cancel()
	if err != nil {
		return nil, m.storeError("rotate refresh token", err)
	}
	if !won {
		m.reuseDetected(ctx, claims)
		return nil, ErrRefreshReuse
	}

	pair, err := m.issuePair(ctx, rec, claims.Scopes)
	if err != nil {
		return nil, err
	}

	m.TouchSessionAsync(rec.SessionID)
	m.emit(ctx, audit.EventTokenRefreshed, rec.SessionID, rec.UserID, "")
	return pair, nil
}

// revocationTTL keeps a revocation marker until the token could no longer
// pass the expiry check anyway.
func (m *Manager) revocationTTL(claims *token.Claims) time.Duration {
	ttl := claims.ExpiresAt.Time.Sub(m.now()) + m.config.Token.Leeway
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (m *Manager) reuseDetected(ctx context.Context, claims *token.Claims) {
	m.metrics.Inc(MetricRefreshReuseDetected)
	m.logger.Warn().
		Str("session_id", claims.SessionID).
		Str("user_id", claims.Subject).
		Str("jti", claims.ID).
		Msg("refresh token reuse detected")
	m.EmitSecurityEvent(ctx, audit.Event{
		EventType: audit.EventRefreshReuseDetected,
		SessionID: claims.SessionID,
		UserID:    claims.Subject,
		Metadata:  map[string]string{"jti": claims.ID},
	})
}

// ConsumeToken validates a one-time token of type expected
// (EMAIL_VERIFICATION, PASSWORD_RESET or EMAIL_CHANGE) and revokes it in
// the same atomic step, so it can be used once.
func (m *Manager) ConsumeToken(ctx context.Context, tokenStr string, expected TokenType) (*Identity, error) {
	if !expected.Valid() || expected.SessionBound() {
		return nil, fmt.Errorf("%w: %q is not a one-time token type", ErrInvalidArgument, expected)
	}

	claims, err := m.decode(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Type != expected {
		return nil, fmt.Errorf("%w: expected a %s token", ErrTokenInvalid, expected)
	}

	if claims.SessionID != "" {
		sctx, cancel := m.storeContext(ctx)
		revoked, rec, err := m.store.Lookup(sctx, claims.ID, claims.SessionID)
		cancel()
		if err != nil {
			return nil, m.storeError("consume token", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
		if err := m.checkSession(claims, rec); err != nil {
			return nil, err
		}
	}

	sctx, cancel := m.storeContext(ctx)
	won, err := m.store.MarkRevoked(sctx, claims.ID, m.revocationTTL(claims))
	cancel()
	if err != nil {
		return nil, m.storeError("consume token", err)
	}
	if !won {
		return nil, ErrTokenRevoked
	}

	m.metrics.Inc(MetricTokenConsumed)
	m.emit(ctx, audit.EventTokenConsumed, claims.SessionID, claims.Subject, string(claims.Type))
	return identityFromClaims(claims), nil
}

// RevokeToken inserts the token's jti into the revocation set. Revoking an
// expired or already revoked token is a no-op.
func (m *Manager) RevokeToken(ctx context.Context, tokenStr string) error {
	claims, err := m.decode(tokenStr)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	sctx, cancel := m.storeContext(ctx)
	won, err := m.store.MarkRevoked(sctx, claims.ID, m.revocationTTL(claims))
	cancel()
	if err != nil {
		return m.storeError("revoke token", err)
	}

	if won {
		m.metrics.Inc(MetricTokenRevoked)
		m.emit(ctx, audit.EventTokenRevoked, claims.SessionID, claims.Subject, string(claims.Type))
	}
	return nil
}
