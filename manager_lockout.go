package authcore

import (
	"context"
	"fmt"

	"github.com/Synapse-Technology/edulink-sub008/audit"
)

// CheckLogin returns ErrLoginLocked while userID has Lockout.MaxAttempts
// recent failures. Identity services call it before checking credentials.
func (m *Manager) CheckLogin(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	blocked, err := m.loginLockout.Blocked(sctx, userID)
	cancel()
	if err != nil {
		return m.storeError("check login", err)
	}
	if blocked {
		m.metrics.Inc(MetricLoginLocked)
		return ErrLoginLocked
	}
	return nil
}

// RecordLoginFailure counts a failed credential check and reports whether
// the user is now locked out.
func (m *Manager) RecordLoginFailure(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	reached, err := m.loginLockout.RecordFailure(sctx, userID)
	cancel()
	if err != nil {
		return false, m.storeError("record login failure", err)
	}

	if reached {
		m.emit(ctx, audit.EventLoginLocked, "", userID, "too many failed login attempts")
		m.logger.Warn().Str("user_id", userID).Msg("login locked")
	}
	return reached, nil
}

// ResetLoginFailures clears the user's failure counter, typically after a
// successful login.
func (m *Manager) ResetLoginFailures(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.loginLockout.Reset(sctx, userID); err != nil {
		return m.storeError("reset login failures", err)
	}
	return nil
}

// LoginFailures returns the user's current failure count.
func (m *Manager) LoginFailures(ctx context.Context, userID string) (int, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	n, err := m.loginLockout.Failures(sctx, userID)
	if err != nil {
		return 0, m.storeError("login failures", err)
	}
	return n, nil
}
