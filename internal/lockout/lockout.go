// Package lockout counts failed attempts per subject over a rolling window
// and reports when a threshold is reached. A subject that reaches it stays
// blocked for the lock duration. Consequences (locking a session,
// refusing a login) are decided by the caller.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable indicates the counter backend is unreachable.
var ErrUnavailable = errors.New("lockout backend unavailable")

// Counter is the windowed counter primitive shared with the rate limiter.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	PeekCounter(ctx context.Context, key string) (int64, error)
	ResetCounters(ctx context.Context, keys ...string) error
}

// Config holds the lockout policy.
type Config struct {
	Enabled   bool
	Threshold int
	// Window is how long failures are remembered, counted from the first
	// failure.
	Window time.Duration
	// Duration is how long a subject stays blocked once the threshold is
	// reached, counted from that failure. Zero means Window.
	Duration time.Duration
}

// Limiter tracks failures for one kind of subject, e.g. sessions or users.
type Limiter struct {
	counter Counter
	config  Config
	prefix  string
}

// New creates a Limiter whose keys start with "lockout:{kind}:".
func New(counter Counter, kind string, cfg Config) *Limiter {
	return &Limiter{counter: counter, config: cfg, prefix: "lockout:" + kind + ":"}
}

func (l *Limiter) key(subject string) string {
	return l.prefix + subject
}

func (l *Limiter) lockedKey(subject string) string {
	return l.prefix + subject + ":locked"
}

func (l *Limiter) lockDuration() time.Duration {
	if l.config.Duration > 0 {
		return l.config.Duration
	}
	return l.config.Window
}

// RecordFailure increments the failure counter for subject and reports
// whether the threshold has been reached.
func (l *Limiter) RecordFailure(ctx context.Context, subject string) (bool, error) {
	if l == nil || !l.config.Enabled || subject == "" {
		return false, nil
	}

	count, _, err := l.counter.IncrWindow(ctx, l.key(subject), l.config.Window)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < int64(l.config.Threshold) {
		return false, nil
	}

	// The lock window opens on the first failure at the threshold. Later
	// failures bump the marker without extending it.
	if _, _, err := l.counter.IncrWindow(ctx, l.lockedKey(subject), l.lockDuration()); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Blocked reports whether subject reached the threshold less than Duration
// ago, without counting an attempt.
func (l *Limiter) Blocked(ctx context.Context, subject string) (bool, error) {
	if l == nil || !l.config.Enabled || subject == "" {
		return false, nil
	}

	marker, err := l.counter.PeekCounter(ctx, l.lockedKey(subject))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return marker > 0, nil
}

// Failures returns the current failure count for subject.
func (l *Limiter) Failures(ctx context.Context, subject string) (int, error) {
	if l == nil || !l.config.Enabled || subject == "" {
		return 0, nil
	}

	count, err := l.counter.PeekCounter(ctx, l.key(subject))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// Reset clears the failure counter and any lock for subject.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	if l == nil || !l.config.Enabled || subject == "" {
		return nil
	}

	if err := l.counter.ResetCounters(ctx, l.key(subject), l.lockedKey(subject)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
