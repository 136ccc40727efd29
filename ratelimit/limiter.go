package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Counter is the windowed counter primitive. IncrWindow must atomically
// increment key and, on the first increment, expire it after window.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Rule is one limit: at most Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) String() string {
	return strconv.Itoa(r.Limit) + "/" + formatWindow(r.Window)
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until ResetAt, rounded up to whole seconds and at
// least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Config holds limiter options.
type Config struct {
	// Now replaces time.Now for window alignment.
	Now func() time.Time
}

// Limiter evaluates rules against a Counter.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// New creates a Limiter backed by counter.
func New(counter Counter, cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{counter: counter, now: cfg.Now}
}

// Check counts one request against scopeKey under a single rule.
func (l *Limiter) Check(ctx context.Context, scopeKey string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("%w: limit and window must be positive", ErrInvalidRule)
	}

	windowMs := window.Milliseconds()
	nowMs := l.now().UnixMilli()
	startMs := nowMs - nowMs%windowMs

	count, _, err := l.counter.IncrWindow(ctx, key(scopeKey, windowMs, startMs), window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(startMs + windowMs),
	}, nil
}

// CheckAll counts one request against every rule. The request is allowed
// only if every rule allows it. When denied, ResetAt is the latest reset
// among the denying rules; otherwise it belongs to the rule with the fewest
// requests left.
func (l *Limiter) CheckAll(ctx context.Context, scopeKey string, rules []Rule) (Decision, error) {
	if len(rules) == 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	var (
		combined = Decision{Allowed: true}
		first    = true
	)
	for _, rule := range rules {
		d, err := l.Check(ctx, scopeKey, rule.Limit, rule.Window)
		if err != nil {
			return Decision{}, err
		}

		switch {
		case !d.Allowed && combined.Allowed:
			combined = d
		case !d.Allowed:
			if d.ResetAt.After(combined.ResetAt) {
				combined.ResetAt = d.ResetAt
				combined.Limit = d.Limit
			}
			combined.Remaining = 0
		case combined.Allowed && (first || d.Remaining < combined.Remaining):
			combined = d
		}
		first = false
	}
	return combined, nil
}

// key includes the window length so rules whose windows start at the same
// instant keep separate counters.
func key(scopeKey string, windowMs, startMs int64) string {
	return "ratelimit:" + scopeKey + ":" + strconv.FormatInt(windowMs, 10) + ":" + strconv.FormatInt(startMs, 10)
}

// ScopeIP, ScopeUser and ScopeAPIKey build scope keys.
func ScopeIP(ip string) string       { return "ip:" + ip }
func ScopeUser(userID string) string { return "user:" + userID }
func ScopeAPIKey(k string) string    { return "apikey:" + k }
