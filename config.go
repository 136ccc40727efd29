package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
	"github.com/Synapse-Technology/edulink-sub008/token"
)

// Config holds every Manager setting. Build it with DefaultConfig and
// override fields; the Builder validates it.
type Config struct {
	Session   SessionConfig
	Token     TokenConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and activity tracking.
type SessionConfig struct {
	// Duration is the absolute session lifetime.
	Duration time.Duration
	// IdleTimeout expires a session with no activity for this long. Zero
	// disables idle expiry.
	IdleTimeout time.Duration
	// TouchInterval skips activity writes closer together than this.
	TouchInterval time.Duration
	// MaxTrackedTokens caps the per-session jti list; oldest entries are
	// evicted first.
	MaxTrackedTokens int
	// BackgroundWorkers and BackgroundQueueSize size the best-effort queue
	// used for activity touches and asynchronous status changes.
	BackgroundWorkers   int
	BackgroundQueueSize int
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls signing and per-type lifetimes.
type TokenConfig struct {
	// Secrets are the valid HS256 secrets, newest first. Only the first
	// signs.
	Secrets [][]byte

	AccessDuration            time.Duration
	RefreshDuration           time.Duration
	EmailVerificationDuration time.Duration
	PasswordResetDuration     time.Duration
	EmailChangeDuration       time.Duration

	// RefreshThreshold is the remaining access token lifetime below which the
	// interceptor chain refreshes it.
	RefreshThreshold time.Duration
	// Leeway tolerates clock skew between services.
	Leeway time.Duration
}

// DurationFor returns the default lifetime for tokens of type t.
func (c TokenConfig) DurationFor(t TokenType) time.Duration {
	switch t {
	case TokenAccess:
		return c.AccessDuration
	case TokenRefresh:
		return c.RefreshDuration
	case TokenEmailVerification:
		return c.EmailVerificationDuration
	case TokenPasswordReset:
		return c.PasswordResetDuration
	case TokenEmailChange:
		return c.EmailChangeDuration
	}
	return 0
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is shared by the per-session and per-user failure counters.
type LockoutConfig struct {
	Enabled     bool
	MaxAttempts int
	// Duration is how long failures are remembered. A login lockout lasts
	// this long from the failure that triggered it. Locked sessions stay
	// locked until unlocked.
	Duration time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig holds the rule sets per caller class.
type RateLimitConfig struct {
	Enabled bool
	Rules   ratelimit.RuleSet
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig bounds every store round trip.
type StoreConfig struct {
	KeyPrefix string
	// OperationTimeout is applied to every store call. A call that times out
	// fails closed with ErrStoreUnavailable.
	OperationTimeout time.Duration
	// MaxRetries bounds compare-and-update retries on version conflicts.
	MaxRetries int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls asynchronous security event dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Token.Secrets is left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			Duration:            24 * time.Hour,
			IdleTimeout:         2 * time.Hour,
			TouchInterval:       30 * time.Second,
			MaxTrackedTokens:    32,
			BackgroundWorkers:   2,
			BackgroundQueueSize: 1024,
		},
		Token: TokenConfig{
			AccessDuration:            time.Hour,
			RefreshDuration:           7 * 24 * time.Hour,
			EmailVerificationDuration: 24 * time.Hour,
			PasswordResetDuration:     time.Hour,
			EmailChangeDuration:       24 * time.Hour,
			RefreshThreshold:          15 * time.Minute,
			Leeway:                    5 * time.Second,
		},
		Lockout: LockoutConfig{
			Enabled:     true,
			MaxAttempts: 5,
			Duration:    30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rules:   ratelimit.DefaultRuleSet(),
		},
		Store: StoreConfig{
			OperationTimeout: 250 * time.Millisecond,
			MaxRetries:       5,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.Secrets = make([][]byte, len(cfg.Token.Secrets))
	for i, s := range cfg.Token.Secrets {
		out.Token.Secrets[i] = append([]byte(nil), s...)
	}
	if cfg.RateLimit.Rules != nil {
		out.RateLimit.Rules = make(ratelimit.RuleSet, len(cfg.RateLimit.Rules))
		for class, rules := range cfg.RateLimit.Rules {
			out.RateLimit.Rules[class] = append([]ratelimit.Rule(nil), rules...)
		}
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cross-field constraints and returns the first violation.
func (c *Config) Validate() error {
	// Session
	if c.Session.Duration <= 0 {
		return errors.New("Session Duration must be > 0")
	}
	if c.Session.IdleTimeout < 0 {
		return errors.New("Session IdleTimeout must be >= 0")
	}
	if c.Session.TouchInterval < 0 {
		return errors.New("Session TouchInterval must be >= 0")
	}
	if c.Session.IdleTimeout > 0 && c.Session.TouchInterval >= c.Session.IdleTimeout {
		return errors.New("Session TouchInterval must be shorter than IdleTimeout")
	}
	if c.Session.MaxTrackedTokens <= 0 {
		return errors.New("Session MaxTrackedTokens must be > 0")
	}
	if c.Session.BackgroundWorkers <= 0 || c.Session.BackgroundQueueSize <= 0 {
		return errors.New("Session BackgroundWorkers and BackgroundQueueSize must be > 0")
	}

	// Token
	if len(c.Token.Secrets) == 0 {
		return errors.New("Token Secrets must contain at least one secret")
	}
	for i, s := range c.Token.Secrets {
		if len(s) < token.MinSecretLength {
			return fmt.Errorf("Token secret #%d must be at least %d bytes", i+1, token.MinSecretLength)
		}
	}
	for _, t := range []TokenType{TokenAccess, TokenRefresh, TokenEmailVerification, TokenPasswordReset, TokenEmailChange} {
		if c.Token.DurationFor(t) < time.Second {
			return fmt.Errorf("Token duration for %s must be >= 1s", t)
		}
	}
	if c.Token.RefreshThreshold < 0 || c.Token.RefreshThreshold >= c.Token.AccessDuration {
		return errors.New("Token RefreshThreshold must be in [0, AccessDuration)")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be within [0, 2m]")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.MaxAttempts <= 0 {
			return errors.New("Lockout MaxAttempts must be > 0")
		}
		if c.Lockout.Duration <= 0 {
			return errors.New("Lockout Duration must be > 0")
		}
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if len(c.RateLimit.Rules.For(ratelimit.ClassDefault)) == 0 {
			return errors.New("RateLimit requires rules for the default class")
		}
		for class, rules := range c.RateLimit.Rules {
			for _, r := range rules {
				if r.Limit <= 0 || r.Window < time.Millisecond {
					return fmt.Errorf("RateLimit rule %s for class %s is invalid", r, class)
				}
			}
		}
	}

	// Store
	if c.Store.OperationTimeout < 0 {
		return errors.New("Store OperationTimeout must be >= 0")
	}
	if c.Store.MaxRetries < 0 {
		return errors.New("Store MaxRetries must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
