package middleware

import (
	"net/http"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/rs/zerolog"
)

// Stage wraps an http.Handler. A stage short-circuits by writing a response
// without calling next.
type Stage func(http.Handler) http.Handler

// Chain applies stages so that the first stage runs first.
func Chain(h http.Handler, stages ...Stage) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// Compose folds stages into a single Stage.
func Compose(stages ...Stage) Stage {
	return func(next http.Handler) http.Handler {
		return Chain(next, stages...)
	}
}

// Config holds interceptor options shared by every stage.
type Config struct {
	// CookieName carries the access token for browser clients.
	CookieName string
	// RefreshCookieName carries the refresh token for browser clients.
	RefreshCookieName string
	// RefreshHeader carries the refresh token for non-browser clients.
	RefreshHeader string
	// RefreshThreshold overrides the Manager's Token.RefreshThreshold when > 0.
	RefreshThreshold time.Duration
	SecureCookies    bool
	// TrustForwardedFor takes the client IP from X-Forwarded-For. Enable it
	// only behind a proxy that overwrites the header.
	TrustForwardedFor bool
	AdminScope        string
	Logger            zerolog.Logger
	Now               func() time.Time
}

// DefaultConfig returns the options used by Gateway when none are given.
func DefaultConfig() Config {
	return Config{
		CookieName:        "session_token",
		RefreshCookieName: "refresh_token",
		RefreshHeader:     "X-Refresh-Token",
		SecureCookies:     true,
		AdminScope:        "admin",
		Logger:            zerolog.Nop(),
		Now:               time.Now,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CookieName == "" {
		c.CookieName = d.CookieName
	}
	if c.RefreshCookieName == "" {
		c.RefreshCookieName = d.RefreshCookieName
	}
	if c.RefreshHeader == "" {
		c.RefreshHeader = d.RefreshHeader
	}
	if c.AdminScope == "" {
		c.AdminScope = d.AdminScope
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Gateway is the full chain for authenticated routes.
func Gateway(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	return Compose(
		SecurityHeaders(),
		ClientContext(cfg),
		SessionValidation(m, cfg),
		TokenRefresh(m, cfg),
		RateLimit(m, cfg),
	)
}

// Public is the chain for unauthenticated routes: headers and IP rate
// limiting only.
func Public(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	return Compose(
		SecurityHeaders(),
		ClientContext(cfg),
		RateLimit(m, cfg),
	)
}
