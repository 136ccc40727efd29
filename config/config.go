// Package config loads service settings from the environment and an
// optional .env or YAML file using Viper, and converts them into the
// option structs of the other packages.
package config

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/janitor"
	"github.com/Synapse-Technology/edulink-sub008/middleware"
	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds every recognized setting under its environment name.
// Durations accept time.ParseDuration syntax plus a "d" suffix for days.
type Config struct {
	// StoreURL is a redis:// URL. Empty selects an in-process store in the
	// service binaries.
	StoreURL string `mapstructure:"STORE_URL"`
	// TokenSecret is a comma-separated list of signing secrets, newest first.
	TokenSecret string `mapstructure:"TOKEN_SECRET"`

	SessionDuration      string `mapstructure:"SESSION_DURATION"`
	SessionIdleTimeout   string `mapstructure:"SESSION_IDLE_TIMEOUT"`
	AccessTokenDuration  string `mapstructure:"ACCESS_TOKEN_DURATION"`
	RefreshTokenDuration string `mapstructure:"REFRESH_TOKEN_DURATION"`
	RefreshThreshold     string `mapstructure:"REFRESH_THRESHOLD"`

	MaxLoginAttempts int    `mapstructure:"MAX_LOGIN_ATTEMPTS"`
	LockoutDuration  string `mapstructure:"LOCKOUT_DURATION"`

	// Rate-limit rule lists such as "60/1m,1000/1h", one per caller class.
	RateLimitDefault       string `mapstructure:"RATE_LIMIT_DEFAULT"`
	RateLimitAuthenticated string `mapstructure:"RATE_LIMIT_AUTHENTICATED"`
	RateLimitAdmin         string `mapstructure:"RATE_LIMIT_ADMIN"`

	StoreTimeout    string `mapstructure:"STORE_TIMEOUT"`
	StoreMaxRetries int    `mapstructure:"STORE_MAX_RETRIES"`
	KeyPrefix       string `mapstructure:"KEY_PREFIX"`

	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// DatabaseURL enables the Postgres security event sink when set.
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	AuditBufferSize int    `mapstructure:"AUDIT_BUFFER_SIZE"`

	JanitorInterval  string `mapstructure:"JANITOR_INTERVAL"`
	JanitorRetention string `mapstructure:"JANITOR_RETENTION"`

	// InternalAPIKey guards the collaborator endpoints of the service.
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	TrustForwardedFor bool   `mapstructure:"TRUST_FORWARDED_FOR"`
	SecureCookies     bool   `mapstructure:"SECURE_COOKIES"`
}

var defaults = map[string]any{
	"STORE_URL":                "",
	"TOKEN_SECRET":             "",
	"SESSION_DURATION":         "24h",
	"SESSION_IDLE_TIMEOUT":     "2h",
	"ACCESS_TOKEN_DURATION":    "1h",
	"REFRESH_TOKEN_DURATION":   "7d",
	"REFRESH_THRESHOLD":        "15m",
	"MAX_LOGIN_ATTEMPTS":       5,
	"LOCKOUT_DURATION":         "30m",
	"RATE_LIMIT_DEFAULT":       "60/1m,1000/1h",
	"RATE_LIMIT_AUTHENTICATED": "300/1m,10000/1h",
	"RATE_LIMIT_ADMIN":         "1000/1m",
	"STORE_TIMEOUT":            "250ms",
	"STORE_MAX_RETRIES":        5,
	"KEY_PREFIX":               "",
	"HTTP_ADDR":                ":8080",
	"LOG_LEVEL":                "info",
	"LOG_PRETTY":               false,
	"DATABASE_URL":             "",
	"AUDIT_BUFFER_SIZE":        1024,
	"JANITOR_INTERVAL":         "5m",
	"JANITOR_RETENTION":        "1h",
	"INTERNAL_API_KEY":         "",
	"TRUST_FORWARDED_FOR":      false,
	"SECURE_COOKIES":           true,
}

// Load reads .env (if present) and the environment. Environment variables
// override the file. Missing .env is ignored.
func Load() (*Config, error) {
	return load(".env", "env", true)
}

// LoadFile reads settings from path (.env, .yaml or .json) and the
// environment. Unlike Load, a missing file is an error.
func LoadFile(path string) (*Config, error) {
	typ := "env"
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		typ = "yaml"
	case strings.HasSuffix(path, ".json"):
		typ = "json"
	}
	return load(path, typ, false)
}

func load(path, typ string, optional bool) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType(typ)
	if err := v.ReadInConfig(); err != nil && !optional {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	return &cfg, nil
}

// Secrets splits TokenSecret into its secrets, newest first.
func (c *Config) Secrets() [][]byte {
	var out [][]byte
	for _, s := range strings.Split(c.TokenSecret, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, []byte(s))
		}
	}
	return out
}

// Core converts the settings into a validated authcore.Config.
func (c *Config) Core() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	cfg.Token.Secrets = c.Secrets()

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"SESSION_DURATION", c.SessionDuration, &cfg.Session.Duration},
		{"SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout, &cfg.Session.IdleTimeout},
		{"ACCESS_TOKEN_DURATION", c.AccessTokenDuration, &cfg.Token.AccessDuration},
		{"REFRESH_TOKEN_DURATION", c.RefreshTokenDuration, &cfg.Token.RefreshDuration},
		{"REFRESH_THRESHOLD", c.RefreshThreshold, &cfg.Token.RefreshThreshold},
		{"LOCKOUT_DURATION", c.LockoutDuration, &cfg.Lockout.Duration},
		{"STORE_TIMEOUT", c.StoreTimeout, &cfg.Store.OperationTimeout},
	}
	for _, d := range durations {
		if err := parseInto(d.name, d.raw, d.dst); err != nil {
			return authcore.Config{}, err
		}
	}
	if cfg.Session.IdleTimeout > 0 && cfg.Session.TouchInterval >= cfg.Session.IdleTimeout {
		cfg.Session.TouchInterval = cfg.Session.IdleTimeout / 4
	}

	if c.MaxLoginAttempts > 0 {
		cfg.Lockout.MaxAttempts = c.MaxLoginAttempts
	}
	if c.StoreMaxRetries >= 0 {
		cfg.Store.MaxRetries = c.StoreMaxRetries
	}
	if c.AuditBufferSize > 0 {
		cfg.Audit.BufferSize = c.AuditBufferSize
	}
	cfg.Store.KeyPrefix = c.KeyPrefix

	rules := ratelimit.RuleSet{}
	for class, raw := range map[ratelimit.Class]string{
		ratelimit.ClassDefault:       c.RateLimitDefault,
		ratelimit.ClassAuthenticated: c.RateLimitAuthenticated,
		ratelimit.ClassAdmin:         c.RateLimitAdmin,
	} {
		parsed, err := ratelimit.ParseRules(raw)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("config: RATE_LIMIT_%s: %w", strings.ToUpper(string(class)), err)
		}
		if len(parsed) > 0 {
			rules[class] = parsed
		}
	}
	cfg.RateLimit.Rules = rules

	if err := cfg.Validate(); err != nil {
		return authcore.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Janitor returns the sweep schedule.
func (c *Config) Janitor(logger zerolog.Logger) (janitor.Config, error) {
	cfg := janitor.DefaultConfig()
	cfg.Logger = logger
	if err := parseInto("JANITOR_INTERVAL", c.JanitorInterval, &cfg.Interval); err != nil {
		return janitor.Config{}, err
	}
	if err := parseInto("JANITOR_RETENTION", c.JanitorRetention, &cfg.Retention); err != nil {
		return janitor.Config{}, err
	}
	return cfg, nil
}

// Middleware returns the interceptor options.
func (c *Config) Middleware(logger zerolog.Logger) middleware.Config {
	cfg := middleware.DefaultConfig()
	cfg.TrustForwardedFor = c.TrustForwardedFor
	cfg.SecureCookies = c.SecureCookies
	cfg.Logger = logger
	return cfg
}

// Logger builds the process logger from LOG_LEVEL and LOG_PRETTY.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.LogPretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	// Request goroutines, workers and the audit dispatcher share this logger.
	return zerolog.New(zerolog.SyncWriter(w)).Level(level).With().Timestamp().Logger()
}

func parseInto(name, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = d
	return nil
}

// ParseDuration is time.ParseDuration with an additional "d" (24h) unit,
// e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
