package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/internal/lockout"
	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/Synapse-Technology/edulink-sub008/token"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend is a session store that also provides the windowed counters used
// by rate limiting and lockout. session.RedisStore and session.MemoryStore
// both implement it.
type Backend interface {
	session.Store
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	PeekCounter(ctx context.Context, key string) (int64, error)
	ResetCounters(ctx context.Context, keys ...string) error
}

// Builder assembles a Manager. Configure it during initialization, call
// Build once, then discard it.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	store     Backend
	auditSink audit.Sink
	logger    zerolog.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs the Manager with a RedisStore on client, using
// Config.Store.KeyPrefix.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore uses an already constructed backend. It takes precedence over
// WithRedis.
func (b *Builder) WithStore(store Backend) *Builder {
	b.store = store
	return b
}

// WithAuditSink sets where security events are delivered. Without it events
// go to the Manager's logger.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every time-dependent decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and starts the Manager's background
// workers. Call Manager.Close to stop them.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	store := b.store
	if store == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or store required")
		}
		store = session.NewRedisStore(b.redis,
			session.WithKeyPrefix(cfg.Store.KeyPrefix),
			session.WithRedisClock(now),
		)
	}

	codec, err := token.NewCodec(token.Config{
		Secrets: cfg.Token.Secrets,
		Leeway:  cfg.Token.Leeway,
		Now:     now,
	})
	if err != nil {
		return nil, err
	}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NewLoggerSink(b.logger)
	}

	lockoutCfg := lockout.Config{
		Enabled:   cfg.Lockout.Enabled,
		Threshold: cfg.Lockout.MaxAttempts,
		Window:    cfg.Lockout.Duration,
		Duration:  cfg.Lockout.Duration,
	}

	m := &Manager{
		config:         cfg,
		store:          store,
		codec:          codec,
		limiter:        ratelimit.New(store, ratelimit.Config{Now: now}),
		sessionLockout: lockout.New(store, "session", lockoutCfg),
		loginLockout:   lockout.New(store, "user", lockoutCfg),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink),
		metrics: NewMetrics(cfg.Metrics),
		logger:  b.logger.With().Str("component", "session_manager").Logger(),
		now:     now,
		tasks:   make(chan task, cfg.Session.BackgroundQueueSize),
	}
	m.startWorkers(cfg.Session.BackgroundWorkers)

	b.built = true
	return m, nil
}
