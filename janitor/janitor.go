// Package janitor periodically purges session records that can no longer
// be used. A pass is idempotent and may run on every instance at once.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/rs/zerolog"
)

// Config controls the sweep schedule.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// Retention keeps terminal sessions readable for this long after they
	// ended, so ListSessions and admin tools can still show them.
	Retention time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// DefaultConfig runs every five minutes and keeps ended sessions for an
// hour.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Retention: time.Hour,
		Logger:    zerolog.Nop(),
		Now:       time.Now,
	}
}

// Janitor drives a session.Sweeper.
type Janitor struct {
	sweeper session.Sweeper
	config  Config
	logger  zerolog.Logger
}

// New returns a Janitor for sweeper.
func New(sweeper session.Sweeper, cfg Config) (*Janitor, error) {
	if sweeper == nil {
		return nil, errors.New("janitor: sweeper required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("janitor: interval must be > 0")
	}
	if cfg.Retention < 0 {
		return nil, errors.New("janitor: retention must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		sweeper: sweeper,
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "janitor").Logger(),
	}, nil
}

// RunOnce performs a single pass.
func (j *Janitor) RunOnce(ctx context.Context) (session.SweepResult, error) {
	start := time.Now()
	res, err := j.sweeper.Sweep(ctx, j.config.Now().UTC(), j.config.Retention)
	if err != nil {
		j.logger.Warn().Err(err).Int("deleted", res.Deleted).Msg("sweep failed")
		return res, err
	}

	j.logger.Debug().
		Int("scanned", res.Scanned).
		Int("deleted", res.Deleted).
		Int("indexes_pruned", res.IndexesPruned).
		Dur("took", time.Since(start)).
		Msg("sweep complete")
	return res, nil
}

// Run sweeps every Interval until ctx is done. A failed pass is logged and
// retried on the next tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
