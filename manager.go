package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/internal/lockout"
	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/Synapse-Technology/edulink-sub008/token"
	"github.com/rs/zerolog"
)

// Manager owns the session state machine and token issuance. It holds no
// per-request state and is safe for concurrent use; all shared state lives
// in the Backend.
type Manager struct {
	config         Config
	store          Backend
	codec          *token.Codec
	limiter        *ratelimit.Limiter
	sessionLockout *lockout.Limiter
	loginLockout   *lockout.Limiter
	audit          *audit.Dispatcher
	metrics        *Metrics
	logger         zerolog.Logger
	now            func() time.Time

	tasksMu   sync.RWMutex
	tasks     chan task
	closed    bool
	workers   sync.WaitGroup
	pending   sync.WaitGroup
	closeOnce sync.Once
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Close drains background work and flushes queued security events.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.tasksMu.Lock()
		m.closed = true
		close(m.tasks)
		m.tasksMu.Unlock()

		m.workers.Wait()
		m.audit.Close()
	})
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() Config {
	return cloneConfig(m.config)
}

// Ping checks that the store answers within the operation timeout.
func (m *Manager) Ping(ctx context.Context) error {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.store.Ping(sctx); err != nil {
		return m.storeError("ping", err)
	}
	return nil
}

// AuditDropped returns how many security events were discarded because the
// dispatch queue was full.
func (m *Manager) AuditDropped() uint64 {
	if m == nil {
		return 0
	}
	return m.audit.Dropped()
}

// MetricsSnapshot returns a copy of the Manager's counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Rejections: map[ErrorKind]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return m.metrics.Snapshot()
}

// RecordRejection counts a rejection of err's kind. The interceptor chain
// calls it once per rejected request.
func (m *Manager) RecordRejection(err error) ErrorKind {
	kind := KindOf(err)
	if kind != KindNone {
		m.metrics.Reject(kind)
	}
	return kind
}

// EmitSecurityEvent queues e for asynchronous delivery and reports whether
// it was accepted. The caller's IP from ctx fills IPAddress when empty.
func (m *Manager) EmitSecurityEvent(ctx context.Context, e audit.Event) bool {
	if e.IPAddress == "" {
		e.IPAddress = ClientIP(ctx)
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		if _, ok := e.Metadata["user_agent"]; !ok {
			e.Metadata["user_agent"] = ua
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	return m.audit.Emit(ctx, e)
}

func (m *Manager) emit(ctx context.Context, typ audit.EventType, sessionID, userID, detail string) {
	m.EmitSecurityEvent(ctx, audit.Event{
		EventType: typ,
		SessionID: sessionID,
		UserID:    userID,
		Detail:    detail,
	})
}

// CheckRateLimit counts one request for scopeKey against the rules of
// class. A denied request returns the decision together with
// ErrRateLimitExceeded.
func (m *Manager) CheckRateLimit(ctx context.Context, scopeKey string, class ratelimit.Class) (ratelimit.Decision, error) {
	if !m.config.RateLimit.Enabled {
		return ratelimit.Decision{Allowed: true, Remaining: -1}, nil
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	d, err := m.limiter.CheckAll(sctx, scopeKey, m.config.RateLimit.Rules.For(class))
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnavailable) {
			return ratelimit.Decision{}, m.storeError("rate limit", err)
		}
		return ratelimit.Decision{}, err
	}
	if !d.Allowed {
		m.metrics.Inc(MetricRateLimitHit)
		return d, fmt.Errorf("%w: %s", ErrRateLimitExceeded, scopeKey)
	}
	return d, nil
}

/*
====================================
STORE ACCESS
====================================
*/

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.config.Store.OperationTimeout > 0 {
		return context.WithTimeout(ctx, m.config.Store.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// storeError maps store-level failures onto the public taxonomy. Anything
// that prevented an answer, including timeouts, becomes ErrStoreUnavailable.
func (m *Manager) storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrUnavailable),
		errors.Is(err, lockout.ErrUnavailable),
		errors.Is(err, ratelimit.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		m.metrics.Inc(MetricStoreUnavailable)
		m.logger.Warn().Err(err).Str("op", op).Msg("session store unavailable")
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return err
}

// update runs mutate against the current record under optimistic
// concurrency, retrying version conflicts up to Store.MaxRetries times. It
// returns the stored record and whether this call changed it.
func (m *Manager) update(ctx context.Context, op, sessionID string, mutate session.Mutator) (*session.Record, bool, error) {
	if sessionID == "" {
		return nil, false, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}

	for attempt := 0; attempt <= m.config.Store.MaxRetries; attempt++ {
		sctx, cancel := m.storeContext(ctx)
		current, err := m.store.Get(sctx, sessionID)
		if err != nil {
			cancel()
			return nil, false, m.storeError(op, err)
		}

		next, err := m.store.CompareAndUpdate(sctx, sessionID, current.Version, mutate)
		cancel()
		switch {
		case err == nil:
			return next, next.Version != current.Version, nil
		case errors.Is(err, session.ErrVersionConflict):
			continue
		default:
			return nil, false, m.storeError(op, err)
		}
	}

	m.metrics.Inc(MetricStoreUnavailable)
	m.logger.Warn().Str("op", op).Str("session_id", sessionID).Msg("compare-and-update retries exhausted")
	return nil, false, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, ErrVersionConflict)
}

/*
====================================
BACKGROUND WORK
====================================
*/

func (m *Manager) startWorkers(n int) {
	for i := 0; i < n; i++ {
		m.workers.Add(1)
		go m.runWorker()
	}
}

func (m *Manager) runWorker() {
	defer m.workers.Done()

	for t := range m.tasks {
		ctx, cancel := m.storeContext(context.Background())
		if err := t.run(ctx); err != nil {
			m.logger.Debug().Err(err).Str("task", t.name).Msg("background task failed")
		}
		cancel()
		m.pending.Done()
	}
}

// enqueue schedules best-effort work. It never blocks; when the queue is
// full or the Manager is closed the task is dropped.
func (m *Manager) enqueue(name string, run func(ctx context.Context) error) bool {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()

	if m.closed {
		return false
	}

	m.pending.Add(1)
	select {
	case m.tasks <- task{name: name, run: run}:
		return true
	default:
		m.pending.Done()
		m.metrics.Inc(MetricBackgroundDropped)
		m.logger.Debug().Str("task", name).Msg("background queue full, task dropped")
		return false
	}
}

// waitBackground blocks until every queued task has run.
func (m *Manager) waitBackground() {
	m.pending.Wait()
}
