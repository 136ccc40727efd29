package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrVersionConflict is returned by CompareAndUpdate when the stored
	// version no longer matches the caller's expectation.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrUnavailable wraps every backend failure (network, timeout, script error).
	ErrUnavailable = errors.New("session store unavailable")
	// ErrNoChange may be returned by a Mutator to skip the write.
	ErrNoChange = errors.New("no change")
)

// Mutator edits a private copy of the current record. Returning ErrNoChange
// leaves the stored record untouched; any other error aborts the update and
// is returned to the caller unchanged.
type Mutator func(r *Record) error

// Store is the shared, TTL-backed persistence for session records, the
// revocation set and the per-session jti list.
//
// Every write attaches a TTL so unattended keys self-expire: session records
// live until ExpiresAt, revocation markers until the revoked token's own
// expiry.
type Store interface {
	// Create inserts r if no record exists for r.SessionID. The stored
	// version starts at 1 and is written back into r.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	// CompareAndUpdate applies mutate to the current record and writes the
	// result only if the stored version still equals expectedVersion.
	CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion uint64, mutate Mutator) (*Record, error)
	// Delete removes the record, its jti list and its user index entry.
	// Deleting an absent record is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// MarkRevoked atomically inserts jti into the revocation set and reports
	// whether this call performed the insert.
	MarkRevoked(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// Lookup answers IsRevoked(jti) and Get(sessionID) in one round trip.
	// A missing session yields a nil record and no error. sessionID may be
	// empty for tokens not bound to a session.
	Lookup(ctx context.Context, jti, sessionID string) (revoked bool, r *Record, err error)

	// TrackToken appends ref to the session's jti list, evicting the oldest
	// entries beyond limit.
	TrackToken(ctx context.Context, sessionID string, ref TokenRef, limit int, ttl time.Duration) error
	TrackedTokens(ctx context.Context, sessionID string) ([]TokenRef, error)
	UserSessions(ctx context.Context, userID string) ([]string, error)

	Ping(ctx context.Context) error
}

// SweepResult reports what one janitor pass removed.
type SweepResult struct {
	Scanned       int
	Deleted       int
	IndexesPruned int
}

// Sweeper is implemented by stores that can purge entries the janitor finds
// stale. Records past ExpiresAt are deleted; terminal records are deleted
// once EndedAt+retain has passed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, retain time.Duration) (SweepResult, error)
}

// shouldPurge is the shared janitor predicate.
func shouldPurge(r *Record, now time.Time, retain time.Duration) bool {
	if !r.ExpiresAt.After(now) {
		return true
	}
	if r.Status.Terminal() && !r.EndedAt.IsZero() && !r.EndedAt.Add(retain).After(now) {
		return true
	}
	return false
}

func applyMutation(current *Record, mutate Mutator) (*Record, bool, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, false, nil
		}
		return nil, false, err
	}
	next.SessionID = current.SessionID
	next.Version = current.Version + 1
	return next, true, nil
}
