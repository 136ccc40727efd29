package session

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// Status is the lifecycle state of a session record.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusExpired
	StatusRevoked
	StatusLocked
)

// ErrInvalidTransition is returned by Record.Transition for moves the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid session status transition")

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusExpired:
		return "EXPIRED"
	case StatusRevoked:
		return "REVOKED"
	case StatusLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// ParseStatus is the inverse of Status.String, case-insensitive.
func ParseStatus(v string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ACTIVE":
		return StatusActive, nil
	case "EXPIRED":
		return StatusExpired, nil
	case "REVOKED":
		return StatusRevoked, nil
	case "LOCKED":
		return StatusLocked, nil
	}
	return 0, errors.New("unknown session status " + v)
}

// Record is the server-side state of one authenticated session.
//
// Version is owned by the store: it is assigned on Create and bumped on every
// successful CompareAndUpdate. EndedAt is set when the session reaches a
// terminal status.
type Record struct {
	SessionID         string
	UserID            string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	EndedAt        time.Time

	Status   Status
	Version  uint64
	Metadata map[string]string
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// Remaining is the storage lifetime left at now. It is never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Transition moves the record to next, enforcing the state machine:
// ACTIVE may become EXPIRED, REVOKED or LOCKED; LOCKED may become REVOKED, or
// ACTIVE through an administrative unlock (admin must be true). Terminal
// states never change.
func (r *Record) Transition(next Status, now time.Time, admin bool) error {
	switch {
	case r.Status == next:
		return nil
	case r.Status.Terminal():
		return ErrInvalidTransition
	case r.Status == StatusLocked && next == StatusExpired:
		return ErrInvalidTransition
	case r.Status == StatusLocked && next == StatusActive && !admin:
		return ErrInvalidTransition
	case next != StatusActive && next != StatusExpired && next != StatusRevoked && next != StatusLocked:
		return ErrInvalidTransition
	}

	r.Status = next
	if next.Terminal() {
		r.EndedAt = now
	}
	if next == StatusActive && now.After(r.LastActivityAt) {
		r.LastActivityAt = now
	}
	return nil
}

// TokenRef is a jti issued against a session together with the moment it
// stops being valid.
type TokenRef struct {
	JTI       string
	ExpiresAt time.Time
}
