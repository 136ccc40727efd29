// Package ids generates the identifiers handed out by the service.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionIDPrefix marks session identifiers so they are recognizable in logs.
const SessionIDPrefix = "ses_"

// NewSessionID returns a lowercase ULID with SessionIDPrefix. ULIDs sort by
// creation time, which keeps SCAN output and logs roughly chronological.
func NewSessionID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return SessionIDPrefix + strings.ToLower(id.String()), nil
}

// ValidSessionID reports whether s has the shape NewSessionID produces.
func ValidSessionID(s string) bool {
	rest, ok := strings.CutPrefix(s, SessionIDPrefix)
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(rest))
	return err == nil
}

// NewTokenID returns a random UUID used as a token jti.
func NewTokenID() string {
	return uuid.NewString()
}

// NewEventID returns a random UUID used as a security event id.
func NewEventID() string {
	return uuid.NewString()
}
