package authcore

import (
	"slices"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/Synapse-Technology/edulink-sub008/token"
)

// Session is the server-side session record.
type Session = session.Record

// SessionStatus is the lifecycle state of a Session.
type SessionStatus = session.Status

const (
	StatusActive  = session.StatusActive
	StatusExpired = session.StatusExpired
	StatusRevoked = session.StatusRevoked
	StatusLocked  = session.StatusLocked
)

// TokenType is the purpose a token was issued for.
type TokenType = token.Type

const (
	TokenAccess            = token.TypeAccess
	TokenRefresh           = token.TypeRefresh
	TokenEmailVerification = token.TypeEmailVerification
	TokenPasswordReset     = token.TypePasswordReset
	TokenEmailChange       = token.TypeEmailChange
)

// Identity is what a successful validation yields. It is attached to the
// request context by the interceptor chain.
type Identity struct {
	UserID    string
	SessionID string
	Scopes    []string
	TokenType TokenType
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether scope was granted to the token.
func (i *Identity) HasScope(scope string) bool {
	return i != nil && slices.Contains(i.Scopes, scope)
}

// Remaining is how long the token stays valid after now.
func (i *Identity) Remaining(now time.Time) time.Duration {
	if i == nil {
		return 0
	}
	return i.ExpiresAt.Sub(now)
}

// TokenPair is the result of StartSession and RefreshToken.
type TokenPair struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// SessionRequest describes a session to create after the caller has
// verified credentials.
type SessionRequest struct {
	UserID            string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Scopes            []string
	// TTL overrides Config.Session.Duration when positive.
	TTL      time.Duration
	Metadata map[string]string
}
