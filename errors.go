package authcore

import (
	"errors"
	"fmt"

	"github.com/Synapse-Technology/edulink-sub008/session"
)

var (
	// ErrSessionNotFound is returned when the referenced session does not exist
	// or has already been purged.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for sessions past their absolute or idle
	// deadline.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionRevoked is returned for sessions terminated by logout or an
	// administrator.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionLocked is returned for sessions locked by security policy.
	ErrSessionLocked = errors.New("session locked")

	// ErrTokenInvalid is the parent of every structural token failure.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenMalformed covers undecodable tokens and tokens with the wrong
	// claim set.
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)
	// ErrTokenSignatureInvalid covers bad signatures and unexpected
	// algorithms or key ids.
	ErrTokenSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrTokenInvalid)
	// ErrTokenExpired is returned once exp has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the token's jti is in the revocation set.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRefreshReuse is returned when a refresh token is presented again.
	// The Manager has already emitted refresh_reuse_detected for it.
	ErrRefreshReuse = fmt.Errorf("%w: refresh token reuse", ErrTokenRevoked)

	// ErrRateLimitExceeded is returned when a rate limit rule denies a request.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrLoginLocked is returned by CheckLogin while a user is locked out.
	ErrLoginLocked = fmt.Errorf("%w: login locked", ErrRateLimitExceeded)

	// ErrStoreUnavailable is returned when the session store cannot be reached
	// in time. Callers must treat it as retryable and never as "valid".
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrVersionConflict is retried inside the Manager and only escapes
	// wrapped in ErrStoreUnavailable.
	ErrVersionConflict = session.ErrVersionConflict

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorKind classifies an error into the taxonomy used for logging, metrics
// and HTTP mapping.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindSessionNotFound
	KindSessionExpired
	KindSessionRevoked
	KindSessionLocked
	KindTokenMalformed
	KindTokenSignatureInvalid
	KindTokenInvalid
	KindTokenExpired
	KindTokenRevoked
	KindRateLimitExceeded
	KindStoreUnavailable
	KindVersionConflict
	KindInvalidArgument
	KindInternal
	kindCount
)

var kindNames = [kindCount]string{
	KindNone:                  "none",
	KindSessionNotFound:       "session_not_found",
	KindSessionExpired:        "session_expired",
	KindSessionRevoked:        "session_revoked",
	KindSessionLocked:         "session_locked",
	KindTokenMalformed:        "token_malformed",
	KindTokenSignatureInvalid: "token_signature_invalid",
	KindTokenInvalid:          "token_invalid",
	KindTokenExpired:          "token_expired",
	KindTokenRevoked:          "token_revoked",
	KindRateLimitExceeded:     "rate_limit_exceeded",
	KindStoreUnavailable:      "store_unavailable",
	KindVersionConflict:       "version_conflict",
	KindInvalidArgument:       "invalid_argument",
	KindInternal:              "internal",
}

func (k ErrorKind) String() string {
	if k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// KindOf maps err to exactly one ErrorKind. Store failures outrank
// everything, and session kinds outrank token kinds, so a revoked token for
// a revoked session reports KindSessionRevoked.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrSessionRevoked):
		return KindSessionRevoked
	case errors.Is(err, ErrSessionLocked):
		return KindSessionLocked
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrTokenRevoked):
		return KindTokenRevoked
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrTokenSignatureInvalid):
		return KindTokenSignatureInvalid
	case errors.Is(err, ErrTokenMalformed):
		return KindTokenMalformed
	case errors.Is(err, ErrTokenInvalid):
		return KindTokenInvalid
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimitExceeded
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	}
	return KindInternal
}

// IsSessionError reports whether k describes a session-state rejection.
func (k ErrorKind) IsSessionError() bool {
	return k >= KindSessionNotFound && k <= KindSessionLocked
}

// IsTokenError reports whether k describes a token rejection.
func (k ErrorKind) IsTokenError() bool {
	return k >= KindTokenMalformed && k <= KindTokenRevoked
}

func statusError(s session.Status) error {
	switch s {
	case session.StatusExpired:
		return ErrSessionExpired
	case session.StatusRevoked:
		return ErrSessionRevoked
	case session.StatusLocked:
		return ErrSessionLocked
	}
	return nil
}
