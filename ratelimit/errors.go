package ratelimit

import "errors"

var (
	// ErrRateLimited is returned by callers that turn a denied Decision into
	// an error.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable means the counter backend could not be reached. Callers
	// must treat it as a denial.
	ErrUnavailable = errors.New("rate limit backend unavailable")
	// ErrInvalidRule is returned by ParseRules for malformed rule strings.
	ErrInvalidRule = errors.New("invalid rate limit rule")
)
