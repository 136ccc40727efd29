// Package ratelimit implements fixed-window request counters keyed by a
// caller scope (IP, user, API key).
//
// # Window semantics
//
// Windows are aligned to the Unix epoch. Each check increments the counter
// for the current window with an atomic INCR that sets the key TTL on the
// first hit, so the N-th request past the limit is rejected no matter how
// concurrent callers interleave. Keys look like
//
//	ratelimit:{scope_key}:{window_start_unix_ms}
//
// A request may be subject to several rules (per minute, per hour). They are
// evaluated independently and the request is allowed only if all allow it.
package ratelimit
