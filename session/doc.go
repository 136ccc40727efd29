// Package session provides the shared session store: session records, the
// token revocation set and the per-session list of issued token ids.
//
// # Backends
//
// [RedisStore] is the production backend. Creation is an "insert if absent"
// Lua script, updates are optimistic compare-and-set scripts keyed on the
// record version embedded in the stored blob, and revocation is SET NX.
// [MemoryStore] offers the same semantics inside one process.
//
// # Key layout
//
//	session:{session_id}         binary Record, TTL = ExpiresAt
//	revoked:{jti}                presence marker, TTL = token lifetime
//	session_tokens:{session_id}  list of "jti|exp_ms", oldest first
//	user_sessions:{user_id}      set of session ids
//
// Both backends also expose windowed counters (IncrWindow, PeekCounter,
// ResetCounters) used by the rate limiter and lockout policy.
//
// # Boundaries
//
// This package does not interpret tokens or decide whether a session is
// usable; it persists what the manager tells it to and enforces only the
// status transition table in [Record.Transition].
package session
