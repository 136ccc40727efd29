// Package authcore issues, validates, refreshes and revokes sessions and
// bearer tokens shared by independently deployed services.
//
// A [Manager] is built once with [Builder] and injected wherever sessions are
// needed; there is no package-level state. All mutable state lives in a
// shared [Backend] (Redis in production) and every read-modify-write goes
// through the store's atomic primitives, so any number of Manager instances
// may serve the same store.
//
// # Validation
//
// [Manager.ValidateToken] checks signature, expiry, the revocation set and
// the bound session in that order and returns a distinct error for each
// failure. [KindOf] maps any returned error onto one [ErrorKind]. A store
// that cannot answer in time yields [ErrStoreUnavailable]; validation never
// fails open.
//
// # Rotation
//
// [Manager.RefreshToken] is exactly-once: the old refresh token is revoked
// by an atomic insert-if-absent before new tokens are issued.
//
// The request interceptor chain lives in the middleware package and the
// store implementations in the session package.
package authcore
