// Package middleware is the request interceptor chain placed in front of
// services that accept session tokens.
//
// # Stages
//
// A [Stage] wraps an http.Handler. [Gateway] composes the standard order:
//
//   - [SecurityHeaders]: hardening headers on every response, never blocks.
//   - [ClientContext]: records the caller's IP and User-Agent for security events.
//   - [SessionValidation]: Bearer header or session cookie, validated by
//     authcore.Manager.ValidateToken; the identity is placed in the request
//     context ([IdentityFromContext]).
//   - [TokenRefresh]: rotates tokens close to expiry and returns them in
//     X-Refreshed-Token and cookies. It never fails the request.
//   - [RateLimit]: keyed by user when authenticated, else by IP.
//
// Any rejection ends the request. Each rejection is counted once by kind and
// produces exactly one security event.
//
// # Boundaries
//
// This package translates HTTP into Manager calls. It does not parse tokens
// or touch the store directly.
package middleware
