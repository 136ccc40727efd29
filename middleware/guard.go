package middleware

import (
	"context"
	"net/http"
	"strings"

	authcore "github.com/Synapse-Technology/edulink-sub008"
)

type authStateContextKey struct{}

type authState struct {
	identity   *authcore.Identity
	fromCookie bool
}

// IdentityFromContext returns the identity attached by SessionValidation.
func IdentityFromContext(ctx context.Context) (*authcore.Identity, bool) {
	st, ok := ctx.Value(authStateContextKey{}).(*authState)
	if !ok || st.identity == nil {
		return nil, false
	}
	return st.identity, true
}

func stateFromContext(ctx context.Context) *authState {
	st, _ := ctx.Value(authStateContextKey{}).(*authState)
	return st
}

// SessionValidation requires a valid access token in the Authorization
// header or the session cookie. Refresh and one-time tokens are refused.
func SessionValidation(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			tok, fromCookie := extractToken(r, cfg.CookieName)
			if tok == "" {
				reject(m, cfg, w, r, authcore.ErrTokenMalformed, nil)
				return
			}

			id, err := m.ValidateToken(r.Context(), tok)
			if err == nil && id.TokenType != authcore.TokenAccess {
				err = authcore.ErrTokenInvalid
			}
			if err != nil {
				reject(m, cfg, w, r, err, nil)
				return
			}

			ctx := context.WithValue(r.Context(), authStateContextKey{}, &authState{identity: id, fromCookie: fromCookie})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken prefers the Authorization header over the cookie.
func extractToken(r *http.Request, cookieName string) (string, bool) {
	if tok, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return tok, false
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
