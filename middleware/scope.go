package middleware

import (
	"net/http"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/audit"
)

// RequireScope rejects requests whose identity lacks scope with 403. It
// must run after SessionValidation.
func RequireScope(m *authcore.Manager, cfg Config, scope string) Stage {
	cfg = cfg.normalized()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				reject(m, cfg, w, r, authcore.ErrTokenInvalid, nil)
				return
			}
			if !id.HasScope(scope) {
				if m != nil {
					m.EmitSecurityEvent(r.Context(), audit.Event{
						EventType: audit.EventTokenRejected,
						SessionID: id.SessionID,
						UserID:    id.UserID,
						Detail:    "insufficient_scope",
						Metadata:  map[string]string{"scope": scope},
					})
				}
				writeError(w, http.StatusForbidden, "insufficient_scope", "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is RequireScope with the configured admin scope.
func RequireAdmin(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	return RequireScope(m, cfg, cfg.AdminScope)
}
