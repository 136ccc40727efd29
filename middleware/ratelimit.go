package middleware

import (
	"net/http"
	"strconv"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/ratelimit"
)

// RateLimit counts the request against the caller's rules: per user for
// authenticated requests (admin class when the identity has the admin
// scope), per IP otherwise.
func RateLimit(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			scope, class := ratelimit.ScopeIP(requestIP(r, cfg)), ratelimit.ClassDefault
			id, authenticated := IdentityFromContext(r.Context())
			if authenticated {
				scope, class = ratelimit.ScopeUser(id.UserID), ratelimit.ClassAuthenticated
				if id.HasScope(cfg.AdminScope) {
					class = ratelimit.ClassAdmin
				}
			}

			d, err := m.CheckRateLimit(r.Context(), scope, class)
			if d.Remaining >= 0 && d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if err != nil {
				if !d.Allowed && !d.ResetAt.IsZero() {
					secs := int(d.RetryAfter(cfg.Now()).Seconds())
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				reject(m, cfg, w, r, err, id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
