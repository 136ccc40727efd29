package middleware

import (
	"net/http"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
)

// RefreshedTokenHeader carries a replacement access token on the response.
const RefreshedTokenHeader = "X-Refreshed-Token"

// TokenRefresh issues replacement tokens when the validated access token is
// within the refresh threshold of expiry. With a refresh token (cookie or
// RefreshHeader) the pair is rotated; without one a new access token is
// issued for the same session. Failures are logged and the request
// proceeds on the still-valid token.
func TokenRefresh(m *authcore.Manager, cfg Config) Stage {
	cfg = cfg.normalized()
	threshold := cfg.RefreshThreshold
	if threshold <= 0 && m != nil {
		threshold = m.Config().Token.RefreshThreshold
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := stateFromContext(r.Context())
			if m == nil || st == nil || threshold <= 0 || st.identity.Remaining(cfg.Now()) >= threshold {
				next.ServeHTTP(w, r)
				return
			}

			id := st.identity
			if rt := refreshToken(r, cfg); rt != "" {
				pair, err := m.RefreshToken(r.Context(), rt)
				if err != nil {
					cfg.Logger.Debug().Err(err).Str("session_id", id.SessionID).Msg("token refresh failed")
				} else {
					w.Header().Set(RefreshedTokenHeader, pair.AccessToken)
					if st.fromCookie || cookiePresent(r, cfg.RefreshCookieName) {
						setCookie(w, cfg, cfg.CookieName, pair.AccessToken, pair.AccessExpiresAt)
						setCookie(w, cfg, cfg.RefreshCookieName, pair.RefreshToken, pair.RefreshExpiresAt)
					} else {
						w.Header().Set(cfg.RefreshHeader, pair.RefreshToken)
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			tok, err := m.GenerateToken(r.Context(), id.UserID, id.SessionID, authcore.TokenAccess, id.Scopes, 0)
			if err != nil {
				cfg.Logger.Debug().Err(err).Str("session_id", id.SessionID).Msg("access token reissue failed")
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set(RefreshedTokenHeader, tok)
			if st.fromCookie {
				setCookie(w, cfg, cfg.CookieName, tok, time.Time{})
			}
			next.ServeHTTP(w, r)
		})
	}
}

func refreshToken(r *http.Request, cfg Config) string {
	if c, err := r.Cookie(cfg.RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(cfg.RefreshHeader)
}

func cookiePresent(r *http.Request, name string) bool {
	c, err := r.Cookie(name)
	return err == nil && c.Value != ""
}

func setCookie(w http.ResponseWriter, cfg Config, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
