package middleware

import (
	"net"
	"net/http"
	"strings"

	authcore "github.com/Synapse-Technology/edulink-sub008"
)

// ClientContext records the caller's IP and User-Agent in the request
// context so security events emitted downstream carry them.
func ClientContext(cfg Config) Stage {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := authcore.WithClientIP(r.Context(), clientIP(r, cfg.TrustForwardedFor))
			ctx = authcore.WithUserAgent(ctx, r.UserAgent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIP(r *http.Request, cfg Config) string {
	if ip := authcore.ClientIP(r.Context()); ip != "" {
		return ip
	}
	return clientIP(r, cfg.TrustForwardedFor)
}
